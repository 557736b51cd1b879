// Package files downloads and stages the files referenced by file entities:
// size limits, MIME sniffing, filename extraction and a per-sync staging
// directory. Oversize or unsupported files surface as a skip, not an error.
package files

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/pkg/models"
)

// DefaultMaxFileSize caps downloads at 50 MiB unless configured otherwise.
const DefaultMaxFileSize = 50 << 20

const downloadAttempts = 3

// TokenProvider authenticates downloads from token-protected sources.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
	RefreshOnUnauthorized(ctx context.Context) (string, error)
}

// Downloader stages files for one sync job under a private temp directory.
type Downloader struct {
	log     zerolog.Logger
	httpc   *http.Client
	tokens  TokenProvider
	dir     string
	maxSize int64
}

// NewDownloader creates the per-sync staging directory and a downloader
// bound to it. tokens may be nil for public URLs.
func NewDownloader(log zerolog.Logger, httpc *http.Client, tokens TokenProvider, syncJobID string, maxSize int64) (*Downloader, error) {
	if httpc == nil {
		httpc = &http.Client{Timeout: 120 * time.Second}
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	dir, err := os.MkdirTemp("", "airweave-sync-"+syncJobID+"-")
	if err != nil {
		return nil, fmt.Errorf("files: staging dir: %w", err)
	}
	return &Downloader{log: log, httpc: httpc, tokens: tokens, dir: dir, maxSize: maxSize}, nil
}

// Dir returns the staging directory path.
func (d *Downloader) Dir() string { return d.dir }

// Cleanup removes the staging directory and everything in it.
func (d *Downloader) Cleanup() error { return os.RemoveAll(d.dir) }

// Download fetches the entity's URL, stages the content and fills in
// local_path, size and mime_type. Oversize content and ordinary 4xx
// responses return models.ErrFileSkipped.
func (d *Downloader) Download(ctx context.Context, e *models.Entity) error {
	if e.File == nil || e.File.URL == "" {
		return fmt.Errorf("files: entity %s has no url", e.EntityID)
	}

	var lastErr error
	backoff := time.Second
	refreshed := false
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.File.URL, nil)
		if err != nil {
			return fmt.Errorf("files: build request: %w", err)
		}
		if d.tokens != nil {
			token, err := d.tokens.GetValidToken(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := d.httpc.Do(req)
		if err != nil {
			lastErr = err
			d.log.Debug().Err(err).Int("attempt", attempt).Str("url", e.File.URL).Msg("download failed, retrying")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && d.tokens != nil && !refreshed {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			refreshed = true
			if _, err := d.tokens.RefreshOnUnauthorized(ctx); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		if resp.StatusCode >= 400 {
			// Ordinary client errors are a skip, never fatal for the sync.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			d.log.Debug().Int("status", resp.StatusCode).Str("url", e.File.URL).Msg("download skipped")
			return models.ErrFileSkipped
		}

		err = d.stage(e, resp)
		resp.Body.Close()
		return err
	}
	return models.ProviderErrorf(lastErr, "files: download %s", e.File.URL)
}

func (d *Downloader) stage(e *models.Entity, resp *http.Response) error {
	if resp.ContentLength > d.maxSize {
		d.log.Debug().Int64("size", resp.ContentLength).Str("entity", e.EntityID).Msg("file exceeds size limit")
		return models.ErrFileSkipped
	}

	name := filenameFor(e, resp)
	f, err := os.CreateTemp(d.dir, "*-"+sanitize(name))
	if err != nil {
		return fmt.Errorf("files: create: %w", err)
	}
	defer f.Close()

	// Copy one byte past the limit so silent oversize bodies are caught.
	n, err := io.Copy(f, io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("files: write: %w", err)
	}
	if n > d.maxSize {
		os.Remove(f.Name())
		return models.ErrFileSkipped
	}

	e.File.LocalPath = f.Name()
	e.File.Size = n
	e.File.MimeType = sniffMime(resp.Header.Get("Content-Type"), name)
	if e.File.FileType == "" {
		e.File.FileType = strings.TrimPrefix(filepath.Ext(name), ".")
	}
	return nil
}

// SaveBytes stages pre-fetched content for drivers that already hold the
// raw bytes (exports, API payloads).
func (d *Downloader) SaveBytes(e *models.Entity, content []byte, filename string) error {
	if int64(len(content)) > d.maxSize {
		return models.ErrFileSkipped
	}
	if filename == "" {
		filename = e.Name
	}
	f, err := os.CreateTemp(d.dir, "*-"+sanitize(filename))
	if err != nil {
		return fmt.Errorf("files: create: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("files: write: %w", err)
	}
	if e.File == nil {
		e.File = &models.FileAttrs{}
	}
	e.File.LocalPath = f.Name()
	e.File.Size = int64(len(content))
	e.File.MimeType = sniffMime("", filename)
	if e.File.FileType == "" {
		e.File.FileType = strings.TrimPrefix(filepath.Ext(filename), ".")
	}
	return nil
}

// filenameFor picks a filename: Content-Disposition, then the URL path,
// then the entity name.
func filenameFor(e *models.Entity, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := params["filename"]; fn != "" {
				return fn
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if base := path.Base(resp.Request.URL.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	if e.Name != "" {
		return e.Name
	}
	return e.EntityID
}

// sniffMime resolves the MIME type from the header, falling back to the
// filename extension.
func sniffMime(contentType, filename string) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if ext := filepath.Ext(filename); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			if mtOnly, _, err := mime.ParseMediaType(mt); err == nil {
				return mtOnly
			}
			return mt
		}
	}
	if contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}

func sanitize(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
