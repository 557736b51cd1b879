package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/pkg/models"
)

const (
	maxAttempts    = 5
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
)

// HTTPFactory builds the underlying http.Client. Hosts supply one to enable
// proxy or sandbox modes; the default has a 30 s timeout.
type HTTPFactory func() *http.Client

// DefaultHTTPFactory returns a plain client with a 30 s timeout.
func DefaultHTTPFactory() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// Client enforces the driver HTTP discipline: every request is authenticated
// per call via the token provider (never a cached token closure), a 401
// triggers exactly one refresh-and-retry, 429 and transient faults retry
// with bounded exponential backoff.
type Client struct {
	log     zerolog.Logger
	factory HTTPFactory
	tokens  TokenProvider
}

// NewClient builds a disciplined HTTP client. tokens may be nil for sources
// that authenticate per request themselves (e.g. OAuth1 signing).
func NewClient(log zerolog.Logger, factory HTTPFactory, tokens TokenProvider) *Client {
	if factory == nil {
		factory = DefaultHTTPFactory
	}
	return &Client{log: log, factory: factory, tokens: tokens}
}

// Do performs an authenticated request with the retry discipline. The
// returned response may carry any non-retryable status; callers decide how
// to treat 4xx.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	httpc := c.factory()
	backoff := initialBackoff
	refreshed := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if c.tokens != nil {
			token, err := c.tokens.GetValidToken(ctx)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := httpc.Do(req)
		if err != nil {
			if !isTransient(err) || attempt == maxAttempts {
				return nil, models.ProviderErrorf(err, "%s %s", method, url)
			}
			c.log.Debug().Err(err).Int("attempt", attempt).Str("url", url).Msg("transient http error, retrying")
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && c.tokens != nil && !refreshed:
			drain(resp)
			refreshed = true
			if _, err := c.tokens.RefreshOnUnauthorized(ctx); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			drain(resp)
			if attempt == maxAttempts {
				return nil, models.RateLimitf("%s %s: retry budget exhausted", method, url)
			}
			wait := retryAfter(resp, backoff)
			c.log.Debug().Dur("wait", wait).Int("attempt", attempt).Str("url", url).Msg("rate limited, backing off")
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			backoff = nextBackoff(backoff)
			continue

		case resp.StatusCode >= 500:
			drain(resp)
			if attempt == maxAttempts {
				return nil, models.ProviderErrorf(nil, "%s %s: status %d", method, url, resp.StatusCode)
			}
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		return resp, nil
	}
	return nil, models.ProviderErrorf(nil, "%s %s: retry budget exhausted", method, url)
}

// GetJSON performs an authenticated GET and decodes the JSON body.
// Non-2xx responses become provider errors.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return models.ProviderErrorf(nil, "GET %s: status %d: %s", url, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostJSON performs an authenticated POST of a JSON body and decodes the
// JSON response.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	var body []byte
	header := http.Header{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
		header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(ctx, http.MethodPost, url, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return models.ProviderErrorf(nil, "POST %s: status %d: %s", url, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
