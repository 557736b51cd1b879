// Package drivers ships the built-in source integrations. Each driver lives
// in its own file and registers declarative metadata plus a factory; the
// host wires credentials, config and collaborators through the registry.
package drivers

import (
	"os"

	"github.com/airweave/airweave/internal/source"
)

// RegisterAll registers every built-in source driver.
func RegisterAll(r *source.Registry) {
	r.Register(notionRegistration())
	r.Register(slackRegistration())
	r.Register(confluenceRegistration())
	r.Register(sharepointRegistration())
	r.Register(googleDocsRegistration())
	r.Register(clickupRegistration())
	r.Register(zoomRegistration())
	r.Register(miroRegistration())
	r.Register(evernoteRegistration())
	r.Register(calendlyRegistration())
	r.Register(postgresRegistration())
	r.Register(githubFilesRegistration())
}

// platformClient resolves the platform OAuth client for a provider from the
// environment. Empty values leave the source BYOC-only in practice.
func platformClient(prefix string) (id, secret string) {
	return os.Getenv(prefix + "_CLIENT_ID"), os.Getenv(prefix + "_CLIENT_SECRET")
}

func strField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
