package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Airweave server.
type Config struct {
	Port    int
	Version string

	// APIURL is the public base URL of this API, used to build OAuth
	// redirect URIs. AppURL is the frontend the browser flow returns to.
	APIURL string
	AppURL string

	// EncryptionKey protects credentials at rest. Required.
	EncryptionKey string

	Qdrant    QdrantConfig
	Providers ProviderConfig
	Sync      SyncConfig
	Telemetry TelemetryConfig
}

type QdrantConfig struct {
	URL    string
	APIKey string
}

// ProviderConfig carries the model provider API keys. A missing key makes
// the matching providers unavailable; the search builder reports which
// variable to set.
type ProviderConfig struct {
	OpenAIAPIKey   string
	CohereAPIKey   string
	GroqAPIKey     string
	CerebrasAPIKey string

	// PreferencesPath points at the YAML file listing ordered provider
	// preferences per pipeline role. Empty uses the built-in defaults.
	PreferencesPath string
}

type SyncConfig struct {
	MaxFileSize   int64
	WorkerCount   int
	EventQueueLen int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:          envInt("AIRWEAVE_PORT", 8080),
		Version:       envStr("AIRWEAVE_VERSION", "0.1.0"),
		APIURL:        envStr("AIRWEAVE_API_URL", "http://localhost:8080"),
		AppURL:        envStr("AIRWEAVE_APP_URL", "http://localhost:3000"),
		EncryptionKey: envStr("AIRWEAVE_ENCRYPTION_KEY", ""),
		Qdrant: QdrantConfig{
			URL:    envStr("QDRANT_URL", "http://localhost:6333"),
			APIKey: envStr("QDRANT_API_KEY", ""),
		},
		Providers: ProviderConfig{
			OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
			CohereAPIKey:    envStr("COHERE_API_KEY", ""),
			GroqAPIKey:      envStr("GROQ_API_KEY", ""),
			CerebrasAPIKey:  envStr("CEREBRAS_API_KEY", ""),
			PreferencesPath: envStr("AIRWEAVE_PROVIDER_PREFERENCES", ""),
		},
		Sync: SyncConfig{
			MaxFileSize:   int64(envInt("SYNC_MAX_FILE_SIZE", 50<<20)),
			WorkerCount:   envInt("SYNC_WORKER_COUNT", 8),
			EventQueueLen: envInt("EVENT_QUEUE_LEN", 256),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "airweave"),
		},
	}
}

// Validate checks invariants that would otherwise fail deep inside a sync.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("config: AIRWEAVE_ENCRYPTION_KEY is required")
	}
	return nil
}

// ── provider preferences ────────────────────────────────────

// Preferences lists provider short names in priority order per pipeline
// role. The first available provider of each list wins.
type Preferences struct {
	Embedding []string `yaml:"embedding"`
	Rerank    []string `yaml:"rerank"`
	LLM       []string `yaml:"llm"`
}

// DefaultPreferences mirrors the shipped defaults file.
func DefaultPreferences() Preferences {
	return Preferences{
		Embedding: []string{"openai"},
		Rerank:    []string{"cohere"},
		LLM:       []string{"groq", "openai", "cerebras"},
	}
}

// LoadPreferences reads the YAML preferences file, or returns the defaults
// when no path is configured.
func LoadPreferences(path string) (Preferences, error) {
	if path == "" {
		return DefaultPreferences(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Preferences{}, fmt.Errorf("config: read preferences: %w", err)
	}
	var p Preferences
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Preferences{}, fmt.Errorf("config: parse preferences: %w", err)
	}
	defaults := DefaultPreferences()
	if len(p.Embedding) == 0 {
		p.Embedding = defaults.Embedding
	}
	if len(p.Rerank) == 0 {
		p.Rerank = defaults.Rerank
	}
	if len(p.LLM) == 0 {
		p.LLM = defaults.LLM
	}
	return p, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
