// Package config loads process configuration from the environment. A .env
// file is honored when present. Required keys fail fast at startup.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/rslive/gateway/internal/faults"
)

// Defaults for optional keys.
const (
	DefaultZMQTimeout     = 5 * time.Second
	DefaultGatewayPort    = "8080"
	DefaultDatastorePort  = "8081"
	DefaultUpstreamURL    = "wss://api.openai.com/v1/realtime"
	DefaultUpstreamModel  = "gpt-realtime"
	DefaultSummaryBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Gateway holds the front-end process configuration.
type Gateway struct {
	Port          string
	ZMQSocketPath string
	ZMQTimeout    time.Duration
	OpenAIAPIKey  string
	UpstreamURL   string
	UpstreamModel string

	LogLevel  string
	LogFormat string
}

// Datastore holds the back-end process configuration.
type Datastore struct {
	Port            string
	DBPath          string
	DBEncryptionKey string
	ZMQSocketPath   string
	GeminiAPIKey    string // optional, summarization only
	SummaryBaseURL  string

	LogLevel  string
	LogFormat string
}

// LoadGateway reads the gateway configuration from the environment.
func LoadGateway() (*Gateway, error) {
	loadDotenv()

	cfg := &Gateway{
		Port:          getEnv("PORT", DefaultGatewayPort),
		ZMQTimeout:    zmqTimeout(),
		UpstreamURL:   getEnv("UPSTREAM_URL", DefaultUpstreamURL),
		UpstreamModel: getEnv("UPSTREAM_MODEL", DefaultUpstreamModel),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     os.Getenv("LOG_FORMAT"),
	}

	var err error
	if cfg.ZMQSocketPath, err = requireEnv("ZMQ_SOCKET_PATH"); err != nil {
		return nil, err
	}
	if cfg.OpenAIAPIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatastore reads the datastore configuration from the environment.
func LoadDatastore() (*Datastore, error) {
	loadDotenv()

	cfg := &Datastore{
		Port:           getEnv("PORT", DefaultDatastorePort),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		SummaryBaseURL: getEnv("GEMINI_BASE_URL", DefaultSummaryBaseURL),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}

	var err error
	if cfg.DBPath, err = requireEnv("DB_PATH"); err != nil {
		return nil, err
	}
	if cfg.DBEncryptionKey, err = requireEnv("DB_ENCRYPTION_KEY"); err != nil {
		return nil, err
	}
	if cfg.ZMQSocketPath, err = requireEnv("ZMQ_SOCKET_PATH"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotenv() {
	// Best effort: absence of a .env file is the normal production case.
	_ = godotenv.Load(".env")
}

func zmqTimeout() time.Duration {
	raw := os.Getenv("ZMQ_TIMEOUT_MS")
	if raw == "" {
		return DefaultZMQTimeout
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return DefaultZMQTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", faults.Newf(faults.InternalEnvKeyNotFound, "missing required env key %s", key)
	}
	return v, nil
}
