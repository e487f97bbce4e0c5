// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	AppEnv          string
	AllowedOrigins  []string
	UseMockServices bool
	ShutdownTimeout time.Duration

	Store      StoreConfig
	WebSocket  WebSocketConfig
	Workflow   WorkflowConfig
	Catalog    CatalogConfig
	Media      MediaConfig
	LLM        LLMConfig
	Transcript TranscriptConfig
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	Driver            string
	DBPath            string
	DatabaseURL       string
	SessionTTL        time.Duration
	RetentionInterval time.Duration
}

// WebSocketConfig tunes the live channel.
type WebSocketConfig struct {
	HeartbeatInterval time.Duration
	MaxConnections    int
	CleanupInterval   time.Duration
	StaleTimeout      time.Duration
	WriteTimeout      time.Duration
	RateLimitPerUser  int
	RateWindow        time.Duration
}

// WorkflowConfig tunes the graph engine.
type WorkflowConfig struct {
	MaxClarificationLoops int
	MaxConcurrentRuns     int
	CollaboratorTimeout   time.Duration
	SearchTimeout         time.Duration
}

// CatalogConfig points at the catalog service.
type CatalogConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// MediaConfig points at the media service.
type MediaConfig struct {
	Addr           string
	Language       string
	RequestTimeout time.Duration
}

// LLMConfig selects the language model provider.
type LLMConfig struct {
	Provider    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// TranscriptConfig controls NDJSON conversation transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// source resolves a setting from the environment first, then from the
// optional YAML file named by CONFIG_FILE.
type source struct {
	file map[string]string
}

func newSource() (*source, error) {
	s := &source{file: map[string]string{}}
	path, ok := os.LookupEnv("CONFIG_FILE")
	if !ok || strings.TrimSpace(path) == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			s.file[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			s.file[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return s, nil
}

func (s *source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

// Load reads configuration from environment variables and the optional
// CONFIG_FILE overlay. Environment variables take precedence.
func Load() (*Config, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:            src.getEnv("PORT", "8000"),
		AppEnv:          strings.ToLower(src.getEnv("APP_ENV", "development")),
		AllowedOrigins:  src.getEnvList("CORS_ORIGINS", []string{"*"}),
		UseMockServices: src.getEnvBool("USE_MOCK_SERVICES", false),
		ShutdownTimeout: src.getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Store: StoreConfig{
			Driver:            src.getEnv("STORE_DRIVER", "sqlite"),
			DBPath:            src.getEnv("DB_PATH", "./data/talknshop.db"),
			DatabaseURL:       src.getEnv("DATABASE_URL", ""),
			SessionTTL:        src.getEnvDuration("SESSION_TTL", 24*time.Hour),
			RetentionInterval: src.getEnvDuration("RETENTION_INTERVAL", 5*time.Minute),
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: src.getEnvDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
			MaxConnections:    src.getEnvInt("WS_MAX_CONNECTIONS", 1000),
			CleanupInterval:   src.getEnvDuration("WS_CLEANUP_INTERVAL", 60*time.Second),
			StaleTimeout:      src.getEnvDuration("WS_STALE_TIMEOUT", 300*time.Second),
			WriteTimeout:      src.getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			RateLimitPerUser:  src.getEnvInt("RATE_LIMIT_PER_USER", 10),
			RateWindow:        src.getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Workflow: WorkflowConfig{
			MaxClarificationLoops: src.getEnvInt("MAX_CLARIFICATION_LOOPS", 2),
			MaxConcurrentRuns:     src.getEnvInt("MAX_CONCURRENT_RUNS", 100),
			CollaboratorTimeout:   src.getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
			SearchTimeout:         src.getEnvDuration("SEARCH_TIMEOUT", 60*time.Second),
		},
		Catalog: CatalogConfig{
			URL:        src.getEnv("CATALOG_SERVICE_URL", "http://catalog-service:8002"),
			Timeout:    src.getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries: src.getEnvInt("HTTP_MAX_RETRIES", 3),
			RetryDelay: src.getEnvDuration("HTTP_RETRY_DELAY", time.Second),
		},
		Media: MediaConfig{
			Addr:           src.getEnv("MEDIA_SERVICE_ADDR", ""),
			Language:       src.getEnv("MEDIA_LANGUAGE", "en"),
			RequestTimeout: src.getEnvDuration("MEDIA_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(src.getEnv("LLM_PROVIDER", "none")),
			APIKey:      src.getEnv("LLM_API_KEY", ""),
			Model:       src.getEnv("LLM_MODEL", ""),
			MaxTokens:   src.getEnvInt("LLM_MAX_TOKENS", 1024),
			Temperature: src.getEnvFloat("LLM_TEMPERATURE", 0.2),
		},
		Transcript: TranscriptConfig{
			Enabled:   src.getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       src.getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: src.getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH cannot be empty"))
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of sqlite, postgres, memory", c.Store.Driver))
	}
	if c.Store.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be > 0"))
	}
	if c.WebSocket.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("WS_HEARTBEAT_INTERVAL must be > 0"))
	}
	if c.WebSocket.MaxConnections <= 0 {
		errs = append(errs, errors.New("WS_MAX_CONNECTIONS must be > 0"))
	}
	if c.WebSocket.StaleTimeout < 2*c.WebSocket.HeartbeatInterval {
		errs = append(errs, errors.New("WS_STALE_TIMEOUT must be at least twice WS_HEARTBEAT_INTERVAL"))
	}
	if c.WebSocket.RateLimitPerUser <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_USER must be > 0"))
	}
	if c.Workflow.MaxClarificationLoops < 0 {
		errs = append(errs, errors.New("MAX_CLARIFICATION_LOOPS cannot be negative"))
	}
	if c.Workflow.MaxConcurrentRuns <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_RUNS must be > 0"))
	}
	if c.Catalog.MaxRetries < 0 {
		errs = append(errs, errors.New("HTTP_MAX_RETRIES cannot be negative"))
	}
	if !c.UseMockServices && c.Catalog.URL == "" {
		errs = append(errs, errors.New("CATALOG_SERVICE_URL is required unless USE_MOCK_SERVICES is set"))
	}
	switch c.LLM.Provider {
	case "", "none":
	case "anthropic", "openai":
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("LLM_API_KEY is required for LLM_PROVIDER=%s", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not one of none, anthropic, openai", c.LLM.Provider))
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_DIR cannot be empty"))
	}
	if c.Transcript.QueueSize <= 0 {
		errs = append(errs, errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev" || c.AppEnv == "local"
}

func (s *source) getEnv(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s *source) getEnvBool(key string, fallback bool) bool {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s *source) getEnvInt(key string, fallback int) int {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (s *source) getEnvFloat(key string, fallback float64) float64 {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("30s") and bare seconds ("30").
func (s *source) getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func (s *source) getEnvList(key string, fallback []string) []string {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
