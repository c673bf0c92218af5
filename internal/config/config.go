// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCPort        string
	AllowedOrigins  []string
	DBPath          string
	SnapshotBackend string // "sqlite" or "mongo"
	PromptsFile     string
	ReportSchedule  string
	LLM             LLMConfig
	Mongo           MongoConfig
	Tutor           TutorConfig
	RateLimit       RateLimitConfig
	Stream          StreamConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// MongoConfig points at the editor backend's database and, optionally, the
// snapshot database.
type MongoConfig struct {
	NodeURL      string
	NodeDB       string
	SnapshotURL  string
	SnapshotDB   string
	QueryTimeout time.Duration
}

// TutorConfig tunes prompt assembly.
type TutorConfig struct {
	HistoryWindow      int
	RunOutputLimit     int
	ChatRunOutputLimit int
	MaxRequestBodySize int64
}

// RateLimitConfig bounds how fast one session may enqueue events. RPS of 0
// turns the limit off.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// StreamConfig controls push delivery of outbox messages.
type StreamConfig struct {
	PollInterval      time.Duration
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	provider := strings.ToLower(getEnv("LLM_PROVIDER", "gemini"))

	cfg := &Config{
		Port:            getEnv("PORT", "8000"),
		GRPCPort:        getEnv("GRPC_PORT", ""),
		AllowedOrigins:  splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:3001")),
		DBPath:          getEnv("DB_PATH", "./data/snapshots.db"),
		SnapshotBackend: strings.ToLower(getEnv("SNAPSHOT_BACKEND", "sqlite")),
		PromptsFile:     getEnv("PROMPTS_FILE", ""),
		ReportSchedule:  getEnv("REPORT_SCHEDULE", "@every 1m"),
		LLM: LLMConfig{
			Provider:    provider,
			Model:       getEnv("LLM_MODEL", ""),
			APIKey:      apiKeyFor(provider),
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 1024),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Mongo: MongoConfig{
			NodeURL:      getEnv("NODE_MONGO_URL", ""),
			NodeDB:       getEnv("NODE_MONGO_DB", "hack"),
			SnapshotURL:  getEnv("MONGO_URI", "mongodb://localhost:27017"),
			SnapshotDB:   getEnv("MONGO_DB", "ai_backend"),
			QueryTimeout: getEnvDuration("MONGO_QUERY_TIMEOUT", 5*time.Second),
		},
		Tutor: TutorConfig{
			HistoryWindow:      getEnvInt("HISTORY_WINDOW", 10),
			RunOutputLimit:     getEnvInt("RUN_OUTPUT_LIMIT", 1000),
			ChatRunOutputLimit: getEnvInt("CHAT_RUN_OUTPUT_LIMIT", 2000),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 0),
			Burst: getEnvInt("RATE_LIMIT_BURST", 10),
		},
		Stream: StreamConfig{
			PollInterval:      getEnvDuration("STREAM_POLL_INTERVAL", time.Second),
			KeepaliveInterval: getEnvDuration("STREAM_KEEPALIVE_INTERVAL", 15*time.Second),
			RetryDelay:        getEnvDuration("STREAM_RETRY_DELAY", 5*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.SnapshotBackend {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "mongo":
		if c.Mongo.SnapshotURL == "" {
			return fmt.Errorf("MONGO_URI cannot be empty when SNAPSHOT_BACKEND=mongo")
		}
	default:
		return fmt.Errorf("SNAPSHOT_BACKEND must be sqlite or mongo, got %q", c.SnapshotBackend)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.Tutor.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.Tutor.RunOutputLimit <= 0 || c.Tutor.ChatRunOutputLimit <= 0 {
		return fmt.Errorf("RUN_OUTPUT_LIMIT and CHAT_RUN_OUTPUT_LIMIT must be > 0")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be > 0 when RATE_LIMIT_RPS is set")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("STREAM_POLL_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// AIEnabled reports whether an LLM API key is configured.
func (c *Config) AIEnabled() bool {
	return c.LLM.APIKey != ""
}

// apiKeyFor picks the provider-specific key, falling back to LLM_API_KEY.
func apiKeyFor(provider string) string {
	if key := getEnv("LLM_API_KEY", ""); key != "" {
		return key
	}
	switch provider {
	case "groq":
		return getEnv("GROQ_API_KEY", "")
	case "openai":
		return getEnv("OPENAI_API_KEY", "")
	default:
		if key := getEnv("GEMINI_API_KEY", ""); key != "" {
			return key
		}
		return getEnv("GOOGLE_API_KEY", "")
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
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

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
