package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	StoragePath string
	// DatabaseURL enables the session archive when set.
	DatabaseURL string

	GenAPIBaseURL string
	GenWSURL      string
	GenAPIToken   string
	UserID        string
	GenAPITimeout time.Duration

	GraceDelay        time.Duration
	Ceiling           time.Duration
	StatusDedupWindow time.Duration
	SupersededWindow  time.Duration
	RetiredJobTTL     time.Duration
	FetchTimeout      time.Duration

	ReconnectDelay        time.Duration
	PendingReconnectDelay time.Duration
	ReconnectMaxAttempts  int
	SocketIdleTimeout     time.Duration
	LargeTextThreshold    int

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string

	// APIToken protects the HTTP API when set.
	APIToken string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		StoragePath: getEnv("STORAGE_PATH", "./data"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		GenAPIBaseURL: strings.TrimRight(os.Getenv("GEN_API_BASE_URL"), "/"),
		GenWSURL:      strings.TrimRight(os.Getenv("GEN_WS_URL"), "/"),
		GenAPIToken:   os.Getenv("GEN_API_TOKEN"),
		UserID:        getEnv("USER_ID", "local"),
		GenAPITimeout: getEnvDuration("GEN_API_TIMEOUT", 60*time.Second),

		GraceDelay:        getEnvDuration("GRACE_DELAY", time.Second),
		Ceiling:           getEnvDuration("SESSION_CEILING", 5*time.Minute),
		StatusDedupWindow: getEnvDuration("STATUS_DEDUP_WINDOW", 3*time.Second),
		SupersededWindow:  getEnvDuration("SUPERSEDED_WINDOW", 10*time.Second),
		RetiredJobTTL:     getEnvDuration("RETIRED_JOB_TTL", 2*time.Minute),
		FetchTimeout:      getEnvDuration("FETCH_TIMEOUT", 30*time.Second),

		ReconnectDelay:        getEnvDuration("RECONNECT_DELAY", 3*time.Second),
		PendingReconnectDelay: getEnvDuration("PENDING_RECONNECT_DELAY", 10*time.Second),
		ReconnectMaxAttempts:  getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		SocketIdleTimeout:     getEnvDuration("SOCKET_IDLE_TIMEOUT", 0),
		LargeTextThreshold:    getEnvInt("LARGE_TEXT_THRESHOLD", 100000),

		HTTPReadTimeout: time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		// Zero keeps the SSE stream open; handlers bound their own work.
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		APIToken:           os.Getenv("API_TOKEN"),
	}

	if cfg.GenAPIBaseURL == "" {
		return nil, fmt.Errorf("GEN_API_BASE_URL is required")
	}
	if _, err := url.Parse(cfg.GenAPIBaseURL); err != nil {
		return nil, fmt.Errorf("GEN_API_BASE_URL: %w", err)
	}
	if cfg.GenWSURL == "" {
		cfg.GenWSURL = wsURLFor(cfg.GenAPIBaseURL)
	}

	return cfg, nil
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func wsURLFor(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("1500ms", "5m") or a bare
// number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
