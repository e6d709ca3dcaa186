package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.os.uk/features/ngd/ofa/v1"

type AuthCfg struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshSkew  time.Duration
	RetryMax     int
}

// Configured reports whether client credentials are present.
func (a AuthCfg) Configured() bool {
	return a.ClientID != "" && a.ClientSecret != ""
}

type TelemetryCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	Queue   int
}

type CatalogCfg struct {
	TTL              time.Duration
	Size             int
	RecentUpdateDays int
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	BaseURL         string
	UpstreamTimeout time.Duration

	NativePageCap       int
	DefaultRequestLimit int
	RequestBudgetCap    int
	MaxConcurrency      int
	SourceAttribution   string

	// RedisAddr is optional; empty keeps the catalogue cache in process.
	RedisAddr string

	MetricsEnabled bool

	Auth      AuthCfg
	Catalog   CatalogCfg
	Telemetry TelemetryCfg
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		BaseURL:         strings.TrimRight(getenv("NGD_BASE_URL", DefaultBaseURL), "/"),
		UpstreamTimeout: getduration("UPSTREAM_TIMEOUT", 30*time.Second),

		NativePageCap:       atLeast(getint("NATIVE_PAGE_CAP", 100), 1),
		DefaultRequestLimit: atLeast(getint("DEFAULT_REQUEST_LIMIT", 50), 1),
		RequestBudgetCap:    atLeast(getint("REQUEST_BUDGET_CAP", 500), 1),
		MaxConcurrency:      atLeast(getint("MAX_CONCURRENCY", 4), 1),
		SourceAttribution:   getenv("SOURCE_ATTRIBUTION", ""),

		RedisAddr:      getenv("REDIS_ADDR", ""),
		MetricsEnabled: getbool("METRICS_ENABLED", true),

		Auth: AuthCfg{
			TokenURL:     getenv("NGD_TOKEN_URL", ""),
			ClientID:     getenv("CLIENT_ID", ""),
			ClientSecret: getenv("CLIENT_SECRET", ""),
			RefreshSkew:  getduration("TOKEN_REFRESH_SKEW", 30*time.Second),
			RetryMax:     getint("TOKEN_RETRY_MAX", 3),
		},
		Catalog: CatalogCfg{
			TTL:              getduration("CATALOG_TTL", 10*time.Minute),
			Size:             atLeast(getint("CATALOG_CACHE_SIZE", 16), 1),
			RecentUpdateDays: atLeast(getint("RECENT_UPDATE_DAYS", 31), 0),
		},
		Telemetry: TelemetryCfg{
			Enabled: getbool("TELEMETRY_ENABLED", false),
			Brokers: splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TOPIC", "catalyst-requests"),
			Queue:   atLeast(getint("TELEMETRY_QUEUE", 1024), 1),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func atLeast(n, lo int) int {
	if n < lo {
		return lo
	}
	return n
}

// "a:9092, b:9092" -> [a:9092 b:9092]
func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
