// Package config loads the proxy's configuration from environment
// variables with sensible defaults, the same envStr/envInt/envBool triple
// the rest of the pack uses, extended with envDuration and a JSON-file
// overlay for the structured lists (workers, token pool, rate limits)
// that a flat env-var scheme cannot express.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Port      int
	Version   string
	AuthToken string

	Workers       []models.WorkerSpec
	PrimaryWorker string
	TokenPool     []models.TokenPoolEntry

	HealthCheckMs int

	MaxConcurrent            int
	MaxQueueTotal            int
	MaxQueuePerSource        int
	SourceConcurrency        map[string]int
	DefaultSourceConcurrency int
	QueueTimeoutMs           int
	MaxLeaseMs               int

	SyncTimeoutMs   int
	StreamTimeoutMs int

	HeartbeatByModel map[models.ModelFamily]time.Duration

	MaxRetries  int
	RetryBaseMs int

	MaxProcessAgeMs  int
	MaxIdleMs        int
	ReaperIntervalMs int

	WarmPoolEnabled  bool
	WarmPoolSize     int
	WarmPoolMaxAgeMs int

	RateLimits map[models.ModelFamily]RateLimit

	MaxPromptChars int
	MaxEvents      int

	Fallback FallbackConfig

	Telemetry TelemetryConfig

	DurableStoreDSN string
}

type RateLimit struct {
	RequestsPerMin int
	TokensPerMin   int
}

type FallbackConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Name    string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// overlay is the shape of the optional PROXY_CONFIG_FILE JSON document,
// used only for the fields that don't fit cleanly as scalar env vars.
type overlay struct {
	Workers      []models.WorkerSpec     `json:"workers"`
	TokenPool    []models.TokenPoolEntry `json:"tokenPool"`
	RateLimits   map[string]RateLimit    `json:"rateLimits"`
	SourceLimits map[string]int          `json:"sourceConcurrencyLimits"`
	Fallback     *FallbackConfig         `json:"fallbackApi"`
}

// Load reads configuration from environment variables, with an optional
// PROXY_CONFIG_FILE JSON overlay for the structured lists.
func Load() *Config {
	cfg := &Config{
		Port:      envInt("PORT", 8080),
		Version:   envStr("PROXY_VERSION", "0.1.0"),
		AuthToken: envStr("AUTH_TOKEN", ""),

		PrimaryWorker: envStr("PRIMARY_WORKER", ""),

		HealthCheckMs: envInt("HEALTH_CHECK_MS", 60_000),

		MaxConcurrent:            envInt("MAX_CONCURRENT", 4),
		MaxQueueTotal:            envInt("MAX_QUEUE_TOTAL", 200),
		MaxQueuePerSource:        envInt("MAX_QUEUE_PER_SOURCE", 50),
		DefaultSourceConcurrency: envInt("DEFAULT_SOURCE_CONCURRENCY", 2),
		QueueTimeoutMs:           envInt("QUEUE_TIMEOUT_MS", 30_000),
		MaxLeaseMs:               envInt("MAX_LEASE_MS", 10*60_000),

		SyncTimeoutMs:   envInt("SYNC_TIMEOUT_MS", 2*60_000),
		StreamTimeoutMs: envInt("STREAM_TIMEOUT_MS", 30*60_000),

		MaxRetries:  envInt("MAX_RETRIES", 3),
		RetryBaseMs: envInt("RETRY_BASE_MS", 500),

		MaxProcessAgeMs:  envInt("MAX_PROCESS_AGE_MS", 60*60_000),
		MaxIdleMs:        envInt("MAX_IDLE_MS", 10*60_000),
		ReaperIntervalMs: envInt("REAPER_INTERVAL_MS", 30_000),

		WarmPoolEnabled:  envBool("WARM_POOL_ENABLED", true),
		WarmPoolSize:     envInt("WARM_POOL_SIZE", 2),
		WarmPoolMaxAgeMs: envInt("WARM_POOL_MAX_AGE_MS", 5*60_000),

		MaxPromptChars: envInt("MAX_PROMPT_CHARS", 180_000),
		MaxEvents:      envInt("MAX_EVENTS", 5000),

		DurableStoreDSN: envStr("DURABLE_STORE_DSN", ""),

		HeartbeatByModel: map[models.ModelFamily]time.Duration{
			models.ModelOpus:   envDuration("HEARTBEAT_OPUS_MS", 30*time.Minute),
			models.ModelSonnet: envDuration("HEARTBEAT_SONNET_MS", 20*time.Minute),
			models.ModelHaiku:  envDuration("HEARTBEAT_HAIKU_MS", 10*time.Minute),
		},

		RateLimits: map[models.ModelFamily]RateLimit{
			models.ModelOpus:   {RequestsPerMin: envInt("RATE_OPUS_RPM", 50), TokensPerMin: envInt("RATE_OPUS_TPM", 200_000)},
			models.ModelSonnet: {RequestsPerMin: envInt("RATE_SONNET_RPM", 100), TokensPerMin: envInt("RATE_SONNET_TPM", 400_000)},
			models.ModelHaiku:  {RequestsPerMin: envInt("RATE_HAIKU_RPM", 200), TokensPerMin: envInt("RATE_HAIKU_TPM", 800_000)},
		},

		SourceConcurrency: map[string]int{},

		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "claude-code-proxy"),
		},

		Fallback: FallbackConfig{
			BaseURL: envStr("FALLBACK_BASE_URL", ""),
			APIKey:  envStr("FALLBACK_API_KEY", ""),
			Model:   envStr("FALLBACK_MODEL", ""),
			Name:    envStr("FALLBACK_NAME", "fallback"),
		},
	}

	applyOverlay(cfg, envStr("PROXY_CONFIG_FILE", ""))
	return cfg
}

func applyOverlay(cfg *Config, path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var o overlay
	if err := json.Unmarshal(data, &o); err != nil {
		return
	}
	if len(o.Workers) > 0 {
		cfg.Workers = o.Workers
	}
	if len(o.TokenPool) > 0 {
		cfg.TokenPool = o.TokenPool
	}
	for model, rl := range o.RateLimits {
		cfg.RateLimits[models.ModelFamily(model)] = rl
	}
	for source, limit := range o.SourceLimits {
		cfg.SourceConcurrency[source] = limit
	}
	if o.Fallback != nil {
		cfg.Fallback = *o.Fallback
	}
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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
