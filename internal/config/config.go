// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Ingestion ────────────────────────────────────────────────────────────────
	// JobMaxAttempts is stamped onto every job at enqueue time.
	JobMaxAttempts int32 `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	// IngestRatePerMin caps ingest requests per client IP. 0 disables limiting.
	IngestRatePerMin  int           `env:"INGEST_RATE_PER_MIN"  envDefault:"0"`
	IngestRateBurst   int           `env:"INGEST_RATE_BURST"    envDefault:"20"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"750ms"`
	WorkerRetryDelay   time.Duration `env:"WORKER_RETRY_DELAY"   envDefault:"5s"`
	// WorkerFailpoint: "after_claim_once" simulates one transient failure per
	// process, immediately after the first claim. Development only.
	WorkerFailpoint string `env:"WORKER_FAILPOINT"`

	// ── Stale job reclaim ────────────────────────────────────────────────────────
	// A worker that crashes mid-effect leaves its job in in_progress forever.
	// The reclaim sweep returns such jobs to queued. Off by default: an
	// operator who prefers manual triage over automatic re-execution of
	// possibly half-applied effects should leave it off.
	ReclaimEnabled       bool          `env:"RECLAIM_ENABLED"        envDefault:"false"`
	ReclaimAfter         time.Duration `env:"RECLAIM_AFTER"          envDefault:"10m"`
	ReclaimCheckInterval time.Duration `env:"RECLAIM_CHECK_INTERVAL" envDefault:"1m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
