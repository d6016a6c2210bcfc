// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
//
// Numeric options follow explicit parsing rules: an env default applies only
// when the variable is absent, so an explicit 0 is preserved (MAX_CONCURRENT=0
// disables dispatch rather than falling back to the default).
type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	Port          int    `env:"JOBS_API_PORT" envDefault:"8080"`
	DBPath        string `env:"JOBS_DB_PATH" envDefault:"data/jobs.db"`
	PipelinesFile string `env:"JOBS_PIPELINES_FILE"`

	// Worker defaults; per-pipeline values from the pipelines file override.
	MaxConcurrent int  `env:"MAX_CONCURRENT" envDefault:"3"`
	QueueCapacity int  `env:"QUEUE_CAPACITY" envDefault:"256"`
	RunOnStartup  bool `env:"RUN_ON_STARTUP" envDefault:"false"`

	// Retry Configuration. The absolute attempt cap is a compile-time
	// constant (domain.AbsoluteMaxAttempts); RETRY_MAX_ATTEMPTS is the
	// configured cap below it. RETRY_BASE_DELAY_MS is a pointer so that an
	// unset variable means "let the error classifier suggest a delay"
	// while an explicit value, including small test values, wins.
	RetryMaxAttempts int  `env:"RETRY_MAX_ATTEMPTS" envDefault:"2"`
	RetryBaseDelayMS *int `env:"RETRY_BASE_DELAY_MS"`

	ActivityCapacity int `env:"ACTIVITY_CAPACITY" envDefault:"50"`

	// Git workflow toggles applied to every worker unless the pipelines
	// file overrides them per pipeline.
	EnableGitWorkflow bool   `env:"ENABLE_GIT_WORKFLOW" envDefault:"false"`
	GitBaseBranch     string `env:"GIT_BASE_BRANCH" envDefault:"main"`
	GitBranchPrefix   string `env:"GIT_BRANCH_PREFIX" envDefault:"auto"`
	GitDryRun         bool   `env:"GIT_DRY_RUN" envDefault:"false"`

	// WSSendBuffer is the per-client WebSocket mailbox size in frames.
	WSSendBuffer int `env:"WS_SEND_BUFFER" envDefault:"32"`

	// Stuck-job sweeper: running jobs older than SweepMaxAge are failed.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepMaxAge   time.Duration `env:"SWEEP_MAX_AGE" envDefault:"10m"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"alephauto"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("JOBS_API_PORT out of range: %d", c.Port)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("MAX_CONCURRENT must be >= 0, got %d", c.MaxConcurrent)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be >= 1, got %d", c.QueueCapacity)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelayMS != nil && *c.RetryBaseDelayMS < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY_MS must be >= 0, got %d", *c.RetryBaseDelayMS)
	}
	if c.ActivityCapacity < 1 {
		return fmt.Errorf("ACTIVITY_CAPACITY must be >= 1, got %d", c.ActivityCapacity)
	}
	if c.WSSendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be >= 1, got %d", c.WSSendBuffer)
	}
	return nil
}

// RetryBaseDelay returns the explicit backoff base, or zero when unset so the
// classifier's per-category suggestion applies.
func (c Config) RetryBaseDelay() time.Duration {
	if c.RetryBaseDelayMS == nil {
		return 0
	}
	return time.Duration(*c.RetryBaseDelayMS) * time.Millisecond
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
