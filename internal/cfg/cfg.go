package cfg

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/sift/internal/llm"
)

// Config adds sift-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string

	DatabaseURL  string
	DBMaxConns   int
	DBSlowQuery  time.Duration
	SQLitePath   string
	RedisAddr    string
	JobQueue     string
	Concurrency  int
	JobMaxRetry  int
	StaleAfter   time.Duration
	RecoverCron  string
	StepAttempts int
	StepBackoff  time.Duration
	StepTimeout  time.Duration
	MaxTokens    int

	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	LLMRate     float64
	LLMBurst    int

	SlackWebhookURL  string
	SlackMinPriority int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated API bearer tokens, optionally actor:token")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = sqlite or in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 100*time.Millisecond, "log PostgreSQL queries slower than this (0 = log all)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when database-url is empty)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the durable job queue (empty = run jobs in process)")
	fs.StringVar(&c.JobQueue, "job-queue", "sift", "job queue name")
	fs.IntVar(&c.Concurrency, "worker-concurrency", 4, "concurrent analysis jobs per worker")
	fs.IntVar(&c.JobMaxRetry, "job-max-retry", 10, "queue redeliveries of a job that stopped on a store error")
	fs.DurationVar(&c.StaleAfter, "stale-after", 10*time.Minute, "re-dispatch analyses running longer than this")
	fs.StringVar(&c.RecoverCron, "recover-schedule", "@every 5m", "cron schedule for the stale analysis sweep (empty = disabled)")
	fs.IntVar(&c.StepAttempts, "step-attempts", 3, "attempts for the ai-analysis step")
	fs.DurationVar(&c.StepBackoff, "step-backoff", 5*time.Second, "base backoff between ai-analysis attempts")
	fs.DurationVar(&c.StepTimeout, "step-timeout", 2*time.Minute, "overall timeout for the ai-analysis step")
	fs.IntVar(&c.MaxTokens, "max-tokens", 1024, "maximum output tokens per inference call")

	fs.StringVar(&c.LLMProvider, "llm-provider", llm.ProviderClaude, "inference provider ("+strings.Join(llm.Providers, ", ")+")")
	fs.StringVar(&c.LLMAPIKey, "llm-api-key", "", "API key for the inference provider")
	fs.StringVar(&c.LLMBaseURL, "llm-base-url", "", "override the inference provider endpoint")
	fs.StringVar(&c.LLMModel, "llm-model", "", "model name (empty = provider default)")
	fs.Float64Var(&c.LLMRate, "llm-rate", 0, "maximum inference calls per second (0 = unlimited)")
	fs.IntVar(&c.LLMBurst, "llm-burst", 1, "inference call burst size")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.IntVar(&c.SlackMinPriority, "slack-min-priority", 5, "lowest priority that triggers a Slack notification (1..5)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if strings.TrimSpace(c.APITokens) == "" {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}
	if c.DBMaxConns < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 0)", c.DBMaxConns))
	}

	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("invalid WORKER_CONCURRENCY %d (must be >= 1)", c.Concurrency))
	}
	if c.RedisAddr != "" && c.JobQueue == "" {
		errs = append(errs, errors.New("JOB_QUEUE is required with REDIS_ADDR"))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("invalid STALE_AFTER %s (must be > 0)", c.StaleAfter))
	}
	if c.RecoverCron != "" {
		if _, err := cron.ParseStandard(c.RecoverCron); err != nil {
			errs = append(errs, fmt.Errorf("invalid RECOVER_SCHEDULE %q: %w", c.RecoverCron, err))
		}
	}
	if c.StepAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid STEP_ATTEMPTS %d (must be >= 1)", c.StepAttempts))
	}
	if c.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_TOKENS %d (must be >= 1)", c.MaxTokens))
	}

	// Inference provider
	provider := strings.ToLower(c.LLMProvider)
	if !slices.Contains(llm.Providers, provider) {
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be one of %s)", c.LLMProvider, strings.Join(llm.Providers, ", ")))
	}
	// Ollama runs locally without a key
	if provider != llm.ProviderOllama && c.LLMAPIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required"))
	}
	if c.LLMRate < 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_RATE %g (must be >= 0)", c.LLMRate))
	}
	if c.LLMRate > 0 && c.LLMBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid LLM_BURST %d (must be >= 1)", c.LLMBurst))
	}

	if c.SlackMinPriority < 1 || c.SlackMinPriority > 5 {
		errs = append(errs, fmt.Errorf("invalid SLACK_MIN_PRIORITY %d (must be 1..5)", c.SlackMinPriority))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
