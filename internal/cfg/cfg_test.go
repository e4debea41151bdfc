package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		APITokens:             "test-token-123",
		JobQueue:              "sift",
		Concurrency:           4,
		StaleAfter:            10 * time.Minute,
		RecoverCron:           "@every 5m",
		StepAttempts:          3,
		MaxTokens:             1024,
		LLMProvider:           "claude",
		LLMAPIKey:             "sk-test-key",
		LLMBurst:              1,
		SlackMinPriority:      5,
	}
}

// with returns validBase modified by fn.
func with(fn func(c *Config)) Config {
	c := validBase()
	fn(&c)
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.LLMProvider != "claude" {
		t.Errorf("LLMProvider = %q, want %q", c.LLMProvider, "claude")
	}
	if c.RecoverCron != "@every 5m" {
		t.Errorf("RecoverCron = %q, want %q", c.RecoverCron, "@every 5m")
	}
	if c.StaleAfter != 10*time.Minute {
		t.Errorf("StaleAfter = %s, want 10m", c.StaleAfter)
	}
	if c.StepAttempts != 3 || c.StepBackoff != 5*time.Second || c.StepTimeout != 2*time.Minute {
		t.Errorf("step policy = %d/%s/%s, want 3/5s/2m", c.StepAttempts, c.StepBackoff, c.StepTimeout)
	}
	if c.SlackMinPriority != 5 {
		t.Errorf("SlackMinPriority = %d, want 5", c.SlackMinPriority)
	}

	// Defaults validate once the secrets are supplied.
	c.APITokens = "t"
	c.LLMAPIKey = "k"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-llm-provider", "openai",
		"-llm-api-key", "sk-override",
		"-llm-model", "gpt-4o",
		"-llm-rate", "2.5",
		"-redis-addr", "localhost:6379",
		"-stale-after", "90s",
		"-sqlite-path", "/tmp/sift.db",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.LLMProvider != "openai" || c.LLMAPIKey != "sk-override" || c.LLMModel != "gpt-4o" {
		t.Errorf("LLM = %q/%q/%q", c.LLMProvider, c.LLMAPIKey, c.LLMModel)
	}
	if c.LLMRate != 2.5 {
		t.Errorf("LLMRate = %g, want 2.5", c.LLMRate)
	}
	if c.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q, want %q", c.RedisAddr, "localhost:6379")
	}
	if c.StaleAfter != 90*time.Second {
		t.Errorf("StaleAfter = %s, want 90s", c.StaleAfter)
	}
	if c.SQLitePath != "/tmp/sift.db" {
		t.Errorf("SQLitePath = %q, want %q", c.SQLitePath, "/tmp/sift.db")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
			}),
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
			}),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			cfg:       with(func(c *Config) { c.DrainSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "empty api tokens",
			cfg:       with(func(c *Config) { c.APITokens = " " }),
			wantErr:   true,
			errSubstr: []string{"API_TOKENS"},
		},
		// Storage
		{
			name: "postgres and sqlite together",
			cfg: with(func(c *Config) {
				c.DatabaseURL = "postgres://localhost/sift"
				c.SQLitePath = "/tmp/sift.db"
			}),
			wantErr:   true,
			errSubstr: []string{"mutually exclusive"},
		},
		{
			name:      "negative pool size",
			cfg:       with(func(c *Config) { c.DBMaxConns = -1 }),
			wantErr:   true,
			errSubstr: []string{"DB_MAX_CONNS"},
		},
		// Jobs
		{
			name:      "zero concurrency",
			cfg:       with(func(c *Config) { c.Concurrency = 0 }),
			wantErr:   true,
			errSubstr: []string{"WORKER_CONCURRENCY"},
		},
		{
			name: "redis without queue name",
			cfg: with(func(c *Config) {
				c.RedisAddr = "localhost:6379"
				c.JobQueue = ""
			}),
			wantErr:   true,
			errSubstr: []string{"JOB_QUEUE"},
		},
		{
			name:      "zero stale after",
			cfg:       with(func(c *Config) { c.StaleAfter = 0 }),
			wantErr:   true,
			errSubstr: []string{"STALE_AFTER"},
		},
		{
			name:      "bad recover schedule",
			cfg:       with(func(c *Config) { c.RecoverCron = "every five minutes" }),
			wantErr:   true,
			errSubstr: []string{"RECOVER_SCHEDULE"},
		},
		{
			name:    "five field recover schedule",
			cfg:     with(func(c *Config) { c.RecoverCron = "*/5 * * * *" }),
			wantErr: false,
		},
		{
			name:    "recovery disabled",
			cfg:     with(func(c *Config) { c.RecoverCron = "" }),
			wantErr: false,
		},
		{
			name:      "zero step attempts",
			cfg:       with(func(c *Config) { c.StepAttempts = 0 }),
			wantErr:   true,
			errSubstr: []string{"STEP_ATTEMPTS"},
		},
		{
			name:      "zero max tokens",
			cfg:       with(func(c *Config) { c.MaxTokens = 0 }),
			wantErr:   true,
			errSubstr: []string{"MAX_TOKENS"},
		},
		// Inference
		{
			name:      "unknown provider",
			cfg:       with(func(c *Config) { c.LLMProvider = "bard" }),
			wantErr:   true,
			errSubstr: []string{"LLM_PROVIDER"},
		},
		{
			name:    "provider is case insensitive",
			cfg:     with(func(c *Config) { c.LLMProvider = "Gemini" }),
			wantErr: false,
		},
		{
			name:      "empty api key",
			cfg:       with(func(c *Config) { c.LLMAPIKey = "" }),
			wantErr:   true,
			errSubstr: []string{"LLM_API_KEY"},
		},
		{
			name: "ollama without api key",
			cfg: with(func(c *Config) {
				c.LLMProvider = "ollama"
				c.LLMAPIKey = ""
			}),
			wantErr: false,
		},
		{
			name:      "negative rate",
			cfg:       with(func(c *Config) { c.LLMRate = -1 }),
			wantErr:   true,
			errSubstr: []string{"LLM_RATE"},
		},
		{
			name: "rate without burst",
			cfg: with(func(c *Config) {
				c.LLMRate = 1
				c.LLMBurst = 0
			}),
			wantErr:   true,
			errSubstr: []string{"LLM_BURST"},
		},
		{
			name:      "slack priority out of range",
			cfg:       with(func(c *Config) { c.SlackMinPriority = 6 }),
			wantErr:   true,
			errSubstr: []string{"SLACK_MIN_PRIORITY"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_TOKENS", "WORKER_CONCURRENCY", "STALE_AFTER", "STEP_ATTEMPTS", "MAX_TOKENS", "LLM_PROVIDER", "LLM_API_KEY", "SLACK_MIN_PRIORITY"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port   int
		provider, key, tokens string
	}{
		{60, 90, 8080, "claude", "sk-test", "tok"},
		{1, 2, 1, "openai", "k", "t"},
		{299, 300, 65535, "gemini", "k", "t"},
		{60, 90, 8080, "ollama", "", "t"},
		{0, 0, 0, "", "", ""},
		{-1, -1, -1, "", "", ""},
		{300, 300, 65535, "claude", "k", "t"},
		{301, 302, 65536, "x", "", ""},
		{150, 100, 8080, "claude", "k", "t"},
		{math.MinInt32, math.MinInt32, math.MinInt32, "", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, "", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.provider, s.key, s.tokens)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, provider, key, tokens string) {
		c := with(func(c *Config) {
			c.DrainSeconds = drain
			c.ShutdownBudgetSeconds = budget
			c.APIPort = port
			c.LLMProvider = provider
			c.LLMAPIKey = key
			c.APITokens = tokens
		})
		err := c.Validate()

		p := strings.ToLower(provider)
		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		providerOK := p == "claude" || p == "openai" || p == "ollama" || p == "gemini"
		keyOK := key != "" || p == "ollama"
		tokensOK := strings.TrimSpace(tokens) != ""

		allValid := drainOK && budgetOK && portOK && crossOK && providerOK && keyOK && tokensOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
