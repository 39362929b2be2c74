// Package config loads and validates the optiondesk configuration tree.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VenueConfig names the venue endpoints and credentials.
type VenueConfig struct {
	PushURL      string        `yaml:"pushUrl"`
	PullBaseURL  string        `yaml:"pullBaseUrl"`
	Login        string        `yaml:"login"`
	Password     string        `yaml:"password"`
	Symbols      []string      `yaml:"symbols"`
	PollInterval time.Duration `yaml:"pollInterval"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
}

func (c *VenueConfig) applyDefaults() {
	c.PushURL = strings.TrimSpace(c.PushURL)
	c.PullBaseURL = strings.TrimSpace(c.PullBaseURL)
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	normalized := make([]string, 0, len(c.Symbols))
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, sym := range c.Symbols {
		trimmed := strings.TrimSpace(sym)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	c.Symbols = normalized
}

func (c VenueConfig) validate() error {
	if c.PushURL == "" {
		return fmt.Errorf("venue pushUrl required")
	}
	if c.PullBaseURL == "" {
		return fmt.Errorf("venue pullBaseUrl required")
	}
	if strings.TrimSpace(c.Login) == "" {
		return fmt.Errorf("venue login required")
	}
	if strings.TrimSpace(c.Password) == "" {
		return fmt.Errorf("venue password required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("venue pollInterval must be >0")
	}
	return nil
}

// ReconcileConfig carries the coordinator's policy knobs.
type ReconcileConfig struct {
	GapTimeout              time.Duration `yaml:"gapTimeout"`
	RetryBudget             int           `yaml:"retryBudget"`
	RetryInitialInterval    time.Duration `yaml:"retryInitialInterval"`
	RetryMaxInterval        time.Duration `yaml:"retryMaxInterval"`
	MaxGapBuffer            int           `yaml:"maxGapBuffer"`
	MaxOutstandingBackfills int           `yaml:"maxOutstandingBackfills"`
	BackfillPerSecond       float64       `yaml:"backfillPerSecond"`
}

func (c *ReconcileConfig) applyDefaults() {
	if c.GapTimeout <= 0 {
		c.GapTimeout = 5 * time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 5
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 100 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 2 * time.Second
	}
	if c.MaxGapBuffer <= 0 {
		c.MaxGapBuffer = 512
	}
	if c.MaxOutstandingBackfills <= 0 {
		c.MaxOutstandingBackfills = 16
	}
	if c.BackfillPerSecond <= 0 {
		c.BackfillPerSecond = 4
	}
}

func (c ReconcileConfig) validate() error {
	if c.RetryInitialInterval > c.RetryMaxInterval {
		return fmt.Errorf("reconcile retryInitialInterval must be <= retryMaxInterval")
	}
	return nil
}

// RiskConfig carries the snapshot calculator's policy knobs.
type RiskConfig struct {
	QuoteStaleAfter time.Duration `yaml:"quoteStaleAfter"`
}

func (c *RiskConfig) applyDefaults() {
	if c.QuoteStaleAfter <= 0 {
		c.QuoteStaleAfter = 30 * time.Second
	}
}

// EngineConfig carries the runtime timer intervals.
type EngineConfig struct {
	GapFlushInterval     time.Duration `yaml:"gapFlushInterval"`
	SnapshotInterval     time.Duration `yaml:"snapshotInterval"`
	SessionRenewInterval time.Duration `yaml:"sessionRenewInterval"`
}

func (c *EngineConfig) applyDefaults() {
	if c.GapFlushInterval <= 0 {
		c.GapFlushInterval = time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 10 * time.Second
	}
	if c.SessionRenewInterval <= 0 {
		c.SessionRenewInterval = 10 * time.Minute
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MaxConns      int32  `yaml:"maxConns"`
	MinConns      int32  `yaml:"minConns"`
	RunMigrations bool   `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/optiondesk"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("database dsn required")
	}
	return nil
}

// TelemetryConfig configures OTLP metric export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	ExportInterval time.Duration `yaml:"exportInterval"`
}

func (c *TelemetryConfig) applyDefaults() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = "optiondesk"
	}
}

// Settings is the unified optiondesk configuration tree sourced from YAML.
type Settings struct {
	Venue     VenueConfig     `yaml:"venue"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Risk      RiskConfig      `yaml:"risk"`
	Engine    EngineConfig    `yaml:"engine"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration with every documented default applied.
func Default() Settings {
	var cfg Settings
	cfg.applyDefaults()
	return cfg
}

func (c *Settings) applyDefaults() {
	c.Venue.applyDefaults()
	c.Reconcile.applyDefaults()
	c.Risk.applyDefaults()
	c.Engine.applyDefaults()
	c.Database.applyDefaults()
	c.Telemetry.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c Settings) Validate() error {
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if err := c.Reconcile.validate(); err != nil {
		return err
	}
	return c.Database.validate()
}

// Load reads a Settings tree from the provided YAML file, applies defaults and
// environment overrides, and validates the result. An empty path skips the
// file and uses defaults plus overrides alone.
func Load(configPath string) (Settings, error) {
	var cfg Settings

	candidate := strings.TrimSpace(configPath)
	if candidate != "" {
		bytes, err := os.ReadFile(filepath.Clean(candidate)) // #nosec G304 -- path is operator controlled.
		if err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return Settings{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.fromEnv()

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// fromEnv overrides file values from environment variables. Secrets are
// expected to arrive this way rather than through the config file.
func (c *Settings) fromEnv() {
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_PUSH_URL")); v != "" {
		c.Venue.PushURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_PULL_BASE_URL")); v != "" {
		c.Venue.PullBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_VENUE_LOGIN")); v != "" {
		c.Venue.Login = v
	}
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_VENUE_PASSWORD")); v != "" {
		c.Venue.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_DB_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_GAP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Reconcile.GapTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_QUOTE_STALE_AFTER")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Risk.QuoteStaleAfter = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPTIONDESK_RETRY_BUDGET")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Reconcile.RetryBudget = n
		}
	}
}
