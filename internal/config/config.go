package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"klinesync/internal/catalog"
	"klinesync/internal/domain"
)

// DefaultPath is used when KLINESYNC_CONFIG is not set.
const DefaultPath = "config/klinesync.yaml"

// PathFromEnv returns the config file path from KLINESYNC_CONFIG or the
// default.
func PathFromEnv() string {
	if p := os.Getenv("KLINESYNC_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for klinesync.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Market  Market        `yaml:"market"`
	Catalog CatalogConfig `yaml:"catalog"`
	Sync    SyncConfig    `yaml:"sync"`
	Status  StatusConfig  `yaml:"status"`

	loc      *time.Location
	start    domain.Date
	holidays []domain.Date
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir      string `yaml:"data_dir"`
	SQLitePath   string `yaml:"sqlite_path"`
	ArtifactPath string `yaml:"artifact_path"` // backup Parquet dump
	LogDir       string `yaml:"log_dir"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	BaseURL      string `yaml:"base_url"`
	DataURL      string `yaml:"data_url"`
	Feed         string `yaml:"feed"`          // primary feed, e.g. "sip"
	FallbackFeed string `yaml:"fallback_feed"` // optional secondary feed, e.g. "iex"
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Market describes the exchange whose sessions the calendar follows.
type Market struct {
	Timezone     string        `yaml:"timezone"`
	Calendar     string        `yaml:"calendar"`      // "weekday" or "alpaca"
	SessionClose string        `yaml:"session_close"` // "HH:MM" local, weekday calendar only
	Holidays     []string      `yaml:"holidays"`      // YYYY-MM-DD, weekday calendar only
	SettleDelay  time.Duration `yaml:"settle_delay"`
}

// CatalogConfig lists the tracked symbols.
type CatalogConfig struct {
	StartDate     string          `yaml:"start_date"`
	Symbols       []catalog.Entry `yaml:"symbols"`
	WatchlistFile string          `yaml:"watchlist_file"`
	SymbolsCSV    string          `yaml:"symbols_csv"`
	IncludeStored bool            `yaml:"include_stored"`
}

// SyncConfig controls run_sync.
type SyncConfig struct {
	Role            string        `yaml:"role"` // "primary" or "backup"
	Workers         int           `yaml:"workers"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	BatchDays       int           `yaml:"batch_days"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RunTimeout      time.Duration `yaml:"run_timeout"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	MissingStreak   int           `yaml:"missing_streak"`
}

// StatusConfig configures the gRPC status endpoint.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ARTIFACT_PATH"); v != "" {
		cfg.Storage.ArtifactPath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("KLINESYNC_ROLE"); v != "" {
		cfg.Sync.Role = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate fills in defaults and rejects malformed values.
func (c *Config) Validate() error {
	c.applyDefaults()

	var errs []error
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("market.timezone: %w", err))
	}
	c.loc = loc

	switch c.Market.Calendar {
	case "weekday":
		if _, err := time.Parse("15:04", c.Market.SessionClose); err != nil {
			errs = append(errs, fmt.Errorf("market.session_close %q: want HH:MM", c.Market.SessionClose))
		}
	case "alpaca":
	default:
		errs = append(errs, fmt.Errorf("market.calendar %q: want weekday or alpaca", c.Market.Calendar))
	}

	c.holidays = c.holidays[:0]
	for _, h := range c.Market.Holidays {
		d, err := domain.ParseDate(h)
		if err != nil {
			errs = append(errs, fmt.Errorf("market.holidays: %w", err))
			continue
		}
		c.holidays = append(c.holidays, d)
	}

	if c.Catalog.StartDate == "" {
		errs = append(errs, errors.New("catalog.start_date is required"))
	} else if d, err := domain.ParseDate(c.Catalog.StartDate); err != nil {
		errs = append(errs, fmt.Errorf("catalog.start_date: %w", err))
	} else {
		c.start = d
	}

	switch domain.Runner(c.Sync.Role) {
	case domain.RunnerPrimary, domain.RunnerBackup:
	default:
		errs = append(errs, fmt.Errorf("sync.role %q: want primary or backup", c.Sync.Role))
	}

	if c.Market.SettleDelay < 0 {
		errs = append(errs, errors.New("market.settle_delay must not be negative"))
	}
	if c.Sync.RateLimitPerMin < 0 {
		errs = append(errs, errors.New("sync.rate_limit_per_min must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "klinesync.db")
	}
	if c.Storage.ArtifactPath == "" {
		c.Storage.ArtifactPath = filepath.Join(c.Storage.DataDir, "backup", "daily_kline.parquet")
	}
	if c.Storage.LogDir == "" {
		c.Storage.LogDir = filepath.Join(c.Storage.DataDir, "logs")
	}

	if c.Alpaca.BaseURL == "" {
		c.Alpaca.BaseURL = "https://api.alpaca.markets"
	}
	if c.Alpaca.DataURL == "" {
		c.Alpaca.DataURL = "https://data.alpaca.markets"
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "sip"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Market.Timezone == "" {
		c.Market.Timezone = "America/New_York"
	}
	c.Market.Calendar = strings.ToLower(c.Market.Calendar)
	if c.Market.Calendar == "" {
		c.Market.Calendar = "weekday"
	}
	if c.Market.SessionClose == "" {
		c.Market.SessionClose = "16:00"
	}
	if c.Market.SettleDelay == 0 {
		c.Market.SettleDelay = 5 * time.Minute
	}

	c.Sync.Role = strings.ToLower(c.Sync.Role)
	if c.Sync.Role == "" {
		c.Sync.Role = string(domain.RunnerPrimary)
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.RateLimitPerMin == 0 {
		c.Sync.RateLimitPerMin = 200
	}
	if c.Sync.BatchDays <= 0 {
		c.Sync.BatchDays = 100
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 3
	}
	if c.Sync.RetryBaseDelay <= 0 {
		c.Sync.RetryBaseDelay = time.Second
	}
	if c.Sync.RunTimeout <= 0 {
		c.Sync.RunTimeout = 30 * time.Minute
	}
	if c.Sync.LockTTL <= 0 {
		c.Sync.LockTTL = 2 * time.Hour
	}
	if c.Sync.MissingStreak <= 0 {
		c.Sync.MissingStreak = 3
	}

	if c.Status.Listen == "" {
		c.Status.Listen = "127.0.0.1:9090"
	}
}

// Location returns the market time zone. Valid after Validate.
func (c *Config) Location() *time.Location { return c.loc }

// StartDate returns the parsed catalog start date. Valid after Validate.
func (c *Config) StartDate() domain.Date { return c.start }

// HolidayDates returns the parsed market holidays. Valid after Validate.
func (c *Config) HolidayDates() []domain.Date { return c.holidays }

// Role returns the runner role.
func (c *Config) Role() domain.Runner { return domain.Runner(c.Sync.Role) }
