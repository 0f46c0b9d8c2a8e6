package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// Source kinds
const (
	SourceSQLite = "sqlite"
	SourceHTTP   = "http"
)

// Inventory kinds
const (
	InventoryStatic   = "static"
	InventoryPostgres = "postgres"
)

// Forecasting algorithms
const (
	AlgorithmRegression  = "regression"
	AlgorithmWeekdayMean = "weekday_mean"
)

// Config holds all configuration for the restock pipeline
type Config struct {
	Source        SourceConfig        `yaml:"source"`
	Forecast      ForecastConfig      `yaml:"forecast"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Decision      DecisionConfig      `yaml:"decision"`
	Calendar      CalendarConfig      `yaml:"calendar"`
	Store         StoreConfig         `yaml:"store"`
	Inventory     InventoryConfig     `yaml:"inventory"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SourceConfig holds configuration for the upstream sales source
type SourceConfig struct {
	Kind          string        `yaml:"kind"` // "sqlite" or "http"
	SQLitePath    string        `yaml:"sqlitePath"`
	HTTPURL       string        `yaml:"httpUrl"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	RateLimit     float64       `yaml:"rateLimit"` // fetches per second, 0 disables throttling
	Burst         int           `yaml:"burst"`
	TrackedKeys   []string      `yaml:"trackedKeys"`   // zone/item pairs always forecast
	LookbackDays  int           `yaml:"lookbackDays"`  // days ingested per key per cycle
	DiscoveryDays int           `yaml:"discoveryDays"` // recent days scanned for new keys
}

// ForecastConfig holds configuration for training and prediction
type ForecastConfig struct {
	DefaultAlgorithm   string            `yaml:"defaultAlgorithm"`
	AlgorithmOverrides map[string]string `yaml:"algorithmOverrides"` // zone/item -> algorithm
	WindowSize         int               `yaml:"windowSize"`
	MinTrainingRows    int               `yaml:"minTrainingRows"`
	MaxModelAge        time.Duration     `yaml:"maxModelAge"`
	HorizonDays        int               `yaml:"horizonDays"`
	EvalWindowDays     int               `yaml:"evalWindowDays"`
	RidgeLambda        float64           `yaml:"ridgeLambda"`
}

// SchedulerConfig holds configuration for the batch cycle
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Concurrency  int           `yaml:"concurrency"`
	CycleTimeout time.Duration `yaml:"cycleTimeout"` // 0 disables the timeout
	RunOnStart   bool          `yaml:"runOnStart"`
}

// DecisionConfig holds restock thresholds
type DecisionConfig struct {
	Thresholds     Thresholds `yaml:"thresholds"`
	ThresholdsPath string     `yaml:"thresholdsPath"` // watched for changes when set
}

// CalendarConfig holds weekend and holiday settings
type CalendarConfig struct {
	Locale      string              `yaml:"locale"`
	WeekendDays string              `yaml:"weekendDays"` // e.g. "06" for Sunday and Saturday
	Holidays    map[string][]string `yaml:"holidays"`    // locale -> YYYY-MM-DD or recurring MM-DD
}

// StoreConfig holds configuration for the results log
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retentionDays"` // 0 keeps results forever
}

// InventoryConfig holds configuration for the stock lookup
type InventoryConfig struct {
	Kind         string         `yaml:"kind"` // "static" or "postgres"
	PostgresDSN  string         `yaml:"postgresDsn"`
	DefaultStock int            `yaml:"defaultStock"`
	Stock        map[string]int `yaml:"stock"`    // zone/item -> units, static inventory only
	CacheTTL     time.Duration  `yaml:"cacheTTL"` // 0 disables the stock cache
}

// NotifyConfig holds configuration for decision delivery
type NotifyConfig struct {
	NATSURL         string `yaml:"natsUrl"`
	SubjectPrefix   string `yaml:"subjectPrefix"`
	PostgresEnabled bool   `yaml:"postgresEnabled"` // record decisions in the inventory database
	TriggeredOnly   bool   `yaml:"triggeredOnly"`
}

// ObservabilityConfig holds configuration for the operational API
type ObservabilityConfig struct {
	ListenAddr     string `yaml:"listenAddr"`
	MetricsEnabled bool   `yaml:"metricsEnabled"`
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.validateSource(); err != nil {
		return fmt.Errorf("invalid source config: %v", err)
	}
	if err := c.validateForecast(); err != nil {
		return fmt.Errorf("invalid forecast config: %v", err)
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler concurrency must be at least 1")
	}
	if c.Scheduler.CycleTimeout < 0 {
		return fmt.Errorf("cycle timeout must not be negative")
	}

	if err := c.Decision.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %v", err)
	}

	for _, day := range c.Calendar.WeekendDays {
		if day < '0' || day > '6' {
			return fmt.Errorf("invalid weekend day: %c (must be 0-6)", day)
		}
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Inventory.CacheTTL < 0 {
		return fmt.Errorf("inventory cache TTL must not be negative")
	}
	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("store retention days must not be negative")
	}

	switch c.Inventory.Kind {
	case InventoryStatic:
		for k, units := range c.Inventory.Stock {
			if _, err := types.ParseKey(k); err != nil {
				return fmt.Errorf("invalid inventory stock entry: %v", err)
			}
			if units < 0 {
				return fmt.Errorf("stock for %s must not be negative", k)
			}
		}
	case InventoryPostgres:
		if c.Inventory.PostgresDSN == "" {
			return fmt.Errorf("postgres inventory requires a DSN")
		}
	default:
		return fmt.Errorf("unknown inventory kind: %s", c.Inventory.Kind)
	}

	if c.Notify.PostgresEnabled && c.Inventory.Kind != InventoryPostgres {
		return fmt.Errorf("postgres decision sink requires the postgres inventory, got %q", c.Inventory.Kind)
	}

	return nil
}

func (c *Config) validateSource() error {
	switch c.Source.Kind {
	case SourceSQLite:
		if c.Source.SQLitePath == "" {
			return fmt.Errorf("sqlite source requires a path")
		}
	case SourceHTTP:
		if !strings.HasPrefix(c.Source.HTTPURL, "http://") && !strings.HasPrefix(c.Source.HTTPURL, "https://") {
			return fmt.Errorf("http source requires an http(s) URL, got %q", c.Source.HTTPURL)
		}
	default:
		return fmt.Errorf("unknown source kind: %s", c.Source.Kind)
	}

	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.Source.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.Source.LookbackDays < 1 {
		return fmt.Errorf("lookback days must be positive")
	}
	for _, k := range c.Source.TrackedKeys {
		if _, err := types.ParseKey(k); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateForecast() error {
	f := c.Forecast
	if !validAlgorithm(f.DefaultAlgorithm) {
		return fmt.Errorf("unknown algorithm: %s", f.DefaultAlgorithm)
	}
	for k, algo := range f.AlgorithmOverrides {
		if _, err := types.ParseKey(k); err != nil {
			return err
		}
		if !validAlgorithm(algo) {
			return fmt.Errorf("unknown algorithm for %s: %s", k, algo)
		}
	}
	if f.WindowSize < 1 {
		return fmt.Errorf("window size must be positive")
	}
	if f.MinTrainingRows < 2 {
		return fmt.Errorf("min training rows must be at least 2")
	}
	if f.MaxModelAge <= 0 {
		return fmt.Errorf("max model age must be positive")
	}
	if f.HorizonDays < 1 {
		return fmt.Errorf("horizon days must be positive")
	}
	if f.EvalWindowDays < 1 {
		return fmt.Errorf("eval window days must be positive")
	}
	if f.RidgeLambda < 0 {
		return fmt.Errorf("ridge lambda must not be negative")
	}
	// Without a penalty the design matrix is singular for windows with no
	// holidays or a constant series
	if f.RidgeLambda == 0 && f.usesAlgorithm(AlgorithmRegression) {
		return fmt.Errorf("ridge lambda must be positive when the regression algorithm is in use")
	}
	if c.Source.LookbackDays < f.MinTrainingRows {
		return fmt.Errorf("lookback days (%d) cannot cover min training rows (%d)", c.Source.LookbackDays, f.MinTrainingRows)
	}
	return nil
}

func validAlgorithm(name string) bool {
	return name == AlgorithmRegression || name == AlgorithmWeekdayMean
}

func (f ForecastConfig) usesAlgorithm(name string) bool {
	if f.DefaultAlgorithm == name {
		return true
	}
	for _, algo := range f.AlgorithmOverrides {
		if algo == name {
			return true
		}
	}
	return false
}

// AlgorithmFor returns the configured algorithm for a key
func (f ForecastConfig) AlgorithmFor(key types.Key) string {
	if algo, ok := f.AlgorithmOverrides[key.String()]; ok {
		return algo
	}
	return f.DefaultAlgorithm
}

// Tracked returns the configured tracked keys. Entries are assumed valid.
func (s SourceConfig) Tracked() []types.Key {
	keys := make([]types.Key, 0, len(s.TrackedKeys))
	for _, k := range s.TrackedKeys {
		if key, err := types.ParseKey(k); err == nil {
			keys = append(keys, key)
		}
	}
	return keys
}
