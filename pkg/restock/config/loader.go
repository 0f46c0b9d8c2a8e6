package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	logLoaded(cfg)
	return cfg, nil
}

// LoadFile loads a YAML configuration file on top of the environment defaults
func LoadFile(path string) (*Config, error) {
	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	if cfg.Decision.ThresholdsPath != "" {
		th, err := LoadThresholdsFile(cfg.Decision.ThresholdsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load thresholds: %v", err)
		}
		cfg.Decision.Thresholds = th
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	logLoaded(cfg)
	return cfg, nil
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		Source: SourceConfig{
			Kind:          getEnvOrDefault("SOURCE_KIND", SourceSQLite),
			SQLitePath:    getEnvOrDefault("SOURCE_SQLITE_PATH", "sales.db"),
			HTTPURL:       os.Getenv("SOURCE_HTTP_URL"),
			Timeout:       getDurationOrDefault("SOURCE_TIMEOUT", 10*time.Second),
			MaxRetries:    getIntOrDefault("SOURCE_MAX_RETRIES", 3),
			RetryDelay:    getDurationOrDefault("SOURCE_RETRY_DELAY", 1*time.Second),
			RateLimit:     getFloatOrDefault("SOURCE_RATE_LIMIT", 20),
			Burst:         getIntOrDefault("SOURCE_BURST", 5),
			TrackedKeys:   getListOrDefault("TRACKED_KEYS", nil),
			LookbackDays:  getIntOrDefault("INGEST_LOOKBACK_DAYS", 90),
			DiscoveryDays: getIntOrDefault("KEY_DISCOVERY_DAYS", 7),
		},
		Forecast: ForecastConfig{
			DefaultAlgorithm:   getEnvOrDefault("FORECAST_ALGORITHM", AlgorithmRegression),
			AlgorithmOverrides: getMapOrDefault("FORECAST_ALGORITHM_OVERRIDES"),
			WindowSize:         getIntOrDefault("FEATURE_WINDOW_SIZE", 7),
			MinTrainingRows:    getIntOrDefault("MIN_TRAINING_ROWS", 14),
			MaxModelAge:        getDurationOrDefault("MAX_MODEL_AGE", 24*time.Hour),
			HorizonDays:        getIntOrDefault("FORECAST_HORIZON_DAYS", 1),
			EvalWindowDays:     getIntOrDefault("EVAL_WINDOW_DAYS", 7),
			RidgeLambda:        getFloatOrDefault("RIDGE_LAMBDA", 1.0),
		},
		Scheduler: SchedulerConfig{
			Interval:     getDurationOrDefault("SCHEDULER_INTERVAL", 24*time.Hour),
			Concurrency:  getIntOrDefault("SCHEDULER_CONCURRENCY", 4),
			CycleTimeout: getDurationOrDefault("CYCLE_TIMEOUT", 0),
			RunOnStart:   getBoolOrDefault("RUN_ON_START", true),
		},
		Decision: DecisionConfig{
			Thresholds: Thresholds{
				ReorderPoint: getFloatOrDefault("REORDER_POINT", 10),
				SafetyFactor: getFloatOrDefault("SAFETY_FACTOR", 1.2),
			},
			ThresholdsPath: os.Getenv("THRESHOLDS_PATH"),
		},
		Calendar: CalendarConfig{
			Locale:      getEnvOrDefault("CALENDAR_LOCALE", "IN"),
			WeekendDays: getEnvOrDefault("CALENDAR_WEEKEND_DAYS", "06"),
			Holidays:    map[string][]string{},
		},
		Store: StoreConfig{
			Path:          getEnvOrDefault("STORE_PATH", "restock.db"),
			RetentionDays: getIntOrDefault("STORE_RETENTION_DAYS", 0),
		},
		Inventory: InventoryConfig{
			Kind:         getEnvOrDefault("INVENTORY_KIND", InventoryStatic),
			PostgresDSN:  os.Getenv("INVENTORY_POSTGRES_DSN"),
			DefaultStock: getIntOrDefault("INVENTORY_DEFAULT_STOCK", 0),
			Stock:        loadStaticStock(),
			CacheTTL:     getDurationOrDefault("INVENTORY_CACHE_TTL", 0),
		},
		Notify: NotifyConfig{
			NATSURL:         os.Getenv("NOTIFY_NATS_URL"),
			SubjectPrefix:   getEnvOrDefault("NOTIFY_SUBJECT_PREFIX", "restock.decisions"),
			PostgresEnabled: getBoolOrDefault("NOTIFY_POSTGRES_ENABLED", false),
			TriggeredOnly:   getBoolOrDefault("NOTIFY_TRIGGERED_ONLY", false),
		},
		Observability: ObservabilityConfig{
			ListenAddr:     getEnvOrDefault("LISTEN_ADDR", ":8080"),
			MetricsEnabled: getBoolOrDefault("METRICS_ENABLED", true),
		},
	}

	if holidays := getListOrDefault("CALENDAR_HOLIDAYS", nil); len(holidays) > 0 {
		cfg.Calendar.Holidays[cfg.Calendar.Locale] = holidays
	}

	// Load thresholds file if provided
	if cfg.Decision.ThresholdsPath != "" {
		th, err := LoadThresholdsFile(cfg.Decision.ThresholdsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load thresholds: %v", err)
		}
		cfg.Decision.Thresholds = th
	}

	return cfg, nil
}

func logLoaded(cfg *Config) {
	klog.V(2).InfoS("Loaded configuration",
		"sourceKind", cfg.Source.Kind,
		"trackedKeys", len(cfg.Source.TrackedKeys),
		"algorithm", cfg.Forecast.DefaultAlgorithm,
		"interval", cfg.Scheduler.Interval,
		"concurrency", cfg.Scheduler.Concurrency,
		"reorderPoint", cfg.Decision.Thresholds.ReorderPoint,
		"safetyFactor", cfg.Decision.Thresholds.SafetyFactor,
		"inventoryKind", cfg.Inventory.Kind)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

// getListOrDefault splits a comma separated variable, dropping empty entries
func getListOrDefault(key string, defaultValue []string) []string {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(strValue, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getMapOrDefault parses "k1=v1,k2=v2"; malformed pairs are logged and skipped
func getMapOrDefault(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getListOrDefault(key, nil) {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" || v == "" {
			klog.V(2).InfoS("Invalid map entry, skipping", "key", key, "entry", pair)
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// loadStaticStock loads per-key stock levels from INVENTORY_STOCK
// Format: INVENTORY_STOCK=110001/milk=12,110001/bread=4
func loadStaticStock() map[string]int {
	stock := make(map[string]int)
	for k, v := range getMapOrDefault("INVENTORY_STOCK") {
		units, err := strconv.Atoi(v)
		if err != nil {
			klog.V(2).InfoS("Invalid stock value, skipping", "key", k, "value", v)
			continue
		}
		stock[k] = units
	}
	return stock
}
