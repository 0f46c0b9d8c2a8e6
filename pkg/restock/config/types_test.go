package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Kind:         SourceSQLite,
			SQLitePath:   "sales.db",
			LookbackDays: 30,
			TrackedKeys:  []string{"110001/milk"},
		},
		Forecast: ForecastConfig{
			DefaultAlgorithm: AlgorithmRegression,
			WindowSize:       7,
			MinTrainingRows:  14,
			MaxModelAge:      24 * time.Hour,
			HorizonDays:      1,
			EvalWindowDays:   7,
			RidgeLambda:      1,
		},
		Scheduler: SchedulerConfig{Interval: time.Hour, Concurrency: 2},
		Decision:  DecisionConfig{Thresholds: Thresholds{ReorderPoint: 10, SafetyFactor: 1.2}},
		Calendar:  CalendarConfig{WeekendDays: "06"},
		Store:     StoreConfig{Path: "restock.db"},
		Inventory: InventoryConfig{Kind: InventoryStatic},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown source", mutate: func(c *Config) { c.Source.Kind = "kafka" }, expectError: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Source.SQLitePath = "" }, expectError: true},
		{name: "http without url", mutate: func(c *Config) { c.Source.Kind = SourceHTTP }, expectError: true},
		{name: "bad tracked key", mutate: func(c *Config) { c.Source.TrackedKeys = []string{"milk"} }, expectError: true},
		{name: "lookback shorter than min rows", mutate: func(c *Config) { c.Source.LookbackDays = 10 }, expectError: true},
		{name: "unknown algorithm", mutate: func(c *Config) { c.Forecast.DefaultAlgorithm = "prophet" }, expectError: true},
		{
			name: "unknown override algorithm",
			mutate: func(c *Config) {
				c.Forecast.AlgorithmOverrides = map[string]string{"110001/milk": "arima"}
			},
			expectError: true,
		},
		{name: "zero window", mutate: func(c *Config) { c.Forecast.WindowSize = 0 }, expectError: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Scheduler.Concurrency = 0 }, expectError: true},
		{name: "zero interval", mutate: func(c *Config) { c.Scheduler.Interval = 0 }, expectError: true},
		{name: "bad weekend day", mutate: func(c *Config) { c.Calendar.WeekendDays = "7" }, expectError: true},
		{name: "zero safety factor", mutate: func(c *Config) { c.Decision.Thresholds.SafetyFactor = 0 }, expectError: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Inventory.Kind = InventoryPostgres }, expectError: true},
		{name: "postgres sink without dsn", mutate: func(c *Config) { c.Notify.PostgresEnabled = true }, expectError: true},
		{
			name: "postgres sink with static inventory",
			mutate: func(c *Config) {
				c.Inventory.PostgresDSN = "postgres://localhost/inventory"
				c.Notify.PostgresEnabled = true
			},
			expectError: true,
		},
		{
			name: "postgres sink with postgres inventory",
			mutate: func(c *Config) {
				c.Inventory.Kind = InventoryPostgres
				c.Inventory.PostgresDSN = "postgres://localhost/inventory"
				c.Notify.PostgresEnabled = true
			},
		},
		{name: "negative ridge lambda", mutate: func(c *Config) { c.Forecast.RidgeLambda = -1 }, expectError: true},
		{name: "regression without ridge penalty", mutate: func(c *Config) { c.Forecast.RidgeLambda = 0 }, expectError: true},
		{
			name: "regression override without ridge penalty",
			mutate: func(c *Config) {
				c.Forecast.DefaultAlgorithm = AlgorithmWeekdayMean
				c.Forecast.AlgorithmOverrides = map[string]string{"110001/milk": AlgorithmRegression}
				c.Forecast.RidgeLambda = 0
			},
			expectError: true,
		},
		{
			name: "weekday mean without ridge penalty",
			mutate: func(c *Config) {
				c.Forecast.DefaultAlgorithm = AlgorithmWeekdayMean
				c.Forecast.RidgeLambda = 0
			},
		},
		{name: "negative static stock", mutate: func(c *Config) { c.Inventory.Stock = map[string]int{"a/b": -1} }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.expectError {
				t.Errorf("Validate() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestAlgorithmFor(t *testing.T) {
	f := ForecastConfig{
		DefaultAlgorithm:   AlgorithmRegression,
		AlgorithmOverrides: map[string]string{"110001/bread": AlgorithmWeekdayMean},
	}
	cfg := validConfig()
	keys := cfg.Source.Tracked()
	if len(keys) != 1 {
		t.Fatalf("expected 1 tracked key, got %d", len(keys))
	}
	if got := f.AlgorithmFor(keys[0]); got != AlgorithmRegression {
		t.Errorf("AlgorithmFor(milk) = %s, want %s", got, AlgorithmRegression)
	}
	keys[0].ItemID = "bread"
	if got := f.AlgorithmFor(keys[0]); got != AlgorithmWeekdayMean {
		t.Errorf("AlgorithmFor(bread) = %s, want %s", got, AlgorithmWeekdayMean)
	}
}
