package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// SQLiteStore is the durable results log. Forecasts, evaluations and
// decisions are append-only and keyed by (cycle, key), so replaying a
// cycle's writes is a no-op. It also persists trained model handles.
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
	clock    clock.PassiveClock
}

// NewSQLiteStore opens or creates the results log at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithClock(dbPath, clock.RealClock{})
}

// NewSQLiteStoreWithClock is NewSQLiteStore with clk stamping model saves
// and anchoring retention cleanup
func NewSQLiteStoreWithClock(dbPath string, clk clock.PassiveClock) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_cache=shared&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	s := &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
		clock:    clk,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %v", err)
	}

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS forecasts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		horizon_date TEXT NOT NULL, -- YYYY-MM-DD
		predicted_quantity REAL NOT NULL,
		generated_at DATETIME NOT NULL,
		model_version TEXT NOT NULL,
		algorithm TEXT,
		backtest INTEGER NOT NULL DEFAULT 0,
		UNIQUE(cycle_id, zone_id, item_id, horizon_date, backtest)
	);

	CREATE INDEX IF NOT EXISTS idx_forecasts_key_horizon ON forecasts(zone_id, item_id, horizon_date);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		evaluated_at DATETIME NOT NULL,
		sample_size INTEGER NOT NULL,
		model_version TEXT,
		backtest INTEGER NOT NULL DEFAULT 0,
		metrics TEXT NOT NULL, -- JSON object of metric name to value
		UNIQUE(cycle_id, zone_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		current_stock INTEGER NOT NULL,
		predicted_demand REAL NOT NULL,
		threshold_used REAL NOT NULL,
		safety_factor REAL NOT NULL,
		recommended_quantity REAL NOT NULL,
		triggered INTEGER NOT NULL,
		decided_at DATETIME NOT NULL,
		horizon_date TEXT NOT NULL,
		model_version TEXT,
		UNIQUE(cycle_id, zone_id, item_id)
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_key_time ON decisions(zone_id, item_id, decided_at);

	CREATE TABLE IF NOT EXISTS models (
		zone_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		data BLOB NOT NULL,
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (zone_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		state TEXT NOT NULL,
		keys_total INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failures TEXT -- JSON array of key failures
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_finished ON cycles(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	statements := map[string]string{
		"insert_forecast": `
			INSERT OR IGNORE INTO forecasts (
				cycle_id, zone_id, item_id, horizon_date, predicted_quantity,
				generated_at, model_version, algorithm, backtest
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"select_forecasts": `
			SELECT zone_id, item_id, horizon_date, predicted_quantity, generated_at,
				   model_version, algorithm, backtest
			FROM forecasts
			WHERE zone_id = ? AND item_id = ? AND horizon_date BETWEEN ? AND ? AND backtest = 0
			ORDER BY horizon_date ASC, generated_at ASC
		`,
		"latest_forecast": `
			SELECT zone_id, item_id, horizon_date, predicted_quantity, generated_at,
				   model_version, algorithm, backtest
			FROM forecasts
			WHERE zone_id = ? AND item_id = ? AND backtest = 0
			ORDER BY generated_at DESC, horizon_date ASC
			LIMIT 1
		`,
		"insert_evaluation": `
			INSERT OR IGNORE INTO evaluations (
				cycle_id, zone_id, item_id, evaluated_at, sample_size,
				model_version, backtest, metrics
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"latest_evaluation": `
			SELECT zone_id, item_id, evaluated_at, sample_size, model_version, backtest, metrics
			FROM evaluations
			WHERE zone_id = ? AND item_id = ?
			ORDER BY evaluated_at DESC
			LIMIT 1
		`,
		"insert_decision": `
			INSERT OR IGNORE INTO decisions (
				cycle_id, zone_id, item_id, current_stock, predicted_demand,
				threshold_used, safety_factor, recommended_quantity, triggered,
				decided_at, horizon_date, model_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"select_decisions": `
			SELECT cycle_id, zone_id, item_id, current_stock, predicted_demand,
				   threshold_used, safety_factor, recommended_quantity, triggered,
				   decided_at, horizon_date, model_version
			FROM decisions
			WHERE zone_id = ? AND item_id = ? AND decided_at >= ?
			ORDER BY decided_at ASC, id ASC
		`,
		"select_cycle_decisions": `
			SELECT cycle_id, zone_id, item_id, current_stock, predicted_demand,
				   threshold_used, safety_factor, recommended_quantity, triggered,
				   decided_at, horizon_date, model_version
			FROM decisions
			WHERE cycle_id = ?
			ORDER BY zone_id ASC, item_id ASC
		`,
		"upsert_model": `
			INSERT OR REPLACE INTO models (zone_id, item_id, data, saved_at)
			VALUES (?, ?, ?, ?)
		`,
		"select_models": `
			SELECT zone_id, item_id, data FROM models
		`,
		"insert_cycle": `
			INSERT OR REPLACE INTO cycles (
				id, started_at, finished_at, state, keys_total, succeeded, failures
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
		"last_cycle": `
			SELECT id, started_at, finished_at, state, keys_total, succeeded, failures
			FROM cycles
			ORDER BY finished_at DESC
			LIMIT 1
		`,
		"cleanup_forecasts":   `DELETE FROM forecasts WHERE generated_at < ?`,
		"cleanup_evaluations": `DELETE FROM evaluations WHERE evaluated_at < ?`,
		"cleanup_decisions":   `DELETE FROM decisions WHERE decided_at < ?`,
		"cleanup_cycles":      `DELETE FROM cycles WHERE finished_at < ?`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// AppendForecasts records the forecasts produced for one key in a cycle
func (s *SQLiteStore) AppendForecasts(ctx context.Context, cycleID string, forecasts []types.Forecast) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.prepared["insert_forecast"])
	for _, f := range forecasts {
		if _, err := stmt.ExecContext(ctx,
			cycleID,
			f.Key.ZoneID,
			f.Key.ItemID,
			types.FormatDay(f.HorizonDate),
			f.PredictedQuantity,
			f.GeneratedAt.UTC(),
			f.ModelVersion,
			f.Algorithm,
			f.Backtest,
		); err != nil {
			return fmt.Errorf("failed to store forecast: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit forecasts: %v", err)
	}

	klog.V(3).InfoS("Stored forecasts", "cycle", cycleID, "count", len(forecasts))
	return nil
}

// ForecastsForKey returns non-backtest forecasts for key whose horizon
// falls within [from, to]
func (s *SQLiteStore) ForecastsForKey(ctx context.Context, key types.Key, from, to time.Time) ([]types.Forecast, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_forecasts"].QueryContext(ctx,
		key.ZoneID, key.ItemID, types.FormatDay(from), types.FormatDay(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query forecasts: %v", err)
	}
	defer rows.Close()

	var out []types.Forecast
	for rows.Next() {
		f, err := scanForecast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %v", err)
	}
	return out, nil
}

// LatestForecast returns the most recently generated forecast for key, or nil
func (s *SQLiteStore) LatestForecast(ctx context.Context, key types.Key) (*types.Forecast, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row := s.prepared["latest_forecast"].QueryRowContext(ctx, key.ZoneID, key.ItemID)
	f, err := scanForecast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanForecast(row scanner) (types.Forecast, error) {
	var f types.Forecast
	var horizon string
	var algorithm sql.NullString
	if err := row.Scan(
		&f.Key.ZoneID,
		&f.Key.ItemID,
		&horizon,
		&f.PredictedQuantity,
		&f.GeneratedAt,
		&f.ModelVersion,
		&algorithm,
		&f.Backtest,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("failed to scan forecast: %v", err)
	}

	day, err := types.ParseDay(horizon)
	if err != nil {
		return f, fmt.Errorf("invalid horizon date %q: %v", horizon, err)
	}
	f.HorizonDate = day
	f.Algorithm = algorithm.String
	return f, nil
}

// AppendEvaluation records the evaluation for one key in a cycle
func (s *SQLiteStore) AppendEvaluation(ctx context.Context, cycleID string, result types.EvaluationResult) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	metricsJSON, err := json.Marshal(result.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %v", err)
	}

	if _, err := s.prepared["insert_evaluation"].ExecContext(ctx,
		cycleID,
		result.Key.ZoneID,
		result.Key.ItemID,
		result.EvaluatedAt.UTC(),
		result.SampleSize,
		result.ModelVersion,
		result.Backtest,
		string(metricsJSON),
	); err != nil {
		return fmt.Errorf("failed to store evaluation: %v", err)
	}
	return nil
}

// LatestEvaluation returns the most recent evaluation for key, or nil
func (s *SQLiteStore) LatestEvaluation(ctx context.Context, key types.Key) (*types.EvaluationResult, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var res types.EvaluationResult
	var version sql.NullString
	var metricsJSON string
	err := s.prepared["latest_evaluation"].QueryRowContext(ctx, key.ZoneID, key.ItemID).Scan(
		&res.Key.ZoneID,
		&res.Key.ItemID,
		&res.EvaluatedAt,
		&res.SampleSize,
		&version,
		&res.Backtest,
		&metricsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluation: %v", err)
	}

	res.ModelVersion = version.String
	if err := json.Unmarshal([]byte(metricsJSON), &res.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %v", err)
	}
	return &res, nil
}

// AppendDecision records a restock decision for one key in a cycle
func (s *SQLiteStore) AppendDecision(ctx context.Context, cycleID string, d types.RestockDecision) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := s.prepared["insert_decision"].ExecContext(ctx,
		cycleID,
		d.Key.ZoneID,
		d.Key.ItemID,
		d.CurrentStock,
		d.PredictedDemand,
		d.ThresholdUsed,
		d.SafetyFactor,
		d.RecommendedQuantity,
		d.Triggered,
		d.DecidedAt.UTC(),
		types.FormatDay(d.HorizonDate),
		d.ModelVersion,
	); err != nil {
		return fmt.Errorf("failed to store decision: %v", err)
	}

	klog.V(3).InfoS("Stored restock decision", "cycle", cycleID, "key", d.Key, "triggered", d.Triggered)
	return nil
}

// DecisionsSince lists all decisions for key made at or after since, oldest first
func (s *SQLiteStore) DecisionsSince(ctx context.Context, key types.Key, since time.Time) ([]types.RestockDecision, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_decisions"].QueryContext(ctx, key.ZoneID, key.ItemID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %v", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// DecisionsForCycle lists the decisions recorded by one cycle
func (s *SQLiteStore) DecisionsForCycle(ctx context.Context, cycleID string) ([]types.RestockDecision, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_cycle_decisions"].QueryContext(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %v", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]types.RestockDecision, error) {
	var out []types.RestockDecision
	for rows.Next() {
		var d types.RestockDecision
		var horizon string
		var version sql.NullString
		if err := rows.Scan(
			&d.CycleID,
			&d.Key.ZoneID,
			&d.Key.ItemID,
			&d.CurrentStock,
			&d.PredictedDemand,
			&d.ThresholdUsed,
			&d.SafetyFactor,
			&d.RecommendedQuantity,
			&d.Triggered,
			&d.DecidedAt,
			&horizon,
			&version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %v", err)
		}
		day, err := types.ParseDay(horizon)
		if err != nil {
			return nil, fmt.Errorf("invalid horizon date %q: %v", horizon, err)
		}
		d.HorizonDate = day
		d.ModelVersion = version.String
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %v", err)
	}
	return out, nil
}

// LatestDecision returns the most recent decision for key, or nil
func (s *SQLiteStore) LatestDecision(ctx context.Context, key types.Key) (*types.RestockDecision, error) {
	decisions, err := s.DecisionsSince(ctx, key, time.Time{})
	if err != nil || len(decisions) == 0 {
		return nil, err
	}
	return &decisions[len(decisions)-1], nil
}

// SaveModel persists a serialized model handle, replacing any previous one
func (s *SQLiteStore) SaveModel(ctx context.Context, key types.Key, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := s.prepared["upsert_model"].ExecContext(ctx, key.ZoneID, key.ItemID, data, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store model: %v", err)
	}
	return nil
}

// LoadModels returns every persisted model handle
func (s *SQLiteStore) LoadModels(ctx context.Context) (map[types.Key][]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_models"].QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %v", err)
	}
	defer rows.Close()

	out := make(map[types.Key][]byte)
	for rows.Next() {
		var key types.Key
		var data []byte
		if err := rows.Scan(&key.ZoneID, &key.ItemID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan model: %v", err)
		}
		out[key] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %v", err)
	}
	return out, nil
}

// RecordCycle stores the summary of a finished cycle
func (s *SQLiteStore) RecordCycle(ctx context.Context, rec types.CycleRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	failures, err := json.Marshal(rec.Failures)
	if err != nil {
		return fmt.Errorf("failed to marshal failures: %v", err)
	}

	if _, err := s.prepared["insert_cycle"].ExecContext(ctx,
		rec.ID,
		rec.StartedAt.UTC(),
		rec.FinishedAt.UTC(),
		rec.State,
		rec.KeysTotal,
		rec.Succeeded,
		string(failures),
	); err != nil {
		return fmt.Errorf("failed to store cycle: %v", err)
	}
	return nil
}

// LastCycle returns the most recently finished cycle, or nil
func (s *SQLiteStore) LastCycle(ctx context.Context) (*types.CycleRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var rec types.CycleRecord
	var failures sql.NullString
	err := s.prepared["last_cycle"].QueryRowContext(ctx).Scan(
		&rec.ID,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.State,
		&rec.KeysTotal,
		&rec.Succeeded,
		&failures,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last cycle: %v", err)
	}

	if failures.Valid && failures.String != "" {
		if err := json.Unmarshal([]byte(failures.String), &rec.Failures); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failures: %v", err)
		}
	}
	return &rec, nil
}

// Cleanup removes results older than the retention period. Models are kept.
func (s *SQLiteStore) Cleanup(ctx context.Context, retentionDays int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := s.clock.Now().UTC().AddDate(0, 0, -retentionDays)
	var deleted int64
	for _, name := range []string{"cleanup_forecasts", "cleanup_evaluations", "cleanup_decisions", "cleanup_cycles"} {
		result, err := s.prepared[name].ExecContext(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to cleanup old records: %v", err)
		}
		n, _ := result.RowsAffected()
		deleted += n
	}

	klog.V(2).InfoS("Cleaned up old results", "cutoff", cutoff, "rowsDeleted", deleted)
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Close prepared statements
	for _, stmt := range s.prepared {
		stmt.Close()
	}

	return s.db.Close()
}
