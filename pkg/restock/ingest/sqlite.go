package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// SQLiteSource reads raw sales from a local SQLite database. Rows are
// returned as stored; the Adapter does validation and gap filling.
type SQLiteSource struct {
	db       *sql.DB
	dbPath   string
	prepared map[string]*sql.Stmt
}

var _ KeyedSource = &SQLiteSource{}

// NewSQLiteSource opens or creates the sales database at dbPath
func NewSQLiteSource(dbPath string) (*SQLiteSource, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	s := &SQLiteSource{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sales schema: %v", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	klog.V(2).InfoS("Opened SQLite sales source", "path", dbPath)
	return s, nil
}

func (s *SQLiteSource) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sale_date TEXT NOT NULL, -- YYYY-MM-DD
		zone_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_date ON sales(sale_date);
	CREATE INDEX IF NOT EXISTS idx_sales_key_date ON sales(zone_id, item_id, sale_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSource) prepareStatements() error {
	statements := map[string]string{
		"insert": `INSERT INTO sales (sale_date, zone_id, item_id, quantity) VALUES (?, ?, ?, ?)`,
		"range": `
			SELECT sale_date, zone_id, item_id, quantity FROM sales
			WHERE sale_date >= ? AND sale_date <= ?
			ORDER BY zone_id, item_id, sale_date`,
		"range_key": `
			SELECT sale_date, zone_id, item_id, quantity FROM sales
			WHERE zone_id = ? AND item_id = ? AND sale_date >= ? AND sale_date <= ?
			ORDER BY sale_date`,
		"keys": `
			SELECT DISTINCT zone_id, item_id FROM sales
			WHERE sale_date >= ? AND sale_date <= ?
			ORDER BY zone_id, item_id`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}
	return nil
}

// Name implements Source
func (s *SQLiteSource) Name() string {
	return "sqlite"
}

// Fetch implements Source
func (s *SQLiteSource) Fetch(ctx context.Context, start, end time.Time) ([]types.SalesRecord, error) {
	rows, err := s.prepared["range"].QueryContext(ctx, types.FormatDay(start), types.FormatDay(end))
	if err != nil {
		return nil, fmt.Errorf("%w: query sales: %v", types.ErrSourceUnavailable, err)
	}
	return scanSales(rows)
}

// FetchKey implements KeyedSource
func (s *SQLiteSource) FetchKey(ctx context.Context, key types.Key, start, end time.Time) ([]types.SalesRecord, error) {
	rows, err := s.prepared["range_key"].QueryContext(ctx, key.ZoneID, key.ItemID,
		types.FormatDay(start), types.FormatDay(end))
	if err != nil {
		return nil, fmt.Errorf("%w: query sales for %s: %v", types.ErrSourceUnavailable, key, err)
	}
	return scanSales(rows)
}

// ListKeys implements KeyedSource
func (s *SQLiteSource) ListKeys(ctx context.Context, start, end time.Time) ([]types.Key, error) {
	rows, err := s.prepared["keys"].QueryContext(ctx, types.FormatDay(start), types.FormatDay(end))
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", types.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var keys []types.Key
	for rows.Next() {
		var k types.Key
		if err := rows.Scan(&k.ZoneID, &k.ItemID); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", types.ErrSourceUnavailable, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", types.ErrSourceUnavailable, err)
	}
	return keys, nil
}

// Insert appends raw sales rows in a single transaction
func (s *SQLiteSource) Insert(ctx context.Context, records []types.SalesRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.prepared["insert"])
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, types.FormatDay(r.Date), r.ZoneID, r.ItemID, r.Quantity); err != nil {
			return fmt.Errorf("failed to insert sale for %s: %v", r.Key(), err)
		}
	}
	return tx.Commit()
}

// Close releases prepared statements and the database handle
func (s *SQLiteSource) Close() error {
	for _, stmt := range s.prepared {
		stmt.Close()
	}
	return s.db.Close()
}

func scanSales(rows *sql.Rows) ([]types.SalesRecord, error) {
	defer rows.Close()

	var out []types.SalesRecord
	for rows.Next() {
		var (
			date string
			r    types.SalesRecord
		)
		if err := rows.Scan(&date, &r.ZoneID, &r.ItemID, &r.Quantity); err != nil {
			return nil, fmt.Errorf("%w: scan sale: %v", types.ErrSourceUnavailable, err)
		}
		d, err := types.ParseDay(date)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed sale date %q: %v", types.ErrSourceUnavailable, date, err)
		}
		r.Date = d
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read sales: %v", types.ErrSourceUnavailable, err)
	}
	return out, nil
}
