package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// Querier is the subset of *pgxpool.Pool used by the inventory adapters
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres reads stock from the inventory service database and records
// decisions for it to act on. The stock table is owned by the inventory
// service; only the decisions table is created here.
type Postgres struct {
	db   Querier
	pool *pgxpool.Pool
}

var (
	_ StockReader  = &Postgres{}
	_ DecisionSink = &Postgres{}
)

const (
	selectStockSQL = `SELECT quantity FROM zone_stock WHERE zone_id = $1 AND item_id = $2`

	createDecisionsSQL = `
	CREATE TABLE IF NOT EXISTS restock_decisions (
		cycle_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		current_stock INTEGER NOT NULL,
		predicted_demand DOUBLE PRECISION NOT NULL,
		reorder_point DOUBLE PRECISION NOT NULL,
		safety_factor DOUBLE PRECISION NOT NULL,
		recommended_quantity DOUBLE PRECISION NOT NULL,
		triggered BOOLEAN NOT NULL,
		horizon_date DATE NOT NULL,
		decided_at TIMESTAMPTZ NOT NULL,
		model_version TEXT,
		PRIMARY KEY (cycle_id, zone_id, item_id)
	)`

	insertDecisionSQL = `
	INSERT INTO restock_decisions (
		cycle_id, zone_id, item_id, current_stock, predicted_demand, reorder_point,
		safety_factor, recommended_quantity, triggered, horizon_date, decided_at, model_version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (cycle_id, zone_id, item_id) DO NOTHING`
)

// NewPostgres connects to the inventory database at dsn
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to inventory database: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("inventory database ping failed: %v", err)
	}

	klog.InfoS("Connected to inventory database")
	return &Postgres{db: pool, pool: pool}, nil
}

// NewPostgresWithQuerier wraps an existing connection or pool
func NewPostgresWithQuerier(db Querier) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the decisions table when missing
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createDecisionsSQL); err != nil {
		return fmt.Errorf("failed to create restock_decisions table: %v", err)
	}
	return nil
}

// CurrentStock implements StockReader. A key the inventory service does
// not know about is treated as unavailable rather than as zero stock.
func (p *Postgres) CurrentStock(ctx context.Context, key types.Key) (int, error) {
	var units int
	err := p.db.QueryRow(ctx, selectStockSQL, key.ZoneID, key.ItemID).Scan(&units)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: no stock row for %s", types.ErrStockUnavailable, key)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: query stock for %s: %v", types.ErrStockUnavailable, key, err)
	}
	if units < 0 {
		return 0, fmt.Errorf("%w: negative stock %d for %s", types.ErrStockUnavailable, units, key)
	}
	return units, nil
}

// Name implements DecisionSink
func (p *Postgres) Name() string {
	return "postgres"
}

// Deliver implements DecisionSink. Redelivering a decision is a no-op.
func (p *Postgres) Deliver(ctx context.Context, d types.RestockDecision) error {
	_, err := p.db.Exec(ctx, insertDecisionSQL,
		d.CycleID, d.Key.ZoneID, d.Key.ItemID, d.CurrentStock, d.PredictedDemand,
		d.ThresholdUsed, d.SafetyFactor, d.RecommendedQuantity, d.Triggered,
		types.Day(d.HorizonDate), d.DecidedAt.UTC(), d.ModelVersion)
	if err != nil {
		return fmt.Errorf("failed to record decision for %s: %v", d.Key, err)
	}
	return nil
}

// Close releases the pool when this adapter owns it
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
		klog.V(2).InfoS("Inventory database connection pool closed")
	}
}
