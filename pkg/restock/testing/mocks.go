package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// MockSource implements ingest.KeyedSource over in-memory records.
// Function overrides take precedence when set.
type MockSource struct {
	mu      sync.Mutex
	records []types.SalesRecord
	calls   int

	FetchFunc    func(ctx context.Context, start, end time.Time) ([]types.SalesRecord, error)
	FetchKeyFunc func(ctx context.Context, key types.Key, start, end time.Time) ([]types.SalesRecord, error)
	ListKeysFunc func(ctx context.Context, start, end time.Time) ([]types.Key, error)
}

// NewMockSource creates a source serving records
func NewMockSource(records []types.SalesRecord) *MockSource {
	return &MockSource{records: append([]types.SalesRecord(nil), records...)}
}

// Name implements ingest.Source
func (m *MockSource) Name() string { return "mock" }

// Calls returns how many fetches the source has served
func (m *MockSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Add appends records, e.g. to simulate a new day of sales
func (m *MockSource) Add(records ...types.SalesRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
}

// Fetch implements ingest.Source
func (m *MockSource) Fetch(ctx context.Context, start, end time.Time) ([]types.SalesRecord, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, start, end)
	}
	return m.filter(func(r types.SalesRecord) bool { return true }, start, end), nil
}

// FetchKey implements ingest.KeyedSource
func (m *MockSource) FetchKey(ctx context.Context, key types.Key, start, end time.Time) ([]types.SalesRecord, error) {
	if m.FetchKeyFunc != nil {
		return m.FetchKeyFunc(ctx, key, start, end)
	}
	return m.filter(func(r types.SalesRecord) bool { return r.Key() == key }, start, end), nil
}

// ListKeys implements ingest.KeyedSource
func (m *MockSource) ListKeys(ctx context.Context, start, end time.Time) ([]types.Key, error) {
	if m.ListKeysFunc != nil {
		return m.ListKeysFunc(ctx, start, end)
	}
	seen := map[types.Key]bool{}
	var keys []types.Key
	for _, r := range m.filter(func(types.SalesRecord) bool { return true }, start, end) {
		if !seen[r.Key()] {
			seen[r.Key()] = true
			keys = append(keys, r.Key())
		}
	}
	return keys, nil
}

func (m *MockSource) filter(match func(types.SalesRecord) bool, start, end time.Time) []types.SalesRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	var out []types.SalesRecord
	for _, r := range m.records {
		d := types.Day(r.Date)
		if d.Before(types.Day(start)) || d.After(types.Day(end)) || !match(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// MockStock implements inventory.StockReader
type MockStock struct {
	mu           sync.Mutex
	stock        map[types.Key]int
	defaultStock int
	failing      map[types.Key]bool

	CurrentStockFunc func(ctx context.Context, key types.Key) (int, error)
}

// NewMockStock creates a stock reader; unknown keys report defaultStock
func NewMockStock(defaultStock int, stock map[types.Key]int) *MockStock {
	m := &MockStock{stock: map[types.Key]int{}, defaultStock: defaultStock, failing: map[types.Key]bool{}}
	for k, v := range stock {
		m.stock[k] = v
	}
	return m
}

// Fail makes lookups for key return types.ErrStockUnavailable
func (m *MockStock) Fail(key types.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[key] = true
}

// CurrentStock implements inventory.StockReader
func (m *MockStock) CurrentStock(ctx context.Context, key types.Key) (int, error) {
	if m.CurrentStockFunc != nil {
		return m.CurrentStockFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[key] {
		return 0, fmt.Errorf("%w: mock failure for %s", types.ErrStockUnavailable, key)
	}
	if v, ok := m.stock[key]; ok {
		return v, nil
	}
	return m.defaultStock, nil
}

// MockSink implements inventory.DecisionSink and records deliveries
type MockSink struct {
	mu        sync.Mutex
	decisions []types.RestockDecision
	err       error
}

// NewMockSink creates a sink that fails every delivery with err when non-nil
func NewMockSink(err error) *MockSink {
	return &MockSink{err: err}
}

// Name implements inventory.DecisionSink
func (m *MockSink) Name() string { return "mock" }

// Deliver implements inventory.DecisionSink
func (m *MockSink) Deliver(_ context.Context, d types.RestockDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.decisions = append(m.decisions, d)
	return nil
}

// Decisions returns the delivered decisions in order
func (m *MockSink) Decisions() []types.RestockDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.RestockDecision(nil), m.decisions...)
}
