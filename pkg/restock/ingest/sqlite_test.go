package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

func newTestSQLiteSource(t *testing.T) *SQLiteSource {
	t.Helper()
	s, err := NewSQLiteSource(filepath.Join(t.TempDir(), "sales.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSourceRoundTrip(t *testing.T) {
	s := newTestSQLiteSource(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, []types.SalesRecord{
		sale(0, milk, 5),
		sale(0, milk, 2),
		sale(1, eggs, 12),
		sale(5, milk, 1),
	}))

	records, err := s.Fetch(ctx, d1, types.AddDays(d1, 1))
	require.NoError(t, err)
	assert.Len(t, records, 3)

	records, err = s.FetchKey(ctx, eggs, d1, types.AddDays(d1, 10))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 12, records[0].Quantity)
	assert.Equal(t, types.AddDays(d1, 1), records[0].Date)

	keys, err := s.ListKeys(ctx, types.AddDays(d1, 2), types.AddDays(d1, 10))
	require.NoError(t, err)
	assert.Equal(t, []types.Key{milk}, keys)
}

func TestSQLiteSourceThroughAdapter(t *testing.T) {
	s := newTestSQLiteSource(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, []types.SalesRecord{
		sale(0, milk, 5),
		sale(0, milk, 2),
		sale(3, milk, 4),
		sale(1, eggs, 1),
	}))

	a := NewAdapter(s, config.SourceConfig{MaxRetries: 1})
	series, err := a.IngestKey(ctx, milk, d1, types.AddDays(d1, 3))
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 0, 0, 4}, series.Quantities())

	keys, err := a.DiscoverKeys(ctx, d1, types.AddDays(d1, 3))
	require.NoError(t, err)
	assert.Equal(t, []types.Key{eggs, milk}, keys)
}

func TestNewSource(t *testing.T) {
	src, closeFn, err := NewSource(config.SourceConfig{
		Kind:       config.SourceSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "s.db"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", src.Name())
	assert.NoError(t, closeFn())

	src, closeFn, err = NewSource(config.SourceConfig{Kind: config.SourceHTTP, HTTPURL: "http://sales.local"})
	require.NoError(t, err)
	assert.Equal(t, "http", src.Name())
	assert.NoError(t, closeFn())

	_, _, err = NewSource(config.SourceConfig{Kind: "ftp"})
	assert.Error(t, err)
}
