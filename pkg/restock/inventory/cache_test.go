package inventory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

type countingReader struct {
	units map[types.Key]int
	calls int
	fail  bool
}

func (r *countingReader) CurrentStock(ctx context.Context, key types.Key) (int, error) {
	r.calls++
	if r.fail {
		return 0, fmt.Errorf("%w: backend down", types.ErrStockUnavailable)
	}
	return r.units[key], nil
}

func TestCachedStock(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC))
	reader := &countingReader{units: map[types.Key]int{milk: 7}}
	c := NewCachedStock(reader, time.Minute, clk)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		units, err := c.CurrentStock(ctx, milk)
		require.NoError(t, err)
		assert.Equal(t, 7, units)
	}
	assert.Equal(t, 1, reader.calls)
	hits, misses := c.GetMetrics()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)

	reader.units[milk] = 3
	clk.Step(2 * time.Minute)
	units, err := c.CurrentStock(ctx, milk)
	require.NoError(t, err)
	assert.Equal(t, 3, units, "expired entry is refetched")
	assert.Equal(t, 2, reader.calls)
}

func TestCachedStockDoesNotCacheErrors(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	reader := &countingReader{fail: true}
	c := NewCachedStock(reader, time.Minute, clk)
	defer c.Close()

	_, err := c.CurrentStock(context.Background(), tea)
	assert.ErrorIs(t, err, types.ErrStockUnavailable)
	assert.Equal(t, 0, c.Size())

	reader.fail = false
	reader.units = map[types.Key]int{tea: 2}
	units, err := c.CurrentStock(context.Background(), tea)
	require.NoError(t, err)
	assert.Equal(t, 2, units)
	assert.Equal(t, 2, reader.calls)
}

func TestNewBoundaryWithStockCache(t *testing.T) {
	b, err := New(context.Background(),
		config.InventoryConfig{Kind: config.InventoryStatic, DefaultStock: 4, CacheTTL: time.Minute},
		config.NotifyConfig{})
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.Stock.(*CachedStock)
	assert.True(t, ok)
}
