package testing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

var (
	monday = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	milk   = types.Key{ZoneID: "110001", ItemID: "milk"}
	bread  = types.Key{ZoneID: "110001", ItemID: "bread"}
)

func TestSimulateSalesDeterministic(t *testing.T) {
	opts := DefaultSimulation()
	a := SimulateSales([]types.Key{milk, bread}, monday, 28, opts)
	b := SimulateSales([]types.Key{milk, bread}, monday, 28, opts)
	assert.Equal(t, a, b)
	assert.Len(t, a, 56)

	opts.Seed = 2
	assert.NotEqual(t, a, SimulateSales([]types.Key{milk, bread}, monday, 28, opts))
}

func TestSimulateSalesWeekendLift(t *testing.T) {
	opts := SimulationOptions{Seed: 1, WeekendLift: 2, MinBase: 10, MaxBase: 10,
		HolidayDates: map[string]float64{"2024-01-03": 3}}
	records := SimulateSales([]types.Key{milk}, monday, 7, opts)

	got := make([]int, len(records))
	for i, r := range records {
		got[i] = r.Quantity
		assert.GreaterOrEqual(t, r.Quantity, 0)
	}
	// Mon..Sun with no noise; Wednesday is a holiday
	assert.Equal(t, []int{10, 10, 30, 10, 10, 20, 20}, got)
}

func TestMockSource(t *testing.T) {
	src := NewMockSource(ConstantSales([]types.Key{milk, bread}, monday, 5, 3))
	ctx := context.Background()

	records, err := src.FetchKey(ctx, milk, monday, types.AddDays(monday, 1))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	keys, err := src.ListKeys(ctx, monday, monday)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Key{milk, bread}, keys)

	src.Add(ConstantSales([]types.Key{milk}, types.AddDays(monday, 5), 1, 9)...)
	records, err = src.Fetch(ctx, types.AddDays(monday, 5), types.AddDays(monday, 5))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 9, records[0].Quantity)
	assert.Equal(t, 3, src.Calls())
}

func TestMockStock(t *testing.T) {
	s := NewMockStock(4, map[types.Key]int{milk: 1})
	v, err := s.CurrentStock(context.Background(), milk)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = s.CurrentStock(context.Background(), bread)
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	s.Fail(bread)
	_, err = s.CurrentStock(context.Background(), bread)
	assert.ErrorIs(t, err, types.ErrStockUnavailable)
}
