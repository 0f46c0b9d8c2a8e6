package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// fakeSource serves fixed records, optionally failing the first calls
type fakeSource struct {
	records  []types.SalesRecord
	failures int32
	failErr  error
	calls    atomic.Int32
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context, _, _ time.Time) ([]types.SalesRecord, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, f.failErr
	}
	return f.records, nil
}

var (
	d1   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	milk = types.Key{ZoneID: "Z1", ItemID: "milk"}
	eggs = types.Key{ZoneID: "Z1", ItemID: "eggs"}
)

func testSourceConfig() config.SourceConfig {
	return config.SourceConfig{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
}

func sale(day int, key types.Key, qty int) types.SalesRecord {
	return types.SalesRecord{Date: types.AddDays(d1, day), ZoneID: key.ZoneID, ItemID: key.ItemID, Quantity: qty}
}

func TestIngestGapFill(t *testing.T) {
	src := &fakeSource{records: []types.SalesRecord{
		sale(0, milk, 5),
		sale(2, milk, 7),
	}}
	a := NewAdapter(src, testSourceConfig())

	got, err := a.Ingest(context.Background(), d1, types.AddDays(d1, 2))
	require.NoError(t, err)
	require.Contains(t, got, milk)

	series := got[milk]
	require.Len(t, series.Records, 3)
	assert.Equal(t, []float64{5, 0, 7}, series.Quantities())
	assert.Equal(t, d1, series.Start())
	assert.Equal(t, types.AddDays(d1, 2), series.End())
	for _, r := range series.Records {
		assert.Equal(t, milk, r.Key())
	}
}

func TestIngestSumsDuplicatesAndNormalizesDates(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	src := &fakeSource{records: []types.SalesRecord{
		{Date: time.Date(2024, 1, 1, 9, 30, 0, 0, ist), ZoneID: "Z1", ItemID: "milk", Quantity: 3},
		{Date: time.Date(2024, 1, 1, 18, 0, 0, 0, ist), ZoneID: "Z1", ItemID: "milk", Quantity: 4},
		sale(1, milk, 1),
	}}
	a := NewAdapter(src, testSourceConfig())

	got, err := a.Ingest(context.Background(), d1, types.AddDays(d1, 1))
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 1}, got[milk].Quantities())
}

func TestIngestTrackedKeysZeroFilled(t *testing.T) {
	src := &fakeSource{records: []types.SalesRecord{sale(0, milk, 2)}}
	cfg := testSourceConfig()
	cfg.TrackedKeys = []string{"Z1/eggs"}
	a := NewAdapter(src, cfg)

	got, err := a.Ingest(context.Background(), d1, types.AddDays(d1, 3))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float64{0, 0, 0, 0}, got[eggs].Quantities())
	assert.Equal(t, []types.Key{eggs}, a.Tracked())
}

func TestIngestSingleDay(t *testing.T) {
	src := &fakeSource{records: []types.SalesRecord{sale(0, milk, 9)}}
	a := NewAdapter(src, testSourceConfig())

	got, err := a.Ingest(context.Background(), d1, d1)
	require.NoError(t, err)
	require.Len(t, got[milk].Records, 1)
	assert.Equal(t, 9, got[milk].Records[0].Quantity)
}

func TestIngestInvalidRange(t *testing.T) {
	src := &fakeSource{}
	a := NewAdapter(src, testSourceConfig())

	tests := []struct {
		name       string
		start, end time.Time
	}{
		{name: "start after end", start: types.AddDays(d1, 1), end: d1},
		{name: "missing start", end: d1},
		{name: "missing end", start: d1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Ingest(context.Background(), tt.start, tt.end)
			assert.ErrorIs(t, err, types.ErrInvalidRange)
		})
	}
	assert.Zero(t, src.calls.Load(), "invalid ranges never reach the source")
}

func TestIngestMalformedRecords(t *testing.T) {
	tests := []struct {
		name   string
		record types.SalesRecord
	}{
		{name: "negative quantity", record: sale(0, milk, -1)},
		{name: "empty zone", record: types.SalesRecord{Date: d1, ItemID: "milk", Quantity: 1}},
		{name: "empty item", record: types.SalesRecord{Date: d1, ZoneID: "Z1", Quantity: 1}},
		{name: "missing date", record: types.SalesRecord{ZoneID: "Z1", ItemID: "milk", Quantity: 1}},
		{name: "outside range", record: sale(10, milk, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{records: []types.SalesRecord{sale(0, eggs, 1), tt.record}}
			a := NewAdapter(src, testSourceConfig())

			got, err := a.Ingest(context.Background(), d1, types.AddDays(d1, 2))
			assert.ErrorIs(t, err, types.ErrSourceUnavailable)
			assert.Nil(t, got, "no partial result")
		})
	}
}

func TestIngestRetriesTransientFailures(t *testing.T) {
	src := &fakeSource{
		records:  []types.SalesRecord{sale(0, milk, 4)},
		failures: 2,
		failErr:  fmt.Errorf("%w: connection reset", types.ErrSourceUnavailable),
	}
	a := NewAdapter(src, testSourceConfig())

	got, err := a.Ingest(context.Background(), d1, d1)
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, got[milk].Quantities())
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestIngestRetriesExhausted(t *testing.T) {
	src := &fakeSource{
		failures: 100,
		failErr:  fmt.Errorf("%w: 503", types.ErrSourceUnavailable),
	}
	a := NewAdapter(src, testSourceConfig())

	_, err := a.Ingest(context.Background(), d1, d1)
	assert.ErrorIs(t, err, types.ErrSourceUnavailable)
	assert.Equal(t, int32(4), src.calls.Load(), "one attempt plus three retries")
}

func TestIngestDoesNotRetryPermanentErrors(t *testing.T) {
	src := &fakeSource{failures: 100, failErr: errors.New("permission denied")}
	a := NewAdapter(src, testSourceConfig())

	_, err := a.Ingest(context.Background(), d1, d1)
	require.Error(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestIngestCancelledContext(t *testing.T) {
	src := &fakeSource{records: []types.SalesRecord{sale(0, milk, 1)}}
	a := NewAdapter(src, testSourceConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Ingest(ctx, d1, d1)
	assert.ErrorIs(t, err, types.ErrSourceUnavailable)
}

func TestIngestKeyFallsBackToFullFetch(t *testing.T) {
	src := &fakeSource{records: []types.SalesRecord{sale(0, milk, 3), sale(1, eggs, 6)}}
	a := NewAdapter(src, testSourceConfig())

	series, err := a.IngestKey(context.Background(), eggs, d1, types.AddDays(d1, 1))
	require.NoError(t, err)
	assert.Equal(t, eggs, series.Key)
	assert.Equal(t, []float64{0, 6}, series.Quantities())

	// A key with no sales still yields a full zero series
	other := types.Key{ZoneID: "Z9", ItemID: "tea"}
	series, err = a.IngestKey(context.Background(), other, d1, types.AddDays(d1, 1))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, series.Quantities())
}

func TestDiscoverKeys(t *testing.T) {
	src := &fakeSource{records: []types.SalesRecord{sale(0, milk, 3), sale(1, eggs, 6), sale(1, milk, 1)}}
	a := NewAdapter(src, testSourceConfig())

	keys, err := a.DiscoverKeys(context.Background(), d1, types.AddDays(d1, 1))
	require.NoError(t, err)
	assert.Equal(t, []types.Key{eggs, milk}, keys)
}

func TestRateLimiterThrottles(t *testing.T) {
	src := &fakeSource{records: []types.SalesRecord{sale(0, milk, 1)}}
	cfg := testSourceConfig()
	cfg.RateLimit = 20
	cfg.Burst = 1
	a := NewAdapter(src, cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := a.Ingest(context.Background(), d1, d1)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
