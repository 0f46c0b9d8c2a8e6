package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/component-base/metrics/testutil"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/metrics"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

var (
	milk = types.Key{ZoneID: "110001", ItemID: "milk"}
	tea  = types.Key{ZoneID: "110001", ItemID: "tea"}
)

type fakeRow struct {
	value int
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.value
	return nil
}

// fakeQuerier serves stock from a map and records executed statements
type fakeQuerier struct {
	stock   map[types.Key]int
	err     error
	execs   []string
	args    [][]any
	execErr error
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if q.err != nil {
		return fakeRow{err: q.err}
	}
	key := types.Key{ZoneID: args[0].(string), ItemID: args[1].(string)}
	units, ok := q.stock[key]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: units}
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if q.execErr != nil {
		return pgconn.CommandTag{}, q.execErr
	}
	q.execs = append(q.execs, sql)
	q.args = append(q.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func decision(key types.Key, triggered bool) types.RestockDecision {
	return types.RestockDecision{
		Key:                 key,
		CurrentStock:        5,
		PredictedDemand:     20,
		ThresholdUsed:       10,
		SafetyFactor:        1.2,
		RecommendedQuantity: 19,
		Triggered:           triggered,
		DecidedAt:           time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC),
		HorizonDate:         time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
		ModelVersion:        "v1",
		CycleID:             "c1",
	}
}

func TestStatic(t *testing.T) {
	s, err := NewStatic(config.InventoryConfig{
		DefaultStock: 7,
		Stock:        map[string]int{"110001/milk": 3},
	})
	require.NoError(t, err)

	units, err := s.CurrentStock(context.Background(), milk)
	require.NoError(t, err)
	assert.Equal(t, 3, units)

	units, err = s.CurrentStock(context.Background(), tea)
	require.NoError(t, err)
	assert.Equal(t, 7, units)

	_, err = NewStatic(config.InventoryConfig{Stock: map[string]int{"milk": 3}})
	assert.Error(t, err)
	_, err = NewStatic(config.InventoryConfig{Stock: map[string]int{"z/milk": -1}})
	assert.Error(t, err)
}

func TestPostgresCurrentStock(t *testing.T) {
	tests := []struct {
		name    string
		q       *fakeQuerier
		want    int
		wantErr bool
	}{
		{name: "found", q: &fakeQuerier{stock: map[types.Key]int{milk: 12}}, want: 12},
		{name: "missing row", q: &fakeQuerier{stock: map[types.Key]int{}}, wantErr: true},
		{name: "query error", q: &fakeQuerier{err: errors.New("connection refused")}, wantErr: true},
		{name: "negative stock", q: &fakeQuerier{stock: map[types.Key]int{milk: -2}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPostgresWithQuerier(tt.q)
			got, err := p.CurrentStock(context.Background(), milk)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrStockUnavailable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPostgresDeliver(t *testing.T) {
	q := &fakeQuerier{}
	p := NewPostgresWithQuerier(q)

	require.NoError(t, p.EnsureSchema(context.Background()))
	require.NoError(t, p.Deliver(context.Background(), decision(milk, true)))

	require.Len(t, q.execs, 2)
	assert.Contains(t, q.execs[0], "CREATE TABLE IF NOT EXISTS restock_decisions")
	assert.Contains(t, q.execs[1], "ON CONFLICT")
	args := q.args[1]
	assert.Equal(t, "c1", args[0])
	assert.Equal(t, "110001", args[1])
	assert.Equal(t, 19.0, args[7])
	assert.Equal(t, true, args[8])

	q.execErr = errors.New("disk full")
	assert.Error(t, p.Deliver(context.Background(), decision(milk, true)))
}

func TestNATSSink(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATSSinkWithPublisher(pub, "restock.decisions.")

	odd := types.Key{ZoneID: "zone.1", ItemID: "milk 1L"}
	assert.Equal(t, "restock.decisions.zone_1.milk_1L", s.Subject(odd))

	require.NoError(t, s.Deliver(context.Background(), decision(milk, true)))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "restock.decisions.110001.milk", pub.subjects[0])

	var got types.RestockDecision
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, decision(milk, true), got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Deliver(ctx, decision(milk, true)))
}

func TestFanout(t *testing.T) {
	good := &fakePublisher{}
	bad := &fakePublisher{err: errors.New("no responders")}
	q := &fakeQuerier{}

	before, _ := testutil.GetCounterMetricValue(metrics.Deliveries.WithLabelValues("nats", "success"))

	f := NewFanout(false,
		NewNATSSinkWithPublisher(bad, "a"),
		NewPostgresWithQuerier(q),
		NewNATSSinkWithPublisher(good, "b"),
	)
	assert.Equal(t, 3, f.Len())

	err := f.Deliver(context.Background(), decision(milk, false))
	require.Error(t, err, "a failing sink is reported")
	assert.Len(t, good.subjects, 1, "later sinks still receive the decision")
	assert.Len(t, q.execs, 1)

	after, _ := testutil.GetCounterMetricValue(metrics.Deliveries.WithLabelValues("nats", "success"))
	assert.Equal(t, before+1, after)
}

func TestFanoutTriggeredOnly(t *testing.T) {
	pub := &fakePublisher{}
	f := NewFanout(true, NewNATSSinkWithPublisher(pub, "restock"))

	require.NoError(t, f.Deliver(context.Background(), decision(milk, false)))
	assert.Empty(t, pub.subjects)

	require.NoError(t, f.Deliver(context.Background(), decision(milk, true)))
	assert.Len(t, pub.subjects, 1)
}

func TestNewBoundaryStatic(t *testing.T) {
	b, err := New(context.Background(),
		config.InventoryConfig{Kind: config.InventoryStatic, DefaultStock: 4},
		config.NotifyConfig{})
	require.NoError(t, err)
	defer b.Close()

	units, err := b.Stock.CurrentStock(context.Background(), tea)
	require.NoError(t, err)
	assert.Equal(t, 4, units)
	assert.Equal(t, 0, b.Sinks.Len())

	_, err = New(context.Background(),
		config.InventoryConfig{Kind: config.InventoryStatic},
		config.NotifyConfig{PostgresEnabled: true})
	assert.Error(t, err)
}
