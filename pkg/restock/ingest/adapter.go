package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/metrics"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

const maxBackoff = time.Minute

// Adapter normalizes a Source into gap-free canonical series. A request
// either returns complete data for the whole range or fails; partial
// results are never returned.
type Adapter struct {
	source  Source
	tracked []types.Key
	limiter *rate.Limiter
	backoff wait.Backoff
}

// NewAdapter creates an ingestion adapter over source
func NewAdapter(source Source, cfg config.SourceConfig) *Adapter {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &Adapter{
		source:  source,
		tracked: cfg.Tracked(),
		limiter: rate.NewLimiter(limit, burst),
		backoff: wait.Backoff{
			Duration: delay,
			Factor:   2,
			Jitter:   0.2,
			Steps:    cfg.MaxRetries + 1,
			Cap:      maxBackoff,
		},
	}
}

// Tracked returns the keys that are always ingested
func (a *Adapter) Tracked() []types.Key {
	return append([]types.Key(nil), a.tracked...)
}

// Ingest returns a series for every key observed in [start, end] plus every
// tracked key, each covering every calendar day of the range.
func (a *Adapter) Ingest(ctx context.Context, start, end time.Time) (map[types.Key]types.CanonicalSeries, error) {
	start, end, err := validateRange(start, end)
	if err != nil {
		return nil, err
	}

	records, err := a.fetch(ctx, "fetch", func(ctx context.Context) ([]types.SalesRecord, error) {
		return a.source.Fetch(ctx, start, end)
	})
	if err != nil {
		return nil, err
	}

	grouped, err := group(records, start, end)
	if err != nil {
		return nil, err
	}
	for _, key := range a.tracked {
		if _, ok := grouped[key]; !ok {
			grouped[key] = map[string]int{}
		}
	}

	out := make(map[types.Key]types.CanonicalSeries, len(grouped))
	for key, byDay := range grouped {
		out[key] = fill(key, byDay, start, end)
	}

	klog.V(3).InfoS("Ingested sales range",
		"start", types.FormatDay(start),
		"end", types.FormatDay(end),
		"records", len(records),
		"keys", len(out))
	return out, nil
}

// IngestKey returns the gap-filled series for a single key
func (a *Adapter) IngestKey(ctx context.Context, key types.Key, start, end time.Time) (types.CanonicalSeries, error) {
	start, end, err := validateRange(start, end)
	if err != nil {
		return types.CanonicalSeries{}, err
	}

	records, err := a.fetch(ctx, "fetch_key", func(ctx context.Context) ([]types.SalesRecord, error) {
		if keyed, ok := a.source.(KeyedSource); ok {
			return keyed.FetchKey(ctx, key, start, end)
		}
		return a.source.Fetch(ctx, start, end)
	})
	if err != nil {
		return types.CanonicalSeries{}, err
	}

	grouped, err := group(records, start, end)
	if err != nil {
		return types.CanonicalSeries{}, err
	}
	return fill(key, grouped[key], start, end), nil
}

// DiscoverKeys returns the keys with records in [start, end], sorted
func (a *Adapter) DiscoverKeys(ctx context.Context, start, end time.Time) ([]types.Key, error) {
	start, end, err := validateRange(start, end)
	if err != nil {
		return nil, err
	}

	if keyed, ok := a.source.(KeyedSource); ok {
		var keys []types.Key
		_, err := a.fetch(ctx, "list_keys", func(ctx context.Context) ([]types.SalesRecord, error) {
			var err error
			keys, err = keyed.ListKeys(ctx, start, end)
			return nil, err
		})
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k.ZoneID == "" || k.ItemID == "" {
				return nil, fmt.Errorf("%w: source listed an empty key", types.ErrSourceUnavailable)
			}
		}
		types.SortKeys(keys)
		return keys, nil
	}

	records, err := a.fetch(ctx, "fetch", func(ctx context.Context) ([]types.SalesRecord, error) {
		return a.source.Fetch(ctx, start, end)
	})
	if err != nil {
		return nil, err
	}
	grouped, err := group(records, start, end)
	if err != nil {
		return nil, err
	}

	keys := sets.KeySet(grouped).UnsortedList()
	types.SortKeys(keys)
	return keys, nil
}

// fetch runs call under the rate limiter, retrying ErrSourceUnavailable
// with exponential backoff. Other errors are returned immediately.
func (a *Adapter) fetch(ctx context.Context, op string, call func(context.Context) ([]types.SalesRecord, error)) ([]types.SalesRecord, error) {
	var records []types.SalesRecord
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, a.backoff, func(ctx context.Context) (bool, error) {
		attempt++
		if err := a.limiter.Wait(ctx); err != nil {
			return false, err
		}

		recs, err := call(ctx)
		if err == nil {
			records = recs
			metrics.SourceFetches.WithLabelValues(a.source.Name(), "success").Inc()
			return true, nil
		}
		if !errors.Is(err, types.ErrSourceUnavailable) {
			metrics.SourceFetches.WithLabelValues(a.source.Name(), "error").Inc()
			return false, err
		}

		lastErr = err
		metrics.SourceFetches.WithLabelValues(a.source.Name(), "retry").Inc()
		klog.V(2).InfoS("Sales source request failed, retrying",
			"source", a.source.Name(),
			"operation", op,
			"attempt", attempt,
			"maxAttempts", a.backoff.Steps,
			"error", err)
		return false, nil
	})
	if err == nil {
		return records, nil
	}

	if wait.Interrupted(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if lastErr == nil {
			lastErr = err
		}
		metrics.SourceFetches.WithLabelValues(a.source.Name(), "error").Inc()
		if errors.Is(lastErr, types.ErrSourceUnavailable) {
			return nil, fmt.Errorf("%s failed after %d attempts: %w", op, attempt, lastErr)
		}
		return nil, fmt.Errorf("%w: %s failed after %d attempts: %v", types.ErrSourceUnavailable, op, attempt, lastErr)
	}
	return nil, err
}

func validateRange(start, end time.Time) (time.Time, time.Time, error) {
	if start.IsZero() || end.IsZero() {
		return start, end, fmt.Errorf("%w: start and end dates are required", types.ErrInvalidRange)
	}
	start, end = types.Day(start), types.Day(end)
	if start.After(end) {
		return start, end, fmt.Errorf("%w: start %s is after end %s",
			types.ErrInvalidRange, types.FormatDay(start), types.FormatDay(end))
	}
	return start, end, nil
}

// group validates records and sums duplicates per key and day
func group(records []types.SalesRecord, start, end time.Time) (map[types.Key]map[string]int, error) {
	out := make(map[types.Key]map[string]int)
	for i, r := range records {
		if r.ZoneID == "" || r.ItemID == "" {
			return nil, fmt.Errorf("%w: record %d has an empty zone or item", types.ErrSourceUnavailable, i)
		}
		if r.Quantity < 0 {
			return nil, fmt.Errorf("%w: record %d for %s has negative quantity %d",
				types.ErrSourceUnavailable, i, r.Key(), r.Quantity)
		}
		if r.Date.IsZero() {
			return nil, fmt.Errorf("%w: record %d for %s has no date", types.ErrSourceUnavailable, i, r.Key())
		}
		day := types.Day(r.Date)
		if day.Before(start) || day.After(end) {
			return nil, fmt.Errorf("%w: record %d for %s dated %s is outside %s..%s",
				types.ErrSourceUnavailable, i, r.Key(), types.FormatDay(day),
				types.FormatDay(start), types.FormatDay(end))
		}

		byDay, ok := out[r.Key()]
		if !ok {
			byDay = make(map[string]int)
			out[r.Key()] = byDay
		}
		byDay[types.FormatDay(day)] += r.Quantity
	}
	return out, nil
}

// fill expands per-day totals into a series with one record per day; days
// without sales are real zeros
func fill(key types.Key, byDay map[string]int, start, end time.Time) types.CanonicalSeries {
	days := types.DayRange(start, end)
	series := types.CanonicalSeries{
		Key:     key,
		Records: make([]types.SalesRecord, len(days)),
	}
	for i, day := range days {
		series.Records[i] = types.SalesRecord{
			Date:     day,
			ZoneID:   key.ZoneID,
			ItemID:   key.ItemID,
			Quantity: byDay[types.FormatDay(day)],
		}
	}
	return series
}
