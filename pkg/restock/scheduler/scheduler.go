package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/eval"
	"github.com/elevated-systems/restock-gardener/pkg/restock/features"
	"github.com/elevated-systems/restock-gardener/pkg/restock/forecast"
	"github.com/elevated-systems/restock-gardener/pkg/restock/inventory"
	"github.com/elevated-systems/restock-gardener/pkg/restock/metrics"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// State is the lifecycle state of a batch cycle
type State string

const (
	StateIdle                State = "idle"
	StateRunning             State = "running"
	StateCompleted           State = "completed"
	StateCompletedWithErrors State = "completed_with_errors"
	StateAborted             State = "aborted"
)

// ErrCycleInProgress is returned by Tick while a previous cycle is running
var ErrCycleInProgress = errors.New("batch cycle already running")

// Ingester supplies gap-free sales series and key discovery
type Ingester interface {
	IngestKey(ctx context.Context, key types.Key, start, end time.Time) (types.CanonicalSeries, error)
	DiscoverKeys(ctx context.Context, start, end time.Time) ([]types.Key, error)
	Tracked() []types.Key
}

// ResultStore is the append-only results log
type ResultStore interface {
	AppendForecasts(ctx context.Context, cycleID string, forecasts []types.Forecast) error
	ForecastsForKey(ctx context.Context, key types.Key, from, to time.Time) ([]types.Forecast, error)
	AppendEvaluation(ctx context.Context, cycleID string, result types.EvaluationResult) error
	AppendDecision(ctx context.Context, cycleID string, d types.RestockDecision) error
	RecordCycle(ctx context.Context, rec types.CycleRecord) error
	LastCycle(ctx context.Context) (*types.CycleRecord, error)
	Cleanup(ctx context.Context, retentionDays int) error
}

// ThresholdSource returns the thresholds in force right now
type ThresholdSource interface {
	Load() config.Thresholds
}

// Dependencies are the pipeline components a Scheduler drives
type Dependencies struct {
	Ingester   Ingester
	Builder    *features.Builder
	Registry   *forecast.Registry
	Trainer    *forecast.Trainer
	Predictor  *forecast.Predictor
	Evaluator  *eval.Evaluator
	Stock      inventory.StockReader
	Sink       inventory.DecisionSink // optional
	Store      ResultStore
	Thresholds ThresholdSource
	Clock      clock.WithTicker // defaults to the real clock
}

// CycleSummary is the outcome of one batch cycle
type CycleSummary struct {
	types.CycleRecord
	Decisions []types.RestockDecision `json:"decisions,omitempty"`
}

// Scheduler runs the per-key pipeline across every known key on a cadence.
// It is not re-entrant: a tick that arrives while a cycle is running is
// dropped, never queued.
type Scheduler struct {
	deps      Dependencies
	cfg       config.SchedulerConfig
	forecast  config.ForecastConfig
	source    config.SourceConfig
	retention int
	clock     clock.WithTicker

	running atomic.Bool
	wg      sync.WaitGroup

	mutex   sync.RWMutex
	state   State
	cycleID string
	last    *types.CycleRecord
	known   sets.Set[types.Key]
}

// New creates a scheduler from cfg and deps
func New(cfg *config.Config, deps Dependencies) (*Scheduler, error) {
	if deps.Ingester == nil || deps.Builder == nil || deps.Registry == nil || deps.Trainer == nil ||
		deps.Predictor == nil || deps.Evaluator == nil || deps.Stock == nil || deps.Store == nil ||
		deps.Thresholds == nil {
		return nil, fmt.Errorf("scheduler requires ingester, builder, registry, trainer, predictor, evaluator, stock, store and thresholds")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	sc := cfg.Scheduler
	if sc.Concurrency < 1 {
		sc.Concurrency = 1
	}
	fc := cfg.Forecast
	if fc.HorizonDays < 1 {
		fc.HorizonDays = 1
	}
	src := cfg.Source
	if src.LookbackDays < 1 {
		return nil, fmt.Errorf("lookback days must be positive, got %d", src.LookbackDays)
	}

	return &Scheduler{
		deps:      deps,
		cfg:       sc,
		forecast:  fc,
		source:    src,
		retention: cfg.Store.RetentionDays,
		clock:     deps.Clock,
		state:     StateIdle,
		known:     sets.New[types.Key](),
	}, nil
}

// Restore loads the last recorded cycle so health survives restarts
func (s *Scheduler) Restore(ctx context.Context) error {
	last, err := s.deps.Store.LastCycle(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last cycle: %v", err)
	}
	if last == nil {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.last = last
	s.state = State(last.State)
	for _, f := range last.Failures {
		s.known.Insert(f.Key)
	}
	klog.InfoS("Restored last batch cycle", "cycle", last.ID, "state", last.State, "finishedAt", last.FinishedAt)
	return nil
}

// State returns the current cycle state
func (s *Scheduler) State() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// LastCycle returns a copy of the most recent finished cycle, or nil
func (s *Scheduler) LastCycle() *types.CycleRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.last == nil {
		return nil
	}
	rec := *s.last
	rec.Failures = append([]types.KeyFailure(nil), s.last.Failures...)
	return &rec
}

// KnownKeys returns every key the scheduler has seen, sorted
func (s *Scheduler) KnownKeys() []types.Key {
	s.mutex.RLock()
	keys := s.known.UnsortedList()
	s.mutex.RUnlock()
	types.SortKeys(keys)
	return keys
}

// Run ticks at the configured interval until ctx is done, then waits for
// any in-flight cycle to finish.
func (s *Scheduler) Run(ctx context.Context) {
	klog.InfoS("Starting batch scheduler",
		"interval", s.cfg.Interval,
		"concurrency", s.cfg.Concurrency,
		"cycleTimeout", s.cfg.CycleTimeout)

	if s.cfg.RunOnStart {
		s.tickAsync(ctx)
	}

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.InfoS("Stopping batch scheduler, waiting for in-flight cycle")
			s.wg.Wait()
			return
		case <-ticker.C():
			s.tickAsync(ctx)
		}
	}
}

// tickAsync runs a tick in the background so a slow cycle never blocks the
// ticker; overlapping ticks hit the re-entrancy guard and are dropped.
func (s *Scheduler) tickAsync(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			klog.ErrorS(err, "Batch cycle aborted")
		}
	}()
}

// Tick runs one full cycle over all known keys. Per-key failures are
// recorded in the summary and never abort the cycle; only failing to
// enumerate any keys at all does.
func (s *Scheduler) Tick(ctx context.Context) (*CycleSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SkippedTicks.Inc()
		s.mutex.RLock()
		current := s.cycleID
		s.mutex.RUnlock()
		klog.InfoS("Skipping tick, previous cycle still running", "cycle", current)
		return nil, ErrCycleInProgress
	}
	defer s.running.Store(false)

	started := s.clock.Now()
	cycleID := uuid.NewString()
	s.mutex.Lock()
	s.state = StateRunning
	s.cycleID = cycleID
	s.mutex.Unlock()

	klog.InfoS("Starting batch cycle", "cycle", cycleID)

	keys, err := s.keysForCycle(ctx, started)
	if err != nil {
		rec := types.CycleRecord{
			ID:         cycleID,
			StartedAt:  started,
			FinishedAt: s.clock.Now(),
			State:      string(StateAborted),
		}
		s.finish(ctx, rec)
		return &CycleSummary{CycleRecord: rec}, fmt.Errorf("cycle %s aborted: %w", cycleID, err)
	}

	results := s.runKeys(ctx, cycleID, started, keys)

	summary := &CycleSummary{
		CycleRecord: types.CycleRecord{
			ID:        cycleID,
			StartedAt: started,
			KeysTotal: len(keys),
		},
	}
	for _, r := range results {
		if r.err != nil {
			reason := types.Reason(r.err)
			metrics.KeyOutcomes.WithLabelValues(reason).Inc()
			summary.Failures = append(summary.Failures, types.KeyFailure{
				Key:    r.key,
				Reason: reason,
				Error:  r.err.Error(),
			})
			continue
		}
		metrics.KeyOutcomes.WithLabelValues("success").Inc()
		summary.Succeeded++
		summary.Decisions = append(summary.Decisions, *r.decision)
	}

	summary.State = string(StateCompleted)
	if len(summary.Failures) > 0 {
		summary.State = string(StateCompletedWithErrors)
	}
	summary.FinishedAt = s.clock.Now()
	s.finish(ctx, summary.CycleRecord)

	klog.InfoS("Finished batch cycle",
		"cycle", cycleID,
		"state", summary.State,
		"keys", summary.KeysTotal,
		"succeeded", summary.Succeeded,
		"failed", len(summary.Failures),
		"duration", summary.FinishedAt.Sub(started))
	return summary, nil
}

// keysForCycle merges tracked, previously known, registry and recently
// active keys. Discovery failure is tolerated while other keys are known.
func (s *Scheduler) keysForCycle(ctx context.Context, now time.Time) ([]types.Key, error) {
	keys := sets.New[types.Key](s.deps.Ingester.Tracked()...)
	keys.Insert(s.deps.Registry.ListKeys()...)
	s.mutex.RLock()
	keys = keys.Union(s.known)
	s.mutex.RUnlock()

	if s.source.DiscoveryDays > 0 {
		end := types.AddDays(now, -1)
		start := types.AddDays(end, -(s.source.DiscoveryDays - 1))
		discovered, err := s.deps.Ingester.DiscoverKeys(ctx, start, end)
		if err != nil {
			if keys.Len() == 0 {
				return nil, fmt.Errorf("no keys to process: %w", err)
			}
			klog.ErrorS(err, "Key discovery failed, continuing with known keys", "known", keys.Len())
		}
		keys.Insert(discovered...)
	}

	s.mutex.Lock()
	s.known = s.known.Union(keys)
	s.mutex.Unlock()

	out := keys.UnsortedList()
	types.SortKeys(out)
	return out, nil
}

type keyResult struct {
	key      types.Key
	decision *types.RestockDecision
	err      error
}

// runKeys fans keys out to a bounded pool of workers. Once the cycle
// timeout passes or ctx is done, remaining keys are not started; keys
// already started run to completion.
func (s *Scheduler) runKeys(ctx context.Context, cycleID string, now time.Time, keys []types.Key) []keyResult {
	queue := workqueue.NewTyped[types.Key]()
	for _, key := range keys {
		queue.Add(key)
	}
	queue.ShutDown()

	workers := s.cfg.Concurrency
	if workers > len(keys) {
		workers = len(keys)
	}

	var mu sync.Mutex
	results := make([]keyResult, 0, len(keys))
	keyCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				key, shutdown := queue.Get()
				if shutdown {
					return
				}

				var res keyResult
				if err := s.canStart(ctx, now); err != nil {
					res = keyResult{key: key, err: err}
				} else {
					d, err := s.runKey(keyCtx, cycleID, key, now)
					res = keyResult{key: key, decision: d, err: err}
					if err != nil {
						klog.V(2).InfoS("Key failed", "cycle", cycleID, "key", key, "reason", types.Reason(err), "error", err)
					}
				}

				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				queue.Done(key)
			}
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].key, results[j].key
		if a.ZoneID != b.ZoneID {
			return a.ZoneID < b.ZoneID
		}
		return a.ItemID < b.ItemID
	})
	return results
}

func (s *Scheduler) canStart(ctx context.Context, started time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCycleDeadline, err)
	}
	if s.cfg.CycleTimeout > 0 && s.clock.Since(started) > s.cfg.CycleTimeout {
		return fmt.Errorf("%w: cycle timeout %s exceeded before key started", types.ErrCycleDeadline, s.cfg.CycleTimeout)
	}
	return nil
}

// finish records the terminal state of a cycle
func (s *Scheduler) finish(ctx context.Context, rec types.CycleRecord) {
	metrics.CyclesTotal.WithLabelValues(rec.State).Inc()
	metrics.CycleDuration.WithLabelValues(rec.State).Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())

	storeCtx := context.WithoutCancel(ctx)
	if err := s.deps.Store.RecordCycle(storeCtx, rec); err != nil {
		metrics.StoreErrors.WithLabelValues("record_cycle").Inc()
		klog.ErrorS(err, "Failed to record cycle", "cycle", rec.ID)
	}
	if s.retention > 0 {
		if err := s.deps.Store.Cleanup(storeCtx, s.retention); err != nil {
			metrics.StoreErrors.WithLabelValues("cleanup").Inc()
			klog.ErrorS(err, "Failed to clean up results log", "retentionDays", s.retention)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.state = State(rec.State)
	s.last = &rec
	s.cycleID = ""
}
