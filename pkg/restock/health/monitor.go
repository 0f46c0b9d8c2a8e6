package health

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/elevated-systems/restock-gardener/pkg/restock/forecast"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// ModelRegistry is the read side of the forecast Registry
type ModelRegistry interface {
	ListKeys() []types.Key
	Get(key types.Key) (*forecast.ModelHandle, error)
}

// StalenessChecker reports whether a handle exceeds the model max age
type StalenessChecker interface {
	IsStale(handle *forecast.ModelHandle) bool
}

// CycleReporter exposes the scheduler's bookkeeping
type CycleReporter interface {
	KnownKeys() []types.Key
	LastCycle() *types.CycleRecord
}

// Monitor builds health snapshots on demand. Nothing is cached; every
// call reflects the registry and the last cycle at that moment.
type Monitor struct {
	registry  ModelRegistry
	staleness StalenessChecker
	cycles    CycleReporter
}

// NewMonitor creates a monitor. cycles may be nil before a scheduler exists.
func NewMonitor(registry ModelRegistry, staleness StalenessChecker, cycles CycleReporter) *Monitor {
	return &Monitor{
		registry:  registry,
		staleness: staleness,
		cycles:    cycles,
	}
}

// Snapshot returns the current health view. An empty system reports zero
// counts and no last run.
func (m *Monitor) Snapshot() types.HealthSnapshot {
	snap := types.HealthSnapshot{
		LastBatchState: "idle",
	}

	known := sets.New[types.Key]()
	if m.cycles != nil {
		known.Insert(m.cycles.KnownKeys()...)
	}

	for _, key := range m.registry.ListKeys() {
		known.Insert(key)
		handle, err := m.registry.Get(key)
		if err != nil {
			// Removed between ListKeys and Get
			continue
		}
		snap.KeysWithTrainedModel++
		if m.staleness != nil && m.staleness.IsStale(handle) {
			snap.KeysStale++
		}
	}
	snap.TotalKeysKnown = known.Len()

	if m.cycles == nil {
		return snap
	}
	if last := m.cycles.LastCycle(); last != nil {
		finished := last.FinishedAt
		snap.LastBatchRunAt = &finished
		snap.LastBatchErrorCount = len(last.Failures)
		snap.LastBatchState = last.State
		snap.LastCycleID = last.ID
		snap.FailingKeys = append([]types.KeyFailure(nil), last.Failures...)
	}
	return snap
}
