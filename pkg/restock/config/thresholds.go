package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// Thresholds is the restock rule table: a global default plus overrides
// keyed by "zone/item" or "zone/*". Exact keys win over zone-wide ones.
type Thresholds struct {
	ReorderPoint float64                      `yaml:"reorderPoint" json:"reorderPoint"`
	SafetyFactor float64                      `yaml:"safetyFactor" json:"safetyFactor"`
	Overrides    map[string]ThresholdOverride `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// ThresholdOverride replaces any subset of the global values
type ThresholdOverride struct {
	ReorderPoint *float64 `yaml:"reorderPoint,omitempty" json:"reorderPoint,omitempty"`
	SafetyFactor *float64 `yaml:"safetyFactor,omitempty" json:"safetyFactor,omitempty"`
}

// ReorderPointFor returns the stock level below which key is restocked
func (t Thresholds) ReorderPointFor(key types.Key) float64 {
	for _, o := range t.candidates(key) {
		if o.ReorderPoint != nil {
			return *o.ReorderPoint
		}
	}
	return t.ReorderPoint
}

// SafetyFactorFor returns the demand multiplier used to size a restock for key
func (t Thresholds) SafetyFactorFor(key types.Key) float64 {
	for _, o := range t.candidates(key) {
		if o.SafetyFactor != nil {
			return *o.SafetyFactor
		}
	}
	return t.SafetyFactor
}

func (t Thresholds) candidates(key types.Key) []ThresholdOverride {
	var out []ThresholdOverride
	if o, ok := t.Overrides[key.String()]; ok {
		out = append(out, o)
	}
	if o, ok := t.Overrides[key.ZoneID+"/*"]; ok {
		out = append(out, o)
	}
	return out
}

// Validate checks the global values and every override
func (t Thresholds) Validate() error {
	if t.ReorderPoint < 0 {
		return fmt.Errorf("reorder point must not be negative")
	}
	if t.SafetyFactor <= 0 {
		return fmt.Errorf("safety factor must be positive")
	}
	for k, o := range t.Overrides {
		zone, item, found := strings.Cut(k, "/")
		if !found || zone == "" || item == "" {
			return fmt.Errorf("invalid override key %q: expected zone/item or zone/*", k)
		}
		if o.ReorderPoint != nil && *o.ReorderPoint < 0 {
			return fmt.Errorf("reorder point for %s must not be negative", k)
		}
		if o.SafetyFactor != nil && *o.SafetyFactor <= 0 {
			return fmt.Errorf("safety factor for %s must be positive", k)
		}
	}
	return nil
}

// LoadThresholdsFile reads and validates a thresholds YAML file
func LoadThresholdsFile(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("failed to read thresholds file: %v", err)
	}

	var th Thresholds
	if err := yaml.Unmarshal(data, &th); err != nil {
		return Thresholds{}, fmt.Errorf("failed to parse thresholds file: %v", err)
	}
	if err := th.Validate(); err != nil {
		return Thresholds{}, err
	}
	return th, nil
}

// ThresholdStore holds the active thresholds and swaps them on reload.
// Readers take a snapshot with Load and never see a partial update.
type ThresholdStore struct {
	current atomic.Pointer[Thresholds]
}

// NewThresholdStore creates a store seeded with initial
func NewThresholdStore(initial Thresholds) *ThresholdStore {
	s := &ThresholdStore{}
	s.current.Store(&initial)
	return s
}

// Load returns the active thresholds
func (s *ThresholdStore) Load() Thresholds {
	return *s.current.Load()
}

// Reload replaces the active thresholds with the contents of path.
// On error the active thresholds are left untouched.
func (s *ThresholdStore) Reload(path string) error {
	th, err := LoadThresholdsFile(path)
	if err != nil {
		return err
	}
	s.current.Store(&th)
	klog.InfoS("Reloaded restock thresholds",
		"path", path,
		"reorderPoint", th.ReorderPoint,
		"safetyFactor", th.SafetyFactor,
		"overrides", len(th.Overrides))
	return nil
}

// Watch reloads path whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (s *ThresholdStore) Watch(ctx context.Context, path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %v", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %v", filepath.Dir(abs), err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.Reload(abs); err != nil {
					klog.ErrorS(err, "Ignoring invalid thresholds file", "path", abs)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				klog.ErrorS(err, "Thresholds watcher error", "path", abs)
			}
		}
	}()

	klog.V(2).InfoS("Watching restock thresholds", "path", abs)
	return nil
}
