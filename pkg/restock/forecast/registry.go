package forecast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// HandleStore persists serialized model handles across restarts
type HandleStore interface {
	SaveModel(ctx context.Context, key types.Key, data []byte) error
	LoadModels(ctx context.Context) (map[types.Key][]byte, error)
}

// slot holds the current handle for one key. Writers for the key
// serialize on mu; readers only load the pointer.
type slot struct {
	mu     sync.Mutex
	handle atomic.Pointer[ModelHandle]
}

// Registry owns exactly one trained model handle per key. Replacement is a
// single pointer swap, so readers see either the old or the new handle.
type Registry struct {
	mu    sync.RWMutex // guards the slots map only
	slots map[types.Key]*slot
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		slots: make(map[types.Key]*slot),
	}
}

func (r *Registry) lookup(key types.Key) *slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[key]
}

func (r *Registry) getOrCreate(key types.Key) *slot {
	if s := r.lookup(key); s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{}
		r.slots[key] = s
	}
	return s
}

// Get returns the current handle for key
func (r *Registry) Get(key types.Key) (*ModelHandle, error) {
	if s := r.lookup(key); s != nil {
		if h := s.handle.Load(); h != nil {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
}

// Put replaces the handle for key
func (r *Registry) Put(key types.Key, handle *ModelHandle) {
	s := r.getOrCreate(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.Store(handle)
	klog.V(4).InfoS("Stored model handle", "key", key, "version", handle.Version)
}

// Update replaces the handle for key with the result of fn, holding the
// key's writer lock for the duration. Returning an error leaves the
// current handle in place.
func (r *Registry) Update(key types.Key, fn func(current *ModelHandle) (*ModelHandle, error)) (*ModelHandle, error) {
	s := r.getOrCreate(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.handle.Load())
	if err != nil {
		return nil, err
	}
	s.handle.Store(next)
	klog.V(4).InfoS("Stored model handle", "key", key, "version", next.Version)
	return next, nil
}

// Remove discards the handle for key
func (r *Registry) Remove(key types.Key) {
	s := r.lookup(key)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.Store(nil)
}

// ListKeys returns the keys that currently hold a handle, sorted
func (r *Registry) ListKeys() []types.Key {
	r.mu.RLock()
	keys := make([]types.Key, 0, len(r.slots))
	for k, s := range r.slots {
		if s.handle.Load() != nil {
			keys = append(keys, k)
		}
	}
	r.mu.RUnlock()

	types.SortKeys(keys)
	return keys
}

// Restore loads persisted handles. Undecodable entries are logged and
// skipped; it returns the number of handles restored.
func (r *Registry) Restore(ctx context.Context, store HandleStore) (int, error) {
	models, err := store.LoadModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted models: %v", err)
	}

	restored := 0
	for key, data := range models {
		h, err := UnmarshalHandle(data)
		if err != nil {
			klog.ErrorS(err, "Skipping persisted model", "key", key)
			continue
		}
		r.Put(key, h)
		restored++
	}

	klog.InfoS("Restored model registry", "models", restored, "skipped", len(models)-restored)
	return restored, nil
}
