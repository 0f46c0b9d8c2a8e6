package forecast

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

func TestRegistryBasics(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(testKey)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Empty(t, r.ListKeys())

	a := &ModelHandle{Key: testKey, Version: "a"}
	r.Put(testKey, a)
	got, err := r.Get(testKey)
	require.NoError(t, err)
	assert.Same(t, a, got)

	other := types.Key{ZoneID: "110001", ItemID: "bread"}
	r.Put(other, &ModelHandle{Key: other, Version: "b"})
	assert.Equal(t, []types.Key{other, testKey}, r.ListKeys())

	r.Remove(testKey)
	_, err = r.Get(testKey)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Equal(t, []types.Key{other}, r.ListKeys())

	r.Remove(types.Key{ZoneID: "nope", ItemID: "nope"})
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	first, err := r.Update(testKey, func(current *ModelHandle) (*ModelHandle, error) {
		assert.Nil(t, current)
		return &ModelHandle{Key: testKey, Version: "1"}, nil
	})
	require.NoError(t, err)

	_, err = r.Update(testKey, func(current *ModelHandle) (*ModelHandle, error) {
		assert.Same(t, first, current)
		return nil, fmt.Errorf("fit failed")
	})
	assert.Error(t, err)

	got, err := r.Get(testKey)
	require.NoError(t, err)
	assert.Same(t, first, got, "failed update keeps the current handle")
}

func TestRegistryAtomicReplace(t *testing.T) {
	r := NewRegistry()
	a := &ModelHandle{Key: testKey, Version: "A", History: []float64{1}}
	b := &ModelHandle{Key: testKey, Version: "B", History: []float64{2, 2}}
	r.Put(testKey, a)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				if (i+w)%2 == 0 {
					r.Put(testKey, a)
				} else {
					r.Put(testKey, b)
				}
			}
		}(w)
	}

	// Writers on other keys never block readers of this key
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			k := types.Key{ZoneID: "z", ItemID: fmt.Sprintf("item-%d", i%50)}
			r.Put(k, &ModelHandle{Key: k})
		}
	}()

	var readers sync.WaitGroup
	for g := 0; g < 4; g++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h, err := r.Get(testKey)
				if err != nil {
					t.Errorf("Get() error = %v", err)
					return
				}
				if h != a && h != b {
					t.Errorf("observed handle %q that was never stored", h.Version)
					return
				}
				if len(h.History) != map[string]int{"A": 1, "B": 2}[h.Version] {
					t.Errorf("torn handle %q", h.Version)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	final, err := r.Get(testKey)
	require.NoError(t, err)
	assert.Contains(t, []string{"A", "B"}, final.Version)
	assert.Len(t, r.ListKeys(), 51)
}
