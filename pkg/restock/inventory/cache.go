package inventory

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// CachedStock serves repeated stock lookups for a key from memory until the
// entry is older than the TTL. Errors are never cached.
type CachedStock struct {
	reader StockReader
	clock  clock.WithTicker

	data   map[types.Key]stockEntry
	mutex  sync.RWMutex
	ttl    time.Duration
	stopCh chan struct{}
	once   sync.Once

	hits   int64
	misses int64
}

type stockEntry struct {
	units     int
	fetchedAt time.Time
}

var _ StockReader = &CachedStock{}

// NewCachedStock wraps reader with a TTL cache. A nil clock uses the real one.
func NewCachedStock(reader StockReader, ttl time.Duration, clk clock.WithTicker) *CachedStock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	c := &CachedStock{
		reader: reader,
		clock:  clk,
		data:   make(map[types.Key]stockEntry),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// CurrentStock implements StockReader
func (c *CachedStock) CurrentStock(ctx context.Context, key types.Key) (int, error) {
	now := c.clock.Now()

	c.mutex.RLock()
	entry, ok := c.data[key]
	c.mutex.RUnlock()
	if ok && now.Sub(entry.fetchedAt) <= c.ttl {
		c.mutex.Lock()
		c.hits++
		c.mutex.Unlock()
		return entry.units, nil
	}

	units, err := c.reader.CurrentStock(ctx, key)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.misses++
	if err != nil {
		return 0, err
	}
	c.data[key] = stockEntry{units: units, fetchedAt: now}
	return units, nil
}

// GetMetrics returns cache hits and misses
func (c *CachedStock) GetMetrics() (hits, misses int64) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.hits, c.misses
}

// Size returns the number of cached keys
func (c *CachedStock) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

// Close stops the cleanup goroutine
func (c *CachedStock) Close() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *CachedStock) cleanup() {
	ticker := c.clock.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.removeExpired()
		}
	}
}

func (c *CachedStock) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	for key, entry := range c.data {
		if age := now.Sub(entry.fetchedAt); age > c.ttl {
			delete(c.data, key)
			klog.V(4).InfoS("Removed expired stock entry", "key", key, "age", age.String())
		}
	}
}
