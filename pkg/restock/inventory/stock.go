package inventory

import (
	"context"
	"fmt"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// StockReader supplies the current on-hand stock for a key. Failures are
// reported wrapped in types.ErrStockUnavailable.
type StockReader interface {
	CurrentStock(ctx context.Context, key types.Key) (int, error)
}

// Static serves stock levels from configuration. Keys without an entry
// report the configured default.
type Static struct {
	stock        map[types.Key]int
	defaultStock int
}

var _ StockReader = &Static{}

// NewStatic builds a static reader from cfg.Stock
func NewStatic(cfg config.InventoryConfig) (*Static, error) {
	s := &Static{
		stock:        make(map[types.Key]int, len(cfg.Stock)),
		defaultStock: cfg.DefaultStock,
	}
	for k, units := range cfg.Stock {
		key, err := types.ParseKey(k)
		if err != nil {
			return nil, err
		}
		if units < 0 {
			return nil, fmt.Errorf("stock for %s must be non-negative, got %d", key, units)
		}
		s.stock[key] = units
	}
	return s, nil
}

// CurrentStock implements StockReader
func (s *Static) CurrentStock(ctx context.Context, key types.Key) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStockUnavailable, err)
	}
	if units, ok := s.stock[key]; ok {
		return units, nil
	}
	return s.defaultStock, nil
}
