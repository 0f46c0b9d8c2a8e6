package inventory

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
)

// Boundary bundles the inventory collaborators built from configuration
type Boundary struct {
	Stock StockReader
	Sinks *Fanout

	closers []func()
}

// Close releases every connection opened by New
func (b *Boundary) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// New builds the stock reader and decision sinks selected by configuration
func New(ctx context.Context, inv config.InventoryConfig, notify config.NotifyConfig) (*Boundary, error) {
	b := &Boundary{}
	var sinks []DecisionSink
	var pg *Postgres

	switch inv.Kind {
	case config.InventoryStatic:
		s, err := NewStatic(inv)
		if err != nil {
			return nil, err
		}
		b.Stock = s
	case config.InventoryPostgres:
		p, err := NewPostgres(ctx, inv.PostgresDSN)
		if err != nil {
			return nil, err
		}
		pg = p
		b.Stock = p
		b.closers = append(b.closers, p.Close)
	default:
		return nil, fmt.Errorf("unknown inventory kind %q", inv.Kind)
	}

	if inv.CacheTTL > 0 {
		cached := NewCachedStock(b.Stock, inv.CacheTTL, nil)
		b.Stock = cached
		b.closers = append(b.closers, cached.Close)
	}

	if notify.PostgresEnabled {
		if pg == nil {
			b.Close()
			return nil, fmt.Errorf("postgres decision sink requires the postgres inventory")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		sinks = append(sinks, pg)
	}

	if notify.NATSURL != "" {
		ns, err := NewNATSSink(notify.NATSURL, notify.SubjectPrefix)
		if err != nil {
			b.Close()
			return nil, err
		}
		sinks = append(sinks, ns)
		b.closers = append(b.closers, ns.Close)
	}

	b.Sinks = NewFanout(notify.TriggeredOnly, sinks...)
	klog.InfoS("Inventory boundary ready",
		"inventory", inv.Kind,
		"stockCacheTTL", inv.CacheTTL,
		"sinks", len(sinks),
		"triggeredOnly", notify.TriggeredOnly)
	return b, nil
}
