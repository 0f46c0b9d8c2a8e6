package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// Source is the upstream sales feed. Implementations return raw records
// for [start, end]; they should wrap transient failures in
// types.ErrSourceUnavailable so the Adapter retries them.
type Source interface {
	Name() string
	Fetch(ctx context.Context, start, end time.Time) ([]types.SalesRecord, error)
}

// KeyedSource is a Source that can fetch one key and enumerate keys
// without transferring every record in the range
type KeyedSource interface {
	Source
	FetchKey(ctx context.Context, key types.Key, start, end time.Time) ([]types.SalesRecord, error)
	ListKeys(ctx context.Context, start, end time.Time) ([]types.Key, error)
}

// NewSource builds the Source selected by cfg.Kind. The returned close
// function releases any underlying resources.
func NewSource(cfg config.SourceConfig) (Source, func() error, error) {
	switch cfg.Kind {
	case config.SourceSQLite:
		s, err := NewSQLiteSource(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.SourceHTTP:
		return NewHTTPSource(cfg.HTTPURL, cfg.Timeout), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
