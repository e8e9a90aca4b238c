package repository

import (
	"context"
	"encoding/json"

	"github.com/weiawesome/cdc-search-bridge/internal/domain"
)

// IndexWriter applies batches of index actions to the downstream search
// store. Apply returns the per-item outcome; an error return means the
// whole batch failed transiently even after the retry budget, and the
// caller must not advance offsets for the affected partitions.
type IndexWriter interface {
	Ping(ctx context.Context) error
	EnsureIndex(ctx context.Context, name string, mapping json.RawMessage) error
	Apply(ctx context.Context, batch domain.Batch) (domain.BatchResult, error)
}
