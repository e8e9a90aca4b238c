package consumer

import (
	"context"

	"github.com/weiawesome/cdc-search-bridge/internal/domain"
)

// StreamConsumer delivers raw messages from the subscribed streams in
// partition order and exposes manual offset commit. Offsets are only
// committed by the coordinator after the corresponding batch has been
// durably applied, never before.
type StreamConsumer interface {
	// Poll returns up to max messages, waiting at most the consumer's
	// configured poll interval. An empty slice means nothing arrived.
	Poll(ctx context.Context, max int) ([]domain.RawMessage, error)

	// Commit records each position's offset as applied. The committed
	// offset is the next message to consume (position offset + 1).
	Commit(positions []domain.Position) error

	Close() error
}
