package pipeline

import (
	"context"

	"github.com/lsm/eventsub/internal/codec"
)

// Handler processes one decoded event. Returning an error wrapped with
// retry.Permanent skips the remaining retries.
type Handler interface {
	Handle(ctx context.Context, msg codec.Message) error
}

// BatchHandler processes a batch of decoded events as one unit. Batch
// subscriptions require it.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []codec.Message) error
}
