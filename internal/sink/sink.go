package sink

import (
	"context"

	"github.com/lsm/s3stream/internal/engine"
)

// Sink delivers engine records to a destination.
type Sink interface {
	// Deliver publishes records in order. acked is the length of the longest
	// leading run of records the destination acknowledged; the runtime commits
	// cursors only from that run. A non-nil error means acked < len(records).
	Deliver(ctx context.Context, records []engine.Record) (acked int, err error)

	// Close performs graceful shutdown.
	Close() error
}
