package dlq

import (
	"context"

	"github.com/rzbill/evpipe/internal/envelope"
	"github.com/rzbill/evpipe/internal/stream"
)

// Route derives a DLQ record from a main-stream envelope and appends it to
// the DLQ stream. The attempt count is incremented by exactly one, the origin
// stream is rewritten, and the failure reason is recorded. The caller remains
// responsible for acknowledging the original entry afterwards.
func Route(ctx context.Context, log stream.Log, dlqStream string, ev *envelope.Event, cause error) (uint64, error) {
	rec := ev.Clone()
	rec.AttemptCount++
	rec.OriginStream = dlqStream
	if cause != nil {
		rec.LastError = cause.Error()
	}
	b, err := envelope.Encode(rec)
	if err != nil {
		return 0, err
	}
	return log.Append(ctx, dlqStream, b)
}
