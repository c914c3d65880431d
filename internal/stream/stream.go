package stream

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry or pending record does not exist.
var ErrNotFound = errors.New("stream: entry not found")

// Entry is a stored log record. ID is broker-assigned and monotonic within a
// stream; it is the acknowledge/claim handle and is not preserved when a
// record moves between streams.
type Entry struct {
	ID      uint64
	Payload []byte
}

// Pending describes a delivered-but-unacknowledged entry.
type Pending struct {
	ID            uint64
	Consumer      string
	Idle          time.Duration
	DeliveryCount int
}

// Group reports consumer-group bookkeeping for one stream.
type Group struct {
	// CursorPosition is the id of the last entry handed out to the group.
	CursorPosition uint64
	// PendingCount is the size of the group's pending set.
	PendingCount int
	// Consumers is the set of consumer names with pending entries.
	Consumers []string
}

// Log is the broker contract the pipeline consumes. Implementations serialize
// concurrent access internally; callers need no additional locking. Two
// consumers never receive the same live entry from ReadGroup; claims and
// redeliveries are the only path by which an entry is seen twice.
type Log interface {
	// Append adds a payload to the stream and returns its assigned id.
	Append(ctx context.Context, stream string, payload []byte) (uint64, error)

	// ReadGroup delivers up to count undelivered entries to the named
	// consumer, marking each pending with delivery count 1. It blocks up to
	// block for new entries when none are available; block <= 0 means do not
	// wait. The returned slice is finite and the call is not restartable.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)

	// Ack removes an entry from the group's pending set. ErrNotFound if the
	// entry is not pending.
	Ack(ctx context.Context, stream, group string, id uint64) error

	// ListPending enumerates pending entries idle at least minIdle, in
	// ascending id order.
	ListPending(ctx context.Context, stream, group string, minIdle time.Duration) ([]Pending, error)

	// Claim reassigns a pending entry to newConsumer, resets its idle time,
	// increments its delivery count, and returns the entry payload.
	// ErrNotFound if the entry is not pending.
	Claim(ctx context.Context, stream, group string, id uint64, newConsumer string) ([]byte, error)

	// GroupInfo reports the group's delivery cursor and pending set.
	GroupInfo(ctx context.Context, stream, group string) (Group, error)

	// Len reports the number of entries currently in the stream.
	Len(ctx context.Context, stream string) (uint64, error)

	// Read scans the stream as a plain log: up to count entries with
	// id >= from, ignoring group state. Used for DLQ reprocessing and
	// inspection.
	Read(ctx context.Context, stream string, from uint64, count int) ([]Entry, error)

	// Delete removes an entry from the stream. ErrNotFound if absent.
	Delete(ctx context.Context, stream string, id uint64) error

	// Stats returns opaque broker instrumentation for monitoring.
	Stats(ctx context.Context) (map[string]any, error)
}
