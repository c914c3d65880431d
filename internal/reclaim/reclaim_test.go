package reclaim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/evpipe/internal/envelope"
	"github.com/rzbill/evpipe/internal/processor"
	pebblestore "github.com/rzbill/evpipe/internal/storage/pebble"
	"github.com/rzbill/evpipe/internal/stream"
	"github.com/rzbill/evpipe/internal/stream/pebblelog"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestLog(t *testing.T) (stream.Log, *testClock) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return pebblelog.Open(db, pebblelog.WithNow(clock.Now)), clock
}

func testConfig() Config {
	return Config{
		Stream:        "events",
		DLQStream:     "events-dlq",
		Group:         "g",
		Consumer:      "reclaimer",
		IdleThreshold: 30 * time.Second,
		MaxRetries:    3,
	}
}

// deliverStuck appends an event and delivers it to a consumer that never acks.
func deliverStuck(t *testing.T, log stream.Log, evType string) uint64 {
	t.Helper()
	ctx := context.Background()
	b, err := envelope.Encode(&envelope.Event{Type: evType})
	require.NoError(t, err)
	id, err := log.Append(ctx, "events", b)
	require.NoError(t, err)
	entries, err := log.ReadGroup(ctx, "events", "g", "crashed", 100, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return id
}

func TestReclaimRedeliversStaleEntry(t *testing.T) {
	log, clock := openTestLog(t)
	ctx := context.Background()

	deliverStuck(t, log, "demo")
	clock.Advance(time.Minute)

	var processed []string
	proc := processor.Func(func(_ context.Context, ev *envelope.Event) error {
		processed = append(processed, ev.Type)
		return nil
	})
	r := New(log, proc, testConfig(), nil)

	stats, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Scanned: 1, Reclaimed: 1}, stats)
	require.Equal(t, []string{"demo"}, processed)

	pending, err := log.ListPending(ctx, "events", "g", 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReclaimIgnoresFreshEntries(t *testing.T) {
	log, clock := openTestLog(t)
	ctx := context.Background()

	deliverStuck(t, log, "demo")
	clock.Advance(10 * time.Second)

	r := New(log, processor.AlwaysFail(), testConfig(), nil)
	stats, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)

	pending, err := log.ListPending(ctx, "events", "g", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestReclaimBackToBackIsIdempotent(t *testing.T) {
	log, clock := openTestLog(t)
	ctx := context.Background()

	deliverStuck(t, log, "demo")
	clock.Advance(time.Minute)

	// Failing processor keeps nothing acked by success, yet the entry still
	// leaves the pending set through the DLQ path exactly once.
	r := New(log, processor.AlwaysFail(), testConfig(), nil)
	first, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Reclaimed)

	second, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{}, second)

	dlqLen, err := log.Len(ctx, "events-dlq")
	require.NoError(t, err)
	require.Equal(t, uint64(1), dlqLen)
}

func TestReclaimOrdersLongestIdleFirst(t *testing.T) {
	log, clock := openTestLog(t)
	ctx := context.Background()

	deliverStuck(t, log, "older")
	clock.Advance(time.Minute)
	deliverStuck(t, log, "newer")
	clock.Advance(time.Minute)

	var order []string
	proc := processor.Func(func(_ context.Context, ev *envelope.Event) error {
		order = append(order, ev.Type)
		return nil
	})
	r := New(log, proc, testConfig(), nil)
	_, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"older", "newer"}, order)
}

func TestReclaimQuarantinesExhaustedEntry(t *testing.T) {
	log, clock := openTestLog(t)
	ctx := context.Background()

	id := deliverStuck(t, log, "demo")
	clock.Advance(time.Minute)

	cfg := testConfig()
	cfg.MaxRetries = 1
	proc := processor.Func(func(context.Context, *envelope.Event) error {
		t.Error("exhausted entries must not be reprocessed")
		return nil
	})
	r := New(log, proc, cfg, nil)

	stats, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Scanned: 1, Quarantined: 1}, stats)

	entries, err := log.Read(ctx, "events-dlq", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ev, err := envelope.Decode(entries[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "demo", ev.Type)
	require.Equal(t, 1, ev.AttemptCount)
	require.Contains(t, ev.LastError, "budget exhausted")

	require.ErrorIs(t, log.Ack(ctx, "events", "g", id), stream.ErrNotFound)
}

func TestReclaimCountsRepeatedDeliveries(t *testing.T) {
	log, clock := openTestLog(t)
	ctx := context.Background()

	deliverStuck(t, log, "demo")

	cfg := testConfig()
	cfg.MaxRetries = 2

	// First reclaim redelivers (delivery 2) but the processor fails to ack it
	// out, leaving it pending for the next pass. The DLQ route also fails so
	// the entry stays in the pending set the whole time.
	failing := &flakyLog{Log: log, failAppends: true}
	r := New(failing, processor.AlwaysFail(), cfg, nil)

	clock.Advance(time.Minute)
	stats, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Reclaimed)

	pending, err := log.ListPending(ctx, "events", "g", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].DeliveryCount)

	// Second pass sees the delivery budget spent and quarantines.
	failing.failAppends = false
	clock.Advance(time.Minute)
	stats, err = r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Quarantined)
}

// flakyLog wraps a Log, failing appends on demand to simulate DLQ outages.
type flakyLog struct {
	stream.Log
	failAppends bool
}

func (f *flakyLog) Append(ctx context.Context, name string, payload []byte) (uint64, error) {
	if f.failAppends {
		return 0, errors.New("append refused")
	}
	return f.Log.Append(ctx, name, payload)
}
