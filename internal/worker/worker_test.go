package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/evpipe/internal/envelope"
	"github.com/rzbill/evpipe/internal/processor"
	pebblestore "github.com/rzbill/evpipe/internal/storage/pebble"
	"github.com/rzbill/evpipe/internal/stream"
	"github.com/rzbill/evpipe/internal/stream/pebblelog"
)

func openTestLog(t *testing.T) stream.Log {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return pebblelog.Open(db)
}

func appendEvent(t *testing.T, log stream.Log, name string, ev *envelope.Event) uint64 {
	t.Helper()
	b, err := envelope.Encode(ev)
	require.NoError(t, err)
	id, err := log.Append(context.Background(), name, b)
	require.NoError(t, err)
	return id
}

func testConfig() Config {
	return Config{
		Stream:          "events",
		DLQStream:       "events-dlq",
		Group:           "g",
		Consumer:        "w1",
		BatchSize:       10,
		BlockTimeout:    20 * time.Millisecond,
		ReadRetryWindow: time.Second,
	}
}

// runUntil runs the worker until the condition holds or the deadline passes.
func runUntil(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestWorkerProcessesAndAcks(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		appendEvent(t, log, "events", &envelope.Event{Type: "demo", Payload: json.RawMessage(`{}`)})
	}

	var processed atomic.Int64
	proc := processor.Func(func(context.Context, *envelope.Event) error {
		processed.Add(1)
		return nil
	})
	w := New(log, proc, testConfig(), nil)
	runUntil(t, w, func() bool { return processed.Load() == 10 })

	pending, err := log.ListPending(ctx, "events", "g", 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	dlqLen, err := log.Len(ctx, "events-dlq")
	require.NoError(t, err)
	require.Zero(t, dlqLen)
}

func TestWorkerRoutesFailureToDLQ(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	appendEvent(t, log, "events", &envelope.Event{Type: "demo", AttemptCount: 1, Payload: json.RawMessage(`{"k":"v"}`)})

	w := New(log, processor.AlwaysFail(), testConfig(), nil)
	runUntil(t, w, func() bool {
		n, err := log.Len(ctx, "events-dlq")
		return err == nil && n == 1
	})

	entries, err := log.Read(ctx, "events-dlq", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ev, err := envelope.Decode(entries[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "demo", ev.Type)
	require.Equal(t, 2, ev.AttemptCount)
	require.Equal(t, "events-dlq", ev.OriginStream)
	require.Contains(t, ev.LastError, "simulated")
	require.Equal(t, json.RawMessage(`{"k":"v"}`), ev.Payload)

	// Routed entries leave the pending set.
	pending, err := log.ListPending(ctx, "events", "g", 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestWorkerQuarantinesMalformedPayload(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, "events", []byte("not an envelope"))
	require.NoError(t, err)

	w := New(log, processor.Func(func(context.Context, *envelope.Event) error {
		t.Error("processor must not run for malformed payloads")
		return nil
	}), testConfig(), nil)
	runUntil(t, w, func() bool {
		n, err := log.Len(ctx, "events-dlq")
		return err == nil && n == 1
	})

	entries, err := log.Read(ctx, "events-dlq", 0, 10)
	require.NoError(t, err)
	ev, err := envelope.Decode(entries[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "malformed", ev.Type)
	require.NotEmpty(t, ev.LastError)

	var raw string
	require.NoError(t, json.Unmarshal(ev.Payload, &raw))
	require.Equal(t, "not an envelope", raw)
}

func TestWorkerRecoversProcessorPanic(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	appendEvent(t, log, "events", &envelope.Event{Type: "boom"})
	appendEvent(t, log, "events", &envelope.Event{Type: "ok"})

	var processedOK atomic.Bool
	proc := processor.Func(func(_ context.Context, ev *envelope.Event) error {
		if ev.Type == "boom" {
			panic("kaboom")
		}
		processedOK.Store(true)
		return nil
	})
	w := New(log, proc, testConfig(), nil)
	runUntil(t, w, func() bool { return processedOK.Load() })

	entries, err := log.Read(ctx, "events-dlq", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ev, err := envelope.Decode(entries[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "boom", ev.Type)
	require.Contains(t, ev.LastError, "panic")
}

func TestWorkerGeneratesConsumerIdentity(t *testing.T) {
	log := openTestLog(t)
	cfg := testConfig()
	cfg.Consumer = ""
	w := New(log, processor.AlwaysFail(), cfg, nil)
	require.NotEmpty(t, w.Consumer())
	require.NotEqual(t, w.Consumer(), New(log, processor.AlwaysFail(), cfg, nil).Consumer())
}
