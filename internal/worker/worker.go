// Package worker implements the consumer loop: read a batch from the group,
// process each entry, acknowledge successes, and quarantine failures in the
// DLQ. One Worker owns one concurrent processing slot; scaling out means
// running more Workers against the same group.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/rzbill/evpipe/internal/dlq"
	"github.com/rzbill/evpipe/internal/envelope"
	"github.com/rzbill/evpipe/internal/processor"
	"github.com/rzbill/evpipe/internal/stream"
	logpkg "github.com/rzbill/evpipe/pkg/log"
)

// Config carries the worker's operating parameters. Streams and Group are
// required; the rest default sensibly.
type Config struct {
	Stream       string
	DLQStream    string
	Group        string
	Consumer     string
	BatchSize    int
	BlockTimeout time.Duration
	// ReadRetryWindow bounds broker-read retries before the loop gives up
	// and surfaces a fatal error.
	ReadRetryWindow time.Duration
}

// Worker drains one consumer slot of a group.
type Worker struct {
	log    stream.Log
	proc   processor.Processor
	logger logpkg.Logger
	cfg    Config
}

// New builds a Worker. An empty Consumer name gets a generated identity.
func New(log stream.Log, proc processor.Processor, cfg Config, logger logpkg.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	if cfg.ReadRetryWindow <= 0 {
		cfg.ReadRetryWindow = 30 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Worker{
		log:    log,
		proc:   proc,
		logger: logger.WithComponent("worker").With(logpkg.F("consumer", cfg.Consumer)),
		cfg:    cfg,
	}
}

// Consumer returns the worker's consumer identity within the group.
func (w *Worker) Consumer() string { return w.cfg.Consumer }

// Run loops until the context is cancelled. Entries already read when
// cancellation arrives are finished (acknowledged or DLQ-routed) before Run
// returns. Only broker loss that outlives the retry window is fatal.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		logpkg.F("stream", w.cfg.Stream),
		logpkg.F("group", w.cfg.Group),
		logpkg.F("batch_size", w.cfg.BatchSize),
	)
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker stopped")
			return err
		}
		entries, err := w.readBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("worker stopped")
				return err
			}
			w.logger.Error("broker unavailable, giving up", logpkg.Err(err))
			return fmt.Errorf("read group: %w", err)
		}
		for i := range entries {
			w.handle(ctx, &entries[i])
		}
	}
}

// readBatch reads one batch, retrying transient broker errors with
// exponential backoff inside the configured window.
func (w *Worker) readBatch(ctx context.Context) ([]stream.Entry, error) {
	return backoff.Retry(ctx, func() ([]stream.Entry, error) {
		entries, err := w.log.ReadGroup(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.BatchSize, w.cfg.BlockTimeout)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("read failed, backing off", logpkg.Err(err))
		}
		return entries, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(w.cfg.ReadRetryWindow),
	)
}

// handle processes a single entry end to end. No outcome of a single entry
// may abort the loop or any other entry's processing.
func (w *Worker) handle(ctx context.Context, e *stream.Entry) {
	ev, err := envelope.Decode(e.Payload)
	if err != nil {
		// Malformed payloads are unconditional processing failures: the raw
		// bytes travel to the DLQ so the record stays inspectable.
		var de *envelope.DecodeError
		reason := err.Error()
		if errors.As(err, &de) {
			reason = de.Reason
		}
		w.logger.Warn("malformed envelope", logpkg.F("id", e.ID), logpkg.F("reason", reason))
		raw, _ := json.Marshal(string(e.Payload))
		w.quarantine(ctx, e.ID, &envelope.Event{Type: "malformed", Payload: raw}, err)
		return
	}

	if procErr := w.safeProcess(ctx, ev); procErr != nil {
		w.logger.Warn("processing failed",
			logpkg.F("id", e.ID),
			logpkg.F("type", ev.Type),
			logpkg.F("attempt_count", ev.AttemptCount),
			logpkg.Err(procErr),
		)
		w.quarantine(ctx, e.ID, ev, procErr)
		return
	}

	w.ack(ctx, e.ID)
	w.logger.Debug("acknowledged entry", logpkg.F("id", e.ID), logpkg.F("type", ev.Type))
}

// safeProcess invokes the processor, converting panics into failures so a
// misbehaving processor never crashes the worker.
func (w *Worker) safeProcess(ctx context.Context, ev *envelope.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.proc.Process(ctx, ev)
}

// quarantine routes a failed entry to the DLQ and acknowledges it out of the
// main stream. If the DLQ append ultimately fails the entry is left pending,
// so the reclaimer redelivers it later; it is never lost.
func (w *Worker) quarantine(ctx context.Context, id uint64, ev *envelope.Event, cause error) {
	_, err := backoff.Retry(ctx, func() (uint64, error) {
		return dlq.Route(ctx, w.log, w.cfg.DLQStream, ev, cause)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(w.cfg.ReadRetryWindow),
	)
	if err != nil {
		w.logger.Error("dlq route failed, leaving entry pending", logpkg.F("id", id), logpkg.Err(err))
		return
	}
	w.ack(ctx, id)
}

func (w *Worker) ack(ctx context.Context, id uint64) {
	err := w.log.Ack(ctx, w.cfg.Stream, w.cfg.Group, id)
	if err == nil || errors.Is(err, stream.ErrNotFound) {
		return
	}
	w.logger.Error("ack failed", logpkg.F("id", id), logpkg.Err(err))
}
