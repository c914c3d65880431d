// Package dlq implements the dead-letter side of the pipeline: routing failed
// entries into the DLQ stream, bounded reprocessing of quarantined records,
// and inspection of what remains.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/evpipe/internal/envelope"
	"github.com/rzbill/evpipe/internal/processor"
	"github.com/rzbill/evpipe/internal/stream"
	logpkg "github.com/rzbill/evpipe/pkg/log"
	"github.com/rzbill/evpipe/pkg/periodic"
)

// Config carries the reprocessor's operating parameters.
type Config struct {
	DLQStream string
	// MainStream receives successfully reprocessed events again when
	// Reinject is set.
	MainStream string
	Reinject   bool
	BatchSize  int
	// MaxRetries is the DLQ retry ceiling; records at the ceiling are marked
	// dead and never retried automatically again.
	MaxRetries int
	// Interval between batches in continuous mode (Run only).
	Interval time.Duration
}

// Report summarizes one reprocessing batch.
type Report struct {
	Read      int
	Recovered int
	Requeued  int
	Dead      int
	Skipped   int
}

// Reprocessor drains the DLQ stream, retrying records up to the ceiling.
// Reprocessing reads the DLQ as an ordinary log; it is single-writer by
// design, so no consumer group is involved.
type Reprocessor struct {
	log    stream.Log
	proc   processor.Processor
	logger logpkg.Logger
	cfg    Config
}

// New builds a Reprocessor.
func New(log stream.Log, proc processor.Processor, cfg Config, logger logpkg.Logger) *Reprocessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Reprocessor{
		log:    log,
		proc:   proc,
		logger: logger.WithComponent("dlq-reprocessor"),
		cfg:    cfg,
	}
}

// ReprocessBatch retries up to BatchSize live records from the head of the
// DLQ. Dead records are skipped over during the scan so they never starve
// live records queued behind them. Failed retries move to the back of the
// queue with an incremented retry count, so a consistently failing record
// cannot block the head; a failure that lands on the retry ceiling marks the
// record dead in the same rewrite. The batch is fixed before any record is
// handled, so a record requeued by this pass is not retried again within it.
func (rp *Reprocessor) ReprocessBatch(ctx context.Context) (Report, error) {
	var rep Report
	batch := make([]stream.Entry, 0, rp.cfg.BatchSize)
	var from uint64
scan:
	for {
		entries, err := rp.log.Read(ctx, rp.cfg.DLQStream, from, rp.cfg.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("read dlq: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		for i := range entries {
			rep.Read++
			if ev, decErr := envelope.Decode(entries[i].Payload); decErr == nil && ev.Dead {
				rep.Skipped++
				continue
			}
			batch = append(batch, entries[i])
			if len(batch) == rp.cfg.BatchSize {
				break scan
			}
		}
		from = entries[len(entries)-1].ID + 1
	}

	for i := range batch {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rp.handle(ctx, &batch[i], &rep)
	}
	if rep.Read > 0 {
		rp.logger.Info("dlq batch finished",
			logpkg.F("read", rep.Read),
			logpkg.F("recovered", rep.Recovered),
			logpkg.F("requeued", rep.Requeued),
			logpkg.F("dead", rep.Dead),
			logpkg.F("skipped", rep.Skipped),
		)
	}
	return rep, nil
}

func (rp *Reprocessor) handle(ctx context.Context, e *stream.Entry, rep *Report) {
	ev, err := envelope.Decode(e.Payload)
	if err != nil {
		// Undecodable DLQ records cannot be retried; mark them dead so they
		// stay inspectable instead of looping forever.
		rp.logger.Warn("undecodable dlq record, marking dead", logpkg.F("id", e.ID), logpkg.Err(err))
		rp.rewrite(ctx, e.ID, &envelope.Event{
			Type:      "malformed",
			LastError: err.Error(),
			Dead:      true,
		})
		rep.Dead++
		return
	}

	if ev.Dead {
		rep.Skipped++
		return
	}

	if ev.RetryCount >= rp.cfg.MaxRetries {
		dead := ev.Clone()
		dead.Dead = true
		rp.rewrite(ctx, e.ID, dead)
		rp.logger.Warn("retry budget exhausted, record is dead",
			logpkg.F("id", e.ID),
			logpkg.F("type", ev.Type),
			logpkg.F("retry_count", ev.RetryCount),
		)
		rep.Dead++
		return
	}

	retry := ev.Clone()
	retry.RetryCount++
	if procErr := rp.safeProcess(ctx, retry); procErr != nil {
		retry.LastError = procErr.Error()
		if retry.RetryCount >= rp.cfg.MaxRetries {
			// The failure that spends the budget kills the record in the same
			// rewrite; dead follows retry_count >= ceiling immediately.
			retry.Dead = true
			rp.rewrite(ctx, e.ID, retry)
			rp.logger.Warn("retry budget exhausted, record is dead",
				logpkg.F("id", e.ID),
				logpkg.F("type", ev.Type),
				logpkg.F("retry_count", retry.RetryCount),
			)
			rep.Dead++
			return
		}
		// Durable retry state: append the updated record at the tail, then
		// drop the old copy.
		rp.rewrite(ctx, e.ID, retry)
		rp.logger.Debug("dlq retry failed",
			logpkg.F("id", e.ID),
			logpkg.F("type", ev.Type),
			logpkg.F("retry_count", retry.RetryCount),
			logpkg.Err(procErr),
		)
		rep.Requeued++
		return
	}

	if err := rp.log.Delete(ctx, rp.cfg.DLQStream, e.ID); err != nil && !errors.Is(err, stream.ErrNotFound) {
		rp.logger.Error("dlq delete failed", logpkg.F("id", e.ID), logpkg.Err(err))
		return
	}
	if rp.cfg.Reinject {
		recovered := retry.Clone()
		recovered.OriginStream = rp.cfg.MainStream
		recovered.LastError = ""
		if b, encErr := envelope.Encode(recovered); encErr == nil {
			if _, appErr := rp.log.Append(ctx, rp.cfg.MainStream, b); appErr != nil {
				rp.logger.Error("reinject failed", logpkg.F("id", e.ID), logpkg.Err(appErr))
			}
		}
	}
	rp.logger.Info("dlq record recovered",
		logpkg.F("id", e.ID),
		logpkg.F("type", ev.Type),
		logpkg.F("retry_count", retry.RetryCount),
	)
	rep.Recovered++
}

// rewrite replaces a DLQ record: the updated envelope is appended at the tail
// and the old copy removed, keeping retry state durable across passes.
func (rp *Reprocessor) rewrite(ctx context.Context, oldID uint64, ev *envelope.Event) {
	ev.OriginStream = rp.cfg.DLQStream
	b, err := envelope.Encode(ev)
	if err != nil {
		rp.logger.Error("encode dlq record failed", logpkg.F("id", oldID), logpkg.Err(err))
		return
	}
	if _, err := rp.log.Append(ctx, rp.cfg.DLQStream, b); err != nil {
		// Keep the old copy rather than lose the record.
		rp.logger.Error("dlq re-append failed", logpkg.F("id", oldID), logpkg.Err(err))
		return
	}
	if err := rp.log.Delete(ctx, rp.cfg.DLQStream, oldID); err != nil && !errors.Is(err, stream.ErrNotFound) {
		rp.logger.Error("dlq delete failed", logpkg.F("id", oldID), logpkg.Err(err))
	}
}

func (rp *Reprocessor) safeProcess(ctx context.Context, ev *envelope.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return rp.proc.Process(ctx, ev)
}

// Run loops ReprocessBatch on the configured interval until the context is
// cancelled; cancellation lands on an interval boundary or between records of
// the batch in flight.
func (rp *Reprocessor) Run(ctx context.Context) error {
	task := periodic.New(rp.cfg.Interval, func(ctx context.Context) error {
		_, err := rp.ReprocessBatch(ctx)
		return err
	})
	task.Immediate = true
	task.OnError = func(err error) {
		if !errors.Is(err, context.Canceled) {
			rp.logger.Error("dlq batch failed", logpkg.Err(err))
		}
	}
	rp.logger.Info("continuous dlq reprocessing started",
		logpkg.F("interval", rp.cfg.Interval.String()),
		logpkg.F("batch_size", rp.cfg.BatchSize),
		logpkg.F("max_retries", rp.cfg.MaxRetries),
	)
	return task.Run(ctx)
}
