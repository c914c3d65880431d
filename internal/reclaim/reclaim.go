// Package reclaim recovers entries left pending by crashed or slow consumers.
// Entries idle past a threshold are claimed back and reprocessed inline;
// entries whose delivery budget is spent are routed to the DLQ. This is the
// mechanism that keeps an event from being lost forever when a consumer dies
// mid-processing.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/evpipe/internal/dlq"
	"github.com/rzbill/evpipe/internal/envelope"
	"github.com/rzbill/evpipe/internal/processor"
	"github.com/rzbill/evpipe/internal/stream"
	logpkg "github.com/rzbill/evpipe/pkg/log"
	"github.com/rzbill/evpipe/pkg/periodic"
)

// Config carries the reclaimer's operating parameters.
type Config struct {
	Stream    string
	DLQStream string
	Group     string
	// Consumer is the identity stale entries are claimed onto.
	Consumer string
	// IdleThreshold is the minimum pending idle time before reclaim.
	IdleThreshold time.Duration
	// MaxRetries bounds deliveries per entry; at the bound the entry goes to
	// the DLQ instead of being redelivered.
	MaxRetries int
	// Interval between periodic runs (Run only).
	Interval time.Duration
}

// Stats summarizes one reclaim pass.
type Stats struct {
	Scanned     int
	Reclaimed   int
	Quarantined int
}

// Reclaimer scans a group's pending set and recovers stale entries.
type Reclaimer struct {
	log    stream.Log
	proc   processor.Processor
	logger logpkg.Logger
	cfg    Config
}

// New builds a Reclaimer.
func New(log stream.Log, proc processor.Processor, cfg Config, logger logpkg.Logger) *Reclaimer {
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "reclaimer-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Reclaimer{
		log:    log,
		proc:   proc,
		logger: logger.WithComponent("reclaimer"),
		cfg:    cfg,
	}
}

// ReclaimOnce performs a single reclaim pass. Entries are handled oldest
// (longest-idle) first so the most stuck entry recovers before fresher ones.
// Running twice back to back reclaims nothing the second time: claiming
// resets an entry's idle clock.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	pending, err := r.log.ListPending(ctx, r.cfg.Stream, r.cfg.Group, r.cfg.IdleThreshold)
	if err != nil {
		return stats, fmt.Errorf("list pending: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Idle > pending[j].Idle })

	stats.Scanned = len(pending)
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if p.DeliveryCount >= r.cfg.MaxRetries {
			if r.quarantine(ctx, p) {
				stats.Quarantined++
			}
			continue
		}
		if r.redeliver(ctx, p) {
			stats.Reclaimed++
		}
	}
	if stats.Reclaimed > 0 || stats.Quarantined > 0 {
		r.logger.Info("reclaim pass finished",
			logpkg.F("scanned", stats.Scanned),
			logpkg.F("reclaimed", stats.Reclaimed),
			logpkg.F("quarantined", stats.Quarantined),
		)
	}
	return stats, nil
}

// redeliver claims a stale entry onto this actor and reprocesses it inline,
// bounding recovery latency. Processing failures follow the worker's failure
// path: DLQ-route, then acknowledge.
func (r *Reclaimer) redeliver(ctx context.Context, p stream.Pending) bool {
	payload, err := r.log.Claim(ctx, r.cfg.Stream, r.cfg.Group, p.ID, r.cfg.Consumer)
	if err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			// Acked or claimed by someone else since the scan.
			return false
		}
		r.logger.Error("claim failed", logpkg.F("id", p.ID), logpkg.Err(err))
		return false
	}
	r.logger.Info("reclaimed stale entry",
		logpkg.F("id", p.ID),
		logpkg.F("previous_consumer", p.Consumer),
		logpkg.F("delivery_count", p.DeliveryCount+1),
		logpkg.F("idle", p.Idle.String()),
	)

	ev, decErr := envelope.Decode(payload)
	if decErr != nil {
		r.routeAndAck(ctx, p.ID, &envelope.Event{Type: "malformed"}, decErr)
		return true
	}
	if procErr := r.safeProcess(ctx, ev); procErr != nil {
		r.routeAndAck(ctx, p.ID, ev, procErr)
		return true
	}
	if err := r.log.Ack(ctx, r.cfg.Stream, r.cfg.Group, p.ID); err != nil && !errors.Is(err, stream.ErrNotFound) {
		r.logger.Error("ack failed", logpkg.F("id", p.ID), logpkg.Err(err))
	}
	return true
}

// quarantine routes a budget-exhausted entry straight to the DLQ.
func (r *Reclaimer) quarantine(ctx context.Context, p stream.Pending) bool {
	payload, err := r.log.Claim(ctx, r.cfg.Stream, r.cfg.Group, p.ID, r.cfg.Consumer)
	if err != nil {
		if !errors.Is(err, stream.ErrNotFound) {
			r.logger.Error("claim failed", logpkg.F("id", p.ID), logpkg.Err(err))
		}
		return false
	}
	cause := fmt.Errorf("delivery budget exhausted after %d deliveries", p.DeliveryCount)
	ev, decErr := envelope.Decode(payload)
	if decErr != nil {
		ev = &envelope.Event{Type: "malformed"}
		cause = decErr
	}
	r.logger.Warn("routing exhausted entry to dlq",
		logpkg.F("id", p.ID),
		logpkg.F("delivery_count", p.DeliveryCount),
	)
	r.routeAndAck(ctx, p.ID, ev, cause)
	return true
}

func (r *Reclaimer) routeAndAck(ctx context.Context, id uint64, ev *envelope.Event, cause error) {
	if _, err := dlq.Route(ctx, r.log, r.cfg.DLQStream, ev, cause); err != nil {
		// Leave the entry pending; a later pass retries.
		r.logger.Error("dlq route failed", logpkg.F("id", id), logpkg.Err(err))
		return
	}
	if err := r.log.Ack(ctx, r.cfg.Stream, r.cfg.Group, id); err != nil && !errors.Is(err, stream.ErrNotFound) {
		r.logger.Error("ack failed", logpkg.F("id", id), logpkg.Err(err))
	}
}

func (r *Reclaimer) safeProcess(ctx context.Context, ev *envelope.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panic: %v", rec)
		}
	}()
	return r.proc.Process(ctx, ev)
}

// Run executes reclaim passes on the configured interval until the context is
// cancelled. A pass in flight when cancellation arrives finishes first.
func (r *Reclaimer) Run(ctx context.Context) error {
	task := periodic.New(r.cfg.Interval, func(ctx context.Context) error {
		_, err := r.ReclaimOnce(ctx)
		return err
	})
	task.OnError = func(err error) {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("reclaim pass failed", logpkg.Err(err))
		}
	}
	r.logger.Info("reclaimer started",
		logpkg.F("interval", r.cfg.Interval.String()),
		logpkg.F("idle_threshold", r.cfg.IdleThreshold.String()),
		logpkg.F("max_retries", r.cfg.MaxRetries),
	)
	return task.Run(ctx)
}
