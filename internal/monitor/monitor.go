// Package monitor observes pipeline health: consumer-group lag, pending-set
// shape per consumer, DLQ depth, and broker resource usage. It only reads;
// nothing here mutates stream state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rzbill/evpipe/internal/stream"
	logpkg "github.com/rzbill/evpipe/pkg/log"
	"github.com/rzbill/evpipe/pkg/periodic"
)

// Config carries the monitor's operating parameters.
type Config struct {
	Stream    string
	DLQStream string
	Group     string
	// Interval between snapshots (Run only).
	Interval time.Duration
	// LagThreshold triggers a warning log when exceeded. Zero disables the
	// warning.
	LagThreshold uint64
}

// ConsumerStat aggregates one consumer's share of the pending set.
type ConsumerStat struct {
	Consumer     string
	PendingCount int
	// OldestIdle is the idle time of the consumer's longest-pending entry.
	OldestIdle time.Duration
}

// Snapshot is one point-in-time view of pipeline health.
type Snapshot struct {
	Stream       string
	Group        string
	StreamLength uint64
	Cursor       uint64
	// Lag counts entries past the group cursor, clamped at zero. Entries
	// deleted behind the cursor make the figure approximate.
	Lag         uint64
	Approximate bool
	// PendingCount is delivered-but-unacknowledged entries across the group.
	PendingCount int
	PerConsumer  []ConsumerStat
	// OldestPendingIdle is the idle time of the group's longest-pending
	// entry, zero when nothing is pending.
	OldestPendingIdle time.Duration
	DLQLength         uint64
	// Broker carries storage-engine resource figures keyed by metric name.
	Broker map[string]any
}

// Monitor produces periodic health snapshots for one stream and group.
type Monitor struct {
	log    stream.Log
	logger logpkg.Logger
	cfg    Config
}

// New builds a Monitor.
func New(log stream.Log, cfg Config, logger logpkg.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Monitor{
		log:    log,
		logger: logger.WithComponent("monitor"),
		cfg:    cfg,
	}
}

// Snapshot collects one health snapshot. A group that has never read reports
// lag equal to the stream length.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Stream: m.cfg.Stream, Group: m.cfg.Group}

	length, err := m.log.Len(ctx, m.cfg.Stream)
	if err != nil {
		return snap, fmt.Errorf("stream length: %w", err)
	}
	snap.StreamLength = length

	info, err := m.log.GroupInfo(ctx, m.cfg.Stream, m.cfg.Group)
	if err != nil {
		return snap, fmt.Errorf("group info: %w", err)
	}
	snap.Cursor = info.CursorPosition
	snap.PendingCount = info.PendingCount

	// Deletions behind the cursor shrink the length without moving the
	// cursor, so length-based lag can undercount or go negative. Clamp and
	// flag rather than report nonsense.
	if length >= info.CursorPosition {
		snap.Lag = length - info.CursorPosition
	} else {
		snap.Lag = 0
		snap.Approximate = true
	}

	pending, err := m.log.ListPending(ctx, m.cfg.Stream, m.cfg.Group, 0)
	if err != nil {
		return snap, fmt.Errorf("list pending: %w", err)
	}
	byConsumer := make(map[string]*ConsumerStat)
	for _, p := range pending {
		cs, ok := byConsumer[p.Consumer]
		if !ok {
			cs = &ConsumerStat{Consumer: p.Consumer}
			byConsumer[p.Consumer] = cs
		}
		cs.PendingCount++
		if p.Idle > cs.OldestIdle {
			cs.OldestIdle = p.Idle
		}
		if p.Idle > snap.OldestPendingIdle {
			snap.OldestPendingIdle = p.Idle
		}
	}
	snap.PerConsumer = make([]ConsumerStat, 0, len(byConsumer))
	for _, cs := range byConsumer {
		snap.PerConsumer = append(snap.PerConsumer, *cs)
	}
	sort.Slice(snap.PerConsumer, func(i, j int) bool {
		return snap.PerConsumer[i].Consumer < snap.PerConsumer[j].Consumer
	})

	if m.cfg.DLQStream != "" {
		dlqLen, err := m.log.Len(ctx, m.cfg.DLQStream)
		if err != nil {
			return snap, fmt.Errorf("dlq length: %w", err)
		}
		snap.DLQLength = dlqLen
	}

	if broker, err := m.log.Stats(ctx); err == nil {
		snap.Broker = broker
	}
	return snap, nil
}

// Run emits snapshots on the configured interval until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	task := periodic.New(m.cfg.Interval, func(ctx context.Context) error {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			return err
		}
		m.report(snap)
		return nil
	})
	task.Immediate = true
	task.OnError = func(err error) {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("snapshot failed", logpkg.Err(err))
		}
	}
	return task.Run(ctx)
}

func (m *Monitor) report(snap Snapshot) {
	fields := []logpkg.Field{
		logpkg.F("stream", snap.Stream),
		logpkg.F("group", snap.Group),
		logpkg.F("length", snap.StreamLength),
		logpkg.F("cursor", snap.Cursor),
		logpkg.F("lag", snap.Lag),
		logpkg.F("pending", snap.PendingCount),
		logpkg.F("dlq_length", snap.DLQLength),
	}
	if snap.Approximate {
		fields = append(fields, logpkg.F("approximate", true))
	}
	if snap.OldestPendingIdle > 0 {
		fields = append(fields, logpkg.F("oldest_pending_idle", snap.OldestPendingIdle.String()))
	}
	m.logger.Info("pipeline health", fields...)
	for _, cs := range snap.PerConsumer {
		m.logger.Debug("consumer pending",
			logpkg.F("consumer", cs.Consumer),
			logpkg.F("pending", cs.PendingCount),
			logpkg.F("oldest_idle", cs.OldestIdle.String()),
		)
	}
	if m.cfg.LagThreshold > 0 && snap.Lag > m.cfg.LagThreshold {
		m.logger.Warn("lag above threshold",
			logpkg.F("lag", snap.Lag),
			logpkg.F("threshold", m.cfg.LagThreshold),
		)
	}
}
