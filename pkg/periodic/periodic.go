// Package periodic runs a function on a fixed interval under context control.
package periodic

import (
	"context"
	"math/rand"
	"time"
)

// Task invokes fn every Interval until the context is cancelled. An optional
// jitter fraction desynchronizes multiple instances of the same task.
type Task struct {
	Interval time.Duration
	// Jitter in [0,1): each tick waits Interval plus up to Jitter*Interval.
	Jitter float64
	// Immediate runs fn once before the first tick.
	Immediate bool

	fn func(context.Context) error
	// OnError observes per-tick errors. Errors never stop the task.
	OnError func(error)
}

// New builds a Task. Interval must be positive; fn must not be nil.
func New(interval time.Duration, fn func(context.Context) error) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	return &Task{Interval: interval, fn: fn}
}

// Run blocks until ctx is cancelled, invoking the task function each tick.
// A tick in flight when ctx is cancelled finishes before Run returns.
func (t *Task) Run(ctx context.Context) error {
	if t.Immediate {
		t.tick(ctx)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(t.next(rng))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			t.tick(ctx)
			timer.Reset(t.next(rng))
		}
	}
}

func (t *Task) next(rng *rand.Rand) time.Duration {
	d := t.Interval
	if t.Jitter > 0 {
		d += time.Duration(rng.Int63n(int64(float64(t.Interval)*t.Jitter) + 1))
	}
	return d
}

func (t *Task) tick(ctx context.Context) {
	if err := t.fn(ctx); err != nil && t.OnError != nil {
		t.OnError(err)
	}
}
