// Package processor defines the pluggable processing contract applied to each
// event. Variants are selected by registration on a Registry, keyed by event
// type; the retry and DLQ machinery never inspects event types itself.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/evpipe/internal/envelope"
)

// Processor is the single capability applied to an event. A nil return is
// success; any error is a processing failure counted against the event's
// retry budget.
type Processor interface {
	Process(ctx context.Context, ev *envelope.Event) error
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, ev *envelope.Event) error

func (f Func) Process(ctx context.Context, ev *envelope.Event) error { return f(ctx, ev) }

// Registry selects a Processor by event type, falling back to a default.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Processor
	fallback Processor
}

// NewRegistry builds a Registry with the given default processor.
func NewRegistry(fallback Processor) *Registry {
	if fallback == nil {
		fallback = Func(func(context.Context, *envelope.Event) error { return nil })
	}
	return &Registry{byType: make(map[string]Processor), fallback: fallback}
}

// Register binds a processor to an event type, replacing any previous binding.
func (r *Registry) Register(eventType string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[eventType] = p
}

// Process dispatches to the processor registered for the event's type.
func (r *Registry) Process(ctx context.Context, ev *envelope.Event) error {
	r.mu.RLock()
	p, ok := r.byType[ev.Type]
	r.mu.RUnlock()
	if !ok {
		p = r.fallback
	}
	return p.Process(ctx, ev)
}

// ErrSimulatedFailure is returned by the demo failure processor.
var ErrSimulatedFailure = errors.New("simulated processing failure")

// AlwaysFail returns a processor that fails unconditionally, used to exercise
// the DLQ path.
func AlwaysFail() Processor {
	return Func(func(context.Context, *envelope.Event) error { return ErrSimulatedFailure })
}

// FailFirst returns a processor that fails until the event has accumulated n
// attempts, then succeeds. It exercises transient-failure recovery without the
// pipeline knowing about transience.
func FailFirst(n int) Processor {
	return Func(func(_ context.Context, ev *envelope.Event) error {
		if ev.AttemptCount+ev.RetryCount <= n {
			return fmt.Errorf("attempt %d of %d: %w", ev.AttemptCount+ev.RetryCount, n, ErrSimulatedFailure)
		}
		return nil
	})
}
