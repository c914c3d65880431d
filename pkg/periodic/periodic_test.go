package periodic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStopsOnCancel(t *testing.T) {
	var ticks atomic.Int64
	task := New(5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task did not stop on cancel")
	}
}

func TestImmediateRunsBeforeFirstTick(t *testing.T) {
	var ticks atomic.Int64
	task := New(time.Hour, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	task.Immediate = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	require.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestErrorsDoNotStopTheTask(t *testing.T) {
	var ticks atomic.Int64
	var reported atomic.Int64
	task := New(5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return errors.New("tick failed")
	})
	task.OnError = func(err error) {
		require.EqualError(t, err, "tick failed")
		reported.Add(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = task.Run(ctx) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 2 && reported.Load() >= 2 }, 2*time.Second, time.Millisecond)
}
