package sync

import (
	"context"
	"testing"
	"time"

	"github.com/hearthline/matrix-e2e/pkg/eventbus"
	"github.com/hearthline/matrix-e2e/pkg/logger"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr", Component: "test"})
	if err != nil {
		t.Fatalf("logger.New() error = %v", err)
	}
	bus := eventbus.NewEventBus(eventbus.DefaultConfig())
	return &Dispatcher{
		bus:   bus,
		log:   log,
		state: StateIdle,
	}
}

func TestDispatcher_InitialStateIsIdle(t *testing.T) {
	d := newTestDispatcher(t)
	if got := d.State(); got != StateIdle {
		t.Errorf("expected initial state idle, got %s", got)
	}
}

func TestDispatcher_PauseBlocksUntilResume(t *testing.T) {
	d := newTestDispatcher(t)
	d.Pause()
	if got := d.State(); got != StatePaused {
		t.Errorf("expected paused state after Pause(), got %s", got)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.waitIfPaused(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("waitIfPaused returned before Resume() was called")
	case <-time.After(50 * time.Millisecond):
	}

	d.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("waitIfPaused() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waitIfPaused did not return after Resume()")
	}
}

func TestDispatcher_WaitIfPausedHonorsContextCancellation(t *testing.T) {
	d := newTestDispatcher(t)
	d.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.waitIfPaused(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("waitIfPaused did not return after context cancellation")
	}
}

func TestDispatcher_WaitIfPausedReturnsImmediatelyWhenNotPaused(t *testing.T) {
	d := newTestDispatcher(t)
	if err := d.waitIfPaused(context.Background()); err != nil {
		t.Errorf("waitIfPaused() on an unpaused dispatcher error = %v", err)
	}
}

func TestDispatcher_SetStatePublishesBridgeEventOnTransition(t *testing.T) {
	d := newTestDispatcher(t)
	d.setState(context.Background(), StateSyncing)
	if got := d.State(); got != StateSyncing {
		t.Errorf("expected state syncing, got %s", got)
	}

	// A no-op transition (same state) must not panic or block, even
	// with no subscribers registered on the bus.
	d.setState(context.Background(), StateSyncing)
	if got := d.State(); got != StateSyncing {
		t.Errorf("expected state to remain syncing, got %s", got)
	}
}
