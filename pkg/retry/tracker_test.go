package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/pkg/inbox"
)

func newTestTracker() (*Tracker, *clock.Fake) {
	fake := clock.NewFake(time.Unix(1700000000, 0))
	return NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)), fake), fake
}

func TestTrackerCountsConsecutiveErrors(t *testing.T) {
	t.Parallel()
	tracker, _ := newTestTracker()
	account := inbox.AccountID("acc-1")
	netErr := errors.New("connection refused")

	for attempt := 1; attempt <= 3; attempt++ {
		kind, decision := tracker.Handle(account, netErr)
		if kind != KindNetwork {
			t.Fatalf("kind = %s, want network", kind)
		}
		if !decision.Retry {
			t.Fatalf("attempt %d: Retry = false, want true", attempt)
		}
	}
	if tracker.IsAccountHealthy(account) {
		t.Error("account healthy after 3 errors")
	}

	_, decision := tracker.Handle(account, netErr)
	if decision.Retry || !decision.PauseAccount || !decision.NotifyController {
		t.Errorf("4th network error decision = %+v, want pause+notify", decision)
	}

	tracker.RecordSuccess(account)
	if !tracker.IsAccountHealthy(account) {
		t.Error("account unhealthy after success")
	}
	_, decision = tracker.Handle(account, netErr)
	if !decision.Retry || decision.Delay != 5*time.Second {
		t.Errorf("after reset decision = %+v, want first-attempt retry", decision)
	}
}

func TestTrackerAccountsAreIndependent(t *testing.T) {
	t.Parallel()
	tracker, _ := newTestTracker()
	for i := 0; i < 5; i++ {
		tracker.Handle("acc-a", errors.New("boom"))
	}
	if !tracker.IsAccountHealthy("acc-b") {
		t.Error("errors on acc-a leaked into acc-b")
	}
}

func TestTrackerSweepsIdleCounters(t *testing.T) {
	t.Parallel()
	tracker, fake := newTestTracker()
	tracker.Handle("old", errors.New("timeout"))
	fake.Advance(30 * time.Minute)
	tracker.Handle("recent", errors.New("timeout"))
	fake.Advance(31 * time.Minute)

	if n := tracker.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, ok := tracker.Errors("old"); ok {
		t.Error("old counter survived sweep")
	}
	if _, ok := tracker.Errors("recent"); !ok {
		t.Error("recent counter was swept")
	}
}

func TestTrackerBoundsLastError(t *testing.T) {
	t.Parallel()
	tracker, _ := newTestTracker()
	tracker.Handle("acc", errors.New(strings.Repeat("é", 400)))
	state, _ := tracker.Errors("acc")
	if len(state.LastError) > MaxErrorMessageLength {
		t.Errorf("LastError length = %d, want <= %d", len(state.LastError), MaxErrorMessageLength)
	}
	if !strings.HasPrefix(strings.Repeat("é", 400), state.LastError) {
		t.Error("LastError was cut inside a UTF-8 sequence")
	}
}

func TestTrackerWaitCancelled(t *testing.T) {
	t.Parallel()
	tracker, fake := newTestTracker()

	result := make(chan error, 1)
	go func() { result <- tracker.Wait(context.Background(), "acc", time.Minute) }()

	fake.WaitForPending(1)
	tracker.Cancel("acc")

	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("Wait = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Cancel")
	}
}

func TestTrackerWaitElapses(t *testing.T) {
	t.Parallel()
	tracker, fake := newTestTracker()

	result := make(chan error, 1)
	go func() { result <- tracker.Wait(context.Background(), "acc", time.Minute) }()

	fake.WaitForPending(1)
	fake.Advance(time.Minute)

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Wait = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the delay")
	}
}
