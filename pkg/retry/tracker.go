package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/pkg/inbox"
)

const (
	// DefaultIdleTTL is how long an account's error counter survives
	// without new errors before Sweep forgets it.
	DefaultIdleTTL = time.Hour

	// DefaultSweepInterval is how often Run calls Sweep.
	DefaultSweepInterval = 10 * time.Minute

	// unhealthyThreshold is the consecutive error count at which an
	// account stops being healthy.
	unhealthyThreshold = 3

	// MaxErrorMessageLength bounds the last-error text kept per account.
	MaxErrorMessageLength = 500
)

// ErrCancelled is returned by Wait when the account's pending delays were
// cancelled (unassigned or paused) before the delay elapsed.
var ErrCancelled = errors.New("retry delay cancelled")

// AccountErrors is the error bookkeeping for one account.
type AccountErrors struct {
	Count       int       `json:"count"`
	Kind        Kind      `json:"kind"`
	LastError   string    `json:"last_error"`
	LastErrorAt time.Time `json:"last_error_at"`
}

// Tracker keeps consecutive-error counters per account and turns each
// failure into a Decision. One Tracker is owned by one worker process.
type Tracker struct {
	clock   clock.Clock
	logger  *slog.Logger
	idleTTL time.Duration

	mu       sync.Mutex
	accounts map[inbox.AccountID]*AccountErrors
	cancels  map[inbox.AccountID]chan struct{}
}

// NewTracker creates a Tracker. A nil logger uses slog.Default().
func NewTracker(logger *slog.Logger, clk clock.Clock) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		clock:    clk,
		logger:   logger,
		idleTTL:  DefaultIdleTTL,
		accounts: make(map[inbox.AccountID]*AccountErrors),
		cancels:  make(map[inbox.AccountID]chan struct{}),
	}
}

// Handle records err against accountID and returns its kind together with
// the policy decision for the new consecutive error count.
func (t *Tracker) Handle(accountID inbox.AccountID, err error) (Kind, Decision) {
	kind := Classify(err)

	t.mu.Lock()
	entry, ok := t.accounts[accountID]
	if !ok {
		entry = &AccountErrors{}
		t.accounts[accountID] = entry
	}
	entry.Count++
	entry.Kind = kind
	entry.LastError = Truncate(errorText(err), MaxErrorMessageLength)
	entry.LastErrorAt = t.clock.Now()
	attempt := entry.Count
	t.mu.Unlock()

	decision := Decide(kind, attempt)
	t.logger.Warn("account task failed",
		"account_id", accountID,
		"kind", kind,
		"attempt", attempt,
		"retry", decision.Retry,
		"delay", decision.Delay,
		"pause", decision.PauseAccount,
		"notify", decision.NotifyController,
		"error", err,
	)
	return kind, decision
}

// RecordSuccess resets the account's error counter.
func (t *Tracker) RecordSuccess(accountID inbox.AccountID) {
	t.mu.Lock()
	delete(t.accounts, accountID)
	t.mu.Unlock()
}

// IsAccountHealthy reports whether the account has fewer than three
// consecutive errors.
func (t *Tracker) IsAccountHealthy(accountID inbox.AccountID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.accounts[accountID]
	return !ok || entry.Count < unhealthyThreshold
}

// Errors returns a copy of the account's error bookkeeping.
func (t *Tracker) Errors(accountID inbox.AccountID) (AccountErrors, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.accounts[accountID]
	if !ok {
		return AccountErrors{}, false
	}
	return *entry, true
}

// Forget drops the account's counters and cancels its pending delays.
func (t *Tracker) Forget(accountID inbox.AccountID) {
	t.Cancel(accountID)
	t.RecordSuccess(accountID)
}

// Sweep forgets counters whose last error is older than the idle TTL and
// returns how many were removed.
func (t *Tracker) Sweep() int {
	cutoff := t.clock.Now().Add(-t.idleTTL)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, entry := range t.accounts {
		if entry.LastErrorAt.Before(cutoff) {
			delete(t.accounts, id)
			removed++
		}
	}
	return removed
}

// Run sweeps stale counters every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := t.Sweep(); n > 0 {
				t.logger.Info("swept stale account errors", "count", n)
			}
		}
	}
}

// Wait blocks for d unless ctx ends or Cancel is called for the account
// first. It is the only way retry delays are slept, so that a retry never
// fires against an account that is no longer monitored.
func (t *Tracker) Wait(ctx context.Context, accountID inbox.AccountID, d time.Duration) error {
	t.mu.Lock()
	cancel, ok := t.cancels[accountID]
	if !ok {
		cancel = make(chan struct{})
		t.cancels[accountID] = cancel
	}
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cancel:
		return ErrCancelled
	case <-t.clock.After(d):
		return nil
	}
}

// Cancel aborts every pending Wait for the account.
func (t *Tracker) Cancel(accountID inbox.AccountID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.cancels[accountID]; ok {
		close(cancel)
		delete(t.cancels, accountID)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Truncate shortens s to at most max bytes without splitting a UTF-8
// sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
