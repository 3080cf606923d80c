// Package reporter batches per-account runtime status on a worker and
// pushes it to the controller on a fixed interval.
package reporter

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/pkg/inbox"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultMaxBatch = 50
)

// Worker-reported account states.
const (
	WorkerStatusRunning = "running"
	WorkerStatusPaused  = "paused"
	WorkerStatusError   = "error"
	WorkerStatusStopped = "stopped"
)

// AccountStatus is the runtime status of one account as seen by its
// worker.
type AccountStatus struct {
	WorkerStatus        string `json:"worker_status"`
	TotalComments       int    `json:"total_comments"`
	TotalContents       int    `json:"total_contents"`
	TotalFollowers      int64  `json:"total_followers"`
	TotalFollowing      int64  `json:"total_following"`
	RecentCommentsCount int    `json:"recent_comments_count"`
	RecentContentsCount int    `json:"recent_contents_count"`
	LastCrawlTime       int64  `json:"last_crawl_time"`
	LoginStatus         string `json:"login_status,omitempty"`
	ErrorMessage        string `json:"error_message,omitempty"`
	// Healthy is false once the account has three consecutive failures.
	Healthy  bool           `json:"healthy"`
	LiveTabs int            `json:"live_tabs"`
	Tabs     map[string]int `json:"tabs,omitempty"`
}

// Entry pairs an account with its status in a batch.
type Entry struct {
	AccountID inbox.AccountID `json:"account_id"`
	Status    AccountStatus   `json:"status"`
}

// Sender delivers one batch to the controller.
type Sender interface {
	SendStatus(ctx context.Context, batch []Entry) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, batch []Entry) error

func (f SenderFunc) SendStatus(ctx context.Context, batch []Entry) error { return f(ctx, batch) }

// Options configure a Reporter.
type Options struct {
	Interval time.Duration
	MaxBatch int
}

// Reporter is the StatusReporter. Statuses stay in the map across flushes,
// so every flush is also a heartbeat for each assigned account.
type Reporter struct {
	logger   *slog.Logger
	clock    clock.Clock
	sender   Sender
	interval time.Duration
	maxBatch int

	mu       sync.Mutex
	statuses map[inbox.AccountID]AccountStatus

	// flushing and pending are guarded by flushMu. pending records a
	// Trigger that arrived while a flush was in flight.
	flushMu  sync.Mutex
	flushing bool
	pending  bool

	trigger chan struct{}
	wg      sync.WaitGroup
}

// New creates a Reporter. Zero options take their defaults.
func New(logger *slog.Logger, clk clock.Clock, sender Sender, opts Options) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	return &Reporter{
		logger:   logger,
		clock:    clk,
		sender:   sender,
		interval: opts.Interval,
		maxBatch: opts.MaxBatch,
		statuses: make(map[inbox.AccountID]AccountStatus),
		trigger:  make(chan struct{}, 1),
	}
}

// Set replaces the account's status.
func (r *Reporter) Set(accountID inbox.AccountID, status AccountStatus) {
	r.mu.Lock()
	r.statuses[accountID] = status
	r.mu.Unlock()
}

// Update applies fn to the account's current status.
func (r *Reporter) Update(accountID inbox.AccountID, fn func(*AccountStatus)) {
	r.mu.Lock()
	st := r.statuses[accountID]
	fn(&st)
	r.statuses[accountID] = st
	r.mu.Unlock()
}

// Get returns the account's current status.
func (r *Reporter) Get(accountID inbox.AccountID) (AccountStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[accountID]
	return st, ok
}

// Remove stops reporting the account.
func (r *Reporter) Remove(accountID inbox.AccountID) {
	r.mu.Lock()
	delete(r.statuses, accountID)
	r.mu.Unlock()
}

// Trigger requests a flush ahead of the next tick.
func (r *Reporter) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run flushes once immediately and then on every interval until ctx is
// done. A tick never waits for the previous flush; it is skipped instead
// while a flush is still in flight. A Trigger during a flush is not
// skipped: one more flush runs as soon as the current one returns.
func (r *Reporter) Run(ctx context.Context) {
	r.logger.Info("status reporter started", "interval", r.interval, "max_batch", r.maxBatch)
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.wg.Wait()

	r.startFlush(ctx, false)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("status reporter stopped")
			return
		case <-ticker.C():
			r.startFlush(ctx, false)
		case <-r.trigger:
			r.startFlush(ctx, true)
		}
	}
}

func (r *Reporter) startFlush(ctx context.Context, triggered bool) {
	r.flushMu.Lock()
	if r.flushing {
		if triggered {
			r.pending = true
		}
		r.flushMu.Unlock()
		r.logger.Debug("status flush still in flight", "queued", triggered)
		return
	}
	r.flushing = true
	r.flushMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("status flush failed", "error", err)
			}
			r.flushMu.Lock()
			again := r.pending && ctx.Err() == nil
			r.pending = false
			if !again {
				r.flushing = false
			}
			r.flushMu.Unlock()
			if !again {
				return
			}
		}
	}()
}

func (r *Reporter) inFlight() bool {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.flushing
}

// Flush sends the whole status map in batches of at most MaxBatch
// accounts, ordered by account id. An empty map sends nothing.
func (r *Reporter) Flush(ctx context.Context) error {
	batches := r.batches()
	if len(batches) == 0 {
		return nil
	}
	for i, batch := range batches {
		if err := r.sender.SendStatus(ctx, batch); err != nil {
			return err
		}
		r.logger.Debug("status batch sent", "batch", i+1, "of", len(batches), "accounts", len(batch))
	}
	return nil
}

func (r *Reporter) batches() [][]Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.statuses))
	for id, st := range r.statuses {
		entries = append(entries, Entry{AccountID: id, Status: st})
	}
	r.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].AccountID < entries[j].AccountID })
	var batches [][]Entry
	for start := 0; start < len(entries); start += r.maxBatch {
		end := min(start+r.maxBatch, len(entries))
		batches = append(batches, entries[start:end])
	}
	return batches
}
