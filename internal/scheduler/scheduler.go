// Package scheduler runs one periodic monitor job per account.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/pkg/inbox"
)

// ErrStop is returned by a Job that wants no further runs.
var ErrStop = errors.New("stop monitoring")

// Job is one monitoring pass for an account.
type Job func(ctx context.Context) error

type entry struct {
	interval time.Duration
	cancel   context.CancelFunc
	trigger  chan struct{}
	done     chan struct{}
}

// Scheduler runs a Job for each scheduled account immediately and then on
// its interval until the account is unscheduled. Runs of one account never
// overlap.
type Scheduler struct {
	logger *slog.Logger
	clock  clock.Clock

	mu   sync.Mutex
	jobs map[inbox.AccountID]*entry
}

// New creates a new scheduler.
func New(logger *slog.Logger, clk clock.Clock) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		logger: logger,
		clock:  clk,
		jobs:   make(map[inbox.AccountID]*entry),
	}
}

// Schedule starts job for accountID, replacing any job already running
// for it. The job stops when ctx ends, on Unschedule, or when it returns
// ErrStop.
func (s *Scheduler) Schedule(ctx context.Context, accountID inbox.AccountID, interval time.Duration, job Job) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.Unschedule(accountID)

	jobCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		interval: interval,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.jobs[accountID] = e
	s.mu.Unlock()

	s.logger.Info("monitor scheduled", "account_id", accountID, "interval", interval)
	go s.loop(jobCtx, accountID, e, job)
}

// Unschedule stops the account's job and waits for a running pass to
// return. It reports whether a job was scheduled.
func (s *Scheduler) Unschedule(accountID inbox.AccountID) bool {
	s.mu.Lock()
	e, ok := s.jobs[accountID]
	delete(s.jobs, accountID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	<-e.done
	return true
}

// Trigger runs the account's job as soon as the current pass (if any)
// finishes, without waiting for the interval.
func (s *Scheduler) Trigger(accountID inbox.AccountID) bool {
	s.mu.Lock()
	e, ok := s.jobs[accountID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return true
}

// Scheduled returns the accounts with a running job, sorted.
func (s *Scheduler) Scheduled() []inbox.AccountID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inbox.AccountID, 0, len(s.jobs))
	for id := range s.jobs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StopAll unschedules every account.
func (s *Scheduler) StopAll() {
	for _, id := range s.Scheduled() {
		s.Unschedule(id)
	}
}

func (s *Scheduler) loop(ctx context.Context, accountID inbox.AccountID, e *entry, job Job) {
	defer close(e.done)
	defer s.forget(accountID, e)

	ticker := s.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		err := job(ctx)
		switch {
		case errors.Is(err, ErrStop):
			s.logger.Info("monitor stopped by job", "account_id", accountID)
			return
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("monitor pass failed", "account_id", accountID, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case <-e.trigger:
		}
	}
}

func (s *Scheduler) forget(accountID inbox.AccountID, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[accountID] == e {
		delete(s.jobs, accountID)
	}
}
