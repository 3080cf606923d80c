// Package worker is the worker process: it holds one connection to the
// controller, monitors the accounts assigned to it through the automation
// driver, and pushes what it finds upstream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/internal/scheduler"
	"github.com/elonfeng/creatorhub/pkg/driver"
	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/protocol"
	"github.com/elonfeng/creatorhub/pkg/reporter"
	"github.com/elonfeng/creatorhub/pkg/retry"
	"github.com/elonfeng/creatorhub/pkg/tabs"
)

var errNotConnected = errors.New("not connected to controller")

// Options configure a Worker.
type Options struct {
	WorkerID  string
	MasterURL string
	StateDir  string
	Version   string

	MonitorInterval time.Duration
	SyncInterval    time.Duration
	StatusInterval  time.Duration
	StatusBatch     int
	LoginTimeout    time.Duration
	ReplyTimeout    time.Duration
}

func (o *Options) defaults() {
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 30 * time.Second
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 5 * time.Minute
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 5 * time.Minute
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 90 * time.Second
	}
}

// Login statuses reported upstream.
const (
	loginNotLoggedIn = "not_logged_in"
	loginLoggingIn   = "logging_in"
	loginLoggedIn    = "logged_in"
	loginError       = "error"
)

type monitor struct {
	assignment protocol.AccountAssignment
	paused     bool

	// replyMu serializes replies so an account never needs more than one
	// temporary tab.
	replyMu sync.Mutex
}

// Worker monitors assigned accounts and keeps the controller in sync.
type Worker struct {
	logger *slog.Logger
	clock  clock.Clock
	opts   Options
	driver driver.Driver

	store    *inbox.Store
	tabs     *tabs.Manager
	tracker  *retry.Tracker
	reporter *reporter.Reporter
	sched    *scheduler.Scheduler

	mu       sync.Mutex
	conn     *protocol.Conn
	accounts map[inbox.AccountID]*monitor

	tasks sync.WaitGroup
}

// New creates a worker. Every component is scoped to this worker.
func New(logger *slog.Logger, clk clock.Clock, drv driver.Driver, opts Options) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	opts.defaults()
	logger = logger.With("worker_id", opts.WorkerID)

	w := &Worker{
		logger:   logger,
		clock:    clk,
		opts:     opts,
		driver:   drv,
		store:    inbox.NewStore(logger, clk),
		tabs:     tabs.NewManager(logger, clk),
		tracker:  retry.NewTracker(logger, clk),
		sched:    scheduler.New(logger, clk),
		accounts: make(map[inbox.AccountID]*monitor),
	}
	w.reporter = reporter.New(logger, clk, reporter.SenderFunc(w.sendStatus), reporter.Options{
		Interval: opts.StatusInterval,
		MaxBatch: opts.StatusBatch,
	})
	return w
}

// Run connects to the controller and serves until ctx is cancelled. The
// local state file is loaded first and written on the way out.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.loadState(); err != nil {
		w.logger.Warn("state file not loaded", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.reporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		w.tracker.Run(gctx, retry.DefaultSweepInterval)
		return nil
	})
	g.Go(func() error {
		w.syncLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return w.connectLoop(gctx)
	})

	err := g.Wait()
	w.shutdown()
	return err
}

func (w *Worker) shutdown() {
	w.sched.StopAll()
	w.tasks.Wait()
	for _, id := range w.tabs.Accounts() {
		w.closeTabs(id)
	}
	if err := w.saveState(); err != nil {
		w.logger.Error("save state file", "error", err)
	}
	w.logger.Info("worker stopped")
}

// Store exposes the worker-local store.
func (w *Worker) Store() *inbox.Store { return w.store }

// Assigned returns the accounts currently assigned to this worker.
func (w *Worker) Assigned() []inbox.AccountID {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]inbox.AccountID, 0, len(w.accounts))
	for id := range w.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *Worker) monitor(id inbox.AccountID) *monitor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.accounts[id]
}

func (w *Worker) send(p protocol.Payload) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.Send(p)
}

func (w *Worker) sendStatus(ctx context.Context, batch []reporter.Entry) error {
	return w.send(&protocol.WorkerAccountStatus{WorkerID: w.opts.WorkerID, AccountStatuses: batch})
}

// assign starts (or resumes) monitoring one account. Re-sending an
// unchanged assignment for a running account is a no-op.
func (w *Worker) assign(ctx context.Context, a protocol.AccountAssignment) {
	id := a.AccountID
	if id == "" {
		return
	}

	w.mu.Lock()
	m, ok := w.accounts[id]
	if ok && m.assignment == a && !m.paused {
		w.mu.Unlock()
		return
	}
	if !ok {
		m = &monitor{}
		w.accounts[id] = m
	}
	m.assignment = a
	m.paused = false
	w.mu.Unlock()

	interval := time.Duration(a.MonitorInterval) * time.Second
	if interval <= 0 {
		interval = w.opts.MonitorInterval
	}
	w.store.SetAccount(id, inbox.AccountInfo{Name: a.Name, Platform: a.Platform})
	w.tracker.RecordSuccess(id)
	w.reporter.Update(id, func(st *reporter.AccountStatus) {
		st.WorkerStatus = reporter.WorkerStatusRunning
		st.ErrorMessage = ""
	})
	w.sched.Schedule(ctx, id, interval, func(ctx context.Context) error {
		return w.pass(ctx, id)
	})
	w.logger.Info("account assigned", "account_id", id, "interval", interval)
}

// revoke stops monitoring an account: pending retry delays are cancelled,
// the monitor is stopped and its tabs closed.
func (w *Worker) revoke(id inbox.AccountID) {
	w.mu.Lock()
	_, ok := w.accounts[id]
	delete(w.accounts, id)
	w.mu.Unlock()
	if !ok {
		return
	}

	w.tracker.Cancel(id)
	w.sched.Unschedule(id)
	w.tracker.Forget(id)
	w.closeTabs(id)
	w.reporter.Remove(id)
	w.logger.Info("account revoked", "account_id", id)
}

// closeTabs forgets the account's tabs and closes the live ones in the
// browser.
func (w *Worker) closeTabs(id inbox.AccountID) {
	for _, t := range w.tabs.ClearAccountTabs(id) {
		w.closeBrowserTab(id, t.ID)
	}
}

// closeTab moves one tab to closed and closes it in the browser.
func (w *Worker) closeTab(id inbox.AccountID, tabID tabs.TabID) {
	if w.tabs.TransitionTab(id, tabID, tabs.StateClosed) {
		w.closeBrowserTab(id, tabID)
	}
}

func (w *Worker) closeBrowserTab(id inbox.AccountID, tabID tabs.TabID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.driver.CloseTab(ctx, id, string(tabID)); err != nil {
		w.logger.Warn("close tab", "account_id", id, "tab_id", tabID, "error", err)
	}
}

func (w *Worker) statePath() string {
	if w.opts.StateDir == "" || w.opts.WorkerID == "" {
		return ""
	}
	return filepath.Join(w.opts.StateDir, w.opts.WorkerID+".state")
}

func (w *Worker) loadState() error {
	path := w.statePath()
	if path == "" {
		return nil
	}
	if err := w.store.LoadFile(path); err != nil {
		return err
	}
	w.logger.Info("state file loaded", "path", path, "accounts", len(w.store.Accounts()))
	return nil
}

func (w *Worker) saveState() error {
	path := w.statePath()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(w.opts.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return w.store.SaveFile(path)
}
