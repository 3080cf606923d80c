// Package supervisor spawns worker processes, watches them, and restarts
// crashed ones within a bounded restart budget.
//
// Every worker gets one watch goroutine per process run. Crashes are
// counted in a restart ledger keyed by worker id; a worker that crashes
// more than MaxRestarts times inside RestartWindow is marked failed and an
// EventEscalated is emitted instead of another restart. Process failures
// never surface as errors to callers, only as status changes and events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/creatorhub/internal/clock"
)

// WorkerID identifies a supervised worker.
type WorkerID string

// Status of a supervised worker.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCrashed    Status = "crashed"
	StatusRestarting Status = "restarting"
	StatusStopped    Status = "stopped"
)

// Config is what a worker process is started with.
type Config struct {
	Command    string            `json:"command" yaml:"command"`
	Args       []string          `json:"args,omitempty" yaml:"args"`
	Dir        string            `json:"dir,omitempty" yaml:"dir"`
	Env        map[string]string `json:"env,omitempty" yaml:"env"`
	MasterHost string            `json:"master_host" yaml:"master_host"`
	MasterPort int               `json:"master_port" yaml:"master_port"`
}

// Options tune restart behavior.
type Options struct {
	// RestartWindow is how long crashes keep counting towards the ceiling.
	RestartWindow time.Duration
	// MaxRestarts is the number of automatic restarts allowed per window.
	MaxRestarts int
	// RestartDelay is multiplied by the restart count for the backoff.
	RestartDelay time.Duration
	// StopTimeout is the grace period Restart and StopAll give a worker.
	StopTimeout time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// DefaultOptions returns the production restart policy.
func DefaultOptions() Options {
	return Options{
		RestartWindow: 60 * time.Second,
		MaxRestarts:   5,
		RestartDelay:  2 * time.Second,
		StopTimeout:   10 * time.Second,
		EventBuffer:   64,
	}
}

var (
	ErrUnknownWorker  = errors.New("unknown worker")
	ErrAlreadyRunning = errors.New("worker already running")
)

// EventType classifies supervisor events.
type EventType string

const (
	EventStarted          EventType = "started"
	EventCrashed          EventType = "crashed"
	EventRestartScheduled EventType = "restart_scheduled"
	EventEscalated        EventType = "escalated"
	EventStopped          EventType = "stopped"
	EventSpawnFailed      EventType = "spawn_failed"
)

// Event is a worker lifecycle notification.
type Event struct {
	Type         EventType     `json:"type"`
	WorkerID     WorkerID      `json:"worker_id"`
	Status       Status        `json:"status"`
	Pid          int           `json:"pid,omitempty"`
	Exit         *Exit         `json:"exit,omitempty"`
	RestartCount int           `json:"restart_count,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Error        string        `json:"error,omitempty"`
	Time         time.Time     `json:"time"`
}

// Ledger is the crash bookkeeping for one worker.
type Ledger struct {
	RestartCount int       `json:"restart_count"`
	WindowStart  time.Time `json:"window_start"`
}

// Info is a point-in-time view of a worker.
type Info struct {
	ID           WorkerID  `json:"id"`
	Status       Status    `json:"status"`
	Pid          int       `json:"pid,omitempty"`
	Escalated    bool      `json:"escalated"`
	RestartCount int       `json:"restart_count"`
	LastRestart  time.Time `json:"last_restart,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastExit     *Exit     `json:"last_exit,omitempty"`
	Config       Config    `json:"config"`
}

type worker struct {
	id     WorkerID
	config Config
	status Status

	// generation increments with every spawn; exits and restart timers
	// from an older generation are ignored.
	generation    int
	proc          Process
	done          chan struct{}
	stopRequested bool
	escalated     bool
	restartTimer  clock.Timer
	startedAt     time.Time
	lastRestart   time.Time
	lastExit      *Exit
}

// Supervisor is the ProcessSupervisor. Construct one per controller
// process with New.
type Supervisor struct {
	logger  *slog.Logger
	clock   clock.Clock
	spawner Spawner
	opts    Options

	mu      sync.Mutex
	workers map[WorkerID]*worker
	ledgers map[WorkerID]*Ledger

	events chan Event
}

// New creates a Supervisor. Zero option fields take their defaults.
func New(logger *slog.Logger, clk clock.Clock, spawner Spawner, opts Options) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if spawner == nil {
		spawner = ExecSpawner{Logger: logger}
	}
	def := DefaultOptions()
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = def.RestartWindow
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = def.MaxRestarts
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = def.RestartDelay
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	return &Supervisor{
		logger:  logger,
		clock:   clk,
		spawner: spawner,
		opts:    opts,
		workers: make(map[WorkerID]*worker),
		ledgers: make(map[WorkerID]*Ledger),
		events:  make(chan Event, opts.EventBuffer),
	}
}

// Events returns the lifecycle event stream. Events are dropped, with a
// warning, when the buffer is full.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Start spawns workerID with cfg. A worker that is stopped or escalated is
// re-registered with a fresh restart ledger.
func (s *Supervisor) Start(workerID WorkerID, cfg Config) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if ok && !w.terminal() {
		return w.info(s.ledgers[workerID]), fmt.Errorf("%w: %s (%s)", ErrAlreadyRunning, workerID, w.status)
	}
	if ok {
		s.logger.Info("re-registering worker", "worker_id", workerID, "escalated", w.escalated)
	}
	w = &worker{id: workerID, config: cfg}
	s.workers[workerID] = w
	delete(s.ledgers, workerID)

	if err := s.spawnLocked(w); err != nil {
		delete(s.workers, workerID)
		return Info{}, err
	}
	return w.info(nil), nil
}

func (w *worker) terminal() bool {
	return w.status == StatusStopped || (w.status == StatusCrashed && w.escalated)
}

// spawnLocked starts a new process generation for w. s.mu must be held.
func (s *Supervisor) spawnLocked(w *worker) error {
	w.status = StatusStarting
	proc, err := s.spawner.Spawn(w.id, w.config, Environ(w.id, w.config))
	if err != nil {
		w.status = StatusCrashed
		s.emit(Event{Type: EventSpawnFailed, WorkerID: w.id, Status: w.status, Error: err.Error()})
		return fmt.Errorf("spawn worker %s: %w", w.id, err)
	}

	w.generation++
	w.proc = proc
	w.done = make(chan struct{})
	w.stopRequested = false
	w.startedAt = s.clock.Now()
	w.status = StatusRunning

	s.logger.Info("worker started", "worker_id", w.id, "pid", proc.Pid(), "generation", w.generation)
	s.emit(Event{Type: EventStarted, WorkerID: w.id, Status: w.status, Pid: proc.Pid()})
	go s.watch(w, w.generation, proc, w.done)
	return nil
}

func (s *Supervisor) watch(w *worker, generation int, proc Process, done chan struct{}) {
	exit := proc.Wait()
	s.handleExit(w, generation, exit)
	close(done)
}

func (s *Supervisor) handleExit(w *worker, generation int, exit Exit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.generation != generation || s.workers[w.id] != w {
		return
	}
	w.proc = nil
	w.lastExit = &exit
	logger := s.logger.With("worker_id", w.id, "exit", exit.String())

	if w.stopRequested || exit.Clean() {
		w.status = StatusStopped
		delete(s.ledgers, w.id)
		logger.Info("worker stopped", "requested", w.stopRequested)
		s.emit(Event{Type: EventStopped, WorkerID: w.id, Status: w.status, Exit: &exit})
		return
	}

	s.recordCrashLocked(w, exit)
}

// recordCrashLocked counts a crash in the ledger and either schedules a
// restart or escalates. s.mu must be held.
func (s *Supervisor) recordCrashLocked(w *worker, exit Exit) {
	logger := s.logger.With("worker_id", w.id, "exit", exit.String())
	generation := w.generation
	now := s.clock.Now()
	ledger := s.ledgers[w.id]
	if ledger == nil || now.Sub(ledger.WindowStart) > s.opts.RestartWindow {
		ledger = &Ledger{WindowStart: now}
		s.ledgers[w.id] = ledger
	}
	ledger.RestartCount++

	w.status = StatusCrashed
	s.emit(Event{Type: EventCrashed, WorkerID: w.id, Status: w.status, Exit: &exit, RestartCount: ledger.RestartCount})

	if ledger.RestartCount > s.opts.MaxRestarts {
		w.escalated = true
		logger.Error("worker exceeded restart budget",
			"restarts", ledger.RestartCount-1, "window", s.opts.RestartWindow)
		s.emit(Event{
			Type:         EventEscalated,
			WorkerID:     w.id,
			Status:       w.status,
			Exit:         &exit,
			RestartCount: ledger.RestartCount,
			Error:        fmt.Sprintf("crashed %d times within %s: %s", ledger.RestartCount, s.opts.RestartWindow, exit),
		})
		return
	}

	delay := s.opts.RestartDelay * time.Duration(ledger.RestartCount)
	w.status = StatusRestarting
	logger.Warn("worker crashed, restart scheduled", "restart_count", ledger.RestartCount, "delay", delay)
	w.restartTimer = s.clock.AfterFunc(delay, func() { s.restartCrashed(w, generation) })
	s.emit(Event{Type: EventRestartScheduled, WorkerID: w.id, Status: w.status, RestartCount: ledger.RestartCount, Delay: delay})
}

func (s *Supervisor) restartCrashed(w *worker, generation int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.generation != generation || w.status != StatusRestarting || s.workers[w.id] != w {
		return
	}
	w.restartTimer = nil
	w.lastRestart = s.clock.Now()
	if err := s.spawnLocked(w); err != nil {
		s.logger.Error("worker restart failed", "worker_id", w.id, "error", err)
		exit := Exit{Code: -1, Err: err.Error()}
		w.lastExit = &exit
		s.recordCrashLocked(w, exit)
	}
}

// Stop asks the worker to terminate with SIGTERM, waits up to timeout,
// then kills its process group. It returns once the process is gone and
// the worker's entry and ledger are removed.
func (s *Supervisor) Stop(workerID WorkerID, timeout time.Duration) error {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if w.restartTimer != nil {
		w.restartTimer.Stop()
		w.restartTimer = nil
	}
	proc, done := w.proc, w.done
	if proc == nil {
		// No live process: crashed, restarting or already stopped.
		delete(s.workers, workerID)
		delete(s.ledgers, workerID)
		s.mu.Unlock()
		s.emit(Event{Type: EventStopped, WorkerID: workerID, Status: StatusStopped})
		return nil
	}
	w.stopRequested = true
	s.mu.Unlock()

	logger := s.logger.With("worker_id", workerID, "pid", proc.Pid())
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("SIGTERM failed, killing", "error", err)
		if err := proc.Kill(); err != nil {
			logger.Error("kill failed", "error", err)
		}
	}

	select {
	case <-done:
	case <-s.clock.After(timeout):
		logger.Warn("worker did not exit in time, killing", "timeout", timeout)
		if err := proc.Kill(); err != nil {
			logger.Error("kill failed", "error", err)
		}
		<-done
	}

	s.mu.Lock()
	if s.workers[workerID] == w {
		delete(s.workers, workerID)
	}
	delete(s.ledgers, workerID)
	s.mu.Unlock()
	return nil
}

// Restart stops the worker and starts it again with its last config.
func (s *Supervisor) Restart(workerID WorkerID) (Info, error) {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	if !ok {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	cfg := w.config
	s.mu.Unlock()

	if err := s.Stop(workerID, s.opts.StopTimeout); err != nil {
		return Info{}, err
	}
	return s.Start(workerID, cfg)
}

// StopAll stops every worker in parallel.
func (s *Supervisor) StopAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, info := range s.List() {
		id := info.ID
		g.Go(func() error {
			err := s.Stop(id, s.opts.StopTimeout)
			if errors.Is(err, ErrUnknownWorker) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Get returns the current view of one worker.
func (s *Supervisor) Get(workerID WorkerID) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return Info{}, false
	}
	return w.info(s.ledgers[workerID]), true
}

// List returns every supervised worker sorted by id.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	infos := make([]Info, 0, len(s.workers))
	for id, w := range s.workers {
		infos = append(infos, w.info(s.ledgers[id]))
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// LedgerFor returns a copy of the worker's restart ledger.
func (s *Supervisor) LedgerFor(workerID WorkerID) (Ledger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[workerID]
	if !ok {
		return Ledger{}, false
	}
	return *l, true
}

func (w *worker) info(l *Ledger) Info {
	info := Info{
		ID:          w.id,
		Status:      w.status,
		Escalated:   w.escalated,
		LastRestart: w.lastRestart,
		StartedAt:   w.startedAt,
		LastExit:    w.lastExit,
		Config:      w.config,
	}
	if w.proc != nil {
		info.Pid = w.proc.Pid()
	}
	if l != nil {
		info.RestartCount = l.RestartCount
	}
	return info
}

func (s *Supervisor) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.clock.Now()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("supervisor event dropped", "type", ev.Type, "worker_id", ev.WorkerID)
	}
}
