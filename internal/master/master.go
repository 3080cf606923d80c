// Package master is the controller: it holds the worker and viewer
// websocket sessions, mirrors every worker's data into one in-memory
// store, and republishes it to viewers as channels, topics and messages.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/internal/store"
	"github.com/elonfeng/creatorhub/pkg/alert"
	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/protocol"
	"github.com/elonfeng/creatorhub/pkg/reporter"
	"github.com/elonfeng/creatorhub/pkg/supervisor"
)

const (
	DefaultSendBuffer      = 256
	DefaultReplyTimeout    = 2 * time.Minute
	DefaultRegisterTimeout = 30 * time.Second
	alertTimeout           = 15 * time.Second
)

// Options configure a Master.
type Options struct {
	// ViewerRate and ViewerBurst size the per-viewer request limiter. A
	// non-positive rate disables limiting.
	ViewerRate  float64
	ViewerBurst int

	ReplyTimeout time.Duration
	SendBuffer   int

	// RegisterTimeout bounds how long a worker connection may send frames
	// before a valid WORKER_REGISTER.
	RegisterTimeout time.Duration
}

// WorkerInfo describes a connected worker.
type WorkerInfo struct {
	ID          string            `json:"id"`
	PID         int               `json:"pid,omitempty"`
	Version     string            `json:"version,omitempty"`
	Remote      string            `json:"remote"`
	ConnectedAt time.Time         `json:"connected_at"`
	Accounts    []inbox.AccountID `json:"accounts"`
}

type pendingReply struct {
	viewer    *viewerSession
	requestID string
	workerID  string
	accountID inbox.AccountID
	topicID   string
	topicKind inbox.TopicKind
	targetID  string
	timer     clock.Timer
}

// Master is the controller.
type Master struct {
	logger *slog.Logger
	clock  clock.Clock
	store  store.Store
	alerts *alert.Manager
	inbox  *inbox.Store
	opts   Options

	mu         sync.RWMutex
	workers    map[string]*workerSession
	viewers    map[string]*viewerSession
	owners     map[inbox.AccountID]string
	pending    map[string]*pendingReply
	statuses   map[inbox.AccountID]reporter.AccountStatus

	notifications sync.WaitGroup
}

// New creates a controller. alerts may be nil.
func New(logger *slog.Logger, clk clock.Clock, st store.Store, alerts *alert.Manager, opts Options) *Master {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = DefaultRegisterTimeout
	}
	if opts.ViewerBurst <= 0 {
		opts.ViewerBurst = 1
	}
	return &Master{
		logger:     logger,
		clock:      clk,
		store:      st,
		alerts:     alerts,
		inbox:      inbox.NewStore(logger, clk),
		opts:       opts,
		workers:    make(map[string]*workerSession),
		viewers:    make(map[string]*viewerSession),
		owners:     make(map[inbox.AccountID]string),
		pending:    make(map[string]*pendingReply),
		statuses:   make(map[inbox.AccountID]reporter.AccountStatus),
	}
}

// Inbox exposes the controller's mirror of all worker data.
func (m *Master) Inbox() *inbox.Store { return m.inbox }

// Load registers every persisted account as a channel and restores the
// account → worker assignments.
func (m *Master) Load(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range accounts {
		m.inbox.SetAccount(inbox.AccountID(a.ID), inbox.AccountInfo{Name: a.Name, Platform: a.Platform})
		if a.Enabled && a.WorkerID != "" {
			m.owners[inbox.AccountID(a.ID)] = a.WorkerID
		}
	}
	m.logger.Info("accounts loaded", "count", len(accounts), "assigned", len(m.owners))
	return nil
}

// AssignAccount moves an account to workerID (empty unassigns). The
// previous worker is told to drop it before the new one is told to pick
// it up.
func (m *Master) AssignAccount(ctx context.Context, accountID inbox.AccountID, workerID string) error {
	previous, err := m.store.AssignAccount(ctx, string(accountID), workerID)
	if err != nil {
		return err
	}
	m.logger.Info("account assigned", "account_id", accountID, "worker_id", workerID, "previous", previous)
	return m.Refresh(ctx, accountID)
}

// Refresh re-reads one account from the store and brings the channel
// list and worker assignments in line with it. A deleted account is
// revoked and dropped.
func (m *Master) Refresh(ctx context.Context, accountID inbox.AccountID) error {
	a, err := m.store.FindAccount(ctx, string(accountID))
	if errors.Is(err, store.ErrNotFound) {
		m.forget(accountID)
		return nil
	}
	if err != nil {
		return err
	}

	owner := ""
	if a.Enabled {
		owner = a.WorkerID
	}
	m.mu.Lock()
	previous := m.owners[accountID]
	if owner == "" {
		delete(m.owners, accountID)
	} else {
		m.owners[accountID] = owner
	}
	m.mu.Unlock()

	m.inbox.SetAccount(accountID, inbox.AccountInfo{Name: a.Name, Platform: a.Platform})
	if previous != "" && previous != owner {
		m.sendToWorker(previous, &protocol.MasterAccountRevoke{AccountIDs: []inbox.AccountID{accountID}})
	}
	if owner != "" {
		m.sendToWorker(owner, &protocol.MasterAccountAssign{Accounts: []protocol.AccountAssignment{assignment(a)}})
	}
	m.pushChannelUpdated(accountID)
	return nil
}

func (m *Master) forget(accountID inbox.AccountID) {
	m.mu.Lock()
	owner := m.owners[accountID]
	delete(m.owners, accountID)
	delete(m.statuses, accountID)
	m.mu.Unlock()

	if owner != "" {
		m.sendToWorker(owner, &protocol.MasterAccountRevoke{AccountIDs: []inbox.AccountID{accountID}})
	}
	m.inbox.RemoveAccount(accountID)
	m.logger.Info("account removed", "account_id", accountID)
}

// ReportedStatus returns the last runtime status a worker reported for
// the account.
func (m *Master) ReportedStatus(accountID inbox.AccountID) (reporter.AccountStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[accountID]
	return st, ok
}

// RequestSync asks the owning worker for fresh snapshots of the given
// accounts, or of all of its accounts when none are given.
func (m *Master) RequestSync(workerID string, accountIDs ...inbox.AccountID) bool {
	return m.sendToWorker(workerID, &protocol.MasterSyncRequest{AccountIDs: accountIDs})
}

// Workers lists the connected workers.
func (m *Master) Workers() []WorkerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owned := make(map[string][]inbox.AccountID)
	for id, w := range m.owners {
		owned[w] = append(owned[w], id)
	}
	out := make([]WorkerInfo, 0, len(m.workers))
	for _, s := range m.workers {
		accounts := owned[s.id]
		sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
		out = append(out, WorkerInfo{
			ID:          s.id,
			PID:         s.pid,
			Version:     s.version,
			Remote:      s.conn.RemoteAddr(),
			ConnectedAt: s.connectedAt,
			Accounts:    accounts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HandleWorker upgrades a worker connection and serves it.
func (m *Master) HandleWorker(w http.ResponseWriter, r *http.Request) {
	ws, err := protocol.Upgrader().Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("worker upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	m.ServeWorker(r.Context(), protocol.NewConn(ws, m.clock))
}

// HandleViewer upgrades a viewer connection and serves it.
func (m *Master) HandleViewer(w http.ResponseWriter, r *http.Request) {
	ws, err := protocol.Upgrader().Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("viewer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	m.ServeViewer(r.Context(), protocol.NewConn(ws, m.clock))
}

// WatchSupervisor turns worker process events into account status and
// operator alerts until ctx ends or events is closed.
func (m *Master) WatchSupervisor(ctx context.Context, events <-chan supervisor.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleSupervisorEvent(ctx, ev)
		}
	}
}

func (m *Master) handleSupervisorEvent(ctx context.Context, ev supervisor.Event) {
	id := string(ev.WorkerID)
	logger := m.logger.With("worker_id", id, "event", ev.Type)
	switch ev.Type {
	case supervisor.EventStarted:
		logger.Info("worker process started", "pid", ev.Pid)
	case supervisor.EventCrashed:
		logger.Warn("worker process crashed", "exit", ev.Exit, "restart_count", ev.RestartCount)
	case supervisor.EventRestartScheduled:
		logger.Info("worker restart scheduled", "delay", ev.Delay, "restart_count", ev.RestartCount)
	case supervisor.EventEscalated:
		msg := fmt.Sprintf("worker %s crashed %d times within the restart window and will not be restarted", id, ev.RestartCount)
		logger.Error("worker escalated", "restart_count", ev.RestartCount)
		m.markWorkerAccounts(ctx, id, "error", msg)
		m.notify(&alert.Notification{
			Title:    "Worker restart limit reached",
			Body:     msg,
			Severity: alert.SeverityCritical,
			Event:    string(ev.Type),
			WorkerID: id,
		})
	case supervisor.EventSpawnFailed:
		logger.Error("worker spawn failed", "error", ev.Error)
		m.markWorkerAccounts(ctx, id, "error", ev.Error)
		m.notify(&alert.Notification{
			Title:    "Worker failed to start",
			Body:     ev.Error,
			Severity: alert.SeverityWarning,
			Event:    string(ev.Type),
			WorkerID: id,
		})
	case supervisor.EventStopped:
		logger.Info("worker process stopped")
		m.markWorkerAccounts(ctx, id, "stopped", "")
	}
}

// markWorkerAccounts sets the worker status of every account of a worker,
// keeping the rest of the last reported status.
func (m *Master) markWorkerAccounts(ctx context.Context, workerID, status, lastError string) {
	accounts, err := m.store.ListAccountsByWorker(ctx, workerID)
	if err != nil {
		m.logger.Error("list worker accounts", "worker_id", workerID, "error", err)
		return
	}
	for _, a := range accounts {
		st := store.AccountStatus{
			WorkerStatus:  status,
			LoginStatus:   a.LoginStatus,
			LastError:     lastError,
			LastCrawlAt:   a.LastCrawlAt,
			TotalComments: a.TotalComments,
			TotalContents: a.TotalContents,
		}
		if lastError == "" {
			st.LastError = a.LastError
		}
		if err := m.store.UpdateAccountStatus(ctx, a.ID, st); err != nil {
			m.logger.Error("update account status", "account_id", a.ID, "error", err)
		}
	}
}

// notify broadcasts n in the background.
func (m *Master) notify(n *alert.Notification) {
	if m.alerts == nil || !m.alerts.HasNotifiers() {
		return
	}
	m.notifications.Add(1)
	go func() {
		defer m.notifications.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := m.alerts.Broadcast(ctx, n); err != nil {
			m.logger.Warn("alert delivery failed", "title", n.Title, "error", err)
		}
	}()
}

// Close disconnects every session and waits for in-flight alerts.
func (m *Master) Close() {
	m.mu.Lock()
	peers := make([]*peer, 0, len(m.workers)+len(m.viewers))
	for _, w := range m.workers {
		peers = append(peers, w.peer)
	}
	for _, v := range m.viewers {
		peers = append(peers, v.peer)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	m.notifications.Wait()
}

func (m *Master) owner(accountID inbox.AccountID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[accountID]
}

func (m *Master) sendToWorker(workerID string, p protocol.Payload) bool {
	m.mu.RLock()
	s := m.workers[workerID]
	m.mu.RUnlock()
	if s == nil {
		m.logger.Debug("worker not connected, message dropped", "worker_id", workerID, "kind", p.Kind())
		return false
	}
	return s.send(p)
}

func (m *Master) broadcast(p protocol.Payload) {
	data, err := protocol.Encode(p, m.clock.Now())
	if err != nil {
		m.logger.Error("encode broadcast", "kind", p.Kind(), "error", err)
		return
	}
	m.mu.RLock()
	viewers := make([]*viewerSession, 0, len(m.viewers))
	for _, v := range m.viewers {
		viewers = append(viewers, v)
	}
	m.mu.RUnlock()
	for _, v := range viewers {
		v.enqueue(data)
	}
}

func (m *Master) pushChannelUpdated(accountID inbox.AccountID) {
	ch, err := m.inbox.ProjectChannel(accountID)
	if err != nil {
		return
	}
	m.broadcast(&protocol.MonitorChannelUpdated{Channel: ch})
}

func (m *Master) pushNewMessage(r inbox.UpsertResult) {
	e, ok := m.inbox.Get(r.Collection, r.Key)
	if !ok {
		return
	}
	var msg inbox.Message
	switch v := e.(type) {
	case *inbox.Comment:
		msg = inbox.CommentMessage(v.AccountID, m.inbox.ResolveContentTopic(v.AccountID, v.ContentID), *v)
	case *inbox.DirectMessage:
		msg = inbox.DirectMessageView(v.AccountID, *v)
	default:
		return
	}
	m.broadcast(&protocol.MonitorNewMessage{ChannelID: msg.ChannelID, TopicID: msg.TopicID, Message: msg})
}

func assignment(a *store.Account) protocol.AccountAssignment {
	return protocol.AccountAssignment{
		AccountID:       inbox.AccountID(a.ID),
		Platform:        a.Platform,
		Name:            a.Name,
		MonitorInterval: a.MonitorInterval,
	}
}
