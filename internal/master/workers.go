package master

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/elonfeng/creatorhub/internal/store"
	"github.com/elonfeng/creatorhub/pkg/alert"
	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/protocol"
	"github.com/elonfeng/creatorhub/pkg/reporter"
)

type workerSession struct {
	*peer
	logger      *slog.Logger
	id          string
	pid         int
	version     string
	connectedAt time.Time
}

// ServeWorker runs one worker session. Frames before a valid
// WORKER_REGISTER are rejected; after it every frame is a worker →
// controller kind.
func (m *Master) ServeWorker(ctx context.Context, conn *protocol.Conn) {
	p := newPeer(conn, m.clock, m.logger.With("remote", conn.RemoteAddr(), "role", "worker"), m.opts.SendBuffer)
	defer p.close()
	conn.KeepAlive()
	go p.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			p.close()
		case <-p.done:
		}
	}()

	reg := m.awaitRegister(p)
	if reg == nil {
		return
	}

	s := &workerSession{
		peer:        p,
		id:          reg.WorkerID,
		pid:         reg.PID,
		version:     reg.Version,
		connectedAt: m.clock.Now(),
		logger:      m.logger.With("worker_id", reg.WorkerID),
	}
	m.registerWorker(ctx, s, reg.Accounts)
	defer m.unregisterWorker(s)

	for {
		_, payload, err := conn.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				s.logger.Warn("rejected worker frame", "error", err)
				continue
			}
			if !protocol.IsClosed(err) && !s.closed() {
				s.logger.Info("worker connection lost", "error", err)
			}
			return
		}
		if !payload.Kind().FromWorker() {
			s.logger.Warn("rejected worker frame", "error", protocol.ErrUnexpectedKind, "kind", payload.Kind())
			continue
		}
		m.handleWorkerMessage(ctx, s, payload)
	}
}

// awaitRegister reads until a valid WORKER_REGISTER arrives. Bad frames
// are logged and skipped. The connection is closed if no registration
// arrives within RegisterTimeout.
func (m *Master) awaitRegister(p *peer) *protocol.WorkerRegister {
	timer := m.clock.AfterFunc(m.opts.RegisterTimeout, func() {
		p.logger.Warn("worker did not register in time", "timeout", m.opts.RegisterTimeout)
		p.close()
	})
	defer timer.Stop()
	for {
		_, payload, err := p.conn.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				p.logger.Warn("rejected frame before registration", "error", err)
				continue
			}
			if !p.closed() {
				p.logger.Warn("worker closed before registering", "error", err)
			}
			return nil
		}
		if reg, ok := payload.(*protocol.WorkerRegister); ok {
			return reg
		}
		p.logger.Warn("rejected frame before registration", "kind", payload.Kind())
	}
}

// registerWorker replaces any older session of the same worker, hands the
// worker its accounts and asks for fresh snapshots. Accounts the worker
// still holds but no longer owns are revoked.
func (m *Master) registerWorker(ctx context.Context, s *workerSession, holding []inbox.AccountID) {
	m.mu.Lock()
	old := m.workers[s.id]
	m.workers[s.id] = s
	m.mu.Unlock()
	if old != nil {
		s.logger.Warn("worker reconnected, closing previous session")
		old.close()
	}
	s.logger.Info("worker registered", "pid", s.pid, "version", s.version)

	accounts, err := m.store.ListAccountsByWorker(ctx, s.id)
	if err != nil {
		s.logger.Error("list worker accounts", "error", err)
	}
	assigned := make(map[inbox.AccountID]bool, len(accounts))
	assign := &protocol.MasterAccountAssign{}
	for i := range accounts {
		id := inbox.AccountID(accounts[i].ID)
		assigned[id] = true
		assign.Accounts = append(assign.Accounts, assignment(&accounts[i]))
	}

	var stale []inbox.AccountID
	for _, id := range holding {
		if !assigned[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		s.send(&protocol.MasterAccountRevoke{AccountIDs: stale})
	}
	if len(assign.Accounts) > 0 {
		s.send(assign)
		s.send(&protocol.MasterSyncRequest{})
	}
}

func (m *Master) unregisterWorker(s *workerSession) {
	m.mu.Lock()
	if m.workers[s.id] == s {
		delete(m.workers, s.id)
	}
	var orphaned []string
	for id, pr := range m.pending {
		if pr.workerID == s.id {
			orphaned = append(orphaned, id)
		}
	}
	m.mu.Unlock()

	for _, id := range orphaned {
		m.resolveReply(id, false, "worker disconnected before confirming the reply")
	}
	s.logger.Info("worker unregistered")
}

func (m *Master) handleWorkerMessage(ctx context.Context, s *workerSession, payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.WorkerDataSync:
		m.applySync(s, p)
	case *protocol.WorkerMessageDetected:
		m.applyDetected(s, p)
	case *protocol.WorkerAccountStatus:
		m.applyStatus(ctx, s, p)
	case *protocol.WorkerReplyResult:
		m.resolveReply(p.RequestID, p.Success, p.Error)
	case *protocol.WorkerRegister:
		s.logger.Warn("duplicate registration ignored")
	default:
		s.logger.Warn("unhandled worker message", "kind", payload.Kind())
	}
}

// owns reports whether accountID is currently assigned to the session's
// worker. Data for any other account is dropped.
func (m *Master) owns(s *workerSession, accountID inbox.AccountID) bool {
	if m.owner(accountID) == s.id {
		return true
	}
	s.logger.Warn("rejected data for an account not assigned to this worker", "account_id", accountID)
	return false
}

func (m *Master) applySync(s *workerSession, p *protocol.WorkerDataSync) {
	if !m.owns(s, p.AccountID) {
		return
	}
	type key struct {
		collection inbox.Collection
		id         string
	}
	fresh := make(map[key]bool)
	for _, c := range p.Snapshot.Comments {
		if c.IsNew {
			fresh[key{inbox.CollectionComments, c.ID}] = true
		}
	}
	for _, dm := range p.Snapshot.Messages {
		if dm.IsNew {
			fresh[key{inbox.CollectionMessages, dm.ID}] = true
		}
	}

	results, err := m.inbox.ApplySnapshot(p.AccountID, p.Snapshot)
	if err != nil {
		s.logger.Warn("snapshot applied with errors", "account_id", p.AccountID, "error", err)
	}
	changed := 0
	for _, r := range results {
		if !r.Inserted && !r.Changed {
			continue
		}
		changed++
		if r.Inserted && fresh[key{r.Collection, r.Key.ID}] {
			m.pushNewMessage(r)
		}
	}
	s.logger.Debug("snapshot applied", "account_id", p.AccountID, "entities", p.Snapshot.Len(), "changed", changed, "request_id", p.RequestID)
	if changed > 0 {
		m.pushChannelUpdated(p.AccountID)
	}
}

func (m *Master) applyDetected(s *workerSession, p *protocol.WorkerMessageDetected) {
	if !m.owns(s, p.AccountID) {
		return
	}
	e, err := p.Entity()
	if err != nil {
		s.logger.Warn("undecodable detected message", "account_id", p.AccountID, "error", err)
		return
	}
	r, err := m.inbox.Upsert(p.AccountID, e)
	if err != nil {
		s.logger.Warn("detected message rejected", "account_id", p.AccountID, "error", err)
		return
	}
	if r.Inserted {
		m.pushNewMessage(r)
	}
	if r.Inserted || r.Changed {
		m.pushChannelUpdated(p.AccountID)
	}
}

// applyStatus persists each reported account status and keeps the latest
// one in memory. A new error message on an account is escalated to
// operators.
func (m *Master) applyStatus(ctx context.Context, s *workerSession, p *protocol.WorkerAccountStatus) {
	for _, e := range p.AccountStatuses {
		if !m.owns(s, e.AccountID) {
			continue
		}
		err := m.store.UpdateAccountStatus(ctx, string(e.AccountID), store.AccountStatus{
			WorkerStatus:  e.Status.WorkerStatus,
			LoginStatus:   e.Status.LoginStatus,
			LastError:     e.Status.ErrorMessage,
			LastCrawlAt:   e.Status.LastCrawlTime,
			TotalComments: e.Status.TotalComments,
			TotalContents: e.Status.TotalContents,
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("update account status", "account_id", e.AccountID, "error", err)
		}
		m.escalateError(s.id, e.AccountID, e.Status)
	}
}

func (m *Master) escalateError(workerID string, accountID inbox.AccountID, st reporter.AccountStatus) {
	m.mu.Lock()
	previous := m.statuses[accountID].ErrorMessage
	m.statuses[accountID] = st
	m.mu.Unlock()
	if st.ErrorMessage == "" || st.ErrorMessage == previous {
		return
	}

	severity := alert.SeverityWarning
	title := "Account needs attention"
	if st.WorkerStatus == reporter.WorkerStatusError {
		severity = alert.SeverityCritical
		title = "Account monitoring paused"
	}
	m.notify(&alert.Notification{
		Title:     title,
		Body:      st.ErrorMessage,
		Severity:  severity,
		Event:     "account_error",
		WorkerID:  workerID,
		AccountID: string(accountID),
	})
}
