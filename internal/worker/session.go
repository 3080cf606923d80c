package worker

import (
	"context"
	"os"
	"time"

	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/protocol"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// connectLoop keeps one controller connection open, reconnecting with
// exponential backoff.
func (w *Worker) connectLoop(ctx context.Context) error {
	backoff := minBackoff
	for {
		conn, err := protocol.Dial(ctx, w.opts.MasterURL, nil, w.clock)
		if err == nil {
			backoff = minBackoff
			err = w.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("controller connection lost", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// serve runs one connection until it fails or ctx ends.
func (w *Worker) serve(ctx context.Context, conn *protocol.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go w.ping(conn, done)

	conn.KeepAlive()
	if err := conn.Send(&protocol.WorkerRegister{
		WorkerID: w.opts.WorkerID,
		PID:      os.Getpid(),
		Accounts: w.Assigned(),
		Version:  w.opts.Version,
	}); err != nil {
		conn.Close()
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()
	}()

	w.logger.Info("connected to controller", "url", w.opts.MasterURL)
	w.reporter.Trigger()

	for {
		_, p, err := conn.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				w.logger.Warn("rejected controller frame", "error", err)
				continue
			}
			return err
		}
		w.dispatch(ctx, p)
	}
}

func (w *Worker) ping(conn *protocol.Conn, done <-chan struct{}) {
	ticker := w.clock.NewTicker(protocol.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}

// dispatch handles one controller message. Slow work runs in its own
// goroutine so the read loop keeps draining the connection.
func (w *Worker) dispatch(ctx context.Context, p protocol.Payload) {
	switch m := p.(type) {
	case *protocol.MasterAccountAssign:
		for _, a := range m.Accounts {
			w.assign(ctx, a)
		}
	case *protocol.MasterAccountRevoke:
		for _, id := range m.AccountIDs {
			w.revoke(id)
		}
	case *protocol.MasterReplyRequest:
		w.goTask(func() { w.handleReply(ctx, m) })
	case *protocol.MasterSyncRequest:
		w.goTask(func() { w.handleSyncRequest(m) })
	default:
		w.logger.Warn("unexpected message from controller", "kind", p.Kind())
	}
}

func (w *Worker) goTask(fn func()) {
	w.tasks.Add(1)
	go func() {
		defer w.tasks.Done()
		fn()
	}()
}

func (w *Worker) handleSyncRequest(req *protocol.MasterSyncRequest) {
	ids := req.AccountIDs
	if len(ids) == 0 {
		ids = w.Assigned()
	}
	for _, id := range ids {
		if w.monitor(id) == nil {
			w.logger.Warn("sync requested for unassigned account", "account_id", id)
			continue
		}
		if err := w.syncAccount(id, req.RequestID); err != nil {
			w.logger.Warn("sync account", "account_id", id, "error", err)
		}
	}
}

func (w *Worker) syncLoop(ctx context.Context) {
	ticker := w.clock.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			for _, id := range w.Assigned() {
				if err := w.syncAccount(id, ""); err != nil {
					w.logger.Debug("periodic sync skipped", "account_id", id, "error", err)
				}
			}
			if err := w.saveState(); err != nil {
				w.logger.Error("save state file", "error", err)
			}
		}
	}
}

// syncAccount pushes a full snapshot and, once it is on the wire, clears
// the IsNew flags it announced.
func (w *Worker) syncAccount(id inbox.AccountID, requestID string) error {
	snap := w.store.Snapshot(id)
	err := w.send(&protocol.WorkerDataSync{
		WorkerID:  w.opts.WorkerID,
		AccountID: id,
		Snapshot:  snap,
		RequestID: requestID,
	})
	if err != nil {
		return err
	}
	cleared := w.store.ClearSentNewFlags(id, snap)
	w.logger.Debug("snapshot synced", "account_id", id, "entities", snap.Len(), "cleared_new", cleared)
	return nil
}
