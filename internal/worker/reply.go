package worker

import (
	"context"
	"fmt"

	"github.com/elonfeng/creatorhub/pkg/driver"
	"github.com/elonfeng/creatorhub/pkg/protocol"
	"github.com/elonfeng/creatorhub/pkg/retry"
	"github.com/elonfeng/creatorhub/pkg/tabs"
)

func (w *Worker) handleReply(ctx context.Context, req *protocol.MasterReplyRequest) {
	res := &protocol.WorkerReplyResult{RequestID: req.RequestID, AccountID: req.AccountID}
	if err := w.reply(ctx, req); err != nil {
		res.Error = retry.Truncate(err.Error(), retry.MaxErrorMessageLength)
		res.ErrorKind = string(retry.Classify(err))
		w.logger.Warn("reply failed", "account_id", req.AccountID, "request_id", req.RequestID, "kind", res.ErrorKind, "error", err)
	} else {
		res.Success = true
	}
	if err := w.send(res); err != nil {
		w.logger.Warn("reply result not sent", "request_id", req.RequestID, "error", err)
	}
}

// reply submits one reply from a temporary tab that is closed as soon as
// the task finishes.
func (w *Worker) reply(ctx context.Context, req *protocol.MasterReplyRequest) error {
	m := w.monitor(req.AccountID)
	if m == nil {
		return fmt.Errorf("account %s is not assigned to this worker", req.AccountID)
	}
	m.replyMu.Lock()
	defer m.replyMu.Unlock()

	tab, err := w.tabs.RegisterTab(req.AccountID, tabs.StateTemporary)
	if err != nil {
		return fmt.Errorf("open reply tab: %w", err)
	}
	defer w.closeTab(req.AccountID, tab.ID)

	ctx, cancel := context.WithTimeout(ctx, w.opts.ReplyTimeout)
	defer cancel()
	err = w.driver.SubmitReply(ctx, req.AccountID, driver.Reply{
		TabID:      string(tab.ID),
		TopicID:    req.TopicID,
		TargetID:   req.TargetID,
		TargetType: req.TargetType,
		Content:    req.Content,
	})
	if err != nil {
		return err
	}

	if req.TargetID != "" {
		if _, err := w.store.MarkHandled(req.AccountID, req.TopicID, []string{req.TargetID}, true); err != nil {
			w.logger.Debug("replied message not in local store", "account_id", req.AccountID, "error", err)
		}
	}
	return nil
}
