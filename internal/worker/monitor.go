package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/elonfeng/creatorhub/internal/scheduler"
	"github.com/elonfeng/creatorhub/pkg/driver"
	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/protocol"
	"github.com/elonfeng/creatorhub/pkg/reporter"
	"github.com/elonfeng/creatorhub/pkg/retry"
	"github.com/elonfeng/creatorhub/pkg/tabs"
)

// errLoginPending means the account is waiting for an operator to log in.
// It is not a task failure.
var errLoginPending = errors.New("login pending")

// pass is one scheduled monitoring run. Task errors never escape: they
// become retry, pause or notify decisions.
func (w *Worker) pass(ctx context.Context, id inbox.AccountID) error {
	err := w.crawl(ctx, id)
	if err == nil || errors.Is(err, errLoginPending) || ctx.Err() != nil {
		return nil
	}

	kind, d := w.tracker.Handle(id, err)
	w.logger.Warn("monitor task failed",
		"account_id", id,
		"kind", kind,
		"retry", d.Retry,
		"delay", d.Delay,
		"pause", d.PauseAccount,
		"error", err,
	)

	if d.PauseAccount {
		w.mu.Lock()
		if m, ok := w.accounts[id]; ok {
			m.paused = true
		}
		w.mu.Unlock()
		w.closeTabs(id)
	}

	notify := d.NotifyController || d.PauseAccount
	msg := retry.Truncate(err.Error(), retry.MaxErrorMessageLength)
	w.reporter.Update(id, func(st *reporter.AccountStatus) {
		w.fillRuntime(id, st)
		if !notify {
			return
		}
		st.ErrorMessage = msg
		if d.PauseAccount {
			st.WorkerStatus = reporter.WorkerStatusError
		}
		if kind == retry.KindAuth {
			st.LoginStatus = loginError
		}
	})
	if notify {
		w.reporter.Trigger()
	}

	if d.PauseAccount {
		return scheduler.ErrStop
	}
	if d.Retry {
		if err := w.tracker.Wait(ctx, id, d.Delay); err != nil {
			return nil
		}
		w.sched.Trigger(id)
	}
	return nil
}

// crawl logs in if needed, then reads both feeds and ingests what they show.
func (w *Worker) crawl(ctx context.Context, id inbox.AccountID) error {
	primary, err := w.ensureLogin(ctx, id)
	if err != nil {
		return err
	}

	items, err := w.driver.ExtractVisibleItems(ctx, id, driver.Hints{
		TabID: string(primary.ID),
		Feed:  driver.FeedDirectMessages,
	})
	if err != nil {
		return fmt.Errorf("extract direct messages: %w", err)
	}

	secondary, err := w.secondaryTab(id)
	if err != nil {
		return err
	}
	comments, err := w.driver.ExtractVisibleItems(ctx, id, driver.Hints{
		TabID: string(secondary.ID),
		Feed:  driver.FeedComments,
	})
	if err != nil {
		return fmt.Errorf("extract comments: %w", err)
	}

	inserted := w.ingest(id, append(items, comments...))
	w.tracker.RecordSuccess(id)

	st := w.store.Stats(id)
	now := w.clock.Now().UnixMilli()
	w.reporter.Update(id, func(s *reporter.AccountStatus) {
		s.WorkerStatus = reporter.WorkerStatusRunning
		s.LoginStatus = loginLoggedIn
		s.ErrorMessage = ""
		s.TotalComments = st.Comments
		s.TotalContents = st.Contents
		s.RecentCommentsCount = st.NewComments
		s.RecentContentsCount = st.NewContents
		s.LastCrawlTime = now
		w.fillRuntime(id, s)
	})
	w.logger.Debug("monitor pass done", "account_id", id, "items", len(items)+len(comments), "inserted", inserted)
	return nil
}

// fillRuntime copies the account's failure health and tab usage into st.
// Tabs is always a fresh map since reported statuses are shared by value.
func (w *Worker) fillRuntime(id inbox.AccountID, st *reporter.AccountStatus) {
	st.Healthy = w.tracker.IsAccountHealthy(id)
	st.LiveTabs = w.tabs.LiveTabs(id)
	stats := w.tabs.GetTabStats(id)
	st.Tabs = make(map[string]int, len(stats))
	for state, n := range stats {
		st.Tabs[string(state)] = n
	}
}

// ensureLogin returns the account's primary tab once it is a spider1 feed.
// Until then it drives the tab through the login states and returns
// errLoginPending, or a login error once the login timeout has passed.
func (w *Worker) ensureLogin(ctx context.Context, id inbox.AccountID) (tabs.Tab, error) {
	if t, ok := w.tabs.GetTabByState(id, tabs.StateSpider1); ok {
		return t, nil
	}

	tab, ok := w.pendingPrimary(id)
	if !ok {
		t, err := w.tabs.RegisterTab(id, tabs.StateInitialization)
		if err != nil {
			return tabs.Tab{}, fmt.Errorf("open primary tab: %w", err)
		}
		w.tabs.TransitionTab(id, t.ID, tabs.StateLoginCheck)
		tab, _ = w.tabs.GetTab(id, t.ID)
	}

	status, err := w.driver.DetectLoginState(ctx, id, string(tab.ID))
	if err != nil {
		return tabs.Tab{}, fmt.Errorf("detect login state: %w", err)
	}

	login := loginNotLoggedIn
	switch status.State {
	case driver.LoginStateLoggedIn:
		if tab.State == tabs.StateWaitingLogin {
			w.tabs.TransitionTab(id, tab.ID, tabs.StateQRCodeLogin)
		}
		if !w.tabs.TransitionTab(id, tab.ID, tabs.StateSpider1) {
			return tabs.Tab{}, fmt.Errorf("promote tab %s to %s failed", tab.ID, tabs.StateSpider1)
		}
		w.reporter.Update(id, func(s *reporter.AccountStatus) { s.LoginStatus = loginLoggedIn })
		promoted, _ := w.tabs.GetTab(id, tab.ID)
		return promoted, nil

	case driver.LoginStateQRCode:
		login = loginLoggingIn
		if tab.State == tabs.StateLoginCheck {
			w.tabs.TransitionTab(id, tab.ID, tabs.StateWaitingLogin)
			tab.State = tabs.StateWaitingLogin
		}
		if tab.State == tabs.StateWaitingLogin {
			w.tabs.TransitionTab(id, tab.ID, tabs.StateQRCodeLogin)
		}

	default:
		switch tab.State {
		case tabs.StateLoginCheck, tabs.StateQRCodeLogin:
			w.tabs.TransitionTab(id, tab.ID, tabs.StateWaitingLogin)
		}
	}
	w.reporter.Update(id, func(s *reporter.AccountStatus) { s.LoginStatus = login })

	if w.clock.Now().Sub(tab.CreatedAt) > w.opts.LoginTimeout {
		w.closeTab(id, tab.ID)
		return tabs.Tab{}, fmt.Errorf("login required: no login within %s", w.opts.LoginTimeout)
	}
	return tabs.Tab{}, errLoginPending
}

// pendingPrimary finds a primary tab that is still in a login state.
func (w *Worker) pendingPrimary(id inbox.AccountID) (tabs.Tab, bool) {
	for _, st := range []tabs.State{tabs.StateQRCodeLogin, tabs.StateWaitingLogin, tabs.StateLoginCheck, tabs.StateInitialization} {
		if t, ok := w.tabs.GetTabByState(id, st); ok {
			if st == tabs.StateInitialization {
				w.tabs.TransitionTab(id, t.ID, tabs.StateLoginCheck)
				t.State = tabs.StateLoginCheck
			}
			return t, true
		}
	}
	return tabs.Tab{}, false
}

func (w *Worker) secondaryTab(id inbox.AccountID) (tabs.Tab, error) {
	if t, ok := w.tabs.GetTabByState(id, tabs.StateSpider2); ok {
		return t, nil
	}
	t, err := w.tabs.RegisterTab(id, tabs.StateSpider2)
	if err != nil {
		return tabs.Tab{}, fmt.Errorf("open comment tab: %w", err)
	}
	return t, nil
}

// ingest upserts extracted items and pushes every newly inserted comment
// and direct message upstream. It returns the number of inserts.
func (w *Worker) ingest(id inbox.AccountID, items []inbox.Entity) int {
	inserted := 0
	for _, e := range items {
		r, err := w.store.Upsert(id, e)
		if err != nil {
			w.logger.Warn("item rejected", "account_id", id, "error", err)
			continue
		}
		if !r.Inserted {
			continue
		}
		inserted++
		if r.Collection != inbox.CollectionComments && r.Collection != inbox.CollectionMessages {
			continue
		}
		stored, ok := w.store.Get(r.Collection, r.Key)
		if !ok {
			continue
		}
		msg, err := protocol.NewMessageDetected(id, stored)
		if err != nil {
			w.logger.Warn("encode detected message", "account_id", id, "error", err)
			continue
		}
		if err := w.send(msg); err != nil {
			w.logger.Debug("detected message not pushed", "account_id", id, "id", r.Key.ID, "error", err)
		}
	}
	return inserted
}
