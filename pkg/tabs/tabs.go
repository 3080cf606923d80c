// Package tabs tracks the browser tabs a worker drives for each account
// and enforces which tab states may follow which.
//
// Each account has at most three live tabs: one primary tab that starts as
// a login check and is promoted in place to the spider1 feed, one spider2
// feed, and short-lived temporary tabs for single tasks such as replies.
package tabs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/pkg/inbox"
)

// State is the purpose a tab currently serves.
type State string

const (
	StateInitialization State = "initialization"
	StateLoginCheck     State = "login_check"
	StateWaitingLogin   State = "waiting_login"
	StateQRCodeLogin    State = "qr_code_login"
	StateSpider1        State = "spider1"
	StateSpider2        State = "spider2"
	StateTemporary      State = "temporary"
	StateClosed         State = "closed"
)

// MaxLiveTabs is the per-account cap on tabs that are not closed.
const MaxLiveTabs = 3

var transitions = map[State][]State{
	StateInitialization: {StateLoginCheck, StateSpider1, StateClosed},
	StateLoginCheck:     {StateSpider1, StateWaitingLogin, StateClosed},
	StateWaitingLogin:   {StateQRCodeLogin, StateClosed},
	StateQRCodeLogin:    {StateSpider1, StateWaitingLogin, StateClosed},
	StateSpider1:        {StateClosed},
	StateSpider2:        {StateClosed},
	StateTemporary:      {StateClosed},
}

// CanTransition reports whether a tab in from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// primary reports whether s belongs to the primary tab's lineage.
func (s State) primary() bool {
	switch s {
	case StateInitialization, StateLoginCheck, StateWaitingLogin, StateQRCodeLogin, StateSpider1:
		return true
	}
	return false
}

var (
	ErrTabLimit      = errors.New("account tab limit reached")
	ErrInitialState  = errors.New("tabs must be registered as initialization, spider2 or temporary")
	ErrPrimaryExists = errors.New("account already has a primary tab")
	ErrSpider2Exists = errors.New("account already has a spider2 tab")
)

// TabID identifies one tab.
type TabID string

// Tab is the recorded state of one tab.
type Tab struct {
	ID        TabID           `json:"id"`
	AccountID inbox.AccountID `json:"account_id"`
	State     State           `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Manager is the TabStateManager: one per worker process.
type Manager struct {
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	accounts map[inbox.AccountID]map[TabID]*Tab
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger, clk clock.Clock) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		logger:   logger,
		clock:    clk,
		accounts: make(map[inbox.AccountID]map[TabID]*Tab),
	}
}

// RegisterTab records a new tab for accountID in state and returns it.
// Closed tabs of the account are pruned first; they never count against
// the limit.
func (m *Manager) RegisterTab(accountID inbox.AccountID, state State) (Tab, error) {
	switch state {
	case StateInitialization, StateSpider2, StateTemporary:
	default:
		return Tab{}, fmt.Errorf("%w: %s", ErrInitialState, state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tabs := m.accounts[accountID]
	if tabs == nil {
		tabs = make(map[TabID]*Tab)
		m.accounts[accountID] = tabs
	}
	live := 0
	for id, t := range tabs {
		if t.State == StateClosed {
			delete(tabs, id)
			continue
		}
		live++
		if state == StateInitialization && t.State.primary() {
			return Tab{}, fmt.Errorf("%w: %s (%s)", ErrPrimaryExists, accountID, t.ID)
		}
		if state == StateSpider2 && t.State == StateSpider2 {
			return Tab{}, fmt.Errorf("%w: %s (%s)", ErrSpider2Exists, accountID, t.ID)
		}
	}
	if live >= MaxLiveTabs {
		return Tab{}, fmt.Errorf("%w: %s has %d live tabs", ErrTabLimit, accountID, live)
	}

	now := m.clock.Now()
	t := &Tab{
		ID:        TabID(uuid.NewString()),
		AccountID: accountID,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tabs[t.ID] = t
	m.logger.Debug("tab registered", "account_id", accountID, "tab_id", t.ID, "state", state)
	return *t, nil
}

// TransitionTab moves a tab to state to. It returns false, leaving the
// recorded state untouched, when the tab is unknown or the transition is
// not allowed. Callers must check the result.
func (m *Manager) TransitionTab(accountID inbox.AccountID, tabID TabID, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.accounts[accountID][tabID]
	if !ok {
		m.logger.Warn("transition of unknown tab rejected",
			"account_id", accountID, "tab_id", tabID, "to", to)
		return false
	}
	if !CanTransition(t.State, to) {
		m.logger.Warn("illegal tab transition rejected",
			"account_id", accountID, "tab_id", tabID, "from", t.State, "to", to)
		return false
	}
	m.logger.Debug("tab transition",
		"account_id", accountID, "tab_id", tabID, "from", t.State, "to", to)
	t.State = to
	t.UpdatedAt = m.clock.Now()
	return true
}

// GetTab returns the recorded tab.
func (m *Manager) GetTab(accountID inbox.AccountID, tabID TabID) (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.accounts[accountID][tabID]
	if !ok {
		return Tab{}, false
	}
	return *t, true
}

// GetTabByState returns the account's first tab (oldest, then by id) in
// state.
func (m *Manager) GetTabByState(accountID inbox.AccountID, state State) (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Tab
	for _, t := range m.accounts[accountID] {
		if t.State != state {
			continue
		}
		if found == nil || t.CreatedAt.Before(found.CreatedAt) ||
			(t.CreatedAt.Equal(found.CreatedAt) && t.ID < found.ID) {
			found = t
		}
	}
	if found == nil {
		return Tab{}, false
	}
	return *found, true
}

// GetTabStats returns a state → count histogram of the account's tabs,
// closed tabs included until they are pruned.
func (m *Manager) GetTabStats(accountID inbox.AccountID) map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[State]int)
	for _, t := range m.accounts[accountID] {
		stats[t.State]++
	}
	return stats
}

// LiveTabs returns the number of tabs of the account that are not closed.
func (m *Manager) LiveTabs(accountID inbox.AccountID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.accounts[accountID] {
		if t.State != StateClosed {
			n++
		}
	}
	return n
}

// ClearAccountTabs forgets every tab of the account and returns the ones
// that were still live so the caller can close them in the browser.
func (m *Manager) ClearAccountTabs(accountID inbox.AccountID) []Tab {
	m.mu.Lock()
	tabs := m.accounts[accountID]
	delete(m.accounts, accountID)
	m.mu.Unlock()

	live := make([]Tab, 0, len(tabs))
	for _, t := range tabs {
		if t.State != StateClosed {
			live = append(live, *t)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	if len(tabs) > 0 {
		m.logger.Info("account tabs cleared", "account_id", accountID, "live", len(live))
	}
	return live
}

// Accounts returns the accounts that have recorded tabs.
func (m *Manager) Accounts() []inbox.AccountID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]inbox.AccountID, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
