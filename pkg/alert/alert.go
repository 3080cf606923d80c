// Package alert tells operators about conditions the system cannot repair
// on its own: a worker that keeps crashing, an account that needs a new
// login, a platform that is rate limiting us.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Severity orders notifications.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  Severity  `json:"severity"`
	Event     string    `json:"event,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	Time      time.Time `json:"time"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends n to every notifier. A failing destination does not stop
// the others; all failures are joined.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s Severity) icon() string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	}
	return "ℹ️"
}

// subject is the one-line identity of the thing the alert is about.
func (n *Notification) subject() string {
	switch {
	case n.WorkerID != "" && n.AccountID != "":
		return fmt.Sprintf("worker %s / account %s", n.WorkerID, n.AccountID)
	case n.WorkerID != "":
		return "worker " + n.WorkerID
	case n.AccountID != "":
		return "account " + n.AccountID
	}
	return ""
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	return client.Do(req)
}
