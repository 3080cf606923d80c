package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/elonfeng/creatorhub/pkg/inbox"
)

// StatusError is a non-2xx answer from the automation sidecar. Its text
// carries the status code and reason so the retry classifier can read it.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	status := fmt.Sprintf("sidecar status %d %s", e.Code, http.StatusText(e.Code))
	if e.Body == "" {
		return status
	}
	return status + ": " + e.Body
}

// StatusCode returns the sidecar's HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// Remote talks to a browser-automation sidecar over HTTP. Calls are paced
// by a token bucket shared by every account on the worker.
type Remote struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewRemote creates a sidecar client. ratePerSecond <= 0 disables pacing.
func NewRemote(baseURL string, ratePerSecond float64, burst int) *Remote {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (r *Remote) DetectLoginState(ctx context.Context, accountID inbox.AccountID, tabID string) (LoginStatus, error) {
	var status LoginStatus
	err := r.post(ctx, accountID, "login-state", map[string]string{"tab_id": tabID}, &status)
	if err != nil {
		return LoginStatus{}, err
	}
	switch status.State {
	case LoginStateNotLoggedIn, LoginStateQRCode, LoginStateLoggedIn:
		return status, nil
	}
	return LoginStatus{}, fmt.Errorf("parse login state: unknown state %q", status.State)
}

func (r *Remote) ExtractVisibleItems(ctx context.Context, accountID inbox.AccountID, hints Hints) ([]inbox.Entity, error) {
	var snap inbox.Snapshot
	if err := r.post(ctx, accountID, "extract", hints, &snap); err != nil {
		return nil, err
	}
	return snap.Entities(), nil
}

func (r *Remote) SubmitReply(ctx context.Context, accountID inbox.AccountID, reply Reply) error {
	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := r.post(ctx, accountID, "reply", reply, &result); err != nil {
		return err
	}
	if !result.Success {
		if result.Error == "" {
			result.Error = "reply not confirmed"
		}
		return fmt.Errorf("submit reply: %s", result.Error)
	}
	return nil
}

func (r *Remote) CloseTab(ctx context.Context, accountID inbox.AccountID, tabID string) error {
	return r.post(ctx, accountID, "tabs/"+url.PathEscape(tabID)+"/close", nil, nil)
}

func (r *Remote) post(ctx context.Context, accountID inbox.AccountID, action string, body, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sidecar rate wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", action, err)
		}
		reader = bytes.NewReader(data)
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/%s", r.baseURL, url.PathEscape(string(accountID)), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse %s response: %w", action, err)
	}
	return nil
}
