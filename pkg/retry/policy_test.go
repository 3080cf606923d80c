package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestDecideTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind    Kind
		attempt int
		want    Decision
	}{
		{KindNetwork, 1, Decision{Retry: true, Delay: 5000 * time.Millisecond}},
		{KindNetwork, 2, Decision{Retry: true, Delay: 10000 * time.Millisecond}},
		{KindNetwork, 3, Decision{Retry: true, Delay: 15000 * time.Millisecond}},
		{KindNetwork, 4, Decision{PauseAccount: true, NotifyController: true}},
		{KindNetwork, 9, Decision{PauseAccount: true, NotifyController: true}},

		{KindAuth, 1, Decision{PauseAccount: true, NotifyController: true}},
		{KindAuth, 5, Decision{PauseAccount: true, NotifyController: true}},

		{KindRateLimit, 1, Decision{Retry: true, Delay: 60000 * time.Millisecond, NotifyController: true}},
		{KindRateLimit, 50, Decision{Retry: true, Delay: 60000 * time.Millisecond, NotifyController: true}},

		{KindTimeout, 1, Decision{Retry: true, Delay: 10000 * time.Millisecond}},
		{KindTimeout, 2, Decision{Retry: true, Delay: 20000 * time.Millisecond}},
		{KindTimeout, 3, Decision{NotifyController: true}},

		{KindParse, 1, Decision{}},
		{KindParse, 10, Decision{}},

		{KindUnknown, 1, Decision{Retry: true, Delay: 5000 * time.Millisecond}},
		{KindUnknown, 2, Decision{NotifyController: true}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.kind, tt.attempt), func(t *testing.T) {
			t.Parallel()
			if got := Decide(tt.kind, tt.attempt); got != tt.want {
				t.Errorf("Decide(%s, %d) = %+v, want %+v", tt.kind, tt.attempt, got, tt.want)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o wait" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type statusError int

func (e statusError) Error() string   { return "upstream failed" }
func (e statusError) StatusCode() int { return int(e) }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"connection refused", errors.New("dial tcp 127.0.0.1:9222: connect: connection refused"), KindNetwork},
		{"dns", errors.New("getaddrinfo ENOTFOUND creator.example.com"), KindNetwork},
		{"chromium net error", errors.New("page.goto: net::ERR_CONNECTION_CLOSED"), KindNetwork},
		{"unauthorized", errors.New("sidecar status 401: Unauthorized"), KindAuth},
		{"forbidden", errors.New("HTTP 403 Forbidden"), KindAuth},
		{"rate limited status", errors.New("sidecar status 429"), KindRateLimit},
		{"rate limit text", errors.New("Rate Limit exceeded, slow down"), KindRateLimit},
		{"timeout text", errors.New("Navigation Timeout Exceeded: 30000ms"), KindTimeout},
		{"deadline", fmt.Errorf("extract: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", timeoutError{}, KindTimeout},
		{"op error", fmt.Errorf("sidecar: %w", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}), KindNetwork},
		{"json", errors.New("invalid character '<' looking for beginning of value"), KindParse},
		{"parse", errors.New("failed to parse comment list"), KindParse},
		{"unknown", errors.New("element detached from document"), KindUnknown},
		{"nil", nil, KindUnknown},
		{"refused with port digits", errors.New("page.goto: connect ECONNREFUSED 127.0.0.1:4031"), KindNetwork},
		{"reset with port digits", errors.New("read tcp 10.0.0.2:51044->10.0.0.9:4290: connection reset by peer"), KindNetwork},
		{"refused on status-like port", errors.New("dial tcp 10.0.0.9:401: connect: connection refused"), KindNetwork},
		{"json offset digits", errors.New("SyntaxError: Unexpected token < in JSON at position 4012"), KindParse},
		{"id digits", errors.New("comment 4291 has no author"), KindUnknown},
		{"http status line", errors.New("HTTP/1.1 429"), KindRateLimit},
		{"status code field", errors.New("api error code=403"), KindAuth},
		{"typed status", statusError(401), KindAuth},
		{"typed status falls back to text", statusError(500), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
