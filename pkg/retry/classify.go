// Package retry classifies task errors raised while monitoring an
// account and decides whether to retry, pause the account or tell the
// controller.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// Kind is the category of a task error.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindAuth      Kind = "auth"
	KindParse     Kind = "parse"
	KindRateLimit Kind = "rate_limit"
	KindTimeout   Kind = "timeout"
	KindUnknown   Kind = "unknown"
)

// signature lists the normalized text fragments that identify a kind.
// Signatures are checked in order; the first match wins.
type signature struct {
	kind   Kind
	tokens []string
}

// connectionSignatures are checked before anything else: their text often
// carries addresses whose port digits look like status codes.
var connectionSignatures = []signature{
	{KindNetwork, []string{
		"econnrefused", "connection refused", "enotfound", "no such host",
		"econnreset", "connection reset", "socket hang up", "eai_again",
		"broken pipe", "net::err_",
	}},
}

var signatures = []signature{
	{KindAuth, []string{"unauthorized", "forbidden", "login required", "not logged in", "session expired"}},
	{KindRateLimit, []string{"rate limit", "ratelimit", "too many requests", "throttl"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindNetwork, []string{"network"}},
	{KindParse, []string{"json", "parse", "unexpected token", "syntax error", "unmarshal", "invalid character"}},
}

// statusPattern finds an HTTP status code where the text names it as one,
// e.g. "status 401", "HTTP 403", "HTTP/1.1 429", "code=401".
var statusPattern = regexp.MustCompile(`\b(?:status|http(?:/[\d.]+)?|code)\s*[:=]?\s*(\d{3})\b`)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps err to a Kind. Typed errors are recognized first;
// everything else is matched on its lowercased text.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindNetwork
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		if kind, ok := statusKind(sc.StatusCode()); ok {
			return kind
		}
	}
	return ClassifyText(err.Error())
}

// ClassifyText matches a raw error message against the kind signatures.
// Connection failures win over status codes, and a status code only counts
// when the text labels it as one.
func ClassifyText(message string) Kind {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" {
		return KindUnknown
	}
	if kind, ok := match(text, connectionSignatures); ok {
		return kind
	}
	for _, m := range statusPattern.FindAllStringSubmatch(text, -1) {
		code, _ := strconv.Atoi(m[1])
		if kind, ok := statusKind(code); ok {
			return kind
		}
	}
	if kind, ok := match(text, signatures); ok {
		return kind
	}
	return KindUnknown
}

func match(text string, sigs []signature) (Kind, bool) {
	for _, sig := range sigs {
		for _, token := range sig.tokens {
			if strings.Contains(text, token) {
				return sig.kind, true
			}
		}
	}
	return "", false
}

func statusKind(code int) (Kind, bool) {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth, true
	case http.StatusTooManyRequests:
		return KindRateLimit, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout, true
	}
	return "", false
}
