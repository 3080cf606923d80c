// Package driver is the boundary to the browser-automation layer.
//
// The worker never inspects pages itself: it asks a Driver for the login
// state of a tab, for the items currently visible in a feed, and to submit
// replies. Every failure is returned as an error whose text the retry
// classifier can read.
package driver

import (
	"context"

	"github.com/elonfeng/creatorhub/pkg/inbox"
)

// LoginState is what the login check saw.
type LoginState string

const (
	LoginStateNotLoggedIn LoginState = "not_logged_in"
	LoginStateQRCode      LoginState = "qr_code"
	LoginStateLoggedIn    LoginState = "logged_in"
)

// LoginStatus is the result of DetectLoginState.
type LoginStatus struct {
	State     LoginState `json:"state"`
	QRCodeURL string     `json:"qr_code_url,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Feed selects what ExtractVisibleItems reads.
type Feed string

const (
	// FeedDirectMessages is read by the spider1 tab.
	FeedDirectMessages Feed = "direct_messages"
	// FeedComments is read by the spider2 tab.
	FeedComments Feed = "comments"
	// FeedContents lists the account's own posts.
	FeedContents Feed = "contents"
)

// Hints tell the driver where to look. Selectors are opaque to the core.
type Hints struct {
	TabID     string            `json:"tab_id"`
	Feed      Feed              `json:"feed"`
	Selectors map[string]string `json:"selectors,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// Reply is an outbound comment reply or direct message.
type Reply struct {
	TabID      string `json:"tab_id"`
	TopicID    string `json:"topic_id"`
	TargetID   string `json:"target_id,omitempty"`
	TargetType string `json:"target_type"`
	Content    string `json:"content"`
}

// Driver is implemented by browser-automation backends.
type Driver interface {
	DetectLoginState(ctx context.Context, accountID inbox.AccountID, tabID string) (LoginStatus, error)
	ExtractVisibleItems(ctx context.Context, accountID inbox.AccountID, hints Hints) ([]inbox.Entity, error)
	SubmitReply(ctx context.Context, accountID inbox.AccountID, reply Reply) error
	CloseTab(ctx context.Context, accountID inbox.AccountID, tabID string) error
}
