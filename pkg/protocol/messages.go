package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/reporter"
)

// Kind is the envelope type tag.
type Kind string

// Worker → controller.
const (
	KindWorkerRegister        Kind = "WORKER_REGISTER"
	KindWorkerDataSync        Kind = "WORKER_DATA_SYNC"
	KindWorkerAccountStatus   Kind = "WORKER_ACCOUNT_STATUS"
	KindWorkerMessageDetected Kind = "WORKER_MESSAGE_DETECTED"
	KindWorkerReplyResult     Kind = "WORKER_REPLY_RESULT"
)

// Controller → worker.
const (
	KindMasterAccountAssign Kind = "MASTER_ACCOUNT_ASSIGN"
	KindMasterAccountRevoke Kind = "MASTER_ACCOUNT_REVOKE"
	KindMasterReplyRequest  Kind = "MASTER_REPLY_REQUEST"
	KindMasterSyncRequest   Kind = "MASTER_SYNC_REQUEST"
)

// Viewer ↔ controller.
const (
	KindMonitorRegister        Kind = "monitor:register"
	KindMonitorRegistered      Kind = "monitor:registered"
	KindMonitorRequestChannels Kind = "monitor:request_channels"
	KindMonitorChannels        Kind = "monitor:channels"
	KindMonitorRequestTopics   Kind = "monitor:request_topics"
	KindMonitorTopics          Kind = "monitor:topics"
	KindMonitorRequestMessages Kind = "monitor:request_messages"
	KindMonitorMessages        Kind = "monitor:messages"
	KindMonitorMarkHandled     Kind = "monitor:mark_handled"
	KindMonitorHandled         Kind = "monitor:handled"
	KindMonitorSendReply       Kind = "monitor:send_reply"
	KindMonitorReplyResult     Kind = "monitor:reply_result"
	KindMonitorNewMessage      Kind = "monitor:new_message"
	KindMonitorChannelUpdated  Kind = "monitor:channel_updated"
	KindMonitorError           Kind = "monitor:error"
)

var registry = map[Kind]func() Payload{
	KindWorkerRegister:        func() Payload { return new(WorkerRegister) },
	KindWorkerDataSync:        func() Payload { return new(WorkerDataSync) },
	KindWorkerAccountStatus:   func() Payload { return new(WorkerAccountStatus) },
	KindWorkerMessageDetected: func() Payload { return new(WorkerMessageDetected) },
	KindWorkerReplyResult:     func() Payload { return new(WorkerReplyResult) },

	KindMasterAccountAssign: func() Payload { return new(MasterAccountAssign) },
	KindMasterAccountRevoke: func() Payload { return new(MasterAccountRevoke) },
	KindMasterReplyRequest:  func() Payload { return new(MasterReplyRequest) },
	KindMasterSyncRequest:   func() Payload { return new(MasterSyncRequest) },

	KindMonitorRegister:        func() Payload { return new(MonitorRegister) },
	KindMonitorRegistered:      func() Payload { return new(MonitorRegistered) },
	KindMonitorRequestChannels: func() Payload { return new(MonitorRequestChannels) },
	KindMonitorChannels:        func() Payload { return new(MonitorChannels) },
	KindMonitorRequestTopics:   func() Payload { return new(MonitorRequestTopics) },
	KindMonitorTopics:          func() Payload { return new(MonitorTopics) },
	KindMonitorRequestMessages: func() Payload { return new(MonitorRequestMessages) },
	KindMonitorMessages:        func() Payload { return new(MonitorMessages) },
	KindMonitorMarkHandled:     func() Payload { return new(MonitorMarkHandled) },
	KindMonitorHandled:         func() Payload { return new(MonitorHandled) },
	KindMonitorSendReply:       func() Payload { return new(MonitorSendReply) },
	KindMonitorReplyResult:     func() Payload { return new(MonitorReplyResult) },
	KindMonitorNewMessage:      func() Payload { return new(MonitorNewMessage) },
	KindMonitorChannelUpdated:  func() Payload { return new(MonitorChannelUpdated) },
	KindMonitorError:           func() Payload { return new(MonitorError) },
}

var workerKinds = map[Kind]bool{
	KindWorkerRegister:        true,
	KindWorkerDataSync:        true,
	KindWorkerAccountStatus:   true,
	KindWorkerMessageDetected: true,
	KindWorkerReplyResult:     true,
}

var viewerRequestKinds = map[Kind]bool{
	KindMonitorRegister:        true,
	KindMonitorRequestChannels: true,
	KindMonitorRequestTopics:   true,
	KindMonitorRequestMessages: true,
	KindMonitorMarkHandled:     true,
	KindMonitorSendReply:       true,
}

// FromWorker reports whether k is sent by workers.
func (k Kind) FromWorker() bool { return workerKinds[k] }

// FromViewer reports whether k is a viewer request.
func (k Kind) FromViewer() bool { return viewerRequestKinds[k] }

// ToWorker reports whether k is sent by the controller to workers.
func (k Kind) ToWorker() bool {
	switch k {
	case KindMasterAccountAssign, KindMasterAccountRevoke, KindMasterReplyRequest, KindMasterSyncRequest:
		return true
	}
	return false
}

// Kinds returns every registered kind.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

// Worker → controller payloads.

type WorkerRegister struct {
	WorkerID string            `json:"worker_id"`
	PID      int               `json:"pid,omitempty"`
	Accounts []inbox.AccountID `json:"accounts,omitempty"`
	Version  string            `json:"version,omitempty"`
}

func (WorkerRegister) Kind() Kind { return KindWorkerRegister }

func (p *WorkerRegister) Validate() error {
	if p.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	return nil
}

// WorkerDataSync carries a full snapshot of one account.
type WorkerDataSync struct {
	WorkerID  string          `json:"worker_id"`
	AccountID inbox.AccountID `json:"account_id"`
	Snapshot  inbox.Snapshot  `json:"snapshot"`
	RequestID string          `json:"request_id,omitempty"`
}

func (WorkerDataSync) Kind() Kind { return KindWorkerDataSync }

func (p *WorkerDataSync) Validate() error {
	if p.WorkerID == "" || p.AccountID == "" {
		return errors.New("worker_id and account_id are required")
	}
	return nil
}

// WorkerAccountStatus is the batched status heartbeat.
type WorkerAccountStatus struct {
	WorkerID        string           `json:"worker_id"`
	AccountStatuses []reporter.Entry `json:"account_statuses"`
}

func (WorkerAccountStatus) Kind() Kind { return KindWorkerAccountStatus }

func (p *WorkerAccountStatus) Validate() error {
	if p.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	return nil
}

// Detected message types.
const (
	DetectedComment       = "comment"
	DetectedDirectMessage = "direct_message"
)

// WorkerMessageDetected pushes one newly detected comment or direct
// message ahead of the next snapshot.
type WorkerMessageDetected struct {
	AccountID   inbox.AccountID `json:"account_id"`
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data"`
}

func (WorkerMessageDetected) Kind() Kind { return KindWorkerMessageDetected }

func (p *WorkerMessageDetected) Validate() error {
	if p.AccountID == "" {
		return errors.New("account_id is required")
	}
	if p.MessageType != DetectedComment && p.MessageType != DetectedDirectMessage {
		return fmt.Errorf("unknown message_type %q", p.MessageType)
	}
	return nil
}

// NewMessageDetected builds the push for a comment or direct message.
func NewMessageDetected(accountID inbox.AccountID, entity inbox.Entity) (*WorkerMessageDetected, error) {
	var typ string
	switch entity.Collection() {
	case inbox.CollectionComments:
		typ = DetectedComment
	case inbox.CollectionMessages:
		typ = DetectedDirectMessage
	default:
		return nil, fmt.Errorf("%s entities are not pushed individually", entity.Collection())
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	return &WorkerMessageDetected{AccountID: accountID, MessageType: typ, Data: data}, nil
}

// Entity decodes Data according to MessageType.
func (p *WorkerMessageDetected) Entity() (inbox.Entity, error) {
	switch p.MessageType {
	case DetectedComment:
		var c inbox.Comment
		if err := json.Unmarshal(p.Data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case DetectedDirectMessage:
		var m inbox.DirectMessage
		if err := json.Unmarshal(p.Data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, fmt.Errorf("unknown message_type %q", p.MessageType)
}

// WorkerReplyResult answers a MasterReplyRequest.
type WorkerReplyResult struct {
	RequestID string          `json:"request_id"`
	AccountID inbox.AccountID `json:"account_id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

func (WorkerReplyResult) Kind() Kind { return KindWorkerReplyResult }

func (p *WorkerReplyResult) Validate() error {
	if p.RequestID == "" {
		return errors.New("request_id is required")
	}
	return nil
}

// Controller → worker payloads.

// AccountAssignment is one account handed to a worker.
type AccountAssignment struct {
	AccountID       inbox.AccountID `json:"account_id"`
	Platform        string          `json:"platform"`
	Name            string          `json:"name,omitempty"`
	MonitorInterval int             `json:"monitor_interval"`
}

type MasterAccountAssign struct {
	Accounts []AccountAssignment `json:"accounts"`
}

func (MasterAccountAssign) Kind() Kind { return KindMasterAccountAssign }

type MasterAccountRevoke struct {
	AccountIDs []inbox.AccountID `json:"account_ids"`
}

func (MasterAccountRevoke) Kind() Kind { return KindMasterAccountRevoke }

// Reply targets.
const (
	TargetComment = inbox.CategoryComment
	TargetPrivate = inbox.CategoryPrivate
)

type MasterReplyRequest struct {
	RequestID  string          `json:"request_id"`
	AccountID  inbox.AccountID `json:"account_id"`
	TopicID    string          `json:"topic_id"`
	TargetID   string          `json:"target_id,omitempty"`
	TargetType string          `json:"target_type"`
	Content    string          `json:"content"`
}

func (MasterReplyRequest) Kind() Kind { return KindMasterReplyRequest }

func (p *MasterReplyRequest) Validate() error {
	if p.RequestID == "" || p.AccountID == "" || p.TopicID == "" {
		return errors.New("request_id, account_id and topic_id are required")
	}
	return nil
}

// MasterSyncRequest asks for snapshots; no account ids means all.
type MasterSyncRequest struct {
	AccountIDs []inbox.AccountID `json:"account_ids,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

func (MasterSyncRequest) Kind() Kind { return KindMasterSyncRequest }

// Viewer payloads. Requests carry a requestId that the matching response
// echoes.

type MonitorRegister struct {
	RequestID  string `json:"requestId,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	ClientType string `json:"clientType,omitempty"`
}

func (MonitorRegister) Kind() Kind { return KindMonitorRegister }

type MonitorRegistered struct {
	RequestID    string `json:"requestId,omitempty"`
	ClientID     string `json:"clientId"`
	ChannelCount int    `json:"channelCount"`
}

func (MonitorRegistered) Kind() Kind { return KindMonitorRegistered }

type MonitorRequestChannels struct {
	RequestID string `json:"requestId,omitempty"`
}

func (MonitorRequestChannels) Kind() Kind { return KindMonitorRequestChannels }

type MonitorChannels struct {
	RequestID string          `json:"requestId,omitempty"`
	Channels  []inbox.Channel `json:"channels"`
}

func (MonitorChannels) Kind() Kind { return KindMonitorChannels }

type MonitorRequestTopics struct {
	RequestID string          `json:"requestId,omitempty"`
	ChannelID inbox.AccountID `json:"channelId"`
}

func (MonitorRequestTopics) Kind() Kind { return KindMonitorRequestTopics }

func (p *MonitorRequestTopics) Validate() error {
	if p.ChannelID == "" {
		return errors.New("channelId is required")
	}
	return nil
}

type MonitorTopics struct {
	RequestID string          `json:"requestId,omitempty"`
	ChannelID inbox.AccountID `json:"channelId"`
	Topics    []inbox.Topic   `json:"topics"`
}

func (MonitorTopics) Kind() Kind { return KindMonitorTopics }

type MonitorRequestMessages struct {
	RequestID string          `json:"requestId,omitempty"`
	ChannelID inbox.AccountID `json:"channelId,omitempty"`
	TopicID   string          `json:"topicId"`
	// IsPrivate picks the conversation (true) or the comment thread (false)
	// when a content item and a conversation share TopicID.
	IsPrivate *bool `json:"isPrivate,omitempty"`
}

func (MonitorRequestMessages) Kind() Kind { return KindMonitorRequestMessages }

func (p *MonitorRequestMessages) Validate() error {
	if p.TopicID == "" {
		return errors.New("topicId is required")
	}
	return nil
}

type MonitorMessages struct {
	RequestID string          `json:"requestId,omitempty"`
	ChannelID inbox.AccountID `json:"channelId"`
	TopicID   string          `json:"topicId"`
	Messages  []inbox.Message `json:"messages"`
}

func (MonitorMessages) Kind() Kind { return KindMonitorMessages }

// MonitorMarkHandled sets the handled flag. No message ids means the whole
// topic; Handled defaults to true.
type MonitorMarkHandled struct {
	RequestID  string          `json:"requestId,omitempty"`
	ChannelID  inbox.AccountID `json:"channelId"`
	TopicID    string          `json:"topicId"`
	MessageIDs []string        `json:"messageIds,omitempty"`
	Handled    *bool           `json:"handled,omitempty"`
	IsPrivate  *bool           `json:"isPrivate,omitempty"`
}

func (MonitorMarkHandled) Kind() Kind { return KindMonitorMarkHandled }

func (p *MonitorMarkHandled) Validate() error {
	if p.ChannelID == "" || p.TopicID == "" {
		return errors.New("channelId and topicId are required")
	}
	return nil
}

// IsHandled returns the requested flag value.
func (p *MonitorMarkHandled) IsHandled() bool {
	return p.Handled == nil || *p.Handled
}

type MonitorHandled struct {
	RequestID string          `json:"requestId,omitempty"`
	ChannelID inbox.AccountID `json:"channelId"`
	TopicID   string          `json:"topicId"`
	Updated   int             `json:"updated"`
}

func (MonitorHandled) Kind() Kind { return KindMonitorHandled }

type MonitorSendReply struct {
	RequestID string          `json:"requestId,omitempty"`
	ChannelID inbox.AccountID `json:"channelId"`
	TopicID   string          `json:"topicId"`
	MessageID string          `json:"messageId,omitempty"`
	Content   string          `json:"content"`
	IsPrivate *bool           `json:"isPrivate,omitempty"`
}

func (MonitorSendReply) Kind() Kind { return KindMonitorSendReply }

func (p *MonitorSendReply) Validate() error {
	if p.ChannelID == "" || p.TopicID == "" {
		return errors.New("channelId and topicId are required")
	}
	if p.Content == "" {
		return errors.New("content is required")
	}
	return nil
}

type MonitorReplyResult struct {
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func (MonitorReplyResult) Kind() Kind { return KindMonitorReplyResult }

type MonitorNewMessage struct {
	ChannelID inbox.AccountID `json:"channelId"`
	TopicID   string          `json:"topicId"`
	Message   inbox.Message   `json:"message"`
}

func (MonitorNewMessage) Kind() Kind { return KindMonitorNewMessage }

type MonitorChannelUpdated struct {
	Channel inbox.Channel `json:"channel"`
}

func (MonitorChannelUpdated) Kind() Kind { return KindMonitorChannelUpdated }

// Error codes sent in MonitorError.
const (
	CodeBadRequest     = "bad_request"
	CodeUnknownChannel = "unknown_channel"
	CodeUnknownTopic   = "unknown_topic"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

type MonitorError struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (MonitorError) Kind() Kind { return KindMonitorError }
