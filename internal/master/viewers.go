package master

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/protocol"
)

type viewerSession struct {
	*peer
	logger   *slog.Logger
	limiter  *rate.Limiter
	clientID string // set by monitor:register
}

// ServeViewer runs one viewer session. Rejected requests are answered with
// monitor:error and the session stays open. A viewer receives live pushes
// once it has registered.
func (m *Master) ServeViewer(ctx context.Context, conn *protocol.Conn) {
	logger := m.logger.With("remote", conn.RemoteAddr(), "role", "viewer")
	limit := rate.Limit(m.opts.ViewerRate)
	if m.opts.ViewerRate <= 0 {
		limit = rate.Inf
	}
	v := &viewerSession{
		peer:    newPeer(conn, m.clock, logger, m.opts.SendBuffer),
		logger:  logger,
		limiter: rate.NewLimiter(limit, m.opts.ViewerBurst),
	}
	defer v.close()
	defer m.removeViewer(v)
	conn.KeepAlive()
	go v.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			v.close()
		case <-v.done:
		}
	}()

	for {
		env, payload, err := conn.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				v.send(&protocol.MonitorError{RequestID: requestID(env.Payload), Code: protocol.CodeBadRequest, Message: err.Error()})
				continue
			}
			if !protocol.IsClosed(err) && !v.closed() {
				v.logger.Debug("viewer connection lost", "error", err)
			}
			return
		}
		if !payload.Kind().FromViewer() {
			v.send(&protocol.MonitorError{
				RequestID: requestID(env.Payload),
				Code:      protocol.CodeBadRequest,
				Message:   protocol.ErrUnexpectedKind.Error() + ": " + string(payload.Kind()),
			})
			continue
		}
		if !v.limiter.AllowN(m.clock.Now(), 1) {
			v.send(&protocol.MonitorError{RequestID: requestID(env.Payload), Code: protocol.CodeRateLimited, Message: "too many requests"})
			continue
		}
		m.handleViewerMessage(v, payload)
	}
}

func (m *Master) handleViewerMessage(v *viewerSession, payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.MonitorRegister:
		m.registerViewer(v, p)
	case *protocol.MonitorRequestChannels:
		v.send(&protocol.MonitorChannels{RequestID: p.RequestID, Channels: m.inbox.ProjectChannels()})
	case *protocol.MonitorRequestTopics:
		topics, err := m.inbox.ProjectTopics(p.ChannelID)
		if err != nil {
			v.send(viewerError(p.RequestID, err))
			return
		}
		v.send(&protocol.MonitorTopics{RequestID: p.RequestID, ChannelID: p.ChannelID, Topics: topics})
	case *protocol.MonitorRequestMessages:
		m.requestMessages(v, p)
	case *protocol.MonitorMarkHandled:
		updated, err := m.inbox.MarkTopicHandled(p.ChannelID, p.TopicID, inbox.TopicKindOf(p.IsPrivate), p.MessageIDs, p.IsHandled())
		if err != nil {
			v.send(viewerError(p.RequestID, err))
			return
		}
		v.send(&protocol.MonitorHandled{RequestID: p.RequestID, ChannelID: p.ChannelID, TopicID: p.TopicID, Updated: updated})
		if updated > 0 {
			m.pushChannelUpdated(p.ChannelID)
		}
	case *protocol.MonitorSendReply:
		m.sendReply(v, p)
	}
}

func (m *Master) registerViewer(v *viewerSession, p *protocol.MonitorRegister) {
	id := p.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	if v.clientID != "" && m.viewers[v.clientID] == v {
		delete(m.viewers, v.clientID)
	}
	old := m.viewers[id]
	v.clientID = id
	m.viewers[id] = v
	m.mu.Unlock()
	if old != nil && old != v {
		v.logger.Info("viewer client id reused, closing previous session", "client_id", id)
		old.close()
	}
	v.logger.Info("viewer registered", "client_id", id, "client_type", p.ClientType)
	v.send(&protocol.MonitorRegistered{RequestID: p.RequestID, ClientID: id, ChannelCount: len(m.inbox.Accounts())})
}

func (m *Master) removeViewer(v *viewerSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.clientID != "" && m.viewers[v.clientID] == v {
		delete(m.viewers, v.clientID)
	}
}

func (m *Master) requestMessages(v *viewerSession, p *protocol.MonitorRequestMessages) {
	channelID := p.ChannelID
	if channelID == "" {
		located, err := m.inbox.LocateTopic(p.TopicID)
		if err != nil {
			v.send(viewerError(p.RequestID, err))
			return
		}
		channelID = located
	}
	msgs, err := m.inbox.ProjectTopicMessages(channelID, p.TopicID, inbox.TopicKindOf(p.IsPrivate))
	if err != nil {
		v.send(viewerError(p.RequestID, err))
		return
	}
	v.send(&protocol.MonitorMessages{RequestID: p.RequestID, ChannelID: channelID, TopicID: p.TopicID, Messages: msgs})
}

// sendReply forwards a reply to the worker that owns the channel. The
// viewer gets its reply_result when the worker answers, the worker
// disconnects or ReplyTimeout passes, whichever comes first.
func (m *Master) sendReply(v *viewerSession, p *protocol.MonitorSendReply) {
	fail := func(msg string) {
		v.send(&protocol.MonitorReplyResult{RequestID: p.RequestID, Error: msg})
	}
	msgs, err := m.inbox.ProjectTopicMessages(p.ChannelID, p.TopicID, inbox.TopicKindOf(p.IsPrivate))
	if err != nil {
		v.send(viewerError(p.RequestID, err))
		return
	}
	targetType := replyTarget(msgs, p.MessageID)
	topicKind := inbox.TopicComments
	if targetType == protocol.TargetPrivate {
		topicKind = inbox.TopicConversation
	}

	workerID := m.owner(p.ChannelID)
	if workerID == "" {
		fail("channel is not assigned to a worker")
		return
	}
	m.mu.RLock()
	w := m.workers[workerID]
	m.mu.RUnlock()
	if w == nil {
		fail("worker " + workerID + " is not connected")
		return
	}

	id := uuid.NewString()
	pr := &pendingReply{
		viewer:    v,
		requestID: p.RequestID,
		workerID:  workerID,
		accountID: p.ChannelID,
		topicID:   p.TopicID,
		topicKind: topicKind,
		targetID:  p.MessageID,
	}
	m.mu.Lock()
	m.pending[id] = pr
	m.mu.Unlock()

	timer := m.clock.AfterFunc(m.opts.ReplyTimeout, func() {
		m.resolveReply(id, false, "reply timed out")
	})
	m.mu.Lock()
	if m.pending[id] == pr {
		pr.timer = timer
	} else {
		timer.Stop()
	}
	m.mu.Unlock()

	ok := w.send(&protocol.MasterReplyRequest{
		RequestID:  id,
		AccountID:  p.ChannelID,
		TopicID:    p.TopicID,
		TargetID:   p.MessageID,
		TargetType: targetType,
		Content:    p.Content,
	})
	if !ok {
		m.resolveReply(id, false, "worker "+workerID+" is not connected")
		return
	}
	v.logger.Info("reply forwarded", "request_id", id, "worker_id", workerID, "channel_id", p.ChannelID, "topic_id", p.TopicID)
}

// resolveReply answers the viewer that asked for reply id. A successful
// reply marks its target handled. Unknown or already resolved ids are
// ignored.
func (m *Master) resolveReply(id string, success bool, errMsg string) {
	m.mu.Lock()
	pr := m.pending[id]
	delete(m.pending, id)
	var timer clock.Timer
	if pr != nil {
		timer = pr.timer
	}
	m.mu.Unlock()
	if pr == nil {
		m.logger.Debug("reply result for unknown request", "request_id", id)
		return
	}
	if timer != nil {
		timer.Stop()
	}

	if !success {
		m.logger.Warn("reply failed", "request_id", id, "worker_id", pr.workerID, "channel_id", pr.accountID, "error", errMsg)
		pr.viewer.send(&protocol.MonitorReplyResult{RequestID: pr.requestID, Error: errMsg})
		return
	}
	updated := 0
	if pr.targetID != "" {
		n, err := m.inbox.MarkTopicHandled(pr.accountID, pr.topicID, pr.topicKind, []string{pr.targetID}, true)
		if err != nil {
			m.logger.Debug("mark replied message handled", "channel_id", pr.accountID, "error", err)
		}
		updated = n
	}
	pr.viewer.send(&protocol.MonitorReplyResult{RequestID: pr.requestID, Success: true})
	if updated > 0 {
		m.pushChannelUpdated(pr.accountID)
	}
}

// replyTarget picks the reply target type from the message being answered,
// falling back to the topic's first message.
func replyTarget(msgs []inbox.Message, messageID string) string {
	for _, msg := range msgs {
		if msg.ID == messageID {
			return msg.MessageCategory
		}
	}
	if len(msgs) > 0 && msgs[0].MessageCategory != "" {
		return msgs[0].MessageCategory
	}
	return protocol.TargetComment
}

func viewerError(requestID string, err error) *protocol.MonitorError {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, inbox.ErrUnknownChannel):
		code = protocol.CodeUnknownChannel
	case errors.Is(err, inbox.ErrUnknownTopic):
		code = protocol.CodeUnknownTopic
	case errors.Is(err, inbox.ErrAmbiguousTopic):
		code = protocol.CodeBadRequest
	}
	return &protocol.MonitorError{RequestID: requestID, Code: code, Message: err.Error()}
}

// requestID pulls requestId out of a payload that failed to decode so the
// error can still be correlated.
func requestID(raw json.RawMessage) string {
	var body struct {
		RequestID string `json:"requestId"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &body) != nil {
		return ""
	}
	return body.RequestID
}
