package inbox

import (
	"fmt"
	"sort"
)

// Message categories.
const (
	CategoryComment = "comment"
	CategoryPrivate = "private"
)

const titleMaxRunes = 50

// Channel is the per-account grouping served to viewers.
type Channel struct {
	ID              AccountID `json:"id"`
	Name            string    `json:"name"`
	Platform        string    `json:"platform,omitempty"`
	UnreadCount     int       `json:"unreadCount"`
	MessageCount    int       `json:"messageCount"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime int64     `json:"lastMessageTime"`
}

// Topic is a comment thread (one content) or a direct-message thread (one
// conversation).
type Topic struct {
	ID              string    `json:"id"`
	ChannelID       AccountID `json:"channelId"`
	IsPrivate       bool      `json:"isPrivate"`
	Title           string    `json:"title"`
	MessageCount    int       `json:"messageCount"`
	UnreadCount     int       `json:"unreadCount"`
	LastMessageTime int64     `json:"lastMessageTime"`

	lastMessage   string
	lastMessageID string
}

// Message is one comment or direct message in viewer form. ReplyToID is
// nil for top-level items and encodes as JSON null.
type Message struct {
	ID              string    `json:"id"`
	TopicID         string    `json:"topicId"`
	ChannelID       AccountID `json:"channelId"`
	FromID          string    `json:"fromId"`
	FromName        string    `json:"fromName"`
	Content         string    `json:"content"`
	Type            string    `json:"type"`
	Timestamp       int64     `json:"timestamp"`
	ReplyToID       *string   `json:"replyToId"`
	MessageCategory string    `json:"messageCategory"`
	IsHandled       bool      `json:"isHandled"`
}

// ProjectChannels returns one channel per known account, sorted by most
// recent activity and then id. Each channel's aggregates come from a single
// pass over that account's topics, taken under the account's read lock.
func (s *Store) ProjectChannels() []Channel {
	ids := s.Accounts()
	channels := make([]Channel, 0, len(ids))
	for _, id := range ids {
		acc := s.account(id, false)
		if acc == nil {
			continue
		}
		acc.mu.RLock()
		topics := acc.projectTopics(id)
		ch := Channel{ID: id, Name: acc.info.Name, Platform: acc.info.Platform}
		acc.mu.RUnlock()

		if ch.Name == "" {
			ch.Name = string(id)
		}
		for _, t := range topics {
			ch.MessageCount += t.MessageCount
			ch.UnreadCount += t.UnreadCount
			if t.LastMessageTime > ch.LastMessageTime {
				ch.LastMessageTime = t.LastMessageTime
				ch.LastMessage = t.lastMessage
			}
		}
		channels = append(channels, ch)
	}
	sort.SliceStable(channels, func(i, j int) bool {
		if channels[i].LastMessageTime != channels[j].LastMessageTime {
			return channels[i].LastMessageTime > channels[j].LastMessageTime
		}
		return channels[i].ID < channels[j].ID
	})
	return channels
}

// ProjectChannel returns the single channel for accountID.
func (s *Store) ProjectChannel(accountID AccountID) (Channel, error) {
	for _, ch := range s.ProjectChannels() {
		if ch.ID == accountID {
			return ch, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, accountID)
}

// ProjectTopics returns the topics of one channel, most recent first.
func (s *Store) ProjectTopics(accountID AccountID) ([]Topic, error) {
	acc := s.account(accountID, false)
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, accountID)
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return acc.projectTopics(accountID), nil
}

// ProjectMessages returns the messages of one topic in thread order
// (timestamp ascending, then id). With an empty accountID the topic is
// located across all channels and must be unambiguous.
func (s *Store) ProjectMessages(accountID AccountID, topicID string) ([]Message, error) {
	return s.ProjectTopicMessages(accountID, topicID, TopicAny)
}

// ProjectTopicMessages is ProjectMessages restricted to topics of kind, for
// a topic id that names both a comment thread and a conversation.
func (s *Store) ProjectTopicMessages(accountID AccountID, topicID string, kind TopicKind) ([]Message, error) {
	if accountID == "" {
		located, err := s.LocateTopic(topicID)
		if err != nil {
			return nil, err
		}
		accountID = located
	}
	acc := s.account(accountID, false)
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, accountID)
	}

	acc.mu.RLock()
	defer acc.mu.RUnlock()

	kind, resolved, err := acc.lookupTopic(topicID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", err, accountID, topicID)
	}
	var msgs []Message
	switch kind {
	case TopicComments:
		msgs = acc.commentMessages(accountID, resolved)
	case TopicConversation:
		msgs = acc.directMessages(accountID, resolved)
	}
	sortMessages(msgs)
	return msgs, nil
}

func (a *accountData) projectTopics(accountID AccountID) []Topic {
	type topicKey struct {
		id      string
		private bool
	}
	byID := make(map[topicKey]*Topic)
	get := func(id string, private bool) *Topic {
		k := topicKey{id: id, private: private}
		t, ok := byID[k]
		if !ok {
			t = &Topic{ID: id, ChannelID: accountID, IsPrivate: private}
			byID[k] = t
		}
		return t
	}

	for _, c := range a.comments {
		if c.ContentID == "" {
			continue
		}
		t := get(a.contentTopic(c.ContentID), false)
		t.add(c.ID, messageTime(c.CreateTime, c.DetectedAt), c.Text, c.IsHandled)
	}
	for _, t := range byID {
		t.Title = a.contentTitle(t.ID)
	}

	for _, c := range a.conversations {
		t := get(c.ID, true)
		t.Title = conversationTitle(c)
	}
	for _, m := range a.messages {
		t := get(m.ConversationID, true)
		t.add(m.ID, messageTime(m.CreateTime, m.DetectedAt), m.Text, m.IsHandled)
		if t.Title == "" {
			t.Title = m.ConversationID
		}
	}

	topics := make([]Topic, 0, len(byID))
	for _, t := range byID {
		topics = append(topics, *t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].LastMessageTime != topics[j].LastMessageTime {
			return topics[i].LastMessageTime > topics[j].LastMessageTime
		}
		if topics[i].ID != topics[j].ID {
			return topics[i].ID < topics[j].ID
		}
		return !topics[i].IsPrivate
	})
	return topics
}

func (t *Topic) add(id string, ts int64, text string, handled bool) {
	t.MessageCount++
	if !handled {
		t.UnreadCount++
	}
	if ts > t.LastMessageTime || (ts == t.LastMessageTime && id > t.lastMessageID) {
		t.LastMessageTime = ts
		t.lastMessage = text
		t.lastMessageID = id
	}
}

func (a *accountData) contentTitle(topicID string) string {
	c, ok := a.contents[topicID]
	if !ok {
		return topicID
	}
	if c.Title != "" {
		return c.Title
	}
	if c.Description != "" {
		return truncateRunes(c.Description, titleMaxRunes)
	}
	return c.ID
}

func conversationTitle(c *Conversation) string {
	if c.PeerName != "" {
		return c.PeerName
	}
	if c.PeerID != "" {
		return c.PeerID
	}
	return c.ID
}

func (a *accountData) commentMessages(accountID AccountID, topicID string) []Message {
	msgs := []Message{}
	for _, c := range a.comments {
		if c.ContentID == "" || a.contentTopic(c.ContentID) != topicID {
			continue
		}
		msgs = append(msgs, CommentMessage(accountID, topicID, *c))
	}
	return msgs
}

func (a *accountData) directMessages(accountID AccountID, topicID string) []Message {
	msgs := []Message{}
	for _, m := range a.messages {
		if m.ConversationID == topicID {
			msgs = append(msgs, DirectMessageView(accountID, *m))
		}
	}
	return msgs
}

// CommentMessage converts one stored comment to viewer form. It is used
// for live pushes of a single newly detected item.
func CommentMessage(accountID AccountID, topicID string, c Comment) Message {
	return Message{
		ID:              c.ID,
		TopicID:         topicID,
		ChannelID:       accountID,
		FromID:          c.AuthorID,
		FromName:        c.AuthorName,
		Content:         c.Text,
		Type:            "text",
		Timestamp:       messageTime(c.CreateTime, c.DetectedAt),
		ReplyToID:       NormalizeReplyTo(c.ParentCommentID),
		MessageCategory: CategoryComment,
		IsHandled:       c.IsHandled,
	}
}

// DirectMessageView converts one stored direct message to viewer form.
func DirectMessageView(accountID AccountID, m DirectMessage) Message {
	typ := m.MessageType
	if typ == "" {
		typ = "text"
	}
	return Message{
		ID:              m.ID,
		TopicID:         m.ConversationID,
		ChannelID:       accountID,
		FromID:          m.SenderID,
		FromName:        m.SenderName,
		Content:         m.Text,
		Type:            typ,
		Timestamp:       messageTime(m.CreateTime, m.DetectedAt),
		ReplyToID:       NormalizeReplyTo(m.ReplyToID),
		MessageCategory: CategoryPrivate,
		IsHandled:       m.IsHandled,
	}
}

// ResolveContentTopic returns the topic id a comment referencing contentID
// belongs to in accountID's channel.
func (s *Store) ResolveContentTopic(accountID AccountID, contentID string) string {
	acc := s.account(accountID, false)
	if acc == nil {
		return contentID
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return acc.contentTopic(contentID)
}

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func messageTime(created, detected int64) int64 {
	if created != 0 {
		return created
	}
	return detected
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
