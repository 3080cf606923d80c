// Package inbox holds the per-account raw entities a worker observes
// (content, comments, conversations, direct messages) and projects them
// into the channel → topic → message view served to viewer clients.
//
// Every entity is keyed by (AccountID, platform id). Two accounts may
// observe the same platform id without their data ever mixing.
package inbox

// AccountID identifies a monitored creator account. A Channel has the same
// id as its account.
type AccountID string

// Collection names one of the four raw entity collections.
type Collection string

const (
	CollectionContents      Collection = "contents"
	CollectionComments      Collection = "comments"
	CollectionConversations Collection = "conversations"
	CollectionMessages      Collection = "messages"
)

// Direction of a direct message relative to the monitored account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Entity is implemented by the four raw entity types.
type Entity interface {
	Collection() Collection
	EntityID() string
	Owner() AccountID
}

// Content is a post or video published by the monitored account.
//
// The platform exposes content either by a content hash, a numeric id or
// both. ID is the form the store first saw; AltID holds the other form once
// it is known. Comments may reference either.
type Content struct {
	ID           string    `json:"id"`
	AltID        string    `json:"altId,omitempty"`
	AccountID    AccountID `json:"accountId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	CoverURL     string    `json:"coverUrl,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
	ViewCount    int64     `json:"viewCount"`
	LikeCount    int64     `json:"likeCount"`
	CommentCount int64     `json:"commentCount"`
	ShareCount   int64     `json:"shareCount"`
	PublishTime  int64     `json:"publishTime"`
	CreatedAt    int64     `json:"createdAt"`
	DetectedAt   int64     `json:"detectedAt"`
	IsNew        bool      `json:"isNew"`
}

// Comment is a comment left on one of the account's contents.
type Comment struct {
	ID              string    `json:"id"`
	AccountID       AccountID `json:"accountId"`
	ContentID       string    `json:"contentId"`
	AuthorID        string    `json:"authorId"`
	AuthorName      string    `json:"authorName"`
	AuthorAvatar    string    `json:"authorAvatar,omitempty"`
	Text            string    `json:"content"`
	ParentCommentID string    `json:"parentCommentId,omitempty"`
	LikeCount       int64     `json:"likeCount"`
	ReplyCount      int64     `json:"replyCount"`
	CreateTime      int64     `json:"createTime"`
	CreatedAt       int64     `json:"createdAt"`
	DetectedAt      int64     `json:"detectedAt"`
	IsNew           bool      `json:"isNew"`
	IsHandled       bool      `json:"isHandled"`
}

// Conversation is a direct-message thread with one peer.
type Conversation struct {
	ID              string    `json:"id"`
	AccountID       AccountID `json:"accountId"`
	PeerID          string    `json:"peerId"`
	PeerName        string    `json:"peerName"`
	PeerAvatar      string    `json:"peerAvatar,omitempty"`
	UnreadCount     int       `json:"unreadCount"`
	LastMessageText string    `json:"lastMessageText,omitempty"`
	LastMessageTime int64     `json:"lastMessageTime"`
	CreatedAt       int64     `json:"createdAt"`
	DetectedAt      int64     `json:"detectedAt"`
	IsNew           bool      `json:"isNew"`
}

// DirectMessage is one message inside a Conversation.
type DirectMessage struct {
	ID             string    `json:"id"`
	AccountID      AccountID `json:"accountId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Text           string    `json:"content"`
	MessageType    string    `json:"messageType,omitempty"`
	Direction      Direction `json:"direction"`
	ReplyToID      string    `json:"replyToId,omitempty"`
	CreateTime     int64     `json:"createTime"`
	CreatedAt      int64     `json:"createdAt"`
	DetectedAt     int64     `json:"detectedAt"`
	IsNew          bool      `json:"isNew"`
	IsHandled      bool      `json:"isHandled"`
}

func (c Content) Collection() Collection       { return CollectionContents }
func (c Content) EntityID() string             { return c.ID }
func (c Content) Owner() AccountID             { return c.AccountID }
func (c Comment) Collection() Collection       { return CollectionComments }
func (c Comment) EntityID() string             { return c.ID }
func (c Comment) Owner() AccountID             { return c.AccountID }
func (c Conversation) Collection() Collection  { return CollectionConversations }
func (c Conversation) EntityID() string        { return c.ID }
func (c Conversation) Owner() AccountID        { return c.AccountID }
func (m DirectMessage) Collection() Collection { return CollectionMessages }
func (m DirectMessage) EntityID() string       { return m.ID }
func (m DirectMessage) Owner() AccountID       { return m.AccountID }

// Key is the composite identity of a stored entity.
type Key struct {
	AccountID AccountID
	ID        string
}

// Snapshot is a full point-in-time export of one account's collections.
type Snapshot struct {
	Contents      []Content       `json:"contents"`
	Comments      []Comment       `json:"comments"`
	Conversations []Conversation  `json:"conversations"`
	Messages      []DirectMessage `json:"messages"`
}

// Len returns the total number of entities in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Contents) + len(s.Comments) + len(s.Conversations) + len(s.Messages)
}

// Entities flattens the snapshot in ingestion order: contents,
// conversations, comments, messages.
func (s Snapshot) Entities() []Entity {
	out := make([]Entity, 0, s.Len())
	for i := range s.Contents {
		out = append(out, &s.Contents[i])
	}
	for i := range s.Conversations {
		out = append(out, &s.Conversations[i])
	}
	for i := range s.Comments {
		out = append(out, &s.Comments[i])
	}
	for i := range s.Messages {
		out = append(out, &s.Messages[i])
	}
	return out
}

// AccountInfo is the display metadata of a channel.
type AccountInfo struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// Stats are per-account entity counts reported in worker status batches.
type Stats struct {
	Contents       int `json:"contents"`
	Comments       int `json:"comments"`
	Conversations  int `json:"conversations"`
	Messages       int `json:"messages"`
	NewContents    int `json:"new_contents"`
	NewComments    int `json:"new_comments"`
	UnhandledTotal int `json:"unhandled_total"`
}
