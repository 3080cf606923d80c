package inbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/elonfeng/creatorhub/internal/clock"
)

var (
	ErrMissingID       = errors.New("entity id is required")
	ErrMissingAccount  = errors.New("account id is required")
	ErrAccountMismatch = errors.New("entity belongs to a different account")
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrUnknownTopic    = errors.New("unknown topic")
	ErrAmbiguousTopic  = errors.New("topic id is ambiguous")
	ErrUnsupported     = errors.New("unsupported entity type")
)

// TopicKind tells which collection a topic's messages come from.
type TopicKind int

const (
	// TopicAny matches a topic of either kind.
	TopicAny TopicKind = iota
	TopicComments
	TopicConversation
)

// TopicKindOf maps a viewer's isPrivate hint to a kind; nil means either.
func TopicKindOf(isPrivate *bool) TopicKind {
	switch {
	case isPrivate == nil:
		return TopicAny
	case *isPrivate:
		return TopicConversation
	default:
		return TopicComments
	}
}

// topicKey identifies a topic. Content and conversation ids come from
// different platform namespaces and may collide.
type topicKey struct {
	kind TopicKind
	id   string
}

// UpsertResult describes the effect of one Upsert.
type UpsertResult struct {
	Collection Collection
	Key        Key
	// Inserted is true when no entity with this key existed before.
	Inserted bool
	// Changed is true when an existing entity's stored fields changed.
	Changed bool
}

// Store is the in-memory AccountDataStore. All mutation goes through
// Upsert (and the read-state helpers); each account has its own lock so a
// projection is always computed against one consistent view of that
// account.
type Store struct {
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	accounts map[AccountID]*accountData
}

type accountData struct {
	mu   sync.RWMutex
	info AccountInfo

	contents      map[string]*Content
	contentAlias  map[string]string
	comments      map[string]*Comment
	conversations map[string]*Conversation
	messages      map[string]*DirectMessage
	topics        map[topicKey]struct{}
}

func newAccountData() *accountData {
	return &accountData{
		contents:      make(map[string]*Content),
		contentAlias:  make(map[string]string),
		comments:      make(map[string]*Comment),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*DirectMessage),
		topics:        make(map[topicKey]struct{}),
	}
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger, clk clock.Clock) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		logger:   logger,
		clock:    clk,
		accounts: make(map[AccountID]*accountData),
	}
}

func (s *Store) account(id AccountID, create bool) *accountData {
	s.mu.RLock()
	acc, ok := s.accounts[id]
	s.mu.RUnlock()
	if ok || !create {
		return acc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok = s.accounts[id]; ok {
		return acc
	}
	acc = newAccountData()
	s.accounts[id] = acc
	return acc
}

// SetAccount registers an account (channel) and its display metadata. A
// registered account is listed by ProjectChannels even before any data
// arrives.
func (s *Store) SetAccount(id AccountID, info AccountInfo) {
	acc := s.account(id, true)
	acc.mu.Lock()
	acc.info = info
	acc.mu.Unlock()
}

// RemoveAccount drops an account and all of its entities.
func (s *Store) RemoveAccount(id AccountID) {
	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()
}

// Accounts returns the known account ids in sorted order.
func (s *Store) Accounts() []AccountID {
	s.mu.RLock()
	ids := make([]AccountID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasData reports whether any entity is stored for the account.
func (s *Store) HasData(id AccountID) bool {
	acc := s.account(id, false)
	if acc == nil {
		return false
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	return len(acc.contents)+len(acc.comments)+len(acc.conversations)+len(acc.messages) > 0
}

// Upsert inserts or updates entity under accountID. It is the single point
// where timestamps are normalized to milliseconds. Upserting the same
// (accountID, id) any number of times yields one entity whose first-seen
// CreatedAt and IsNew are preserved.
func (s *Store) Upsert(accountID AccountID, entity Entity) (UpsertResult, error) {
	return s.upsert(accountID, entity, false)
}

// Restore inserts entity exactly as given (flags included) after
// normalization. It is used to reload persisted state, where the entities
// are not new to this pipeline.
func (s *Store) Restore(accountID AccountID, entity Entity) (UpsertResult, error) {
	return s.upsert(accountID, entity, true)
}

func (s *Store) upsert(accountID AccountID, entity Entity, restore bool) (UpsertResult, error) {
	if accountID == "" {
		return UpsertResult{}, ErrMissingAccount
	}
	if entity == nil {
		return UpsertResult{}, ErrUnsupported
	}
	if owner := entity.Owner(); owner != "" && owner != accountID {
		return UpsertResult{}, fmt.Errorf("%w: %s entity %s owned by %s, upserted into %s",
			ErrAccountMismatch, entity.Collection(), entity.EntityID(), owner, accountID)
	}

	acc := s.account(accountID, true)
	now := s.clock.Now().UnixMilli()

	acc.mu.Lock()
	defer acc.mu.Unlock()

	switch e := entity.(type) {
	case *Content:
		return s.upsertContent(acc, accountID, *e, now, restore)
	case Content:
		return s.upsertContent(acc, accountID, e, now, restore)
	case *Comment:
		return s.upsertComment(acc, accountID, *e, now, restore)
	case Comment:
		return s.upsertComment(acc, accountID, e, now, restore)
	case *Conversation:
		return s.upsertConversation(acc, accountID, *e, now, restore)
	case Conversation:
		return s.upsertConversation(acc, accountID, e, now, restore)
	case *DirectMessage:
		return s.upsertMessage(acc, accountID, *e, now, restore)
	case DirectMessage:
		return s.upsertMessage(acc, accountID, e, now, restore)
	default:
		return UpsertResult{}, fmt.Errorf("%w: %T", ErrUnsupported, entity)
	}
}

// millis normalizes one timestamp field. Non-normalizable values are a
// data-level failure: logged and replaced by fallback, never fatal.
func (s *Store) millis(accountID AccountID, collection Collection, id, field string, v, fallback int64) int64 {
	ms, err := NormalizeMillis(v)
	if err != nil {
		s.logger.Warn("replacing invalid timestamp",
			"account_id", accountID,
			"collection", collection,
			"id", id,
			"field", field,
			"value", v,
		)
		return fallback
	}
	return ms
}

func (s *Store) upsertContent(acc *accountData, accountID AccountID, c Content, now int64, restore bool) (UpsertResult, error) {
	if c.ID == "" {
		c.ID, c.AltID = c.AltID, ""
	}
	if c.ID == "" {
		return UpsertResult{}, ErrMissingID
	}
	if c.AltID == c.ID {
		c.AltID = ""
	}
	c.AccountID = accountID
	c.PublishTime = s.millis(accountID, CollectionContents, c.ID, "publishTime", c.PublishTime, 0)
	c.DetectedAt = s.millis(accountID, CollectionContents, c.ID, "detectedAt", c.DetectedAt, now)
	if c.DetectedAt == 0 {
		c.DetectedAt = now
	}
	c.CreatedAt = s.millis(accountID, CollectionContents, c.ID, "createdAt", c.CreatedAt, 0)

	canonical, other := acc.resolveContent(c.ID), acc.resolveContent(c.AltID)
	if canonical != "" && other != "" && canonical != other {
		s.logger.Warn("merging content records linked by a second id",
			"account_id", accountID, "id", c.ID, "alt_id", c.AltID,
			"kept", canonical, "merged", other)
		acc.mergeContent(canonical, other)
	}
	if canonical == "" {
		canonical = other
	}

	result := UpsertResult{Collection: CollectionContents, Key: Key{AccountID: accountID, ID: c.ID}}
	existing, ok := acc.contents[canonical]
	if !ok {
		if !restore {
			c.IsNew = true
		}
		if c.CreatedAt == 0 {
			c.CreatedAt = now
		}
		stored := c
		acc.contents[stored.ID] = &stored
		acc.alias(stored.ID, stored.ID)
		acc.alias(stored.AltID, stored.ID)
		acc.registerTopic(stored.ID, TopicComments)
		result.Inserted = true
		return result, nil
	}

	result.Key.ID = existing.ID
	updated := *existing
	// Both id forms are kept: whichever incoming id is not the canonical
	// one becomes AltID when AltID is still empty.
	for _, id := range []string{c.ID, c.AltID} {
		if id != "" && id != updated.ID && updated.AltID == "" {
			updated.AltID = id
		}
		if id != "" && id != updated.ID && id != updated.AltID {
			s.logger.Warn("content seen with a third id form",
				"account_id", accountID, "id", updated.ID, "alt_id", updated.AltID, "extra_id", id)
		}
	}
	updated.Title = c.Title
	updated.Description = c.Description
	updated.CoverURL = c.CoverURL
	updated.ContentType = c.ContentType
	updated.ViewCount = c.ViewCount
	updated.LikeCount = c.LikeCount
	updated.CommentCount = c.CommentCount
	updated.ShareCount = c.ShareCount
	if c.PublishTime != 0 {
		updated.PublishTime = c.PublishTime
	}
	updated.DetectedAt = c.DetectedAt

	result.Changed = contentChanged(*existing, updated)
	*existing = updated
	acc.alias(c.ID, existing.ID)
	acc.alias(c.AltID, existing.ID)
	return result, nil
}

func contentChanged(a, b Content) bool {
	a.DetectedAt, b.DetectedAt = 0, 0
	return a != b
}

func (s *Store) upsertComment(acc *accountData, accountID AccountID, c Comment, now int64, restore bool) (UpsertResult, error) {
	if c.ID == "" {
		return UpsertResult{}, ErrMissingID
	}
	c.AccountID = accountID
	c.ParentCommentID = replyToField(c.ParentCommentID)
	c.CreateTime = s.millis(accountID, CollectionComments, c.ID, "createTime", c.CreateTime, now)
	c.DetectedAt = s.millis(accountID, CollectionComments, c.ID, "detectedAt", c.DetectedAt, now)
	if c.DetectedAt == 0 {
		c.DetectedAt = now
	}
	c.CreatedAt = s.millis(accountID, CollectionComments, c.ID, "createdAt", c.CreatedAt, 0)

	result := UpsertResult{Collection: CollectionComments, Key: Key{AccountID: accountID, ID: c.ID}}
	existing, ok := acc.comments[c.ID]
	if !ok {
		if !restore {
			c.IsNew = true
		}
		if c.CreatedAt == 0 {
			c.CreatedAt = now
		}
		stored := c
		acc.comments[c.ID] = &stored
		if c.ContentID != "" {
			acc.registerTopic(acc.contentTopic(c.ContentID), TopicComments)
		}
		result.Inserted = true
		return result, nil
	}

	if existing.ContentID != "" && c.ContentID != "" &&
		acc.contentTopic(existing.ContentID) != acc.contentTopic(c.ContentID) {
		s.logger.Warn("comment re-observed under a different content, last write wins",
			"account_id", accountID, "id", c.ID,
			"previous_content", existing.ContentID, "content", c.ContentID)
	}

	updated := c
	updated.CreatedAt = existing.CreatedAt
	updated.IsNew = existing.IsNew
	updated.IsHandled = existing.IsHandled || c.IsHandled
	if updated.ContentID == "" {
		updated.ContentID = existing.ContentID
	}
	if c.CreateTime == 0 {
		updated.CreateTime = existing.CreateTime
	}

	a, b := *existing, updated
	a.DetectedAt, b.DetectedAt = 0, 0
	result.Changed = a != b
	*existing = updated
	if updated.ContentID != "" {
		acc.registerTopic(acc.contentTopic(updated.ContentID), TopicComments)
	}
	return result, nil
}

func (s *Store) upsertConversation(acc *accountData, accountID AccountID, c Conversation, now int64, restore bool) (UpsertResult, error) {
	if c.ID == "" {
		return UpsertResult{}, ErrMissingID
	}
	c.AccountID = accountID
	c.LastMessageTime = s.millis(accountID, CollectionConversations, c.ID, "lastMessageTime", c.LastMessageTime, 0)
	c.DetectedAt = s.millis(accountID, CollectionConversations, c.ID, "detectedAt", c.DetectedAt, now)
	if c.DetectedAt == 0 {
		c.DetectedAt = now
	}
	c.CreatedAt = s.millis(accountID, CollectionConversations, c.ID, "createdAt", c.CreatedAt, 0)

	result := UpsertResult{Collection: CollectionConversations, Key: Key{AccountID: accountID, ID: c.ID}}
	existing, ok := acc.conversations[c.ID]
	if !ok {
		if !restore {
			c.IsNew = true
		}
		if c.CreatedAt == 0 {
			c.CreatedAt = now
		}
		stored := c
		acc.conversations[c.ID] = &stored
		acc.registerTopic(c.ID, TopicConversation)
		result.Inserted = true
		return result, nil
	}

	updated := c
	updated.CreatedAt = existing.CreatedAt
	updated.IsNew = existing.IsNew
	if updated.PeerName == "" {
		updated.PeerName = existing.PeerName
	}
	if updated.LastMessageTime < existing.LastMessageTime {
		updated.LastMessageTime = existing.LastMessageTime
		updated.LastMessageText = existing.LastMessageText
	}
	a, b := *existing, updated
	a.DetectedAt, b.DetectedAt = 0, 0
	result.Changed = a != b
	*existing = updated
	return result, nil
}

func (s *Store) upsertMessage(acc *accountData, accountID AccountID, m DirectMessage, now int64, restore bool) (UpsertResult, error) {
	if m.ID == "" {
		return UpsertResult{}, ErrMissingID
	}
	if m.ConversationID == "" {
		return UpsertResult{}, fmt.Errorf("direct message %s: conversation id is required", m.ID)
	}
	m.AccountID = accountID
	m.ReplyToID = replyToField(m.ReplyToID)
	if m.Direction == "" {
		m.Direction = DirectionInbound
	}
	m.CreateTime = s.millis(accountID, CollectionMessages, m.ID, "createTime", m.CreateTime, now)
	m.DetectedAt = s.millis(accountID, CollectionMessages, m.ID, "detectedAt", m.DetectedAt, now)
	if m.DetectedAt == 0 {
		m.DetectedAt = now
	}
	m.CreatedAt = s.millis(accountID, CollectionMessages, m.ID, "createdAt", m.CreatedAt, 0)

	result := UpsertResult{Collection: CollectionMessages, Key: Key{AccountID: accountID, ID: m.ID}}
	existing, ok := acc.messages[m.ID]
	if !ok {
		if !restore {
			m.IsNew = true
			// The account's own messages never count as unread.
			if m.Direction == DirectionOutbound {
				m.IsHandled = true
			}
		}
		if m.CreatedAt == 0 {
			m.CreatedAt = now
		}
		stored := m
		acc.messages[m.ID] = &stored
		acc.registerTopic(m.ConversationID, TopicConversation)
		result.Inserted = true
		return result, nil
	}

	if existing.ConversationID != m.ConversationID {
		s.logger.Warn("direct message re-observed in a different conversation, last write wins",
			"account_id", accountID, "id", m.ID,
			"previous_conversation", existing.ConversationID, "conversation", m.ConversationID)
		acc.registerTopic(m.ConversationID, TopicConversation)
	}

	updated := m
	updated.CreatedAt = existing.CreatedAt
	updated.IsNew = existing.IsNew
	updated.IsHandled = existing.IsHandled || m.IsHandled
	if m.CreateTime == 0 {
		updated.CreateTime = existing.CreateTime
	}
	a, b := *existing, updated
	a.DetectedAt, b.DetectedAt = 0, 0
	result.Changed = a != b
	*existing = updated
	return result, nil
}

// ApplySnapshot upserts every entity of snap and returns the results in
// ingestion order (contents, conversations, comments, messages). Entity
// errors are collected; the rest of the snapshot is still applied.
func (s *Store) ApplySnapshot(accountID AccountID, snap Snapshot) ([]UpsertResult, error) {
	return s.applySnapshot(accountID, snap, s.Upsert)
}

// RestoreSnapshot is ApplySnapshot using Restore semantics.
func (s *Store) RestoreSnapshot(accountID AccountID, snap Snapshot) ([]UpsertResult, error) {
	return s.applySnapshot(accountID, snap, s.Restore)
}

func (s *Store) applySnapshot(accountID AccountID, snap Snapshot, apply func(AccountID, Entity) (UpsertResult, error)) ([]UpsertResult, error) {
	results := make([]UpsertResult, 0, snap.Len())
	var errs []error
	for _, e := range snap.Entities() {
		r, err := apply(accountID, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

// Get returns a copy of the stored entity identified by key.
func (s *Store) Get(collection Collection, key Key) (Entity, bool) {
	acc := s.account(key.AccountID, false)
	if acc == nil {
		return nil, false
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	switch collection {
	case CollectionContents:
		if c, ok := acc.contents[acc.resolveContent(key.ID)]; ok {
			cp := *c
			return &cp, true
		}
	case CollectionComments:
		if c, ok := acc.comments[key.ID]; ok {
			cp := *c
			return &cp, true
		}
	case CollectionConversations:
		if c, ok := acc.conversations[key.ID]; ok {
			cp := *c
			return &cp, true
		}
	case CollectionMessages:
		if m, ok := acc.messages[key.ID]; ok {
			cp := *m
			return &cp, true
		}
	}
	return nil, false
}

// Snapshot exports the account's four collections. Entities are copied
// under the account's read lock, sorted by id.
func (s *Store) Snapshot(accountID AccountID) Snapshot {
	acc := s.account(accountID, false)
	snap := Snapshot{
		Contents:      []Content{},
		Comments:      []Comment{},
		Conversations: []Conversation{},
		Messages:      []DirectMessage{},
	}
	if acc == nil {
		return snap
	}

	acc.mu.RLock()
	for _, c := range acc.contents {
		snap.Contents = append(snap.Contents, *c)
	}
	for _, c := range acc.comments {
		snap.Comments = append(snap.Comments, *c)
	}
	for _, c := range acc.conversations {
		snap.Conversations = append(snap.Conversations, *c)
	}
	for _, m := range acc.messages {
		snap.Messages = append(snap.Messages, *m)
	}
	acc.mu.RUnlock()

	sort.Slice(snap.Contents, func(i, j int) bool { return snap.Contents[i].ID < snap.Contents[j].ID })
	sort.Slice(snap.Comments, func(i, j int) bool { return snap.Comments[i].ID < snap.Comments[j].ID })
	sort.Slice(snap.Conversations, func(i, j int) bool { return snap.Conversations[i].ID < snap.Conversations[j].ID })
	sort.Slice(snap.Messages, func(i, j int) bool { return snap.Messages[i].ID < snap.Messages[j].ID })
	return snap
}

// ClearNewFlags clears IsNew on every entity of the account and returns
// how many flags were cleared.
func (s *Store) ClearNewFlags(accountID AccountID) int {
	acc := s.account(accountID, false)
	if acc == nil {
		return 0
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	n := 0
	for _, c := range acc.contents {
		if c.IsNew {
			c.IsNew = false
			n++
		}
	}
	for _, c := range acc.comments {
		if c.IsNew {
			c.IsNew = false
			n++
		}
	}
	for _, c := range acc.conversations {
		if c.IsNew {
			c.IsNew = false
			n++
		}
	}
	for _, m := range acc.messages {
		if m.IsNew {
			m.IsNew = false
			n++
		}
	}
	return n
}

// ClearSentNewFlags clears IsNew only on the entities snap announced as
// new, so items inserted after snap was taken keep their flag for the next
// snapshot. It returns how many flags it cleared.
func (s *Store) ClearSentNewFlags(accountID AccountID, snap Snapshot) int {
	acc := s.account(accountID, false)
	if acc == nil {
		return 0
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	n := 0
	unset := func(isNew *bool) {
		if *isNew {
			*isNew = false
			n++
		}
	}
	for _, c := range snap.Contents {
		if e, ok := acc.contents[acc.resolveContent(c.ID)]; ok && c.IsNew {
			unset(&e.IsNew)
		}
	}
	for _, c := range snap.Comments {
		if e, ok := acc.comments[c.ID]; ok && c.IsNew {
			unset(&e.IsNew)
		}
	}
	for _, c := range snap.Conversations {
		if e, ok := acc.conversations[c.ID]; ok && c.IsNew {
			unset(&e.IsNew)
		}
	}
	for _, m := range snap.Messages {
		if e, ok := acc.messages[m.ID]; ok && m.IsNew {
			unset(&e.IsNew)
		}
	}
	return n
}

// MarkHandled sets IsHandled on messages of one topic. An empty ids list
// applies to every message of the topic. Ids that do not belong to the
// topic are ignored. It returns how many messages changed.
func (s *Store) MarkHandled(accountID AccountID, topicID string, ids []string, handled bool) (int, error) {
	return s.MarkTopicHandled(accountID, topicID, TopicAny, ids, handled)
}

// MarkTopicHandled is MarkHandled restricted to topics of kind. With
// TopicAny a topic id shared by a comment thread and a conversation fails
// with ErrAmbiguousTopic.
func (s *Store) MarkTopicHandled(accountID AccountID, topicID string, kind TopicKind, ids []string, handled bool) (int, error) {
	acc := s.account(accountID, false)
	if acc == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, accountID)
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	kind, resolved, err := acc.lookupTopic(topicID, kind)
	if err != nil {
		return 0, fmt.Errorf("%w: %s/%s", err, accountID, topicID)
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	changed := 0
	switch kind {
	case TopicComments:
		for _, c := range acc.comments {
			if acc.contentTopic(c.ContentID) != resolved {
				continue
			}
			if len(wanted) > 0 && !wanted[c.ID] {
				continue
			}
			if c.IsHandled != handled {
				c.IsHandled = handled
				changed++
			}
		}
	case TopicConversation:
		for _, m := range acc.messages {
			if m.ConversationID != resolved {
				continue
			}
			if len(wanted) > 0 && !wanted[m.ID] {
				continue
			}
			if m.IsHandled != handled {
				m.IsHandled = handled
				changed++
			}
		}
	}
	return changed, nil
}

// Stats returns entity counts for the account.
func (s *Store) Stats(accountID AccountID) Stats {
	acc := s.account(accountID, false)
	if acc == nil {
		return Stats{}
	}
	acc.mu.RLock()
	defer acc.mu.RUnlock()
	st := Stats{
		Contents:      len(acc.contents),
		Comments:      len(acc.comments),
		Conversations: len(acc.conversations),
		Messages:      len(acc.messages),
	}
	for _, c := range acc.contents {
		if c.IsNew {
			st.NewContents++
		}
	}
	for _, c := range acc.comments {
		if c.IsNew {
			st.NewComments++
		}
		if !c.IsHandled {
			st.UnhandledTotal++
		}
	}
	for _, m := range acc.messages {
		if !m.IsHandled {
			st.UnhandledTotal++
		}
	}
	return st
}

// LocateTopic finds the single account that owns topicID. It fails with
// ErrAmbiguousTopic when several accounts have a topic with that id, so a
// caller that does not know the channel can never read another account's
// thread by accident.
func (s *Store) LocateTopic(topicID string) (AccountID, error) {
	var found []AccountID
	for _, id := range s.Accounts() {
		acc := s.account(id, false)
		if acc == nil {
			continue
		}
		acc.mu.RLock()
		_, _, err := acc.lookupTopic(topicID, TopicAny)
		acc.mu.RUnlock()
		if err == nil || errors.Is(err, ErrAmbiguousTopic) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrUnknownTopic, topicID)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousTopic, topicID)
	}
}

// alias records that id refers to the canonical content id.
func (a *accountData) alias(id, canonical string) {
	if id != "" {
		a.contentAlias[id] = canonical
	}
}

// resolveContent returns the canonical content id for either id form, or
// "" when the id is unknown.
func (a *accountData) resolveContent(id string) string {
	if id == "" {
		return ""
	}
	return a.contentAlias[id]
}

// contentTopic is the topic id of the comment thread referenced by id:
// the canonical content id when known, the raw id otherwise.
func (a *accountData) contentTopic(id string) string {
	if canonical := a.resolveContent(id); canonical != "" {
		return canonical
	}
	return id
}

// registerTopic records that a topic of kind exists under id.
func (a *accountData) registerTopic(id string, kind TopicKind) {
	if id == "" {
		return
	}
	a.topics[topicKey{kind: kind, id: id}] = struct{}{}
}

// lookupTopic resolves a topic id (either content id form, or a
// conversation id) through the registry. want narrows the search to one
// kind; with TopicAny an id registered as both kinds is ambiguous.
func (a *accountData) lookupTopic(id string, want TopicKind) (TopicKind, string, error) {
	var (
		kind     TopicKind
		resolved string
		hits     int
	)
	if want != TopicConversation {
		if canonical := a.contentTopic(id); canonical != "" {
			if _, ok := a.topics[topicKey{kind: TopicComments, id: canonical}]; ok {
				kind, resolved = TopicComments, canonical
				hits++
			}
		}
	}
	if want != TopicComments {
		if _, ok := a.topics[topicKey{kind: TopicConversation, id: id}]; ok {
			kind, resolved = TopicConversation, id
			hits++
		}
	}
	switch hits {
	case 0:
		return 0, "", ErrUnknownTopic
	case 1:
		return kind, resolved, nil
	default:
		return 0, "", ErrAmbiguousTopic
	}
}

// mergeContent folds the record stored under from into into. Comments keep
// their raw ContentID and resolve through the alias table.
func (a *accountData) mergeContent(into, from string) {
	keep, drop := a.contents[into], a.contents[from]
	if keep == nil || drop == nil {
		return
	}
	if drop.CreatedAt != 0 && (keep.CreatedAt == 0 || drop.CreatedAt < keep.CreatedAt) {
		keep.CreatedAt = drop.CreatedAt
	}
	if keep.AltID == "" {
		keep.AltID = drop.ID
	}
	for id, canonical := range a.contentAlias {
		if canonical == from {
			a.contentAlias[id] = into
		}
	}
	delete(a.contents, from)
	delete(a.topics, topicKey{kind: TopicComments, id: from})
	a.registerTopic(into, TopicComments)
}
