package inbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func findTopic(t *testing.T, topics []Topic, id string) Topic {
	t.Helper()
	for _, tp := range topics {
		if tp.ID == id {
			return tp
		}
	}
	t.Fatalf("topic %q not in %+v", id, topics)
	return Topic{}
}

func TestCommentThreadUnreadCount(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	mustUpsert(t, s, "acc-1", &Content{ID: "C1", Title: "launch video"})
	for i, id := range []string{"cm-1", "cm-2", "cm-3"} {
		mustUpsert(t, s, "acc-1", &Comment{ID: id, ContentID: "C1", Text: "c", CreateTime: int64(1_700_000_000_000 + i)})
	}
	if _, err := s.MarkHandled("acc-1", "C1", []string{"cm-1", "cm-2"}, true); err != nil {
		t.Fatal(err)
	}

	topics, err := s.ProjectTopics("acc-1")
	if err != nil {
		t.Fatal(err)
	}
	c1 := findTopic(t, topics, "C1")
	if c1.MessageCount != 3 || c1.UnreadCount != 1 {
		t.Errorf("C1 = (messageCount %d, unreadCount %d), want (3, 1)", c1.MessageCount, c1.UnreadCount)
	}

	// Re-observing comment #1 is a dedup, not a new message.
	mustUpsert(t, s, "acc-1", &Comment{ID: "cm-1", ContentID: "C1", Text: "c", CreateTime: 1_700_000_000_000})
	topics, _ = s.ProjectTopics("acc-1")
	c1 = findTopic(t, topics, "C1")
	if c1.MessageCount != 3 || c1.UnreadCount != 1 {
		t.Errorf("after dedup C1 = (messageCount %d, unreadCount %d), want (3, 1)", c1.MessageCount, c1.UnreadCount)
	}
}

func TestUnreadCountIgnoresIsNew(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	mustUpsert(t, s, "acc-1", &Comment{ID: "cm", ContentID: "C1"})
	s.ClearNewFlags("acc-1")

	topics, _ := s.ProjectTopics("acc-1")
	if got := findTopic(t, topics, "C1").UnreadCount; got != 1 {
		t.Errorf("UnreadCount after ClearNewFlags = %d, want 1", got)
	}
}

func TestTopicListing(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	mustUpsert(t, s, "acc-1", &Content{ID: "no-comments", Title: "quiet"})
	mustUpsert(t, s, "acc-1", &Conversation{ID: "conv-empty", PeerName: "Ann"})
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "m", ConversationID: "conv-implicit"})

	topics, err := s.ProjectTopics("acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(topics) != 2 {
		t.Fatalf("topics = %+v, want conv-empty and conv-implicit", topics)
	}
	empty := findTopic(t, topics, "conv-empty")
	if !empty.IsPrivate || empty.MessageCount != 0 || empty.Title != "Ann" {
		t.Errorf("conv-empty = %+v", empty)
	}
	if !findTopic(t, topics, "conv-implicit").IsPrivate {
		t.Error("conv-implicit IsPrivate = false")
	}
}

func TestReplyToIDNeverSentinel(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	for i, parent := range []string{"", "0", "null", "undefined", " 0 ", "cm-0"} {
		mustUpsert(t, s, "acc-1", &Comment{ID: fmt.Sprintf("cm-%d", i+1), ContentID: "C1", ParentCommentID: parent})
	}
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "m-1", ConversationID: "conv", ReplyToID: "0"})

	comments, err := s.ProjectMessages("acc-1", "C1")
	if err != nil {
		t.Fatal(err)
	}
	dms, err := s.ProjectMessages("acc-1", "conv")
	if err != nil {
		t.Fatal(err)
	}
	replies := 0
	for _, m := range append(comments, dms...) {
		if m.ReplyToID == nil {
			continue
		}
		if *m.ReplyToID == "" || *m.ReplyToID == "0" {
			t.Errorf("message %s ReplyToID = %q", m.ID, *m.ReplyToID)
		}
		replies++
	}
	if replies != 1 {
		t.Errorf("replies = %d, want 1", replies)
	}

	data, _ := json.Marshal(dms[0])
	if !bytes.Contains(data, []byte(`"replyToId":null`)) {
		t.Errorf("JSON %s does not encode replyToId as null", data)
	}
}

func TestMessagesSortedAscending(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "b", ConversationID: "conv", CreateTime: 1_700_000_000_300})
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "a", ConversationID: "conv", CreateTime: 1_700_000_000_100})
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "c", ConversationID: "conv", CreateTime: 1_700_000_000_100})

	msgs, err := s.ProjectMessages("acc-1", "conv")
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, m := range msgs {
		order = append(order, m.ID)
		if m.MessageCategory != CategoryPrivate {
			t.Errorf("message %s category = %q, want private", m.ID, m.MessageCategory)
		}
	}
	if fmt.Sprint(order) != "[a c b]" {
		t.Errorf("order = %v, want [a c b]", order)
	}
}

func TestAccountsNeverMix(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	// Both accounts observe the same platform ids.
	for _, acc := range []AccountID{"acc-a", "acc-b"} {
		mustUpsert(t, s, acc, &Content{ID: "C1", Title: string(acc)})
		mustUpsert(t, s, acc, &Comment{ID: "cm-1", ContentID: "C1", AuthorName: string(acc)})
		mustUpsert(t, s, acc, &DirectMessage{ID: "m-1", ConversationID: "conv-1", SenderName: string(acc)})
	}
	mustUpsert(t, s, "acc-b", &Comment{ID: "cm-2", ContentID: "C1", AuthorName: "acc-b"})

	for _, acc := range []AccountID{"acc-a", "acc-b"} {
		topics, err := s.ProjectTopics(acc)
		if err != nil {
			t.Fatal(err)
		}
		for _, tp := range topics {
			if tp.ChannelID != acc {
				t.Errorf("%s topic %s ChannelID = %s", acc, tp.ID, tp.ChannelID)
			}
			msgs, err := s.ProjectMessages(acc, tp.ID)
			if err != nil {
				t.Fatal(err)
			}
			for _, m := range msgs {
				if m.ChannelID != acc || m.FromName != string(acc) {
					t.Errorf("%s topic %s contains message %+v", acc, tp.ID, m)
				}
			}
		}
	}

	a, _ := s.ProjectTopics("acc-a")
	b, _ := s.ProjectTopics("acc-b")
	if findTopic(t, a, "C1").MessageCount != 1 || findTopic(t, b, "C1").MessageCount != 2 {
		t.Errorf("C1 counts = (%d, %d), want (1, 2)", findTopic(t, a, "C1").MessageCount, findTopic(t, b, "C1").MessageCount)
	}

	if _, err := s.ProjectMessages("", "C1"); !errors.Is(err, ErrAmbiguousTopic) {
		t.Errorf("ProjectMessages without channel error = %v, want ErrAmbiguousTopic", err)
	}
}

func TestProjectChannels(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	s.SetAccount("acc-empty", AccountInfo{Name: "Empty", Platform: "douyin"})
	mustUpsert(t, s, "acc-1", &Comment{ID: "cm-1", ContentID: "C1", Text: "older", CreateTime: 1_700_000_000_000})
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "m-1", ConversationID: "conv", Text: "newest", CreateTime: 1_700_000_000_500})
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "m-0", ConversationID: "conv", Text: "mine", Direction: DirectionOutbound, CreateTime: 1_700_000_000_100})

	channels := s.ProjectChannels()
	if len(channels) != 2 {
		t.Fatalf("channels = %+v, want 2", channels)
	}
	ch := channels[0]
	if ch.ID != "acc-1" || ch.MessageCount != 3 || ch.UnreadCount != 2 || ch.LastMessage != "newest" {
		t.Errorf("channel = %+v", ch)
	}
	if channels[1].ID != "acc-empty" || channels[1].Name != "Empty" || channels[1].MessageCount != 0 {
		t.Errorf("empty channel = %+v", channels[1])
	}

	if _, err := s.ProjectTopics("acc-missing"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("ProjectTopics(unknown) error = %v, want ErrUnknownChannel", err)
	}
}

func TestRepeatedProjectionIsStable(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	for i := 0; i < 20; i++ {
		mustUpsert(t, s, "acc-1", &Comment{
			ID:         fmt.Sprintf("cm-%02d", i),
			ContentID:  fmt.Sprintf("C%d", i%4),
			CreateTime: 1_700_000_000_000,
			IsHandled:  i%3 == 0,
		})
		mustUpsert(t, s, "acc-1", &DirectMessage{
			ID:             fmt.Sprintf("m-%02d", i),
			ConversationID: fmt.Sprintf("conv-%d", i%5),
			CreateTime:     1_700_000_000_000,
		})
	}

	first, err := s.ProjectTopics("acc-1")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := json.Marshal(first)
	for i := 0; i < 50; i++ {
		topics, _ := s.ProjectTopics("acc-1")
		got, _ := json.Marshal(topics)
		if !bytes.Equal(got, want) {
			t.Fatalf("call %d differs:\n got %s\nwant %s", i, got, want)
		}
	}
}

func TestProjectionConsistentUnderConcurrentUpserts(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	mustUpsert(t, s, "acc-1", &Content{ID: "C1"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Upsert("acc-1", &Comment{ID: fmt.Sprintf("cm-%d", i), ContentID: "C1", IsHandled: i%2 == 0})
		}
	}()

	for i := 0; i < 200; i++ {
		topics, err := s.ProjectTopics("acc-1")
		if err != nil {
			t.Fatal(err)
		}
		for _, tp := range topics {
			if tp.ID != "C1" {
				continue
			}
			handled := tp.MessageCount / 2
			if tp.MessageCount%2 == 1 {
				handled++
			}
			if tp.UnreadCount != tp.MessageCount-handled {
				t.Fatalf("torn read: %+v", tp)
			}
		}
	}
	wg.Wait()
}

func TestTopicIDSharedByContentAndConversation(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	mustUpsert(t, s, "acc-1", &Content{ID: "123", Title: "video"})
	mustUpsert(t, s, "acc-1", &Comment{ID: "c1", ContentID: "123", Text: "nice"})
	mustUpsert(t, s, "acc-1", &Conversation{ID: "123", PeerName: "Ann"})
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "m1", ConversationID: "123", Text: "hi"})

	topics, err := s.ProjectTopics("acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(topics) != 2 || topics[0].IsPrivate == topics[1].IsPrivate {
		t.Fatalf("topics = %+v, want one comment thread and one conversation named 123", topics)
	}

	if _, err := s.ProjectMessages("acc-1", "123"); !errors.Is(err, ErrAmbiguousTopic) {
		t.Errorf("ProjectMessages without kind error = %v, want ErrAmbiguousTopic", err)
	}
	private, public := true, false
	dms, err := s.ProjectTopicMessages("acc-1", "123", TopicKindOf(&private))
	if err != nil {
		t.Fatal(err)
	}
	if len(dms) != 1 || dms[0].ID != "m1" || dms[0].MessageCategory != CategoryPrivate {
		t.Errorf("conversation messages = %+v, want m1", dms)
	}
	comments, err := s.ProjectTopicMessages("acc-1", "123", TopicKindOf(&public))
	if err != nil {
		t.Fatal(err)
	}
	if len(comments) != 1 || comments[0].ID != "c1" {
		t.Errorf("comment messages = %+v, want c1", comments)
	}

	n, err := s.MarkTopicHandled("acc-1", "123", TopicConversation, nil, true)
	if err != nil || n != 1 {
		t.Fatalf("MarkTopicHandled = %d, %v, want 1, nil", n, err)
	}
	topics, _ = s.ProjectTopics("acc-1")
	for _, tp := range topics {
		want := 1
		if tp.IsPrivate {
			want = 0
		}
		if tp.UnreadCount != want {
			t.Errorf("topic %s private=%v unread = %d, want %d", tp.ID, tp.IsPrivate, tp.UnreadCount, want)
		}
	}

	if acc, err := s.LocateTopic("123"); err != nil || acc != "acc-1" {
		t.Errorf("LocateTopic = %q, %v, want acc-1", acc, err)
	}
}
