package master

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/internal/store"
	"github.com/elonfeng/creatorhub/pkg/alert"
	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/protocol"
	"github.com/elonfeng/creatorhub/pkg/reporter"
	"github.com/elonfeng/creatorhub/pkg/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	t      *testing.T
	master *Master
	store  *store.SQLiteStore
	clock  *clock.Fake
	url    string
}

func newHarness(t *testing.T, opts Options, alerts *alert.Manager) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "creatorhub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := New(testLogger(), clk, st, alerts, opts)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/worker", m.HandleWorker)
	mux.HandleFunc("/ws/monitor", m.HandleViewer)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(m.Close)

	return &harness{
		t:      t,
		master: m,
		store:  st,
		clock:  clk,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) addAccount(id, workerID string) {
	h.t.Helper()
	ctx := context.Background()
	a := &store.Account{ID: id, Platform: "douyin", Name: "Studio " + id, WorkerID: workerID, Enabled: true}
	if err := h.store.CreateAccount(ctx, a); err != nil {
		h.t.Fatal(err)
	}
	if err := h.master.Load(ctx); err != nil {
		h.t.Fatal(err)
	}
}

type client struct {
	t      *testing.T
	conn   *protocol.Conn
	frames chan protocol.Payload
}

func (h *harness) dial(path string) *client {
	h.t.Helper()
	conn, err := protocol.Dial(context.Background(), h.url+path, nil, h.clock)
	if err != nil {
		h.t.Fatal(err)
	}
	c := &client{t: h.t, conn: conn, frames: make(chan protocol.Payload, 256)}
	go func() {
		defer close(c.frames)
		for {
			_, p, err := conn.Receive()
			if err != nil {
				if protocol.IsProtocolError(err) {
					continue
				}
				return
			}
			c.frames <- p
		}
	}()
	h.t.Cleanup(func() { conn.Close() })
	return c
}

func (c *client) send(p protocol.Payload) {
	c.t.Helper()
	if err := c.conn.Send(p); err != nil {
		c.t.Fatal(err)
	}
}

// worker connects as workerID and drains the assignment handshake.
func (h *harness) worker(workerID string, wantAccounts int) *client {
	h.t.Helper()
	c := h.dial("/ws/worker")
	c.send(&protocol.WorkerRegister{WorkerID: workerID, PID: 4242, Version: "test"})
	if wantAccounts > 0 {
		assign := next[*protocol.MasterAccountAssign](h.t, c)
		if len(assign.Accounts) != wantAccounts {
			h.t.Fatalf("assigned %d accounts, want %d", len(assign.Accounts), wantAccounts)
		}
		next[*protocol.MasterSyncRequest](h.t, c)
	}
	h.eventually("worker "+workerID+" registered", func() bool {
		for _, w := range h.master.Workers() {
			if w.ID == workerID {
				return true
			}
		}
		return false
	})
	return c
}

func (h *harness) viewer(clientID string) *client {
	h.t.Helper()
	c := h.dial("/ws/monitor")
	c.send(&protocol.MonitorRegister{RequestID: "reg", ClientID: clientID, ClientType: "desktop"})
	reg := next[*protocol.MonitorRegistered](h.t, c)
	if reg.RequestID != "reg" {
		h.t.Fatalf("registered requestId = %q, want reg", reg.RequestID)
	}
	return c
}

func (h *harness) eventually(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func next[T protocol.Payload](t *testing.T, c *client) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-c.frames:
			if !ok {
				var zero T
				t.Fatalf("connection closed while waiting for %T", zero)
				return zero
			}
			if v, ok := p.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T received within 5s", zero)
			return zero
		}
	}
}

// nextChannelUpdate waits for a channel_updated push about channelID.
func nextChannelUpdate(t *testing.T, c *client, channelID inbox.AccountID) inbox.Channel {
	t.Helper()
	for {
		u := next[*protocol.MonitorChannelUpdated](t, c)
		if u.Channel.ID == channelID {
			return u.Channel
		}
	}
}

func sampleSnapshot() inbox.Snapshot {
	return inbox.Snapshot{
		Contents: []inbox.Content{{ID: "C1", Title: "launch video", PublishTime: 1_700_000_000_000}},
		Comments: []inbox.Comment{
			{ID: "cm-1", ContentID: "C1", AuthorName: "Ann", Text: "love it", CreateTime: 1_700_000_100_000, IsNew: true},
			{ID: "cm-2", ContentID: "C1", AuthorName: "Bo", Text: "first", CreateTime: 1_700_000_050_000},
		},
		Conversations: []inbox.Conversation{{ID: "conv-1", PeerID: "u-9", PeerName: "Cy"}},
		Messages: []inbox.DirectMessage{
			{ID: "dm-1", ConversationID: "conv-1", SenderName: "Cy", Text: "hi", Direction: inbox.DirectionInbound, CreateTime: 1_700_000_200_000, IsNew: true},
		},
	}
}

func TestWorkerRegisterReceivesAssignments(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	h.addAccount("acc-2", "w2")

	w := h.dial("/ws/worker")
	w.send(&protocol.WorkerRegister{WorkerID: "w1", PID: 7, Accounts: []inbox.AccountID{"acc-1", "acc-9"}})

	revoke := next[*protocol.MasterAccountRevoke](t, w)
	if len(revoke.AccountIDs) != 1 || revoke.AccountIDs[0] != "acc-9" {
		t.Errorf("revoked = %v, want [acc-9]", revoke.AccountIDs)
	}
	assign := next[*protocol.MasterAccountAssign](t, w)
	if len(assign.Accounts) != 1 || assign.Accounts[0].AccountID != "acc-1" {
		t.Fatalf("assigned = %+v, want acc-1 only", assign.Accounts)
	}
	if got := assign.Accounts[0]; got.Platform != "douyin" || got.MonitorInterval != 30 {
		t.Errorf("assignment = %+v, want douyin every 30s", got)
	}
	sr := next[*protocol.MasterSyncRequest](t, w)
	if len(sr.AccountIDs) != 0 {
		t.Errorf("sync request accounts = %v, want all", sr.AccountIDs)
	}

	h.eventually("worker listed", func() bool { return len(h.master.Workers()) == 1 })
	info := h.master.Workers()[0]
	if info.ID != "w1" || info.PID != 7 || len(info.Accounts) != 1 || info.Accounts[0] != "acc-1" {
		t.Errorf("Workers() = %+v", info)
	}
}

func TestSnapshotProjectsToViewer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	v := h.viewer("dash-1")
	w := h.worker("w1", 1)

	w.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-1", Snapshot: sampleSnapshot()})

	pushed := map[string]protocol.MonitorNewMessage{}
	for range 2 {
		msg := next[*protocol.MonitorNewMessage](t, v)
		pushed[msg.Message.ID] = *msg
	}
	if _, ok := pushed["cm-2"]; ok {
		t.Error("comment without isNew was pushed as new")
	}
	if got := pushed["cm-1"]; got.TopicID != "C1" || got.ChannelID != "acc-1" || got.Message.MessageCategory != inbox.CategoryComment {
		t.Errorf("cm-1 push = %+v", got)
	}
	if got := pushed["dm-1"]; got.TopicID != "conv-1" || got.Message.MessageCategory != inbox.CategoryPrivate {
		t.Errorf("dm-1 push = %+v", got)
	}
	ch := nextChannelUpdate(t, v, "acc-1")
	if ch.UnreadCount != 3 {
		t.Errorf("pushed channel unreadCount = %d, want 3", ch.UnreadCount)
	}

	v.send(&protocol.MonitorRequestChannels{RequestID: "r1"})
	chans := next[*protocol.MonitorChannels](t, v)
	if chans.RequestID != "r1" || len(chans.Channels) != 1 {
		t.Fatalf("channels = %+v", chans)
	}
	if got := chans.Channels[0]; got.ID != "acc-1" || got.Name != "Studio acc-1" || got.UnreadCount != 3 {
		t.Errorf("channel = %+v", got)
	}

	v.send(&protocol.MonitorRequestTopics{RequestID: "r2", ChannelID: "acc-1"})
	topics := next[*protocol.MonitorTopics](t, v)
	if topics.RequestID != "r2" || len(topics.Topics) != 2 {
		t.Fatalf("topics = %+v", topics)
	}

	v.send(&protocol.MonitorRequestMessages{RequestID: "r3", TopicID: "C1"})
	msgs := next[*protocol.MonitorMessages](t, v)
	if msgs.ChannelID != "acc-1" || len(msgs.Messages) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs.Messages[0].ID != "cm-2" || msgs.Messages[1].ID != "cm-1" {
		t.Errorf("message order = [%s %s], want [cm-2 cm-1]", msgs.Messages[0].ID, msgs.Messages[1].ID)
	}
}

func TestDetectedMessagePushed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	v := h.viewer("")
	w := h.worker("w1", 1)

	detected, err := protocol.NewMessageDetected("acc-1", &inbox.Comment{ID: "cm-7", ContentID: "C1", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	w.send(detected)
	msg := next[*protocol.MonitorNewMessage](t, v)
	if msg.Message.ID != "cm-7" || msg.TopicID != "C1" {
		t.Errorf("pushed = %+v", msg)
	}
	nextChannelUpdate(t, v, "acc-1")

	// The same comment again is a dedup and is not pushed twice.
	w.send(detected)
	w.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-1", Snapshot: inbox.Snapshot{
		Comments: []inbox.Comment{{ID: "cm-8", ContentID: "C1", IsNew: true}},
	}})
	if msg := next[*protocol.MonitorNewMessage](t, v); msg.Message.ID != "cm-8" {
		t.Errorf("next push = %s, want cm-8", msg.Message.ID)
	}
}

func TestForeignAccountDataRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	h.addAccount("acc-2", "w2")
	v := h.viewer("dash")
	w1 := h.worker("w1", 1)

	w1.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-2", Snapshot: sampleSnapshot()})
	w1.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-1", Snapshot: sampleSnapshot()})
	nextChannelUpdate(t, v, "acc-1")

	if h.master.Inbox().HasData("acc-2") {
		t.Error("data for an account owned by another worker was stored")
	}
	if !h.master.Inbox().HasData("acc-1") {
		t.Error("data for the worker's own account was not stored")
	}
}

func TestAssignAccountMovesOwnership(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	w1 := h.worker("w1", 1)
	w2 := h.worker("w2", 0)
	if err := h.store.CreateWorkerConfig(context.Background(), &store.WorkerConfig{ID: "w2", Command: "creatorhub", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	if err := h.master.AssignAccount(context.Background(), "acc-1", "w2"); err != nil {
		t.Fatal(err)
	}
	revoke := next[*protocol.MasterAccountRevoke](t, w1)
	if len(revoke.AccountIDs) != 1 || revoke.AccountIDs[0] != "acc-1" {
		t.Errorf("w1 revoked %v, want [acc-1]", revoke.AccountIDs)
	}
	assign := next[*protocol.MasterAccountAssign](t, w2)
	if len(assign.Accounts) != 1 || assign.Accounts[0].AccountID != "acc-1" {
		t.Errorf("w2 assigned %+v, want acc-1", assign.Accounts)
	}

	a, err := h.store.FindAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.WorkerID != "w2" {
		t.Errorf("stored worker = %q, want w2", a.WorkerID)
	}
	if got := h.master.owner("acc-1"); got != "w2" {
		t.Errorf("owner = %q, want w2", got)
	}
}

func TestRapidTopicRequestsAreConsistent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	v := h.viewer("dash")
	w := h.worker("w1", 1)
	w.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-1", Snapshot: sampleSnapshot()})
	nextChannelUpdate(t, v, "acc-1")

	const n = 20
	for i := range n {
		v.send(&protocol.MonitorRequestTopics{RequestID: fmt.Sprintf("t-%d", i), ChannelID: "acc-1"})
	}
	seen := make(map[string]bool)
	for range n {
		resp := next[*protocol.MonitorTopics](t, v)
		seen[resp.RequestID] = true
		for _, tp := range resp.Topics {
			want := map[string]int{"C1": 2, "conv-1": 1}[tp.ID]
			if tp.UnreadCount != want || tp.MessageCount != want {
				t.Errorf("%s: topic %s = (unread %d, messages %d), want (%d, %d)",
					resp.RequestID, tp.ID, tp.UnreadCount, tp.MessageCount, want, want)
			}
		}
	}
	for i := range n {
		if id := fmt.Sprintf("t-%d", i); !seen[id] {
			t.Errorf("no response for %s", id)
		}
	}
}

func TestViewerRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{ViewerRate: 1, ViewerBurst: 2}, nil)
	v := h.dial("/ws/monitor")

	for _, id := range []string{"a", "b", "c"} {
		v.send(&protocol.MonitorRequestChannels{RequestID: id})
	}
	if got := next[*protocol.MonitorChannels](t, v).RequestID; got != "a" {
		t.Errorf("first response = %q, want a", got)
	}
	if got := next[*protocol.MonitorChannels](t, v).RequestID; got != "b" {
		t.Errorf("second response = %q, want b", got)
	}
	limited := next[*protocol.MonitorError](t, v)
	if limited.RequestID != "c" || limited.Code != protocol.CodeRateLimited {
		t.Errorf("third response = %+v, want rate_limited for c", limited)
	}

	h.clock.Advance(time.Second)
	v.send(&protocol.MonitorRequestChannels{RequestID: "d"})
	if got := next[*protocol.MonitorChannels](t, v).RequestID; got != "d" {
		t.Errorf("response after refill = %q, want d", got)
	}
}

func TestViewerErrorsKeepSessionOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "")
	v := h.dial("/ws/monitor")

	tests := []struct {
		name  string
		frame string
		id    string
		code  string
	}{
		{"missing channel", `{"type":"monitor:request_topics","version":"v1","payload":{"requestId":"e1"},"timestamp":1}`, "e1", protocol.CodeBadRequest},
		{"bad version", `{"type":"monitor:request_channels","version":"v2","payload":{"requestId":"e2"},"timestamp":1}`, "e2", protocol.CodeBadRequest},
		{"unknown type", `{"type":"monitor:dance","version":"v1","payload":{"requestId":"e3"},"timestamp":1}`, "e3", protocol.CodeBadRequest},
		{"worker kind", `{"type":"WORKER_REGISTER","version":"v1","payload":{"worker_id":"x","requestId":"e4"},"timestamp":1}`, "e4", protocol.CodeBadRequest},
		{"unknown channel", `{"type":"monitor:request_topics","version":"v1","payload":{"requestId":"e5","channelId":"nope"},"timestamp":1}`, "e5", protocol.CodeUnknownChannel},
		{"unknown topic", `{"type":"monitor:request_messages","version":"v1","payload":{"requestId":"e6","topicId":"nope"},"timestamp":1}`, "e6", protocol.CodeUnknownTopic},
		{"not json", `{{{`, "", protocol.CodeBadRequest},
	}
	for _, tt := range tests {
		if err := v.conn.WriteRaw([]byte(tt.frame)); err != nil {
			t.Fatal(err)
		}
		got := next[*protocol.MonitorError](t, v)
		if got.RequestID != tt.id || got.Code != tt.code {
			t.Errorf("%s: error = (%q, %s), want (%q, %s)", tt.name, got.RequestID, got.Code, tt.id, tt.code)
		}
	}

	v.send(&protocol.MonitorRequestChannels{RequestID: "ok"})
	if got := next[*protocol.MonitorChannels](t, v); got.RequestID != "ok" || len(got.Channels) != 1 {
		t.Errorf("channels after errors = %+v", got)
	}
}

func TestMarkHandled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	v := h.viewer("dash")
	w := h.worker("w1", 1)
	w.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-1", Snapshot: sampleSnapshot()})
	nextChannelUpdate(t, v, "acc-1")

	v.send(&protocol.MonitorMarkHandled{RequestID: "h1", ChannelID: "acc-1", TopicID: "C1"})
	handled := next[*protocol.MonitorHandled](t, v)
	if handled.RequestID != "h1" || handled.Updated != 2 {
		t.Errorf("handled = %+v, want 2 updated", handled)
	}
	if ch := nextChannelUpdate(t, v, "acc-1"); ch.UnreadCount != 1 {
		t.Errorf("unreadCount after mark = %d, want 1", ch.UnreadCount)
	}

	v.send(&protocol.MonitorMarkHandled{RequestID: "h2", ChannelID: "acc-1", TopicID: "C1"})
	if got := next[*protocol.MonitorHandled](t, v).Updated; got != 0 {
		t.Errorf("repeat mark updated = %d, want 0", got)
	}

	unhandled := false
	v.send(&protocol.MonitorMarkHandled{RequestID: "h3", ChannelID: "acc-1", TopicID: "C1", MessageIDs: []string{"cm-1"}, Handled: &unhandled})
	if got := next[*protocol.MonitorHandled](t, v).Updated; got != 1 {
		t.Errorf("unmark updated = %d, want 1", got)
	}
}

func TestSharedTopicIDNeedsPrivateHint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	v := h.viewer("dash")
	w := h.worker("w1", 1)
	snap := sampleSnapshot()
	snap.Conversations = append(snap.Conversations, inbox.Conversation{ID: "C1", PeerName: "Dee"})
	snap.Messages = append(snap.Messages, inbox.DirectMessage{ID: "dm-9", ConversationID: "C1", Text: "same id", CreateTime: 1_700_000_300_000})
	w.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-1", Snapshot: snap})
	nextChannelUpdate(t, v, "acc-1")

	v.send(&protocol.MonitorRequestMessages{RequestID: "q1", ChannelID: "acc-1", TopicID: "C1"})
	if e := next[*protocol.MonitorError](t, v); e.RequestID != "q1" || e.Code != protocol.CodeBadRequest {
		t.Errorf("error = %+v, want bad_request for q1", e)
	}

	private := true
	v.send(&protocol.MonitorRequestMessages{RequestID: "q2", ChannelID: "acc-1", TopicID: "C1", IsPrivate: &private})
	msgs := next[*protocol.MonitorMessages](t, v)
	if len(msgs.Messages) != 1 || msgs.Messages[0].ID != "dm-9" {
		t.Errorf("private messages = %+v, want dm-9", msgs.Messages)
	}

	v.send(&protocol.MonitorMarkHandled{RequestID: "h1", ChannelID: "acc-1", TopicID: "C1", IsPrivate: &private})
	if got := next[*protocol.MonitorHandled](t, v).Updated; got != 1 {
		t.Errorf("updated = %d, want 1 (the direct message only)", got)
	}
}

func TestWorkerBadFramesBeforeRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	w := h.dial("/ws/worker")

	for _, frame := range []string{
		`{{{`,
		`{"type":"WORKER_REGISTER","version":"v1","payload":{},"timestamp":1}`,
		`{"type":"monitor:request_channels","version":"v1","payload":{},"timestamp":1}`,
		`{"type":"WORKER_DATA_SYNC","version":"v2","payload":{"worker_id":"w1"},"timestamp":1}`,
	} {
		if err := w.conn.WriteRaw([]byte(frame)); err != nil {
			t.Fatal(err)
		}
	}
	w.send(&protocol.WorkerRegister{WorkerID: "w1", PID: 9})

	assign := next[*protocol.MasterAccountAssign](t, w)
	if len(assign.Accounts) != 1 || assign.Accounts[0].AccountID != "acc-1" {
		t.Errorf("assigned %+v, want acc-1", assign.Accounts)
	}
}

func TestWorkerRegisterTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{RegisterTimeout: time.Minute}, nil)
	w := h.dial("/ws/worker")

	h.eventually("unregistered worker connection closed", func() bool {
		h.clock.Advance(time.Minute)
		select {
		case _, ok := <-w.frames:
			return !ok
		default:
			return false
		}
	})
	if n := len(h.master.Workers()); n != 0 {
		t.Errorf("workers = %d, want 0", n)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	v := h.viewer("dash")
	w := h.worker("w1", 1)
	w.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-1", Snapshot: sampleSnapshot()})
	nextChannelUpdate(t, v, "acc-1")

	v.send(&protocol.MonitorSendReply{RequestID: "rep-1", ChannelID: "acc-1", TopicID: "conv-1", MessageID: "dm-1", Content: "thanks!"})
	req := next[*protocol.MasterReplyRequest](t, w)
	if req.AccountID != "acc-1" || req.TopicID != "conv-1" || req.TargetID != "dm-1" || req.TargetType != protocol.TargetPrivate || req.Content != "thanks!" {
		t.Fatalf("reply request = %+v", req)
	}
	if req.RequestID == "rep-1" {
		t.Error("viewer request id leaked to the worker")
	}

	w.send(&protocol.WorkerReplyResult{RequestID: req.RequestID, AccountID: "acc-1", Success: true})
	res := next[*protocol.MonitorReplyResult](t, v)
	if res.RequestID != "rep-1" || !res.Success {
		t.Errorf("reply result = %+v", res)
	}

	v.send(&protocol.MonitorRequestMessages{RequestID: "m", ChannelID: "acc-1", TopicID: "conv-1"})
	msgs := next[*protocol.MonitorMessages](t, v)
	if len(msgs.Messages) != 1 || !msgs.Messages[0].IsHandled {
		t.Errorf("replied message not handled: %+v", msgs.Messages)
	}
}

func TestReplyFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{ReplyTimeout: time.Minute}, nil)
	h.addAccount("acc-1", "w1")
	h.addAccount("acc-2", "w2")
	v := h.viewer("dash")
	w := h.worker("w1", 1)
	w.send(&protocol.WorkerDataSync{WorkerID: "w1", AccountID: "acc-1", Snapshot: sampleSnapshot()})
	nextChannelUpdate(t, v, "acc-1")

	// No response from the worker.
	v.send(&protocol.MonitorSendReply{RequestID: "slow", ChannelID: "acc-1", TopicID: "C1", MessageID: "cm-1", Content: "hi"})
	req := next[*protocol.MasterReplyRequest](t, w)
	if req.TargetType != protocol.TargetComment {
		t.Errorf("target type = %q, want comment", req.TargetType)
	}
	h.clock.Advance(time.Minute)
	res := next[*protocol.MonitorReplyResult](t, v)
	if res.RequestID != "slow" || res.Success || res.Error != "reply timed out" {
		t.Errorf("timed out result = %+v", res)
	}
	// A late answer is ignored.
	w.send(&protocol.WorkerReplyResult{RequestID: req.RequestID, Success: true})

	// Worker reports a failure.
	v.send(&protocol.MonitorSendReply{RequestID: "fail", ChannelID: "acc-1", TopicID: "C1", Content: "hi"})
	req = next[*protocol.MasterReplyRequest](t, w)
	w.send(&protocol.WorkerReplyResult{RequestID: req.RequestID, Error: "comment box not found", ErrorKind: "parse"})
	res = next[*protocol.MonitorReplyResult](t, v)
	if res.RequestID != "fail" || res.Success || res.Error != "comment box not found" {
		t.Errorf("failed result = %+v", res)
	}

	// Worker disconnects while the reply is pending.
	v.send(&protocol.MonitorSendReply{RequestID: "gone", ChannelID: "acc-1", TopicID: "C1", Content: "hi"})
	next[*protocol.MasterReplyRequest](t, w)
	w.conn.Close()
	res = next[*protocol.MonitorReplyResult](t, v)
	if res.RequestID != "gone" || res.Success {
		t.Errorf("disconnect result = %+v", res)
	}
}

func TestReplyToDisconnectedWorker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	if _, err := h.master.Inbox().Upsert("acc-1", &inbox.Comment{ID: "cm-1", ContentID: "C1"}); err != nil {
		t.Fatal(err)
	}
	v := h.viewer("dash")

	v.send(&protocol.MonitorSendReply{RequestID: "r", ChannelID: "acc-1", TopicID: "C1", Content: "hi"})
	res := next[*protocol.MonitorReplyResult](t, v)
	if res.Success || !strings.Contains(res.Error, "not connected") {
		t.Errorf("result = %+v, want not connected", res)
	}
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Send(_ context.Context, n *alert.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, *n)
	return nil
}

func (c *captureNotifier) notifications() []alert.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.Notification(nil), c.sent...)
}

func TestAccountStatusPersistedAndEscalated(t *testing.T) {
	t.Parallel()
	notifier := &captureNotifier{}
	h := newHarness(t, Options{}, alert.NewManager([]alert.Notifier{notifier}))
	h.addAccount("acc-1", "w1")
	w := h.worker("w1", 1)

	status := reporter.AccountStatus{
		WorkerStatus:  reporter.WorkerStatusError,
		LoginStatus:   "error",
		ErrorMessage:  "login required: no login within 2m0s",
		TotalComments: 12,
	}
	for range 2 {
		w.send(&protocol.WorkerAccountStatus{WorkerID: "w1", AccountStatuses: []reporter.Entry{{AccountID: "acc-1", Status: status}}})
	}

	h.eventually("status persisted", func() bool {
		a, err := h.store.FindAccount(context.Background(), "acc-1")
		return err == nil && a.WorkerStatus == reporter.WorkerStatusError && a.TotalComments == 12
	})
	h.eventually("alert sent", func() bool { return len(notifier.notifications()) == 1 })
	got := notifier.notifications()[0]
	if got.Severity != alert.SeverityCritical || got.AccountID != "acc-1" || got.WorkerID != "w1" {
		t.Errorf("notification = %+v", got)
	}
	h.master.Close()
	if n := len(notifier.notifications()); n != 1 {
		t.Errorf("repeated error alerted %d times, want once", n)
	}
}

func TestReportedStatusKeepsRuntime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	w := h.worker("w1", 1)
	ctx := context.Background()

	if _, ok := h.master.ReportedStatus("acc-1"); ok {
		t.Fatal("status reported before any worker update")
	}
	w.send(&protocol.WorkerAccountStatus{WorkerID: "w1", AccountStatuses: []reporter.Entry{{
		AccountID: "acc-1",
		Status: reporter.AccountStatus{
			WorkerStatus: reporter.WorkerStatusRunning,
			Healthy:      true,
			LiveTabs:     2,
			Tabs:         map[string]int{"spider1": 1, "spider2": 1, "closed": 1},
		},
	}}})

	h.eventually("runtime status kept", func() bool {
		_, ok := h.master.ReportedStatus("acc-1")
		return ok
	})
	st, _ := h.master.ReportedStatus("acc-1")
	if !st.Healthy || st.LiveTabs != 2 || st.Tabs["spider1"] != 1 || st.Tabs["closed"] != 1 {
		t.Errorf("reported status = %+v", st)
	}

	if err := h.store.DeleteAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.master.Refresh(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.master.ReportedStatus("acc-1"); ok {
		t.Error("status kept after the account was deleted")
	}
}

func TestSupervisorEscalationMarksAccounts(t *testing.T) {
	t.Parallel()
	notifier := &captureNotifier{}
	h := newHarness(t, Options{}, alert.NewManager([]alert.Notifier{notifier}))
	h.addAccount("acc-1", "w1")
	h.addAccount("acc-2", "w2")

	events := make(chan supervisor.Event, 2)
	events <- supervisor.Event{Type: supervisor.EventEscalated, WorkerID: "w1", RestartCount: 5}
	events <- supervisor.Event{Type: supervisor.EventStopped, WorkerID: "w2"}
	close(events)
	h.master.WatchSupervisor(context.Background(), events)

	ctx := context.Background()
	a1, err := h.store.FindAccount(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if a1.WorkerStatus != "error" || !strings.Contains(a1.LastError, "w1") {
		t.Errorf("acc-1 status = (%q, %q), want error naming w1", a1.WorkerStatus, a1.LastError)
	}
	a2, err := h.store.FindAccount(ctx, "acc-2")
	if err != nil {
		t.Fatal(err)
	}
	if a2.WorkerStatus != "stopped" {
		t.Errorf("acc-2 status = %q, want stopped", a2.WorkerStatus)
	}

	h.master.Close()
	sent := notifier.notifications()
	if len(sent) != 1 || sent[0].Event != string(supervisor.EventEscalated) || sent[0].Severity != alert.SeverityCritical {
		t.Errorf("notifications = %+v, want one critical escalation", sent)
	}
}

func TestRefreshDeletedAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	h.addAccount("acc-1", "w1")
	w := h.worker("w1", 1)
	ctx := context.Background()

	if err := h.store.DeleteAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.master.Refresh(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	revoke := next[*protocol.MasterAccountRevoke](t, w)
	if len(revoke.AccountIDs) != 1 || revoke.AccountIDs[0] != "acc-1" {
		t.Errorf("revoked %v, want [acc-1]", revoke.AccountIDs)
	}
	if got := len(h.master.Inbox().ProjectChannels()); got != 0 {
		t.Errorf("channels after delete = %d, want 0", got)
	}
}
