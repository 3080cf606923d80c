package inbox

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	s.SetAccount("acc-1", AccountInfo{Name: "Main", Platform: "douyin"})
	mustUpsert(t, s, "acc-1", &Content{ID: "hash-abc", AltID: "7001", Title: "video"})
	mustUpsert(t, s, "acc-1", &Comment{ID: "cm-1", ContentID: "7001", Text: "nice", ParentCommentID: "cm-0"})
	mustUpsert(t, s, "acc-1", &DirectMessage{ID: "m-1", ConversationID: "conv", Text: "hi"})
	s.ClearNewFlags("acc-1")
	if _, err := s.MarkHandled("acc-1", "conv", nil, true); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "state", "worker-1.state")
	if err := s.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	loaded, _ := newTestStore(t)
	if err := loaded.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got, want := loaded.Snapshot("acc-1"), s.Snapshot("acc-1"); !reflect.DeepEqual(got, want) {
		t.Errorf("loaded snapshot = %+v\nwant %+v", got, want)
	}
	ch, err := loaded.ProjectChannel("acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if ch.Name != "Main" || ch.UnreadCount != 1 {
		t.Errorf("channel after load = %+v, want Main with 1 unread", ch)
	}
	msgs, err := loaded.ProjectMessages("acc-1", "hash-abc")
	if err != nil || len(msgs) != 1 {
		t.Errorf("ProjectMessages after load = %v, %v", msgs, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("state directory has %d entries, want only the state file", len(entries))
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	if err := s.LoadFile(filepath.Join(t.TempDir(), "absent.state")); err != nil {
		t.Errorf("LoadFile(missing) = %v, want nil", err)
	}
}

func TestLoadFileCorrupt(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.state")
	if err := os.WriteFile(path, []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestStore(t)
	if err := s.LoadFile(path); err == nil {
		t.Error("LoadFile(corrupt) = nil, want error")
	}
}
