package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountCRUD(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := &Account{ID: "acc-1", Platform: "douyin", Name: "Studio", Enabled: true}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(ctx, &Account{ID: "acc-1", Platform: "douyin"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate CreateAccount error = %v, want ErrExists", err)
	}

	got, err := s.FindAccount(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Studio" || got.MonitorInterval != 30 || got.WorkerStatus != "stopped" || !got.Enabled {
		t.Errorf("FindAccount = %+v", got)
	}

	got.Name = "Studio 2"
	got.Enabled = false
	if err := s.UpdateAccount(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, _ = s.FindAccount(ctx, "acc-1")
	if got.Name != "Studio 2" || got.Enabled {
		t.Errorf("after update = %+v", got)
	}

	if err := s.UpdateAccount(ctx, &Account{ID: "nope", Platform: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateAccount(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteAccount(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindAccount(ctx, "acc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindAccount after delete error = %v, want ErrNotFound", err)
	}
}

func TestUpdateAccountStatusTruncatesError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateAccount(ctx, &Account{ID: "acc-1", Platform: "douyin"}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateAccountStatus(ctx, "acc-1", AccountStatus{
		WorkerStatus:  "error",
		LastError:     strings.Repeat("x", 900),
		LastCrawlAt:   2000,
		TotalComments: 12,
	})
	if err != nil {
		t.Fatal(err)
	}
	// An older crawl time never moves the stored one backwards.
	if err := s.UpdateAccountStatus(ctx, "acc-1", AccountStatus{WorkerStatus: "error", LastCrawlAt: 1000, TotalComments: 12}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.FindAccount(ctx, "acc-1")
	if got.WorkerStatus != "error" || got.TotalComments != 12 || got.LastCrawlAt != 2000 {
		t.Errorf("status = %+v", got)
	}
	if err := s.UpdateAccountStatus(ctx, "acc-1", AccountStatus{LastError: strings.Repeat("y", 900)}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.FindAccount(ctx, "acc-1")
	if len(got.LastError) != 500 {
		t.Errorf("len(LastError) = %d, want 500", len(got.LastError))
	}
}

func TestAssignAccount(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w2"} {
		if err := s.CreateWorkerConfig(ctx, &WorkerConfig{ID: id, Command: "creatorhub", Args: []string{"worker"}, Enabled: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateAccount(ctx, &Account{ID: "acc-1", Platform: "douyin", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	prev, err := s.AssignAccount(ctx, "acc-1", "w1")
	if err != nil || prev != "" {
		t.Fatalf("AssignAccount(w1) = %q, %v", prev, err)
	}
	prev, err = s.AssignAccount(ctx, "acc-1", "w2")
	if err != nil || prev != "w1" {
		t.Fatalf("AssignAccount(w2) = %q, %v, want w1", prev, err)
	}
	if _, err := s.AssignAccount(ctx, "acc-1", "w9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AssignAccount(unknown worker) error = %v, want ErrNotFound", err)
	}

	list, err := s.ListAccountsByWorker(ctx, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "acc-1" {
		t.Errorf("ListAccountsByWorker(w2) = %+v", list)
	}

	if err := s.DeleteWorkerConfig(ctx, "w2"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.FindAccount(ctx, "acc-1")
	if got.WorkerID != "" {
		t.Errorf("WorkerID after worker delete = %q, want empty", got.WorkerID)
	}
}

func TestWorkerConfigRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	w := &WorkerConfig{
		ID:      "w1",
		Command: "/usr/local/bin/creatorhub",
		Args:    []string{"worker", "--config", "/etc/creatorhub.yaml"},
		Env:     map[string]string{"DRIVER_URL": "http://127.0.0.1:9223"},
		Enabled: true,
	}
	if err := s.CreateWorkerConfig(ctx, w); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindWorkerConfig(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Args) != 3 || got.Env["DRIVER_URL"] != "http://127.0.0.1:9223" {
		t.Errorf("FindWorkerConfig = %+v", got)
	}
	sc := got.Supervisor("127.0.0.1", 8080)
	if sc.Command != w.Command || sc.MasterPort != 8080 || len(sc.Args) != 3 {
		t.Errorf("Supervisor() = %+v", sc)
	}

	got.Args = nil
	if err := s.UpdateWorkerConfig(ctx, got); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListWorkerConfigs(ctx)
	if len(list) != 1 || len(list[0].Args) != 0 {
		t.Errorf("ListWorkerConfigs = %+v", list)
	}
}

func TestProxyDeleteUnpinsAccounts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateProxy(ctx, &Proxy{ID: "p1", URL: "socks5://10.0.0.1:1080", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(ctx, &Account{ID: "acc-1", Platform: "douyin", ProxyID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteProxy(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.FindAccount(ctx, "acc-1")
	if got.ProxyID != "" {
		t.Errorf("ProxyID = %q, want empty", got.ProxyID)
	}
	if err := s.DeleteProxy(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteProxy error = %v, want ErrNotFound", err)
	}
}
