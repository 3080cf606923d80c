package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/creatorhub/pkg/retry"
	"github.com/elonfeng/creatorhub/pkg/supervisor"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Account is a monitored creator account.
type Account struct {
	ID              string `db:"id" json:"id"`
	Platform        string `db:"platform" json:"platform"`
	Name            string `db:"name" json:"name"`
	WorkerID        string `db:"worker_id" json:"worker_id"`
	ProxyID         string `db:"proxy_id" json:"proxy_id"`
	MonitorInterval int    `db:"monitor_interval" json:"monitor_interval"`
	Enabled         bool   `db:"enabled" json:"enabled"`

	WorkerStatus  string `db:"worker_status" json:"worker_status"`
	LoginStatus   string `db:"login_status" json:"login_status"`
	LastError     string `db:"last_error" json:"last_error"`
	LastCrawlAt   int64  `db:"last_crawl_at" json:"last_crawl_at"`
	TotalComments int    `db:"total_comments" json:"total_comments"`
	TotalContents int    `db:"total_contents" json:"total_contents"`

	CreatedAt int64 `db:"created_at" json:"created_at"`
	UpdatedAt int64 `db:"updated_at" json:"updated_at"`
}

// AccountStatus is the runtime part of an account written from worker
// reports and supervisor events.
type AccountStatus struct {
	WorkerStatus  string
	LoginStatus   string
	LastError     string
	LastCrawlAt   int64
	TotalComments int
	TotalContents int
}

// WorkerConfig is a persisted worker process definition.
type WorkerConfig struct {
	ID          string            `db:"id" json:"id"`
	Command     string            `db:"command" json:"command"`
	ArgsJSON    string            `db:"args" json:"-"`
	Args        []string          `db:"-" json:"args"`
	EnvJSON     string            `db:"env" json:"-"`
	Env         map[string]string `db:"-" json:"env"`
	Dir         string            `db:"dir" json:"dir"`
	MaxAccounts int               `db:"max_accounts" json:"max_accounts"`
	Enabled     bool              `db:"enabled" json:"enabled"`
	CreatedAt   int64             `db:"created_at" json:"created_at"`
	UpdatedAt   int64             `db:"updated_at" json:"updated_at"`
}

// Supervisor returns the process config the supervisor starts this worker
// with.
func (w *WorkerConfig) Supervisor(masterHost string, masterPort int) supervisor.Config {
	return supervisor.Config{
		Command:    w.Command,
		Args:       w.Args,
		Dir:        w.Dir,
		Env:        w.Env,
		MasterHost: masterHost,
		MasterPort: masterPort,
	}
}

// Proxy is an outbound proxy accounts can be pinned to.
type Proxy struct {
	ID        string `db:"id" json:"id"`
	URL       string `db:"url" json:"url"`
	Username  string `db:"username" json:"username,omitempty"`
	Password  string `db:"password" json:"-"`
	Enabled   bool   `db:"enabled" json:"enabled"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// Store is the persistence interface.
type Store interface {
	FindAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ListAccountsByWorker(ctx context.Context, workerID string) ([]Account, error)
	CreateAccount(ctx context.Context, a *Account) error
	UpdateAccount(ctx context.Context, a *Account) error
	DeleteAccount(ctx context.Context, id string) error
	UpdateAccountStatus(ctx context.Context, id string, st AccountStatus) error
	AssignAccount(ctx context.Context, accountID, workerID string) (previous string, err error)

	FindWorkerConfig(ctx context.Context, id string) (*WorkerConfig, error)
	ListWorkerConfigs(ctx context.Context) ([]WorkerConfig, error)
	CreateWorkerConfig(ctx context.Context, w *WorkerConfig) error
	UpdateWorkerConfig(ctx context.Context, w *WorkerConfig) error
	DeleteWorkerConfig(ctx context.Context, id string) error

	FindProxy(ctx context.Context, id string) (*Proxy, error)
	ListProxies(ctx context.Context) ([]Proxy, error)
	CreateProxy(ctx context.Context, p *Proxy) error
	UpdateProxy(ctx context.Context, p *Proxy) error
	DeleteProxy(ctx context.Context, id string) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) millis() int64 {
	return s.now().UnixMilli()
}

// --- accounts ---

func (s *SQLiteStore) FindAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a, `SELECT * FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM accounts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListAccountsByWorker(ctx context.Context, workerID string) ([]Account, error) {
	var out []Account
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM accounts WHERE worker_id = ? AND enabled = 1 ORDER BY id`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for worker %s: %w", workerID, err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" || a.Platform == "" {
		return errors.New("create account: id and platform are required")
	}
	now := s.millis()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.WorkerStatus == "" {
		a.WorkerStatus = "stopped"
	}
	if a.MonitorInterval <= 0 {
		a.MonitorInterval = 30
	}
	a.LastError = retry.Truncate(a.LastError, retry.MaxErrorMessageLength)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO accounts (id, platform, name, worker_id, proxy_id, monitor_interval, enabled,
			worker_status, login_status, last_error, last_crawl_at, total_comments, total_contents,
			created_at, updated_at)
		VALUES (:id, :platform, :name, :worker_id, :proxy_id, :monitor_interval, :enabled,
			:worker_status, :login_status, :last_error, :last_crawl_at, :total_comments, :total_contents,
			:created_at, :updated_at)`, a)
	if err != nil {
		return wrapInsert("account", a.ID, err)
	}
	return nil
}

// UpdateAccount writes the operator-editable fields. Runtime status and
// assignment have their own methods.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, a *Account) error {
	a.UpdatedAt = s.millis()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE accounts SET platform = :platform, name = :name, proxy_id = :proxy_id,
			monitor_interval = :monitor_interval, enabled = :enabled, updated_at = :updated_at
		WHERE id = :id`, a)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return expectOne(res, "account", a.ID)
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return expectOne(res, "account", id)
}

func (s *SQLiteStore) UpdateAccountStatus(ctx context.Context, id string, st AccountStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET worker_status = ?, login_status = ?, last_error = ?,
			last_crawl_at = MAX(last_crawl_at, ?), total_comments = ?, total_contents = ?, updated_at = ?
		WHERE id = ?`,
		st.WorkerStatus, st.LoginStatus, retry.Truncate(st.LastError, retry.MaxErrorMessageLength),
		st.LastCrawlAt, st.TotalComments, st.TotalContents, s.millis(), id)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return expectOne(res, "account", id)
}

// AssignAccount moves an account to workerID (empty unassigns) and returns
// the worker it was assigned to before.
func (s *SQLiteStore) AssignAccount(ctx context.Context, accountID, workerID string) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.GetContext(ctx, &previous, `SELECT worker_id FROM accounts WHERE id = ?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get account worker: %w", err)
	}
	if workerID != "" {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM worker_configs WHERE id = ?`, workerID); err != nil {
			return "", fmt.Errorf("check worker: %w", err)
		}
		if n == 0 {
			return "", fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET worker_id = ?, updated_at = ? WHERE id = ?`,
		workerID, s.millis(), accountID); err != nil {
		return "", fmt.Errorf("assign account: %w", err)
	}
	return previous, tx.Commit()
}

// --- worker configs ---

func (s *SQLiteStore) FindWorkerConfig(ctx context.Context, id string) (*WorkerConfig, error) {
	var w WorkerConfig
	err := s.db.GetContext(ctx, &w, `SELECT * FROM worker_configs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker config: %w", err)
	}
	w.decode()
	return &w, nil
}

func (s *SQLiteStore) ListWorkerConfigs(ctx context.Context) ([]WorkerConfig, error) {
	var out []WorkerConfig
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM worker_configs ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list worker configs: %w", err)
	}
	for i := range out {
		out[i].decode()
	}
	return out, nil
}

func (s *SQLiteStore) CreateWorkerConfig(ctx context.Context, w *WorkerConfig) error {
	if w.ID == "" || w.Command == "" {
		return errors.New("create worker config: id and command are required")
	}
	now := s.millis()
	w.CreatedAt, w.UpdatedAt = now, now
	w.encode()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO worker_configs (id, command, args, env, dir, max_accounts, enabled, created_at, updated_at)
		VALUES (:id, :command, :args, :env, :dir, :max_accounts, :enabled, :created_at, :updated_at)`, w)
	if err != nil {
		return wrapInsert("worker", w.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateWorkerConfig(ctx context.Context, w *WorkerConfig) error {
	w.UpdatedAt = s.millis()
	w.encode()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE worker_configs SET command = :command, args = :args, env = :env, dir = :dir,
			max_accounts = :max_accounts, enabled = :enabled, updated_at = :updated_at
		WHERE id = :id`, w)
	if err != nil {
		return fmt.Errorf("update worker config: %w", err)
	}
	return expectOne(res, "worker", w.ID)
}

// DeleteWorkerConfig removes the config and unassigns its accounts.
func (s *SQLiteStore) DeleteWorkerConfig(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM worker_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worker config: %w", err)
	}
	if err := expectOne(res, "worker", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET worker_id = '', updated_at = ? WHERE worker_id = ?`, s.millis(), id); err != nil {
		return fmt.Errorf("unassign accounts: %w", err)
	}
	return tx.Commit()
}

func (w *WorkerConfig) encode() {
	args, _ := json.Marshal(w.Args)
	if w.Args == nil {
		args = []byte("[]")
	}
	env, _ := json.Marshal(w.Env)
	if w.Env == nil {
		env = []byte("{}")
	}
	w.ArgsJSON, w.EnvJSON = string(args), string(env)
}

func (w *WorkerConfig) decode() {
	_ = json.Unmarshal([]byte(w.ArgsJSON), &w.Args)
	_ = json.Unmarshal([]byte(w.EnvJSON), &w.Env)
}

// --- proxies ---

func (s *SQLiteStore) FindProxy(ctx context.Context, id string) (*Proxy, error) {
	var p Proxy
	err := s.db.GetContext(ctx, &p, `SELECT * FROM proxies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proxy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) ListProxies(ctx context.Context) ([]Proxy, error) {
	var out []Proxy
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM proxies ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateProxy(ctx context.Context, p *Proxy) error {
	if p.ID == "" || p.URL == "" {
		return errors.New("create proxy: id and url are required")
	}
	now := s.millis()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO proxies (id, url, username, password, enabled, created_at, updated_at)
		VALUES (:id, :url, :username, :password, :enabled, :created_at, :updated_at)`, p)
	if err != nil {
		return wrapInsert("proxy", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateProxy(ctx context.Context, p *Proxy) error {
	p.UpdatedAt = s.millis()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE proxies SET url = :url, username = :username, password = :password,
			enabled = :enabled, updated_at = :updated_at
		WHERE id = :id`, p)
	if err != nil {
		return fmt.Errorf("update proxy: %w", err)
	}
	return expectOne(res, "proxy", p.ID)
}

// DeleteProxy removes the proxy and unpins the accounts that used it.
func (s *SQLiteStore) DeleteProxy(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM proxies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	if err := expectOne(res, "proxy", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET proxy_id = '', updated_at = ? WHERE proxy_id = ?`, s.millis(), id); err != nil {
		return fmt.Errorf("unpin accounts: %w", err)
	}
	return tx.Commit()
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func wrapInsert(what, id string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s %s: %w", what, id, ErrExists)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}
