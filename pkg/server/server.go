// Package server exposes the controller's HTTP API: account, worker and
// proxy management, supervisor controls, and the worker and viewer
// websocket endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/elonfeng/creatorhub/internal/master"
	"github.com/elonfeng/creatorhub/internal/store"
	"github.com/elonfeng/creatorhub/pkg/inbox"
	"github.com/elonfeng/creatorhub/pkg/reporter"
	"github.com/elonfeng/creatorhub/pkg/supervisor"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Supervisor is the part of *supervisor.Supervisor the API drives.
type Supervisor interface {
	Start(id supervisor.WorkerID, cfg supervisor.Config) (supervisor.Info, error)
	Stop(id supervisor.WorkerID, timeout time.Duration) error
	Restart(id supervisor.WorkerID) (supervisor.Info, error)
	Get(id supervisor.WorkerID) (supervisor.Info, bool)
}

// Options configure a Server.
type Options struct {
	// MasterHost and MasterPort are handed to worker processes so they can
	// dial back.
	MasterHost  string
	MasterPort  int
	StopTimeout time.Duration
}

// Server provides the HTTP API.
type Server struct {
	logger *slog.Logger
	store  store.Store
	master *master.Master
	sup    Supervisor
	opts   Options
}

// New creates a new HTTP server. sup may be nil, in which case the worker
// process endpoints answer 503.
func New(logger *slog.Logger, st store.Store, m *master.Master, sup Supervisor, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Server{
		logger: logger,
		store:  st,
		master: m,
		sup:    sup,
		opts:   opts,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/v1/accounts", s.handleAccounts)
	mux.HandleFunc("/api/v1/accounts/{id}", s.handleAccount)
	mux.HandleFunc("/api/v1/accounts/{id}/assign", s.handleAssign)

	mux.HandleFunc("/api/v1/workers", s.handleWorkers)
	mux.HandleFunc("/api/v1/workers/{id}", s.handleWorker)
	mux.HandleFunc("/api/v1/workers/{id}/{action}", s.handleWorkerAction)

	mux.HandleFunc("/api/v1/proxies", s.handleProxies)
	mux.HandleFunc("/api/v1/proxies/{id}", s.handleProxy)

	mux.HandleFunc("/api/v1/channels", s.handleChannels)

	mux.HandleFunc("/ws/worker", s.master.HandleWorker)
	mux.HandleFunc("/ws/monitor", s.master.HandleViewer)
	return mux
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": len(s.master.Workers()),
	})
}

// --- accounts ---

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		accounts, err := s.store.ListAccounts(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  accounts,
			"count": len(accounts),
		})
	case http.MethodPost:
		var a store.Account
		if !decodeBody(w, r, &a) {
			return
		}
		if a.ID == "" || a.Platform == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and platform are required"})
			return
		}
		a.WorkerStatus, a.LoginStatus, a.LastError = "", "", ""
		if err := s.store.CreateAccount(r.Context(), &a); err != nil {
			writeError(w, err)
			return
		}
		s.refresh(r.Context(), a.ID)
		writeJSON(w, http.StatusCreated, a)
	default:
		methodNotAllowed(w)
	}
}

// accountPatch holds the operator-editable account fields. Unset fields
// keep their value.
// accountView adds the last status the owning worker reported, including
// failure health and tab usage.
type accountView struct {
	*store.Account
	Runtime *reporter.AccountStatus `json:"runtime,omitempty"`
}

type accountPatch struct {
	Platform        *string `json:"platform"`
	Name            *string `json:"name"`
	ProxyID         *string `json:"proxy_id"`
	MonitorInterval *int    `json:"monitor_interval"`
	Enabled         *bool   `json:"enabled"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		a, err := s.store.FindAccount(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		v := accountView{Account: a}
		if st, ok := s.master.ReportedStatus(inbox.AccountID(id)); ok {
			v.Runtime = &st
		}
		writeJSON(w, http.StatusOK, v)
	case http.MethodPut:
		a, err := s.store.FindAccount(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		var p accountPatch
		if !decodeBody(w, r, &p) {
			return
		}
		if p.Platform != nil {
			a.Platform = *p.Platform
		}
		if p.Name != nil {
			a.Name = *p.Name
		}
		if p.ProxyID != nil {
			a.ProxyID = *p.ProxyID
		}
		if p.MonitorInterval != nil {
			if *p.MonitorInterval <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "monitor_interval must be positive"})
				return
			}
			a.MonitorInterval = *p.MonitorInterval
		}
		if p.Enabled != nil {
			a.Enabled = *p.Enabled
		}
		if err := s.store.UpdateAccount(ctx, a); err != nil {
			writeError(w, err)
			return
		}
		s.refresh(ctx, id)
		writeJSON(w, http.StatusOK, a)
	case http.MethodDelete:
		if s.master.Inbox().HasData(inbox.AccountID(id)) && r.URL.Query().Get("force") != "true" {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "account still has monitored data; retry with ?force=true"})
			return
		}
		if err := s.store.DeleteAccount(ctx, id); err != nil {
			writeError(w, err)
			return
		}
		s.refresh(ctx, id)
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := s.master.AssignAccount(r.Context(), inbox.AccountID(id), body.WorkerID); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.store.FindAccount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) refresh(ctx context.Context, accountID string) {
	if err := s.master.Refresh(ctx, inbox.AccountID(accountID)); err != nil {
		s.logger.Error("refresh account", "account_id", accountID, "error", err)
	}
}

// --- workers ---

// workerView joins a worker config with its process and session state.
type workerView struct {
	store.WorkerConfig
	Process   *supervisor.Info   `json:"process,omitempty"`
	Session   *master.WorkerInfo `json:"session,omitempty"`
	Connected bool               `json:"connected"`
}

func (s *Server) view(cfg store.WorkerConfig, sessions map[string]master.WorkerInfo) workerView {
	v := workerView{WorkerConfig: cfg}
	if s.sup != nil {
		if info, ok := s.sup.Get(supervisor.WorkerID(cfg.ID)); ok {
			v.Process = &info
		}
	}
	if info, ok := sessions[cfg.ID]; ok {
		v.Session = &info
		v.Connected = true
	}
	return v
}

func (s *Server) sessions() map[string]master.WorkerInfo {
	out := make(map[string]master.WorkerInfo)
	for _, info := range s.master.Workers() {
		out[info.ID] = info
	}
	return out
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		configs, err := s.store.ListWorkerConfigs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		sessions := s.sessions()
		views := make([]workerView, 0, len(configs))
		for _, cfg := range configs {
			views = append(views, s.view(cfg, sessions))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  views,
			"count": len(views),
		})
	case http.MethodPost:
		var cfg store.WorkerConfig
		if !decodeBody(w, r, &cfg) {
			return
		}
		if cfg.ID == "" || cfg.Command == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and command are required"})
			return
		}
		if err := s.store.CreateWorkerConfig(r.Context(), &cfg); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cfg)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.store.FindWorkerConfig(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.view(*cfg, s.sessions()))
	case http.MethodDelete:
		accounts, err := s.store.ListAccounts(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		if s.sup != nil {
			if _, running := s.sup.Get(supervisor.WorkerID(id)); running {
				if err := s.sup.Stop(supervisor.WorkerID(id), s.opts.StopTimeout); err != nil {
					writeError(w, err)
					return
				}
			}
		}
		if err := s.store.DeleteWorkerConfig(ctx, id); err != nil {
			writeError(w, err)
			return
		}
		for _, a := range accounts {
			if a.WorkerID == id {
				s.refresh(ctx, a.ID)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleWorkerAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.sup == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "worker supervision is disabled"})
		return
	}
	id := supervisor.WorkerID(r.PathValue("id"))
	switch action := r.PathValue("action"); action {
	case "start":
		cfg, err := s.store.FindWorkerConfig(r.Context(), string(id))
		if err != nil {
			writeError(w, err)
			return
		}
		info, err := s.sup.Start(id, cfg.Supervisor(s.opts.MasterHost, s.opts.MasterPort))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case "stop":
		if err := s.sup.Stop(id, s.opts.StopTimeout); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"stopped": string(id)})
	case "restart":
		info, err := s.sup.Restart(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action " + action})
	}
}

// --- proxies ---

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		proxies, err := s.store.ListProxies(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  proxies,
			"count": len(proxies),
		})
	case http.MethodPost:
		var p store.Proxy
		if !decodeBody(w, r, &p) {
			return
		}
		if p.ID == "" || p.URL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and url are required"})
			return
		}
		if err := s.store.CreateProxy(r.Context(), &p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteProxy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	channels := s.master.Inbox().ProjectChannels()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  channels,
		"count": len(channels),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

// writeError maps store and supervisor sentinels to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, supervisor.ErrUnknownWorker):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrExists), errors.Is(err, supervisor.ErrAlreadyRunning):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
