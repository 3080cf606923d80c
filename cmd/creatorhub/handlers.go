package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/internal/config"
	"github.com/elonfeng/creatorhub/internal/master"
	"github.com/elonfeng/creatorhub/internal/store"
	"github.com/elonfeng/creatorhub/internal/worker"
	"github.com/elonfeng/creatorhub/pkg/alert"
	"github.com/elonfeng/creatorhub/pkg/driver"
	"github.com/elonfeng/creatorhub/pkg/server"
	"github.com/elonfeng/creatorhub/pkg/supervisor"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

// startWorkers spawns every enabled worker config.
func startWorkers(ctx context.Context, db store.Store, sup *supervisor.Supervisor, cfg *config.Config, logger *slog.Logger) error {
	configs, err := db.ListWorkerConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list worker configs: %w", err)
	}
	for _, wc := range configs {
		if !wc.Enabled {
			continue
		}
		info, err := sup.Start(supervisor.WorkerID(wc.ID), wc.Supervisor(cfg.Master.Host, cfg.Master.Port))
		if err != nil {
			logger.Error("start worker", "worker_id", wc.ID, "error", err)
			continue
		}
		logger.Info("worker started", "worker_id", wc.ID, "pid", info.Pid)
	}
	return nil
}

func runMaster(port int, supervise bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Master.Port = port
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	alerts := buildAlertManager(cfg)
	if !alerts.HasNotifiers() {
		logger.Warn("no alert destinations configured")
	}

	clk := clock.Real()
	m := master.New(logger.With("component", "master"), clk, db, alerts, master.Options{
		ViewerRate:   cfg.Master.ViewerRate,
		ViewerBurst:  cfg.Master.ViewerBurst,
		ReplyTimeout: cfg.Master.ParseReplyTimeout(),
		SendBuffer:   cfg.Master.SendBuffer,
	})
	if err := m.Load(ctx); err != nil {
		return err
	}

	supOpts := cfg.Supervisor.Options()
	var sup *supervisor.Supervisor
	var api server.Supervisor
	if supervise {
		sup = supervisor.New(logger.With("component", "supervisor"), clk, supervisor.ExecSpawner{Logger: logger}, supOpts)
		api = sup
	}
	srv := server.New(logger.With("component", "http"), db, m, api, server.Options{
		MasterHost:  cfg.Master.Host,
		MasterPort:  cfg.Master.Port,
		StopTimeout: supOpts.StopTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Master.Addr())
	})
	if sup != nil {
		g.Go(func() error {
			m.WatchSupervisor(gctx, sup.Events())
			return nil
		})
		g.Go(func() error {
			return startWorkers(gctx, db, sup, cfg, logger)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	if sup != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), supOpts.StopTimeout+5*time.Second)
		if err := sup.StopAll(stopCtx); err != nil {
			logger.Error("stop workers", "error", err)
		}
		stop()
	}
	m.Close()
	return err
}

func runWorker(id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if id != "" {
		cfg.Worker.ID = id
	}
	if cfg.Worker.ID == "" {
		return errors.New("worker id is required (set --id or WORKER_ID)")
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	logger = logger.With("worker_id", cfg.Worker.ID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	drv := driver.NewRemote(cfg.Worker.DriverURL, cfg.Worker.DriverRate, cfg.Worker.DriverBurst)
	w := worker.New(logger, clock.Real(), drv, worker.Options{
		WorkerID:        cfg.Worker.ID,
		MasterURL:       fmt.Sprintf("ws://%s/ws/worker", cfg.Master.Addr()),
		StateDir:        cfg.Worker.StateDir,
		Version:         version,
		MonitorInterval: cfg.Worker.ParseMonitorInterval(),
		SyncInterval:    cfg.Worker.ParseSyncInterval(),
		StatusInterval:  cfg.Worker.ParseStatusInterval(),
		StatusBatch:     cfg.Worker.StatusBatch,
		LoginTimeout:    cfg.Worker.ParseLoginTimeout(),
	})
	logger.Info("worker starting", "pid", os.Getpid(), "master", cfg.Master.Addr(), "driver", cfg.Worker.DriverURL)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func runAccounts(jsonOutput bool) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	accounts, err := db.ListAccounts(context.Background())
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	}

	if len(accounts) == 0 {
		fmt.Println("no accounts (add one with POST /api/v1/accounts)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tNAME\tWORKER\tENABLED\tSTATUS\tLOGIN\tLAST CRAWL\tLAST ERROR")
	for _, a := range accounts {
		lastCrawl := "-"
		if a.LastCrawlAt > 0 {
			lastCrawl = time.UnixMilli(a.LastCrawlAt).Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			a.ID, a.Platform, a.Name, dash(a.WorkerID), a.Enabled,
			a.WorkerStatus, dash(a.LoginStatus), lastCrawl, dash(oneLine(a.LastError, 60)))
	}
	return w.Flush()
}

func runWorkers(jsonOutput bool) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	configs, err := db.ListWorkerConfigs(context.Background())
	if err != nil {
		return fmt.Errorf("list worker configs: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(configs)
	}

	if len(configs) == 0 {
		fmt.Println("no workers (add one with POST /api/v1/workers)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENABLED\tMAX ACCOUNTS\tCOMMAND")
	for _, c := range configs {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\n",
			c.ID, c.Enabled, c.MaxAccounts, strings.TrimSpace(c.Command+" "+strings.Join(c.Args, " ")))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
