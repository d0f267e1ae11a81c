package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hostbound/tunneld/internal/api"
	"github.com/hostbound/tunneld/internal/cloudflare"
	"github.com/hostbound/tunneld/internal/config"
	"github.com/hostbound/tunneld/internal/debughttp"
	"github.com/hostbound/tunneld/internal/events"
	ilog "github.com/hostbound/tunneld/internal/log"
	"github.com/hostbound/tunneld/internal/manager"
	"github.com/hostbound/tunneld/internal/reconcile"
	"github.com/hostbound/tunneld/internal/secrets"
	"github.com/hostbound/tunneld/internal/store"
	"github.com/hostbound/tunneld/internal/supervise"
)

func runServe(ctx context.Context, args []string) int {
	cfg, err := config.ParseServeFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "serve config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	records, err := store.Open(filepath.Join(cfg.DataDir, "tunnels"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "record store error:", err)
		return 1
	}

	sec, err := secrets.Open(cfg.DataDir, cfg.MasterKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "secrets store error:", err)
		return 1
	}
	if !sec.Encrypted() {
		logger.Warn("no master key configured, credentials are stored in plaintext")
	}

	journal, err := events.Open(cfg.EventDBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "event journal error:", err)
		return 1
	}
	defer func() { _ = journal.Close() }()

	apiClient := cloudflare.New(ilog.Component(logger, "cloudflare"),
		cloudflare.WithBaseURL(cfg.APIBaseURL),
		cloudflare.WithQuota(cfg.QuotaPerMinute))
	account, err := apiClient.Authenticate(ctx, cfg.APIToken, cfg.AccountID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "control plane authentication error:", err)
		return 1
	}
	logger.Info("authenticated", "account_id", account.ID, "account", account.Name)
	if err := sec.SaveAccountToken(account.ID, cfg.APIToken); err != nil {
		fmt.Fprintln(os.Stderr, "saving account token failed:", err)
		return 1
	}

	sup, err := supervise.New(supervise.Config{
		BinaryPath:   cfg.CloudflaredPath,
		ConfigDir:    filepath.Join(cfg.DataDir, "configs"),
		StartGrace:   cfg.StartGrace,
		StopTimeout:  cfg.StopTimeout,
		RestartDelay: cfg.RestartDelay,
		MaxRestarts:  cfg.MaxRestarts,
		MetricsPort:  cfg.MetricsPort,
		DebugLogs:    cfg.CloudflaredLog,
		Notify: func(tunnelID, kind, detail string) {
			if err := journal.Record(context.Background(), tunnelID, kind, detail); err != nil {
				logger.Warn("event journal write failed", "tunnel_id", tunnelID, "kind", kind, "err", err)
			}
		},
	}, ilog.Component(logger, "supervise"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "supervisor error:", err)
		return 1
	}

	resolver := reconcile.New(apiClient, sup, cfg.StatusTTL, ilog.Component(logger, "reconcile"))
	mgr := manager.New(cfg, ilog.Component(logger, "manager"), records, sec, apiClient, sup, resolver, journal)

	if err := debughttp.StartPprofServer(ctx, cfg.DebugAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	mgr.StartAutostarted(ctx)
	go runJanitor(ctx, journal, cfg.CleanupInterval, cfg.EventRetention, logger)

	srv := api.New(mgr, ilog.Component(logger, "api"))
	serveErr := srv.Run(ctx, cfg.ListenAddr)

	// Shut down child processes before exiting so no cloudflared is
	// orphaned past the daemon.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+time.Second)
	defer cancel()
	for _, rec := range records.List() {
		if err := sup.Stop(stopCtx, rec.ID); err != nil {
			logger.Warn("shutdown stop failed", "tunnel_id", rec.ID, "err", err)
		}
	}

	if serveErr != nil {
		fmt.Fprintln(os.Stderr, "api server error:", serveErr)
		return 1
	}
	return 0
}

// runJanitor periodically prunes journal entries past the retention
// horizon.
func runJanitor(ctx context.Context, journal *events.Store, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := journal.PurgeOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("event journal purge failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("purged old events", "count", n)
			}
		}
	}
}
