// Command syncd runs the offline-first sync engine as a standalone daemon:
// it wires LocalStore, Outbox, ConflictResolver, RemoteAdapter, AuthGate,
// RealtimeManager, SyncEngine, NetworkMonitor, and DataAPI together, and
// serves a debug endpoint over the resulting diagnostic snapshot. The
// command shape (persistent flags, RunE, graceful shutdown on
// SIGINT/SIGTERM) follows the teacher's cmd/maxiofs/main.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/offlinesync/syncengine/internal/authgate"
	"github.com/offlinesync/syncengine/internal/config"
	"github.com/offlinesync/syncengine/internal/conflict"
	"github.com/offlinesync/syncengine/internal/dataapi"
	"github.com/offlinesync/syncengine/internal/deviceid"
	"github.com/offlinesync/syncengine/internal/localstore"
	"github.com/offlinesync/syncengine/internal/metrics"
	"github.com/offlinesync/syncengine/internal/netmon"
	"github.com/offlinesync/syncengine/internal/outbox"
	"github.com/offlinesync/syncengine/internal/realtime"
	"github.com/offlinesync/syncengine/internal/remote"
	"github.com/offlinesync/syncengine/internal/syncengine"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "syncd",
		Short:   "syncd - offline-first sync engine daemon",
		Long:    `syncd embeds LocalStore, the Outbox, ConflictResolver, RemoteAdapter, AuthGate, RealtimeManager, SyncEngine, and NetworkMonitor behind a DataAPI and a debug HTTP surface.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    run,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "LocalStore data directory")
	rootCmd.PersistentFlags().StringP("backend", "", "pebble", "LocalStore backend (pebble or badger)")
	rootCmd.PersistentFlags().StringP("backend-url", "", "", "Remote backend base URL")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("prefix", "", "syncd", "Realtime channel name prefix")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	setupLogging(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{"version": version, "commit": commit, "date": date}).Info("starting syncd")

	store, err := localstore.Open(localstore.Options{DataDir: cfg.DataDir, Backend: localstore.Backend(cfg.Backend), Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("failed to close local store")
		}
	}()

	deviceID, err := deviceid.Load(store)
	if err != nil {
		return fmt.Errorf("failed to load device id: %w", err)
	}
	logger.WithField("deviceId", deviceID).Info("device identity resolved")

	ob := outbox.New(store, logger)
	adapter := remote.NewHTTPAdapter(cfg.BackendURL, http.DefaultClient, logger)
	resolver := buildResolver(store, logger, cfg)
	auth := authgate.New(adapter, logger)

	tableNames := make([]string, 0, len(cfg.Tables))
	for _, t := range cfg.Tables {
		tableNames = append(tableNames, t.RemoteName)
	}
	realtimeMgr := realtime.New(adapter, store, ob, resolver, deviceID, cfg.Prefix, tableNames, logger)

	metricsMgr := metrics.NewManager()

	// The online checker and the recently-modified checker both close a
	// cycle: the engine needs DataAPI's dedup check and the monitor's
	// liveness probe, but DataAPI and the monitor each need the engine (as
	// a Nudger/Syncer) to exist first. Both are wired through a deferred
	// cell assigned once their real owner is constructed below.
	var onlineFn func() bool = func() bool { return true }
	var recentModFn func(string, time.Time) bool = func(string, time.Time) bool { return false }
	engine := syncengine.New(store, ob, adapter, resolver, auth, realtimeMgr, recentModCell(&recentModFn), realtimeMgr, deviceID, cfg, logger,
		syncengine.WithMetrics(metricsMgr),
		syncengine.WithOnlineChecker(func() bool { return onlineFn() }),
	)

	monitor := netmon.New(netmon.Config{
		OnlineReconnectCooldownMs: cfg.OnlineReconnectCooldownMs,
		VisibilitySyncMinAwayMs:   cfg.VisibilitySyncMinAwayMs,
		OnAuthKicked: func(reason string) {
			logger.WithField("reason", reason).Warn("session rejected after reconnect, outbox cleared")
		},
	}, auth, realtimeMgr, ob, engine, logger)
	onlineFn = monitor.Online

	api := dataapi.New(store, adapter, deviceID, logger, dataapi.WithNudger(engine), dataapi.WithOnlineChecker(monitor.Online))
	recentModFn = api.WasRecentlyModified
	_ = api // exposed to embedding applications; not otherwise driven by this daemon

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	defer engine.Shutdown()
	monitor.Start(ctx)
	defer monitor.Stop()

	if userID := auth.GetUserID(ctx); userID != "" {
		realtimeMgr.Start(ctx, userID)
		if err := engine.Hydrate(ctx); err != nil {
			logger.WithError(err).Warn("startup hydration failed")
		}
	} else {
		logger.Warn("no authenticated session at startup; sync deferred until one is available")
	}
	defer realtimeMgr.Stop()

	srv := newDebugServer(cfg.MetricsListen, engine, metricsMgr, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("debug server error")
		}
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logger.Info("received shutdown signal")
		cancel()
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("failed to shut down debug server")
	}

	logger.Info("syncd stopped")
	return nil
}

// recentModCellFn adapts a pointer-to-func cell into a
// syncengine.RecentlyModifiedChecker, so the engine can be constructed
// before the DataAPI instance that actually answers the check exists.
type recentModCellFn func(string, time.Time) bool

func recentModCell(fn *func(string, time.Time) bool) recentModCellFn {
	return func(entityID string, now time.Time) bool { return (*fn)(entityID, now) }
}

func (f recentModCellFn) WasRecentlyModified(entityID string, now time.Time) bool { return f(entityID, now) }

func buildResolver(store *localstore.Store, logger *logrus.Logger, cfg *config.Config) *conflict.Resolver {
	var opts []conflict.Option
	for _, t := range cfg.Tables {
		local := t.LocalName
		if local == "" {
			local = t.RemoteName
		}
		if len(t.ExcludeFromConflict) > 0 {
			opts = append(opts, conflict.WithExcludedFields(local, t.ExcludeFromConflict...))
		}
		if len(t.NumericMergeFields) > 0 {
			opts = append(opts, conflict.WithNumericMergeFields(local, t.NumericMergeFields...))
		}
	}
	return conflict.New(store, logger, opts...)
}

func newDebugServer(listen string, engine *syncengine.Engine, metricsMgr metrics.Manager, logger *logrus.Logger) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/debug/sync", func(w http.ResponseWriter, r *http.Request) {
		writeDebugSnapshot(w, engine, metricsMgr)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metricsMgr.Handler()).Methods(http.MethodGet)

	return &http.Server{
		Addr:         listen,
		Handler:      handlers.RecoveryHandler()(router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// debugSnapshot is the JSON body served at /debug/sync: the engine's
// user-visible status plus the metrics manager's diagnostic snapshot.
type debugSnapshot struct {
	Status    string                `json:"status"`
	LastError *syncengine.LastError `json:"lastError,omitempty"`
	Metrics   metrics.DiagnosticSnapshot `json:"metrics"`
}

func writeDebugSnapshot(w http.ResponseWriter, engine *syncengine.Engine, metricsMgr metrics.Manager) {
	status, lastErr := engine.Status()
	snap := debugSnapshot{
		Status:    string(status),
		LastError: lastErr,
		Metrics:   metricsMgr.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func setupLogging(logger *logrus.Logger, level string) {
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
}
