package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/harborlab/driftsync/internal/checkpoint"
	"github.com/harborlab/driftsync/internal/config"
	"github.com/harborlab/driftsync/internal/conflict"
	"github.com/harborlab/driftsync/internal/database"
	"github.com/harborlab/driftsync/internal/engine"
	"github.com/harborlab/driftsync/internal/health"
	"github.com/harborlab/driftsync/internal/history"
	"github.com/harborlab/driftsync/internal/ids"
	"github.com/harborlab/driftsync/internal/integrity"
	"github.com/harborlab/driftsync/internal/logging"
	"github.com/harborlab/driftsync/internal/orchestrator"
	"github.com/harborlab/driftsync/internal/queue"
	"github.com/harborlab/driftsync/internal/remote"
	"github.com/harborlab/driftsync/internal/replica"
	"github.com/harborlab/driftsync/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftsync-agent",
		Short: "Offline-first delta sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address for the control API")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Base URL of the remote entity API")
	cmd.PersistentFlags().String("remote-auth-token", "", "Bearer token for the remote API (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().StringSlice("entity-types", defaults.GetStringSlice("sync.entity_types"), "Entity types to synchronize, in order")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Background sync interval")
	cmd.PersistentFlags().String("sync-schedule", defaults.GetString("sync.schedule"), "Optional cron expression for recurring sync")
	cmd.PersistentFlags().Duration("run-timeout", defaults.GetDuration("sync.run_timeout"), "Per-run sync timeout")
	cmd.PersistentFlags().Int("max-retries", defaults.GetInt("queue.max_retries"), "Retry budget per queued action")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.auth_token", "remote-auth-token")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "sync.entity_types", "entity-types")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.schedule", "sync-schedule")
	bindFlag(cmd, "sync.run_timeout", "run-timeout")
	bindFlag(cmd, "queue.max_retries", "max-retries")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := ids.NewUUIDProvider()

	checkpoints, err := checkpoint.NewStore(db, time.Now)
	if err != nil {
		return err
	}
	replicaStore, err := replica.NewStore(db, time.Now)
	if err != nil {
		return err
	}
	actionQueue, err := queue.New(queue.Config{
		Database:          db,
		IDProvider:        idProvider,
		Clock:             time.Now,
		Logger:            logger,
		DefaultMaxRetries: appConfig.MaxRetries,
	})
	if err != nil {
		return err
	}

	tokenSource := remote.NewStaticTokenSource(appConfig.RemoteAuthToken)
	if expiry, ok := tokenSource.Expiry(); ok && time.Until(expiry) < 24*time.Hour {
		logger.Warn("remote auth token expires soon", zap.Time("expiry", expiry))
	}
	remoteClient, err := remote.NewClient(remote.Config{
		BaseURL:        appConfig.RemoteBaseURL,
		TokenSource:    tokenSource,
		RequestTimeout: appConfig.RequestTimeout,
		PageSize:       appConfig.QueuePageSize,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	conflicts, err := conflict.NewStore(db)
	if err != nil {
		return err
	}
	detector, err := conflict.NewDetector(conflict.DetectorConfig{
		IDProvider: idProvider,
		Clock:      time.Now,
	})
	if err != nil {
		return err
	}
	resolver, err := conflict.NewResolver(conflict.ResolverConfig{
		Store:    conflicts,
		Registry: conflict.NewRegistry(),
		Replica:  replicaStore,
		Enqueuer: actionQueue,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	historyStore, err := history.NewStore(db, idProvider, appConfig.HistoryRetention)
	if err != nil {
		return err
	}

	dispatcher := orchestrator.NewDispatcher()

	syncEngine, err := engine.New(engine.Config{
		Queue:       actionQueue,
		Remote:      remoteClient,
		Replica:     replicaStore,
		Checkpoints: checkpoints,
		Conflicts:   conflicts,
		Detector:    detector,
		Notifier:    orchestrator.NewEngineNotifier(dispatcher, time.Now),
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	syncOrchestrator, err := orchestrator.New(orchestrator.Config{
		Engine:      syncEngine,
		Queue:       actionQueue,
		History:     historyStore,
		Dispatcher:  dispatcher,
		EntityTypes: appConfig.EntityTypes,
		RunTimeout:  appConfig.RunTimeout,
		Interval:    appConfig.SyncInterval,
		Schedule:    appConfig.SyncSchedule,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	validator, err := integrity.NewValidator(integrity.Config{
		Replica:    replicaStore,
		Queue:      actionQueue,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	monitor := health.NewMonitor(health.MonitorConfig{
		Queue:     actionQueue,
		Conflicts: conflicts,
		History:   historyStore,
		Logger:    logger,
	})

	handler, stopEvents, err := server.NewHTTPHandler(server.Dependencies{
		Orchestrator: syncOrchestrator,
		Resolver:     resolver,
		Conflicts:    conflicts,
		Queue:        actionQueue,
		History:      historyStore,
		Health:       monitor,
		Integrity:    validator,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer stopEvents()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncOrchestrator.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Strings("entityTypes", appConfig.EntityTypes))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		syncOrchestrator.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		syncOrchestrator.Stop()
		return err
	}
}
