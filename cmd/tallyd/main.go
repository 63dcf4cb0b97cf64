package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/civitas/tally/pkg/api"
	"github.com/civitas/tally/pkg/audit"
	"github.com/civitas/tally/pkg/broker"
	"github.com/civitas/tally/pkg/config"
	"github.com/civitas/tally/pkg/credentials"
	"github.com/civitas/tally/pkg/cryptoclient"
	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/manager"
	"github.com/civitas/tally/pkg/planner"
	"github.com/civitas/tally/pkg/scheduler"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/tracker"
	"github.com/civitas/tally/pkg/worker"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tallyd",
		Short: "Verifiable tally orchestration daemon",
		Long:  "tallyd chunks cast ballots, schedules tally and decryption jobs fairly across guardians, and drives the external crypto service through a bounded connection pool.",
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tallyd %s (%s)\n", version, commit)
		},
	}
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stdout,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Msg("starting tallyd")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	brk, err := broker.NewBroker(cfg.DataDir, broker.Options{
		TTL:       cfg.QueueTTL,
		MaxLength: cfg.QueueMaxLength,
	})
	if err != nil {
		return err
	}
	defer brk.Close()

	crypto := cryptoclient.NewClient(cryptoclient.Config{
		BaseURL:         cfg.CryptoServiceURL,
		MaxTotal:        cfg.PoolMaxTotal,
		MaxPerHost:      cfg.PoolMaxPerHost,
		ConnTTL:         cfg.ConnTTL,
		IdleValidation:  cfg.IdleValidation,
		AcquireTimeout:  cfg.AcquireTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
	})
	defer crypto.Close()

	var sink audit.Sink = audit.NopSink{}
	if cfg.AuditSinkURL != "" {
		httpSink := audit.NewHTTPSink(cfg.AuditSinkURL)
		defer httpSink.Close()
		sink = httpSink
	}

	sched := scheduler.NewScheduler(store, brk, scheduler.Options{
		TickInterval: cfg.TickInterval,
		MaxRetries:   cfg.MaxRetries,
		Backoffs:     cfg.RetryBackoffs,
	})

	plan := planner.NewPlanner(store, cfg.ChunkSize)
	trk := tracker.NewTracker(store, credentials.NewUnsealer())
	mgr := manager.NewManager(store, plan, sched, trk, crypto, sink)

	pool := worker.NewPool(brk, store, crypto, sched, mgr, cfg.WorkerConcurrency)

	sched.Start()
	pool.Start(context.Background())

	server := api.NewServer(mgr, brk, cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	sched.Stop()
	if err := pool.Stop(); err != nil {
		logger.Error().Err(err).Msg("worker pool shutdown failed")
	}

	logger.Info().Msg("tallyd stopped")
	return nil
}
