package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/pkg/ack"
	"github.com/roostlabs/roost/pkg/alert"
	"github.com/roostlabs/roost/pkg/api"
	"github.com/roostlabs/roost/pkg/archive"
	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/dispatch"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/ingest"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/partition"
	"github.com/roostlabs/roost/pkg/reconcile"
	"github.com/roostlabs/roost/pkg/registry"
	"github.com/roostlabs/roost/pkg/store"
)

// defaultBloatware seeds the shell allow-list's disable table. Fleet
// operators extend this via configuration in a later release.
// TODO: move the bloatware table into config once the agent reports
// carrier preloads.
var defaultBloatware = []string{
	"com.facebook.appmanager",
	"com.facebook.services",
	"com.facebook.system",
	"com.samsung.android.bixby.agent",
	"com.samsung.android.game.gamehome",
	"com.microsoft.skydrive",
	"com.netflix.partner.activation",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Roost control-plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to config file (YAML)")
}

func runServe(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	logger.Info().Str("data_dir", cfg.DataDir).Msg("Store opened")

	journal, err := events.OpenJournal(cfg.DataDir, 10000)
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	defer journal.Close()

	queue := events.NewQueue(cfg.Events.QueueSize, journal)
	queue.Start()
	defer queue.Stop()

	backend, err := buildArchiveBackend(cfg)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	partitions := partition.NewManager(st, backend, queue, cfg.Heartbeat, owner)
	reconciler := reconcile.NewJob(st, queue, cfg, owner)

	pusher := dispatch.NewFCMClient(cfg.Push.Endpoint, time.Duration(cfg.Push.TimeoutSec)*time.Second)
	shell := dispatch.NewShellValidator(cfg.AgentPackage, defaultBloatware)
	dispatcher := dispatch.NewDispatcher(st, pusher, queue, shell, cfg.HMACKey)

	ingestor := ingest.NewIngestor(st, queue, cfg, dispatcher)
	receiver := ack.NewReceiver(st)
	reg := registry.NewRegistry(st, queue, cfg)
	evaluator := alert.NewEvaluator(st, queue, cfg)

	// Partitions for today and the create-ahead window must exist before
	// the first heartbeat lands
	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := partitions.Run(startCtx); err != nil {
		logger.Warn().Err(err).Msg("Startup partition run failed")
	}
	cancel()

	partitions.Start()
	defer partitions.Stop()
	reconciler.Start()
	defer reconciler.Stop()
	evaluator.Start()
	defer evaluator.Stop()

	server := api.NewServer(cfg, st, ingestor, dispatcher, receiver, reg, partitions, reconciler, journal)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Graceful shutdown incomplete")
	}
	return nil
}

func buildArchiveBackend(cfg *config.Config) (archive.Backend, error) {
	switch cfg.Archive.Backend {
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return archive.NewS3Backend(ctx, archive.S3Config{
			Endpoint:  cfg.Archive.S3Endpoint,
			Bucket:    cfg.Archive.S3Bucket,
			AccessKey: cfg.Archive.S3AccessKey,
			SecretKey: cfg.Archive.S3SecretKey,
			Secure:    cfg.Archive.S3UseSSL,
		})
	default:
		dir := cfg.Archive.Dir
		if dir == "" {
			dir = cfg.DataDir + "/archive"
		}
		return archive.NewLocalBackend(dir)
	}
}
