// main package for the voicedrop-service: the async text-to-speech request
// pipeline (submission API, job queue workers, notification fan-out).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/voicedrop/voicedrop/internal/api"
	"github.com/voicedrop/voicedrop/internal/artifact"
	"github.com/voicedrop/voicedrop/internal/config"
	"github.com/voicedrop/voicedrop/internal/core"
	"github.com/voicedrop/voicedrop/internal/notify"
	"github.com/voicedrop/voicedrop/internal/queue"
	"github.com/voicedrop/voicedrop/internal/requeststore"
	"github.com/voicedrop/voicedrop/internal/synth"
	"github.com/voicedrop/voicedrop/internal/worker"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpShutdownTimeout   = 15 * time.Second
	pruneInterval         = time.Hour
	hoursPerDay           = 24
)

var (
	errNoArtifactBackend = errors.New(
		"no artifact backend configured: set artifact.local_dir or nats.audio_object_store_bucket")
	errUnknownEngine = errors.New("unknown synthesis engine")
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "voicedrop-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func loadConfig(configPath string, bootstrapLog *logger.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration file: %w", err)
		}

		return cfg, nil
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// buildSynthesizer selects the synthesis engine from configuration. Only the
// HTTP engine exposes a health probe.
func buildSynthesizer(cfg *config.Config, log *logger.Logger) (core.Synthesizer, api.HealthChecker, error) {
	timeout := time.Duration(cfg.Synthesis.TimeoutSeconds) * time.Second

	switch cfg.Synthesis.Engine {
	case "http":
		client := synth.NewHTTPClient(cfg.Synthesis.BaseURL, timeout)

		return client, client, nil
	case "command":
		engine, err := synth.NewCommandEngine(synth.CommandConfig{
			BinaryPath: cfg.Synthesis.BinaryPath,
			ModelPath:  cfg.Synthesis.ModelPath,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build command engine: %w", err)
		}

		return engine, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: '%s'", errUnknownEngine, cfg.Synthesis.Engine)
	}
}

// buildArtifactRegistry wires the configured artifact backends: a local
// filesystem store, a JetStream object store, or both.
func buildArtifactRegistry(
	cfg *config.Config,
	jetstreamContext nats.JetStreamContext,
) (*artifact.Registry, *artifact.FSStore, error) {
	var (
		stores  []core.ArtifactStore
		fsStore *artifact.FSStore
	)

	if cfg.Artifact.LocalDir != "" {
		store, err := artifact.NewFSStore(cfg.Artifact.LocalDir, cfg.Artifact.PublicBaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build filesystem artifact store: %w", err)
		}

		fsStore = store
		stores = append(stores, store)
	}

	if cfg.NATS.AudioObjectStoreBucket != "" {
		objectStore, err := artifact.NewNatsObjectStore(
			jetstreamContext,
			cfg.NATS.AudioObjectStoreBucket,
			cfg.Artifact.PublicBaseURL,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build object artifact store: %w", err)
		}

		stores = append(stores, objectStore)
	}

	if len(stores) == 0 {
		return nil, nil, errNoArtifactBackend
	}

	return artifact.NewRegistry(stores...), fsStore, nil
}

// pruneArtifacts sweeps expired local artifacts once an hour.
func pruneArtifacts(ctx context.Context, fsStore *artifact.FSStore, maxAge time.Duration, log *logger.Logger) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := fsStore.Prune(ctx, maxAge)
			if err != nil {
				log.Warn("Artifact prune failed: %v", err)

				continue
			}

			if removed > 0 {
				log.Info("Pruned %d expired artifacts", removed)
			}
		}
	}
}

// logQueueEvents drains queue lifecycle notifications into the service log
// until ctx is canceled.
func logQueueEvents(ctx context.Context, jobQueue *queue.NatsJobQueue, log *logger.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-jobQueue.Events():
			log.Info("Queue event %s: request=%s attempt=%d %s",
				event.Kind, event.RequestID, event.Attempt, event.Reason)
		}
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a TOML configuration file (defaults to the configurator)")
	flag.Parse()

	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := loadConfig(*configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return err
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return err
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("voicedrop-service"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at '%s': %w", cfg.NATS.URL, err)
	}

	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	db, err := requeststore.Connect(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store, err := requeststore.NewGormStore(db)
	if err != nil {
		return fmt.Errorf("failed to build request store: %w", err)
	}

	jobQueue, err := queue.New(jetstreamContext, queue.Options{
		Stream:       cfg.NATS.JobsStreamName,
		Consumer:     cfg.NATS.JobsConsumerName,
		Subject:      cfg.NATS.JobsSubject,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		StallTimeout: time.Duration(cfg.Worker.StallTimeoutSeconds) * time.Second,
		FetchWait:    0,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to build job queue: %w", err)
	}

	defer func() {
		closeErr := jobQueue.Close()
		if closeErr != nil {
			log.Warn("Failed to close job queue: %v", closeErr)
		}
	}()

	hub := notify.NewHub(natsConnection, cfg.NATS.NotifySubjectPrefix, log)

	synthesizer, health, err := buildSynthesizer(cfg, log)
	if err != nil {
		return err
	}

	registry, fsStore, err := buildArtifactRegistry(cfg, jetstreamContext)
	if err != nil {
		return err
	}

	pool, err := worker.NewPool(jobQueue, store, registry, synthesizer, hub, worker.Options{
		Workers: cfg.Worker.Count,
		Policy: core.RetryPolicy{
			MaxAttempts: cfg.Worker.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Worker.BackoffBaseMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Worker.BackoffMaxMs) * time.Millisecond,
		},
		SynthesisTimeout: time.Duration(cfg.Synthesis.TimeoutSeconds) * time.Second,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to build worker pool: %w", err)
	}

	apiServer := api.NewServer(store, store, jobQueue, hub, registry, api.Options{
		UseRemoteStorage: cfg.Artifact.UseRemoteStorage,
		Health:           health,
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	log.System("Voicedrop service initialized. API on %s, %d workers on subject %s",
		cfg.HTTP.ListenAddr, cfg.Worker.Count, cfg.NATS.JobsSubject)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return pool.Run(groupCtx)
	})

	group.Go(func() error {
		serveErr := httpServer.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", serveErr)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()

		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			return fmt.Errorf("http server shutdown failed: %w", shutdownErr)
		}

		return nil
	})

	group.Go(func() error {
		return logQueueEvents(groupCtx, jobQueue, log)
	})

	if fsStore != nil && cfg.Artifact.RetentionDays > 0 {
		maxAge := time.Duration(cfg.Artifact.RetentionDays) * hoursPerDay * time.Hour

		group.Go(func() error {
			return pruneArtifacts(groupCtx, fsStore, maxAge, log)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("service stopped: %w", err)
	}

	log.System("Voicedrop service shut down cleanly.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
