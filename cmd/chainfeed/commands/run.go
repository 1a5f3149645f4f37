// Package commands implements CLI command handlers for chainfeed.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/chainfeed/pkg/blob"
	"github.com/Sumatoshi-tech/chainfeed/pkg/config"
	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest"
	"github.com/Sumatoshi-tech/chainfeed/pkg/ingest/progress"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
	"github.com/Sumatoshi-tech/chainfeed/pkg/observability"
	"github.com/Sumatoshi-tech/chainfeed/pkg/version"
	"github.com/Sumatoshi-tech/chainfeed/pkg/workers"
)

// NewRunCommand builds the `run` subcommand: the long-running
// ingestion daemon.
func NewRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion daemon",
		Long: `Run starts the checkpoint ingestion pipeline with the tasks from the
configuration file and shuts down cleanly on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			return runDaemon(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	return cmd
}

func runDaemon(parent context.Context, cfg *config.Config) error {
	providers, err := observability.Init(observability.Config{
		ServiceName:    "chainfeed",
		ServiceVersion: version.Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		OTLPInsecure:   cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogLevel:       parseLogLevel(cfg.Logging.Level),
		LogJSON:        strings.EqualFold(cfg.Logging.Format, "json"),
	})
	if err != nil {
		return err
	}

	logger := providers.Logger
	slog.SetDefault(logger)

	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildProgressStore(ctx, cfg.Progress, logger)
	if err != nil {
		return err
	}

	registry := observability.NewRegistry()
	metrics := ingest.NewMetrics(registry)
	executor := ingest.NewExecutor(store, metrics, logger)

	for _, task := range cfg.Tasks {
		pool, err := buildPool(ctx, task, metrics, logger)
		if err != nil {
			return fmt.Errorf("task %q: %w", task.Name, err)
		}

		if err := executor.Register(ctx, pool); err != nil {
			return fmt.Errorf("register task %q: %w", task.Name, err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return observability.ServeMetrics(groupCtx, cfg.Metrics.Addr, registry, logger)
		})
	}

	group.Go(func() error {
		stats, err := executor.Run(groupCtx, ingest.ExecutorConfig{
			Path:               cfg.Path,
			RemoteStoreURL:     cfg.RemoteStoreURL,
			RemoteStoreOptions: cfg.RemoteStoreOptions,
			Reader: ingest.ReaderOptions{
				TickInterval: cfg.Reader.TickInterval,
				FetchTimeout: cfg.Reader.FetchTimeout,
				BatchSize:    cfg.Reader.BatchSize,
				DataLimit:    cfg.Reader.DataLimit,
			},
		})

		for task, watermark := range stats {
			logger.Info("final watermark",
				slog.String("task", task),
				slog.Uint64("sequence", watermark))
		}

		return err
	})

	return group.Wait()
}

func buildProgressStore(ctx context.Context, cfg config.ProgressConfig, logger *slog.Logger) (progress.Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return progress.NewFileStore(cfg.Path, logger), nil
	case config.BackendSQLite:
		return progress.NewSQLiteStore(cfg.Path)
	case config.BackendMongo:
		return progress.NewMongoStore(ctx, cfg.URI, cfg.Database, cfg.Collection)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}

func buildPool(ctx context.Context, task config.TaskConfig, metrics *ingest.Metrics, logger *slog.Logger) (ingest.Pool, error) {
	switch task.Kind {
	case config.TaskKindBlob:
		store, err := objstore.New(task.StoreURL, task.StoreOptions)
		if err != nil {
			return nil, err
		}

		return ingest.NewWorkerPool[uint64](
			workers.NewBlobWorker(store), task.Name, task.Concurrency,
			ingest.WithPoolMetrics[uint64](metrics),
			ingest.WithPoolLogger[uint64](logger),
		), nil

	case config.TaskKindKV:
		worker, err := workers.NewKVWorker(ctx, task.URI, task.Database, task.Collection)
		if err != nil {
			return nil, err
		}

		return ingest.NewWorkerPool[uint64](
			worker, task.Name, task.Concurrency,
			ingest.WithPoolMetrics[uint64](metrics),
			ingest.WithPoolLogger[uint64](logger),
		), nil

	case config.TaskKindHistorical:
		store, err := objstore.New(task.StoreURL, task.StoreOptions)
		if err != nil {
			return nil, err
		}

		compression, err := parseCompression(task.Compression)
		if err != nil {
			return nil, err
		}

		reducer, err := workers.NewHistoricalReducer(workers.HistoricalConfig{
			Store:          store,
			CommitDuration: task.CommitDuration,
			Compression:    compression,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}

		return ingest.NewWorkerPool[*ingest.Checkpoint](
			workers.RelayWorker{}, task.Name, task.Concurrency,
			ingest.WithReducer[*ingest.Checkpoint](reducer),
			ingest.WithPoolMetrics[*ingest.Checkpoint](metrics),
			ingest.WithPoolLogger[*ingest.Checkpoint](logger),
		), nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTaskKind, task.Kind)
	}
}

// parseCompression distinguishes "not configured" (nil, reducer
// default) from an explicit choice, so "none" stays selectable.
func parseCompression(name string) (*blob.FileCompression, error) {
	if name == "" {
		return nil, nil
	}

	compression, err := blob.ParseCompression(name)
	if err != nil {
		return nil, err
	}

	return &compression, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
