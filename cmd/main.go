package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"messaging-core/handler"
	"messaging-core/internal/config"
	"messaging-core/internal/directory"
	"messaging-core/internal/ingest"
	"messaging-core/internal/integrations/paramstore"
	"messaging-core/internal/integrations/queue"
	"messaging-core/internal/ledger"
	"messaging-core/internal/replica"
	"messaging-core/internal/repository"
	"messaging-core/internal/repository/memory"
	"messaging-core/internal/repository/metrics"
	"messaging-core/internal/repository/sqlstore"
	"messaging-core/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Storage ----
	backend, closeBackend, err := openBackend(ctx, cfg, awsCfg)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}
	defer closeBackend()

	// Lambda invocations are never scraped, so metrics only exist in poller mode.
	store := backend
	var reg *prometheus.Registry
	dispatcherOpts := []ingest.DispatcherOption{ingest.WithLogger(logger)}
	if cfg.MetricsEnabled() {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		store = metrics.Wrap(backend, cfg.StoreBackend, metrics.NewCollectors(reg))
		dispatcherOpts = append(dispatcherOpts, ingest.WithRegisterer(reg))
	}

	// ---- Components ----
	dir, err := directory.New(store, directory.WithCacheTTL(cfg.ProfileCacheTTL), directory.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create directory", "err", err)
		os.Exit(1)
	}
	defer dir.Close()

	replicas, err := replica.New(store, logger)
	if err != nil {
		slog.Error("failed to create replica store", "err", err)
		os.Exit(1)
	}
	messages, err := ledger.New(store)
	if err != nil {
		slog.Error("failed to create ledger", "err", err)
		os.Exit(1)
	}
	reconciler, err := replica.NewReconciler(replicas, messages)
	if err != nil {
		slog.Error("failed to create reconciler", "err", err)
		os.Exit(1)
	}

	sqsClient := awssqs.NewFromConfig(awsCfg)
	svcOpts := []usecase.Option{usecase.WithLogger(logger)}
	if cfg.RepairQueueURL != "" {
		repairQueue, err := queue.New(sqsClient, cfg.RepairQueueURL)
		if err != nil {
			slog.Error("failed to create repair queue client", "err", err)
			os.Exit(1)
		}
		publisher, err := ingest.NewRepairPublisher(repairQueue, logger)
		if err != nil {
			slog.Error("failed to create repair publisher", "err", err)
			os.Exit(1)
		}
		svcOpts = append(svcOpts, usecase.WithRepairScheduler(publisher))
	}
	conversations, err := usecase.NewConversationService(dir, replicas, messages, svcOpts...)
	if err != nil {
		slog.Error("failed to create conversation service", "err", err)
		os.Exit(1)
	}

	dispatcher, err := ingest.NewDispatcher(dir, conversations, reconciler, dispatcherOpts...)
	if err != nil {
		slog.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}

	// ---- Entry point ----
	switch cfg.RunMode {
	case config.ModePoller:
		if err := runPoller(cfg, sqsClient, dispatcher, reg, logger); err != nil {
			slog.Error("poller exited", "err", err)
			os.Exit(1)
		}
	default:
		h, err := handler.NewHandler(dispatcher, logger)
		if err != nil {
			slog.Error("failed to create handler", "err", err)
			os.Exit(1)
		}
		lambda.Start(h.Handle)
	}
}

func openBackend(ctx context.Context, cfg config.Config, awsCfg aws.Config) (metrics.Backend, func(), error) {
	noop := func() {}
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return memory.New(), noop, nil
	case config.BackendDynamoDB:
		c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		return c, noop, err
	}

	var params paramstore.Getter
	if cfg.DatabaseURLParam != "" {
		c, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, noop, err
		}
		params = c
	}
	dsn, err := paramstore.Resolve(ctx, params, cfg.DatabaseURL, cfg.DatabaseURLParam)
	if err != nil {
		return nil, noop, err
	}

	var s *sqlstore.Store
	if cfg.StoreBackend == config.BackendSQLite {
		s, err = sqlstore.OpenSQLite(dsn)
	} else {
		s, err = sqlstore.OpenPostgres(dsn)
	}
	if err != nil {
		return nil, noop, err
	}
	closeStore := func() {
		if err := s.Close(); err != nil {
			slog.Warn("closing store", "err", err)
		}
	}
	if cfg.MigrateAtStart {
		slog.Info("running migration", "backend", cfg.StoreBackend)
		if err := s.Migrate(ctx); err != nil {
			closeStore()
			return nil, noop, err
		}
	}
	return s, closeStore, nil
}

func runPoller(cfg config.Config, sqsClient *awssqs.Client, d *ingest.Dispatcher, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ingestQueue, err := queue.New(sqsClient, cfg.IngestQueueURL)
	if err != nil {
		return err
	}
	poller, err := ingest.NewPoller(ingestQueue, d,
		ingest.WithBatch(cfg.PollMaxMessages, cfg.PollWaitSeconds),
		ingest.WithPollerLogger(logger))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", "addr", cfg.MetricsAddr, "err", err)
		}
	}()

	runErr := poller.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return runErr
}
