package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"FarmLedger/internal/config"
	"FarmLedger/internal/core"
	"FarmLedger/internal/ingestion"
	"FarmLedger/internal/keeper"
	"FarmLedger/internal/observability"
	"FarmLedger/internal/persistence"
	"FarmLedger/internal/projection"
	"FarmLedger/internal/query"
	"FarmLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.LogFile != "" && os.Getenv("FARM_LOG_FILE") == "" {
		os.Setenv("FARM_LOG_FILE", cfg.LogFile)
	}
	logger := observability.NewLogger("main")
	logger.Info().Msg("FarmLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	// appCtx stops the inputs; workerCtx outlives it so the pipeline drains.
	appCtx, stopApp := context.WithCancel(context.Background())
	defer stopApp()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(appCtx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(appCtx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Msg("postgres connected, migrations applied")

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db)

	// --- Channels ---
	// The persist channel blocks the engine when full; the projection
	// channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	// --- Engine ---
	engine, err := core.NewFarmingEngine(0, core.Params{
		RewardAsset:   cfg.RewardAsset,
		ClaimDeadline: cfg.ClaimDeadline,
		LRUCapacity:   cfg.IdempotencyLRUCapacity,
		Custodian:     cfg.CustodianAddress(),
		OracleHistory: cfg.OracleHistory,
	}, core.Deps{
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create engine")
	}

	lastSeq, err := recoverEngine(appCtx, engine, snapMgr, metrics, observability.NewLogger("recovery"))
	if err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}
	durable := newDurableMark(lastSeq)
	healthChecker.SetSequence(lastSeq)
	healthChecker.SetDurable(lastSeq)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(appCtx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(appCtx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.InboundChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := natsSubscriber.Subscribe(appCtx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	commandChan := make(chan ingestion.Command, 256)
	ingestService := ingestion.NewGRPCIngestService(commandChan)

	// --- Workers ---
	errChan := make(chan error, 16)
	var workers sync.WaitGroup
	goWorker := func(name string, fn func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	box := newOutbox(publishChan, metrics)
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistWorker.OnFlush(func(seq int64) {
		durable.advance(seq)
		healthChecker.SetDurable(seq)
		box.release(seq)
	})
	projWorker := projection.NewProjectionWorker(db, projectionCoreChan, metrics)
	publisher := ingestion.NewOutboundPublisher(js, publishChan)

	persistDone := make(chan struct{})
	goWorker("persistence", func() error {
		defer close(persistDone)
		return persistWorker.Run(workerCtx)
	})
	goWorker("projection", func() error { return projWorker.Run(workerCtx) })
	goWorker("publisher", func() error { return publisher.Run(workerCtx) })
	goWorker("bridge", func() error {
		defer close(persistWorkerChan)
		bridgeOutputs(workerCtx, persistCoreChan, persistWorkerChan, box, metrics)
		return nil
	})

	loop := newEngineLoop(engine, rawEventChan, commandChan, healthChecker)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("engine loop: %w", err)
		}
	}()

	ops := &adminOps{
		loop:        loop,
		snapMgr:     snapMgr,
		projections: projWorker,
		durable:     durable,
		metrics:     metrics,
		logger:      observability.NewLogger("admin"),
	}

	// --- Servers ---
	queryService := query.NewQueryService(db, metrics)
	farmService := server.NewFarmService(ingestService, queryService, ops)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       farmService,
		Auth:          server.NewAdminAuth(cfg.AdminJWTSecret),
		HealthChecker: healthChecker,
	})
	go func() {
		if err := grpcServer.StartGRPC(appCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.StartHTTPGateway(appCtx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	k, err := keeper.New(cfg.KeeperSchedule, cfg.KeeperCallerAddress(), ops, ingestService, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("keeper")
	}
	k.Start(appCtx)

	go runPeriodicSnapshots(appCtx, ops, cfg.SnapshotInterval, lastSeq+1)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-appCtx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("seq", lastSeq).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("FarmLedger ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop inputs, snapshot while the loop still runs, then drain the
	// pipeline in order: engine, bridge, persistence, publisher.
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	stopApp()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if seq, err := ops.TakeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("seq", seq).Msg("final snapshot saved")
	}

	stopLoop()
	<-loopDone
	close(persistCoreChan)
	close(projectionCoreChan)

	select {
	case <-persistDone:
		// OnFlush can no longer fire.
		close(publishChan)
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence did not drain before the shutdown deadline")
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("workers still running at shutdown deadline")
	}
	stopWorkers()

	logger.Info().Int64("seq", durable.load()).Msg("FarmLedger shutdown complete")
}
