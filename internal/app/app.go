package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/backoffice/internal/health"
	"github.com/vladislavdragonenkov/backoffice/internal/metrics"
	"github.com/vladislavdragonenkov/backoffice/internal/service/catalog"
	"github.com/vladislavdragonenkov/backoffice/internal/service/checkout"
	"github.com/vladislavdragonenkov/backoffice/internal/service/idempotency"
	httpapi "github.com/vladislavdragonenkov/backoffice/internal/transport/http"
	"github.com/vladislavdragonenkov/backoffice/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run запускает приложение: хранилище по конфигурации, HTTP API, сервер
// метрик, outbox-воркер (при настроенном Kafka) и фоновую чистку
// idempotency-ключей. Блокируется до отмены контекста или падения HTTP.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if deps.closeFn == nil {
			return
		}
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	// Ошибка producer не фатальна: события накапливаются в outbox.
	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)

	checkoutMetrics := metrics.NewCheckoutMetrics()
	outboxMetrics := metrics.NewOutboxMetrics()
	idempotencyMetrics := metrics.NewIdempotencyMetrics()

	workflowOptions := []checkout.Option{
		checkout.WithLogger(logger.WithField("component", "checkout")),
		checkout.WithOutbox(deps.outboxRepo),
		checkout.WithMetrics(checkoutMetrics),
		checkout.WithDuplicatePolicy(checkout.DuplicateLinePolicy(cfg.DuplicateLinePolicy)),
		checkout.WithStockRetry(cfg.StockRetryAttempts, cfg.StockRetryBaseDelay),
	}
	if deps.placement != nil {
		workflowOptions = append(workflowOptions, checkout.WithAtomicPlacement(deps.placement))
	}
	workflow := checkout.NewWorkflow(deps.customers, deps.catalog, deps.orders, workflowOptions...)
	registry := catalog.NewRegistry(deps.catalog,
		catalog.WithLogger(logger.WithField("component", "catalog")),
		catalog.WithOutbox(deps.outboxRepo),
		catalog.WithMetrics(checkoutMetrics),
	)

	apiServer := httpapi.NewServer(workflow, registry, deps.orders,
		httpapi.WithLogger(logger.WithField("component", "http")),
		httpapi.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
	)

	var outboxCancel context.CancelFunc
	var outboxDone chan struct{}
	if worker := newOutboxWorker(cfg, deps.outboxRepo, kafkaProducer, outboxMetrics, logger); worker != nil {
		workerCtx, cancel := context.WithCancel(context.Background())
		outboxCancel = cancel
		outboxDone = make(chan struct{})
		go func() {
			defer close(outboxDone)
			worker.Run(workerCtx)
		}()
	}

	cleanupWorker := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithMetrics(idempotencyMetrics),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		cleanupWorker.Run(cleanupCtx)
	}()

	v, _, _ := version.Info()
	healthHandler := healthcheck.NewHandler(v)
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}
	healthHandler.RegisterChecker("outbox", newOutboxChecker(deps.outboxRepo, cfg.OutboxPendingAgeAlert))

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer.Engine()}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		errCh <- apiSrv.ListenAndServe()
	}()

	stop := func() {
		shutdownHTTP(apiSrv, logger)
		shutdownWorker(outboxCancel, outboxDone, logger)
		shutdownWorker(cleanupCancel, cleanupDone, logger)
		shutdownHTTP(metricsSrv, logger)
		closeKafka(kafkaProducer, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP сервер")
		stop()
		return ctx.Err()
	case err := <-errCh:
		stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdownWorker останавливает фоновый воркер и ждёт его завершения.
func shutdownWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("worker did not stop within timeout")
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
