// Package app собирает сервис заказов: хранилища, шину Kafka, фоновые
// воркеры и служебные HTTP/gRPC серверы.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/orders/internal/health"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
	"github.com/vladislavdragonenkov/orders/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orders/internal/service/outbox"
	"github.com/vladislavdragonenkov/orders/internal/tracing"
	"github.com/vladislavdragonenkov/orders/internal/transport/bus"
	"github.com/vladislavdragonenkov/orders/internal/version"
)

const (
	serviceName     = "orders-service"
	shutdownTimeout = 5 * time.Second
)

// Run запускает сервис и блокируется до отмены ctx или ошибки gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.WithFields(cfg.logFields()).WithFields(version.Fields()).Info("starting orders service")

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version.GetVersion(),
		JaegerEndpoint: cfg.JaegerEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger.WithField("component", "tracing"))
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	orderMetrics := metrics.NewOrderMetrics()

	producer, err := initKafkaProducer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeKafka(producer, logger)

	var requester *kafka.Requester
	if producer != nil {
		requester = kafka.NewRequester(producer, cfg.RepliesTopic,
			kafka.WithRequestTimeout(cfg.RequestTimeout),
			kafka.WithRequesterLogger(logger.WithField("component", "kafka-requester")),
		)
	}

	remote, err := newRemoteClients(cfg, requester, orderMetrics, logger)
	if err != nil {
		return err
	}
	orderService, err := newOrderService(cfg, deps, remote, orderMetrics, logger)
	if err != nil {
		return err
	}
	handlers := bus.NewHandlers(orderService,
		bus.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
		bus.WithLogger(logger.WithField("component", "bus")),
	)

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		cancelWorkers()
		workers.Wait()
	}()

	cleaner := idempotency.NewCleaner(
		deps.idempotencyRepo,
		cfg.IdempotencyCleanupInterval,
		cfg.IdempotencyCleanupBatchSize,
		orderMetrics,
		logger.WithField("component", "idempotency-cleaner"),
	)
	workers.Add(1)
	go func() {
		defer workers.Done()
		cleaner.Run(workersCtx)
	}()

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.postgres != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", deps.postgres.Ping))
	}
	if deps.lock != nil {
		healthHandler.RegisterChecker("redis", healthcheck.NewOptionalChecker("redis", deps.lock.Ping))
	}

	if producer != nil {
		healthHandler.RegisterChecker("kafka", healthcheck.NewPingChecker("kafka", producer.Ping))

		relay := outbox.NewRelay(
			deps.outboxRepo,
			kafka.NewOutboxPublisher(producer, cfg.EventsTopic),
			outbox.Config{
				PollInterval:   cfg.OutboxPollInterval,
				BatchSize:      cfg.OutboxBatchSize,
				MaxAttempts:    cfg.OutboxMaxAttempts,
				RetryBaseDelay: cfg.OutboxRetryDelay,
			},
			outbox.WithDeadLetter(kafka.NewOutboxPublisher(producer, cfg.DLQTopic)),
			outbox.WithObserver(orderMetrics),
			outbox.WithLogger(logger.WithField("component", "outbox-relay")),
		)
		workers.Add(1)
		go func() {
			defer workers.Done()
			relay.Run(workersCtx)
		}()

		replyConsumer, err := startReplyConsumer(workersCtx, cfg, requester, logger)
		if err != nil {
			return err
		}

		router := kafka.NewRouter(producer,
			kafka.WithErrorMapper(bus.MapError),
			kafka.WithHandlerTimeout(cfg.HandlerTimeout),
			kafka.WithRequestObserver(orderMetrics),
			kafka.WithRouterLogger(logger.WithField("component", "bus-router")),
		)
		handlers.Register(router)

		requestConsumer, err := startRequestConsumer(workersCtx, cfg, router, producer, logger)
		if err != nil {
			stopConsumers(logger, replyConsumer)
			return err
		}
		defer stopConsumers(logger, replyConsumer, requestConsumer)
	} else {
		logger.Warn("kafka is not configured: bus transport and outbox relay are disabled")
	}

	grpcServer, healthServer := newGRPCServer(logger)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newGRPCServer создаёт служебный gRPC сервер: health, reflection и
// prometheus-интерцепторы.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

// newOpsRouter собирает маршруты служебного HTTP сервера.
func newOpsRouter(healthHandler *healthcheck.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler.ServeHTTP)
	r.Get("/readyz", healthHandler.ReadinessHandler)
	r.Get("/livez", healthcheck.LivenessHandler)
	return r
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-проверок.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newOpsRouter(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
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
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
