package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telemetry-service/internal/auth"
	"telemetry-service/internal/config"
	"telemetry-service/internal/eventing"
	"telemetry-service/internal/eventing/eventbus"
	eventingmemory "telemetry-service/internal/eventing/infrastructure/memory"
	eventingrepo "telemetry-service/internal/eventing/infrastructure/postgres"
	"telemetry-service/internal/observability/metrics"
	"telemetry-service/internal/telemetry/application"
	telemetry "telemetry-service/internal/telemetry/domain"
	telemetrymemory "telemetry-service/internal/telemetry/infrastructure/memory"
	telemetrypostgres "telemetry-service/internal/telemetry/infrastructure/postgres"
	telemetryhttp "telemetry-service/internal/telemetry/interfaces/http"
	"telemetry-service/internal/telemetry/interfaces/rabbitmq"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

type deadLetterStore interface {
	eventing.DeadLetterStore
	eventing.DeadLetterLister
}

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db          *sql.DB
		store       telemetry.HistoryStore
		deadLetters deadLetterStore
	)
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		if err := telemetrypostgres.EnsureSchema(ctx, db); err != nil {
			logger.Fatalf("telemetry schema error: %v", err)
		}
		if err := eventingrepo.EnsureSchema(ctx, db); err != nil {
			logger.Fatalf("dead letter schema error: %v", err)
		}
		store = telemetrypostgres.NewHistoryStore(db)
		deadLetters = eventingrepo.NewDLQStore(db)
	default:
		logger.Printf("storage driver %s: history is not persisted across restarts", cfg.StorageDriver)
		store = telemetrymemory.NewHistoryStore()
		deadLetters = eventingmemory.NewDLQStore()
	}

	metrics.Init(db, logger)

	bus := eventbus.NewInMemoryBus()
	broker := telemetryhttp.NewSSEBroker()
	eventbus.On(bus, broker.HandleRecorded)

	recorder, err := application.NewRecorder(store,
		application.WithPublisher(bus),
		application.WithStorageTimeout(cfg.StorageTimeout),
		application.WithRecorderLogger(logger),
	)
	if err != nil {
		logger.Fatalf("recorder error: %v", err)
	}
	queries, err := application.NewQueryService(store, cfg.StorageTimeout)
	if err != nil {
		logger.Fatalf("query service error: %v", err)
	}

	var consumer *rabbitmq.Consumer
	if cfg.ConsumerEnabled {
		queue, err := rabbitmq.DialQueue(cfg.AMQPURL, cfg.QueueName)
		if err != nil {
			logger.Fatalf("queue connect error: %v", err)
		}
		consumer, err = rabbitmq.NewConsumer(queue, recorder,
			rabbitmq.WithQueueName(cfg.QueueName),
			rabbitmq.WithDeadLetters(deadLetters, cfg.MaxDeliveryAttempts),
			rabbitmq.WithDeadLetterTimeout(cfg.StorageTimeout),
			rabbitmq.WithConsumerLogger(logger),
		)
		if err != nil {
			logger.Fatalf("consumer error: %v", err)
		}
		if err := consumer.Start(context.Background()); err != nil {
			logger.Fatalf("consumer start error: %v", err)
		}
	} else {
		logger.Printf("queue consumer disabled")
	}

	telemetryHandler, err := telemetryhttp.NewHandler(recorder, queries,
		telemetryhttp.WithDeadLetters(deadLetters, cfg.QueueName),
		telemetryhttp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("telemetry handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/", "/health", "/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	if !authMiddleware.Enabled() {
		logger.Printf("AUTH_JWT_SECRET not set: API authentication disabled")
	}
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), cfg.IngestMaxSkew())

	mux := http.NewServeMux()
	mux.Handle("/api/telemetry", telemetryHandler)
	mux.Handle("/api/telemetry/", telemetryHandler)
	mux.Handle("/api/telemetry/stream", telemetryhttp.NewStreamHandler(broker))
	mux.Handle("/ingest/telemetry", ingestAuth.Wrap(telemetryHandler.IngestHandler()))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", telemetryhttp.NewHealthHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", telemetryhttp.NewRootHandler(version))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Printf("shutdown requested")
	case err := <-serverErr:
		logger.Printf("http server error: %v", err)
		exitCode = 1
	case <-consumerDone(consumer):
		logger.Printf("queue consumer exited: %v", consumer.Err())
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Printf("consumer stop error: %v", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	if exitCode != 0 {
		if db != nil {
			_ = db.Close()
		}
		os.Exit(exitCode)
	}
}

// consumerDone returns a channel that never fires when the consumer is disabled.
func consumerDone(consumer *rabbitmq.Consumer) <-chan struct{} {
	if consumer == nil {
		return nil
	}
	return consumer.Done()
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working behind the access log.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
