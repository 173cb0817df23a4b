package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"aurigraph/approval-core/config"
	"aurigraph/approval-core/gateway/middleware"
	"aurigraph/approval-core/httpapi"
	"aurigraph/approval-core/integrations/webhooks"
	"aurigraph/approval-core/native/approval"
	"aurigraph/approval-core/observability/logging"
	telemetry "aurigraph/approval-core/observability/otel"
	sqlstore "aurigraph/approval-core/store/sql"
	"aurigraph/approval-core/validators"
)

func main() {
	var cfgPath string
	var rosterPath string
	var databaseURL string
	flag.StringVar(&cfgPath, "config", "", "path to approvald configuration")
	flag.StringVar(&rosterPath, "roster", "", "override the configured validator roster path")
	flag.StringVar(&databaseURL, "database-url", "", "postgres DSN; empty uses the in-memory store")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	slogger := logging.Setup("approvald", env)
	logger := log.New(os.Stdout, "approvald ", log.LstdFlags|log.Lmsgprefix)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "approvald",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    true,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.LoadApprovald(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(rosterPath) != "" {
		cfg.RosterPath = rosterPath
	}

	roster, err := validators.Load(cfg.RosterPath)
	if err != nil {
		logger.Fatalf("load validator roster: %v", err)
	}

	versions, requests, audit, err := buildStores(databaseURL)
	if err != nil {
		logger.Fatalf("configure storage: %v", err)
	}

	bus := approval.NewEventBus()
	bus.OnPanic(func(eventType string, recovered interface{}) {
		slogger.Error("event subscriber panicked", "event_type", eventType, "recovered", recovered)
	})

	registry := approval.NewApprovalRegistry(requests)
	service := approval.NewApprovalService(versions, registry)
	service.SetEmitter(bus)
	service.SetVerifier(validators.NewRosterVerifier(roster))

	machine := approval.NewStateMachine()
	transition := approval.NewTransitionManager(versions, machine)
	cascade := approval.NewCascadeRetirement(versions, transition)
	execution := approval.NewExecutionService(versions, transition, cascade)
	execution.SetEmitter(bus)
	bus.Subscribe(approval.EventTypeApprovalDecided, execution.HandleApprovalDecided)

	webhookRegistry := httpapi.NewWebhookRegistry()
	dispatcher, err := webhooks.NewDispatcher(webhookRegistry,
		webhooks.WithRetryPolicy(cfg.Webhooks.MaxRetries, cfg.Webhooks.MinBackoff, cfg.Webhooks.MaxBackoff),
		webhooks.WithQueueCapacity(cfg.Webhooks.QueueDepth),
		webhooks.WithWorkerCount(cfg.Webhooks.Workers),
	)
	if err != nil {
		logger.Fatalf("configure webhook dispatcher: %v", err)
	}
	defer dispatcher.Close()
	bus.Subscribe("*", dispatcher.Emit)

	sweeper := approval.NewExpirySweeper(service, registry, cfg.ExpirySweepInterval, slogger)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sweeper.Start(sweepCtx)
	defer sweeper.Stop()

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Enabled,
	}, logger)

	sendTotal := httpSendCounter(cfg.Observability.MetricsPrefix)
	queueGauge := httpQueueGauge(cfg.Observability.MetricsPrefix)
	obs.Registry().MustRegister(sendTotal, queueGauge)
	dispatcher.SetMetrics(queueGauge, sendTotal)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
	}, logger)

	rateLimiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		cfg.RateLimit.Key: {RatePerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst},
	}, logger)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Deps: httpapi.Dependencies{
			Service:    service,
			Execution:  execution,
			Transition: transition,
			Versions:   versions,
			Audit:      audit,
			Requests:   requests,
			Webhooks:   webhookRegistry,
		},
		EventBus:      bus,
		Authenticator: auth,
		RateLimiter:   rateLimiter,
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		},
		RequiredScope: cfg.Auth.RequiredScope,
		RateLimitKey:  cfg.RateLimit.Key,
		Logger:        logger,
	})

	handler := http.Handler(router)
	if cfg.Observability.Enabled {
		handler = otelhttp.NewHandler(router, "approvald")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		logger.Printf("listening on http://%s", listener.Addr())
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatalf("listen and serve: %v", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// buildStores wires either the durable Postgres-backed store or the
// in-memory store, depending on whether a database URL was provided.
func buildStores(databaseURL string) (approval.VersionStore, approval.RequestStore, approval.AuditStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		mem := approval.NewMemStore()
		return mem, mem, mem, nil
	}
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := sqlstore.AutoMigrate(db); err != nil {
		return nil, nil, nil, err
	}
	store := sqlstore.New(db)
	return store, store, store, nil
}
