package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sillymd/hub/internal/api/handlers"
	"github.com/sillymd/hub/internal/api/middleware"
	"github.com/sillymd/hub/internal/config"
	"github.com/sillymd/hub/internal/observability"
	"github.com/sillymd/hub/internal/realtime"
	"github.com/sillymd/hub/internal/repository"
	"github.com/sillymd/hub/internal/service"
	"github.com/sillymd/hub/internal/wecom"
	"github.com/sillymd/hub/pkg/database"
)

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg           *config.Config
	db            *pgxpool.Pool
	accountsDB    *pgxpool.Pool
	rt            *realtime.RedisPublisher
	server        *http.Server
	meterProvider observability.MeterProviderShutdown
}

// NewApp builds and wires all components. It does not start the HTTP server;
// call Run to start and block until shutdown or failure.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	var (
		meterProvider  observability.MeterProviderShutdown
		metricsHandler http.Handler
		metrics        observability.RelayMetrics
	)

	if cfg.MetricsEnabled {
		var err error
		meterProvider, metricsHandler, metrics, err = observability.NewMeterProvider("webhook-hub")
		if err != nil {
			return nil, fmt.Errorf("setup metrics: %w", err)
		}
	} else {
		slog.Warn("metrics not enabled (METRICS_ENABLED=false)")
	}

	// Install TraceContextHandler unconditionally so request_id appears in logs.
	slog.SetDefault(slog.New(observability.NewTraceContextHandler(slog.Default().Handler())))

	db, err := database.NewPostgresPool(ctx, "relay", cfg.DatabaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect relay database: %w", err)
	}

	// The accounts directory usually lives in a separate database; when the
	// URLs match, share the pool.
	accountsDB := db
	if cfg.AccountsDatabaseURL != cfg.DatabaseURL {
		accountsDB, err = database.NewPostgresPool(ctx, "accounts", cfg.AccountsDatabaseURL, nil)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect accounts database: %w", err)
		}
	}

	var (
		rtPublisher *realtime.RedisPublisher
		rt          realtime.Publisher
	)
	if cfg.RedisURL != "" {
		rtPublisher, err = realtime.NewRedisPublisher(ctx, cfg.RedisURL)
		if err != nil {
			closePools(db, accountsDB)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt = rtPublisher
	} else {
		slog.Warn("realtime push disabled (REDIS_URL not set)")
	}

	tenantsRepo := repository.NewTenantsRepository(db)
	recordsRepo := repository.NewRecordsRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	accountsRepo := repository.NewAccountsRepository(accountsDB)

	tenants, err := service.NewCachingTenantStore(tenantsRepo, cfg.TenantCacheSize, metrics)
	if err != nil {
		closeAll(db, accountsDB, rtPublisher)
		return nil, fmt.Errorf("create tenant cache: %w", err)
	}

	alerts := service.NewAlertService(accountsRepo, usageRepo, service.NewLoggingSenders(), metrics)
	quota := service.NewQuotaService(accountsRepo, usageRepo, alerts, metrics)
	forwarder := service.NewForwarder(recordsRepo, cfg.ForwardTimeout, cfg.ForwardMaxRetries, metrics)
	decoder := service.NewPayloadDecoder(cfg.ProviderStrictSignature, metrics)
	pushClient := wecom.NewPushClient(cfg.ForwardTimeout)

	dispatcher := service.NewDispatcher(
		tenants, recordsRepo, forwarder, pushClient, rt,
		cfg.DispatchMaxConcurrent, metrics,
	)

	healthHandler := handlers.NewHealthHandler()
	ingestHandler := handlers.NewIngestHandler(tenants, recordsRepo, quota, dispatcher, metrics)
	wechatHandler := handlers.NewWeChatHandler(tenants, recordsRepo, quota, decoder, dispatcher, metrics)
	recordsHandler := handlers.NewRecordsHandler(recordsRepo, forwarder)
	usageHandler := handlers.NewUsageHandler(quota)

	server := newHTTPServer(cfg, serverHandlers{
		health:  healthHandler,
		ingest:  ingestHandler,
		wechat:  wechatHandler,
		records: recordsHandler,
		usage:   usageHandler,
	}, accountsRepo, metricsHandler, metrics)

	return &App{
		cfg:           cfg,
		db:            db,
		accountsDB:    accountsDB,
		rt:            rtPublisher,
		server:        server,
		meterProvider: meterProvider,
	}, nil
}

type serverHandlers struct {
	health  *handlers.HealthHandler
	ingest  *handlers.IngestHandler
	wechat  *handlers.WeChatHandler
	records *handlers.RecordsHandler
	usage   *handlers.UsageHandler
}

// newHTTPServer builds the HTTP server and muxes. Ingest and provider
// callbacks are public (the API key is in the path); the browsing API
// requires an account key.
func newHTTPServer(
	cfg *config.Config,
	h serverHandlers,
	keys middleware.KeyValidator,
	metricsHandler http.Handler,
	metrics observability.RelayMetrics,
) *http.Server {
	throttle := middleware.NewThrottle(cfg.IngestRatePerSecond, cfg.IngestBurst)
	ingest := throttle.Middleware(http.HandlerFunc(h.ingest.Ingest))

	public := http.NewServeMux()
	public.HandleFunc("GET /health", h.health.Check)
	public.Handle("POST /webhook/{apiKey}", ingest)
	public.Handle("POST /webhook/{apiKey}/{rest...}", ingest)
	// The literal wechat segment is more specific than {apiKey}, so the
	// provider endpoints win over generic ingest for /webhook/wechat/...
	public.HandleFunc("GET /webhook/wechat/{apiKey}", h.wechat.Verify)
	public.HandleFunc("POST /webhook/wechat/{apiKey}", h.wechat.Event)

	if metricsHandler != nil {
		public.Handle("GET /metrics", metricsHandler)
	}

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/webhooks", h.records.List)
	protected.HandleFunc("GET /api/v1/webhooks/{id}", h.records.Get)
	protected.HandleFunc("POST /api/v1/webhooks/{id}/retry", h.records.Retry)
	protected.HandleFunc("GET /api/v1/user/usage", h.usage.Get)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", middleware.Auth(keys)(protected))
	mux.Handle("/", public)

	// Logging runs inside otelhttp so access logs carry the span when tracing
	// is wired; Metrics sits outside so durations cover the full request.
	var handler http.Handler = middleware.MaxBody(cfg.MaxRequestBodyBytes)(mux)
	handler = middleware.Logging(handler)
	handler = otelhttp.NewHandler(handler, "webhook-hub",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}),
	)
	handler = middleware.Metrics(metrics)(handler)
	handler = middleware.RequestID(handler)

	const (
		readTimeout  = 15 * time.Second
		writeTimeout = 60 * time.Second
		idleTimeout  = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case runErr <- fmt.Errorf("server: %w", err):
			default:
			}
		}
	}()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the server and releases connections. Call after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	var first error

	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		first = fmt.Errorf("server shutdown: %w", err)
	}

	if a.rt != nil {
		if err := a.rt.Close(); err != nil {
			if first == nil {
				first = err
			} else {
				slog.Error("close redis", "error", err)
			}
		}
	}

	if a.meterProvider != nil {
		if err := a.meterProvider.Shutdown(ctx); err != nil {
			if first == nil {
				first = err
			} else {
				slog.Error("shutdown meter provider", "error", err)
			}
		}
	}

	closePools(a.db, a.accountsDB)

	return first
}

func closePools(db, accountsDB *pgxpool.Pool) {
	if accountsDB != nil && accountsDB != db {
		accountsDB.Close()
	}
	if db != nil {
		db.Close()
	}
}

func closeAll(db, accountsDB *pgxpool.Pool, rt *realtime.RedisPublisher) {
	if rt != nil {
		if err := rt.Close(); err != nil {
			slog.Error("close redis", "error", err)
		}
	}
	closePools(db, accountsDB)
}
