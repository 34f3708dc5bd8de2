// Package app wires configuration, storage, domain services, and the HTTP
// server into a running process.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/settle/internal/domain/balance"
	"github.com/xenking/settle/internal/domain/capacity"
	"github.com/xenking/settle/internal/domain/checkout"
	"github.com/xenking/settle/internal/domain/payment"
	"github.com/xenking/settle/internal/handler"
	"github.com/xenking/settle/internal/provider"
	"github.com/xenking/settle/internal/storage/postgres"
	"github.com/xenking/settle/pkg/health"
	"github.com/xenking/settle/pkg/httpmiddleware"
	"github.com/xenking/settle/pkg/keyedmutex"
	"github.com/xenking/settle/pkg/ratelimit"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	db := postgres.NewDB(pool)
	registrationRepo := postgres.NewRegistrationRepository(db)
	orderRepo := postgres.NewOrderRepository(db)
	paymentRepo := postgres.NewPaymentRepository(db)
	balanceRepo := postgres.NewBalanceRepository(db)
	capacityRepo := postgres.NewCapacityRepository(db)
	catalogRepo := postgres.NewCatalogRepository(db)
	subjectRepo := postgres.NewSubjectRepository(db)
	apikeyRepo := postgres.NewAPIKeyRepository(db)

	// Domain services.
	balances := balance.NewLedger(balanceRepo)
	capacities := capacity.NewLedger(capacityRepo)

	registry, err := buildProviderRegistry(cfg.Providers)
	if err != nil {
		return errors.Wrap(err, "build provider registry")
	}
	gateway := payment.NewGateway(paymentRepo, balances, registry)

	mux := keyedmutex.New()
	reconciler := payment.NewReconciler(paymentRepo, balances, registry, mux)
	go reconciler.RunSweeper(ctx, cfg.Sweep.Interval)

	limiter, err := buildDemoLimiter(ctx, cfg, healthSvc)
	if err != nil {
		return errors.Wrap(err, "build demo limiter")
	}

	metrics, err := checkout.NewMetrics(m.MeterProvider().Meter("settle.checkout"))
	if err != nil {
		return errors.Wrap(err, "create checkout metrics")
	}

	checkoutSvc := checkout.NewService(checkout.Options{
		Store:         db,
		Catalog:       catalogRepo,
		Subjects:      subjectRepo,
		Registrations: registrationRepo,
		Orders:        orderRepo,
		Payments:      paymentRepo,
		Capacities:    capacities,
		Balances:      balances,
		Gateway:       gateway,
		Mutex:         mux,
		Limiter:       limiter,
		NotifyRateLimited: func(ctx context.Context, organizationID uuid.UUID) {
			zctx.From(ctx).Warn("Demo organization rate limited",
				zap.Stringer("organization_id", organizationID))
		},
		Metrics: metrics,
	})

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP handlers.
	h := handler.NewHandler(checkoutSvc, reconciler, paymentRepo, catalogRepo)
	security := handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper))

	root := http.NewServeMux()
	root.HandleFunc("/livez", healthSvc.LiveEndpoint)
	root.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	root.Handle("/api/", security.Middleware(h.Routes()))

	instrumented := otelhttp.NewHandler(root, "settle-api",
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(instrumented,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// buildProviderRegistry registers a bridge client for every provider with a
// configured base URL.
func buildProviderRegistry(cfg ProvidersConfig) (*payment.Registry, error) {
	registry := payment.NewRegistry()
	for kind, pc := range map[payment.ProviderKind]ProviderConfig{
		payment.ProviderMollie:   cfg.Mollie,
		payment.ProviderStripe:   cfg.Stripe,
		payment.ProviderBuckaroo: cfg.Buckaroo,
		payment.ProviderPayconiq: cfg.Payconiq,
	} {
		if pc.BaseURL == "" {
			continue
		}
		client, err := provider.NewClient(provider.Config{
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			Timeout: pc.Timeout,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "provider %s", kind)
		}
		methods := make([]payment.Method, len(pc.Methods))
		for i, m := range pc.Methods {
			methods[i] = payment.Method(m)
		}
		registry.Register(kind, client, methods...)
	}
	return registry, nil
}

// buildDemoLimiter creates the demo-organization checkout limiter: Redis
// backed when a Redis URL is configured so limits are shared across
// replicas, in-memory otherwise.
func buildDemoLimiter(ctx context.Context, cfg *Config, healthSvc *health.Service) (*ratelimit.Limiter, error) {
	limits := []ratelimit.Limit{
		{Max: cfg.DemoLimit.Hourly, Window: time.Hour},
		{Max: cfg.DemoLimit.Daily, Window: 24 * time.Hour},
	}

	if cfg.RedisURL == "" {
		store := ratelimit.NewMemoryStore()
		store.StartCleanup(ctx, time.Hour)
		return ratelimit.New(store, limits...), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	healthSvc.AddReadinessCheck("redis", 5*time.Second, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return ratelimit.New(ratelimit.NewRedisStore(client, "settle:demo"), limits...), nil
}
