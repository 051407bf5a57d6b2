package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/reloop-market/api/internal/handlers"
	"github.com/reloop-market/api/internal/payments"
	"github.com/reloop-market/api/internal/payments/wallet"
	"github.com/reloop-market/api/internal/platform/auth"
	"github.com/reloop-market/api/internal/platform/config"
	pfirestore "github.com/reloop-market/api/internal/platform/firestore"
	"github.com/reloop-market/api/internal/platform/idempotency"
	"github.com/reloop-market/api/internal/platform/jobs"
	"github.com/reloop-market/api/internal/platform/observability"
	"github.com/reloop-market/api/internal/repositories"
	firestoreRepo "github.com/reloop-market/api/internal/repositories/firestore"
	"github.com/reloop-market/api/internal/repositories/memory"
	"github.com/reloop-market/api/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load(ctx)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var (
		registry  repositories.Registry
		idemStore idempotency.Store
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "firestore":
		provider := pfirestore.NewProvider(cfg.Firestore)
		client, err := provider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			logger.Fatal("failed to initialise firestore repositories", zap.Error(err))
		}
		registry = reg
		idemStore = idempotency.NewFirestoreStore(client)
	default:
		registry = memory.NewRegistry()
		idemStore = idempotency.NewMemoryStore()
		logger.Info("using in-memory store backend")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	stripeLogger := logger.Named("stripe")
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			stripeLogger.Debug("stripe log", zapEventFields(event, fields)...)
		},
		Clock: time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}

	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var chain services.ChainClient
	if strings.TrimSpace(cfg.Ethereum.RPCURL) != "" {
		walletClient, err := wallet.Dial(ctx, wallet.Config{
			RPCURL:          cfg.Ethereum.RPCURL,
			ChainIDHex:      cfg.Ethereum.ChainIDHex,
			ContractAddress: cfg.Ethereum.EscrowContract,
			GasLimit:        cfg.Ethereum.GasLimit,
			ConfirmTimeout:  cfg.Ethereum.ConfirmTimeout,
		})
		if err != nil {
			logger.Fatal("failed to connect to ethereum rpc", zap.Error(err))
		}
		defer walletClient.Close()
		chain = walletClient
		logger.Info("crypto rail enabled", zap.String("chainId", walletClient.ChainIDHex()))
	} else {
		logger.Info("crypto rail disabled: no rpc url configured")
	}

	var rates wallet.RateSource
	if strings.TrimSpace(cfg.Ethereum.RateEndpoint) != "" {
		rates = &wallet.HTTPRateSource{Endpoint: cfg.Ethereum.RateEndpoint}
	} else {
		rates = wallet.StaticRateSource{Rate: cfg.Ethereum.StaticRateETH}
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)

	var ledger services.LedgerPublisher
	if cfg.Ledger.ProjectID != "" && cfg.Ledger.Topic != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Ledger.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := jobs.NewPubSubLedgerPublisher(pubsubClient.Topic(cfg.Ledger.Topic))
		if err != nil {
			logger.Fatal("failed to initialise ledger publisher", zap.Error(err))
		}
		ledger = publisher
		logger.Info("ledger publishing enabled", zap.String("topic", cfg.Ledger.Topic))
	}

	pricing := services.NewPricingEngine(services.PricingEngineConfig{
		Currency:              cfg.Pricing.Currency,
		FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
		FlatShippingFee:       cfg.Pricing.FlatShippingFee,
		MinimumCharge:         cfg.Pricing.MinimumCharge,
	})

	cartLogger := logger.Named("cart")
	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts:    registry.Carts(),
		Listings: registry.Listings(),
		Pricing:  pricing,
		Clock:    time.Now,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			cartLogger.Debug("cart log", zapEventFields(event, fields)...)
		},
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	impactService, err := services.NewImpactService(services.ImpactServiceDeps{
		Impact: registry.Impact(),
	})
	if err != nil {
		logger.Fatal("failed to initialise impact service", zap.Error(err))
	}

	checkoutLogger := logger.Named("checkout")
	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:    registry.Carts(),
		Listings: registry.Listings(),
		Payments: registry.Payments(),
		Impact:   registry.Impact(),
		Manager:  paymentManager,
		Pricing:  pricing,
		Ledger:   ledger,
		Clock:    time.Now,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			checkoutLogger.Info("checkout log", zapEventFields(event, fields)...)
		},
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	cryptoLogger := logger.Named("crypto")
	cryptoService, err := services.NewCryptoCheckoutService(services.CryptoCheckoutServiceDeps{
		Listings: registry.Listings(),
		Payments: registry.Payments(),
		Impact:   registry.Impact(),
		Chain:    chain,
		Rates:    rates,
		Pricing:  pricing,
		Ledger:   ledger,
		Clock:    time.Now,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			cryptoLogger.Info("crypto log", zapEventFields(event, fields)...)
		},
	})
	if err != nil {
		logger.Fatal("failed to initialise crypto checkout service", zap.Error(err))
	}

	idempotencyMiddleware := idempotency.Middleware(idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go runIdempotencyJanitor(janitorCtx, logger.Named("idempotency"), idemStore, cfg.Idempotency)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBackend(registry.Health()),
		handlers.WithHealthBuildInfo(buildVersion(), buildEnvironment()),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger.Named("recovery")),
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithListingRoutes(handlers.NewListingHandlers(registry.Listings()).Routes),
		handlers.WithCartRoutes(handlers.NewCartHandlers(authenticator, cartService).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(authenticator, checkoutService).Routes),
		handlers.WithCheckoutMiddlewares(idempotencyMiddleware),
		handlers.WithCryptoRoutes(handlers.NewCryptoHandlers(authenticator, cryptoService).Routes),
		handlers.WithMeRoutes(handlers.NewMeHandlers(authenticator, impactService, registry.Payments()).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", zap.Error(err))
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		if err := server.Close(); err != nil {
			logger.Error("forced shutdown failed", zap.Error(err))
		}
	}
	logger.Info("server stopped")
}

// runIdempotencyJanitor periodically evicts expired idempotency records.
func runIdempotencyJanitor(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		return
	}
	batch := cfg.CleanupBatchSize
	if batch <= 0 {
		batch = 100
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.CleanupExpired(ctx, now.UTC(), batch)
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency cleanup", zap.Int("removed", removed))
			}
		}
	}
}

func zapEventFields(event string, fields map[string]any) []zap.Field {
	zFields := make([]zap.Field, 0, len(fields)+1)
	zFields = append(zFields, zap.String("event", event))
	for k, v := range fields {
		zFields = append(zFields, zap.Any(k, v))
	}
	return zFields
}

func buildVersion() string {
	if v := strings.TrimSpace(os.Getenv("SERVICE_VERSION")); v != "" {
		return v
	}
	return "dev"
}

func buildEnvironment() string {
	if v := strings.TrimSpace(os.Getenv("SERVICE_ENVIRONMENT")); v != "" {
		return v
	}
	return "development"
}
