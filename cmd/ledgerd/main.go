package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/botbazaar/tokenledger/internal/cache"
	"github.com/botbazaar/tokenledger/internal/catalog"
	"github.com/botbazaar/tokenledger/internal/discount"
	"github.com/botbazaar/tokenledger/internal/httpapi"
	"github.com/botbazaar/tokenledger/internal/monitoring"
	"github.com/botbazaar/tokenledger/internal/outbox"
	"github.com/botbazaar/tokenledger/internal/payment"
	"github.com/botbazaar/tokenledger/internal/payment/zarinpal"
	"github.com/botbazaar/tokenledger/internal/store/gormstore"
	"github.com/botbazaar/tokenledger/internal/usage"
	"github.com/botbazaar/tokenledger/pkg/ledger"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagRedisURL           = "redis-url"
	flagKafkaBrokers       = "kafka-brokers"
	flagMerchantID         = "zarinpal-merchant-id"
	flagZarinpalAPIBaseURL = "zarinpal-api-base-url"
	flagZarinpalPayBaseURL = "zarinpal-pay-base-url"
	flagCallbackBaseURL    = "callback-base-url"
	flagGatewayTimeout     = "gateway-timeout"
	flagSessionSigningKey  = "session-signing-key"
	flagAllowedOrigins     = "allowed-origins"
	flagSweepAfter         = "sweep-after"

	defaultDatabaseURL    = "sqlite:///tmp/tokenledger.db"
	defaultListenAddr     = ":8080"
	defaultGatewayTimeout = 15 * time.Second

	sweepInterval       = 5 * time.Minute
	outboxRelayInterval = 5 * time.Second
	shutdownGrace       = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	RedisURL           string
	KafkaBrokers       []string
	MerchantID         string
	ZarinpalAPIBaseURL string
	ZarinpalPayBaseURL string
	CallbackBaseURL    string
	GatewayTimeout     time.Duration
	SessionSigningKey  string
	AllowedOrigins     []string
	SweepAfter         time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Token ledger and payment settlement server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisURL, "", "redis:// URL for the catalog read cache (optional)")
	cmd.Flags().String(flagKafkaBrokers, "", "comma-separated Kafka brokers for the outbox relay (optional)")
	cmd.Flags().String(flagMerchantID, "", "Zarinpal merchant id")
	cmd.Flags().String(flagZarinpalAPIBaseURL, "", "Zarinpal API base URL (empty selects production)")
	cmd.Flags().String(flagZarinpalPayBaseURL, "", "Zarinpal StartPay base URL (empty selects production)")
	cmd.Flags().String(flagCallbackBaseURL, "", "public base URL the gateway redirects buyers back to")
	cmd.Flags().Duration(flagGatewayTimeout, defaultGatewayTimeout, "timeout for gateway request/verify calls")
	cmd.Flags().String(flagSessionSigningKey, "", "HS256 key validating session tokens from the auth layer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().Duration(flagSweepAfter, 0, "cancel pending payments older than this (0 disables the sweep)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:        "DATABASE_URL",
		flagListenAddr:         "LISTEN_ADDR",
		flagRedisURL:           "REDIS_URL",
		flagKafkaBrokers:       "KAFKA_BROKERS",
		flagMerchantID:         "ZARINPAL_MERCHANT_ID",
		flagZarinpalAPIBaseURL: "ZARINPAL_API_BASE_URL",
		flagZarinpalPayBaseURL: "ZARINPAL_PAY_BASE_URL",
		flagCallbackBaseURL:    "CALLBACK_BASE_URL",
		flagGatewayTimeout:     "GATEWAY_TIMEOUT",
		flagSessionSigningKey:  "SESSION_SIGNING_KEY",
		flagAllowedOrigins:     "ALLOWED_ORIGINS",
		flagSweepAfter:         "SWEEP_AFTER",
	}
	for flagName, envName := range bindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.RedisURL = viper.GetString("redis_url")
	cfg.KafkaBrokers = splitList(viper.GetString("kafka_brokers"))
	cfg.MerchantID = viper.GetString("zarinpal_merchant_id")
	cfg.ZarinpalAPIBaseURL = viper.GetString("zarinpal_api_base_url")
	cfg.ZarinpalPayBaseURL = viper.GetString("zarinpal_pay_base_url")
	cfg.CallbackBaseURL = viper.GetString("callback_base_url")
	cfg.GatewayTimeout = viper.GetDuration("gateway_timeout")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.AllowedOrigins = splitList(viper.GetString("allowed_origins"))
	cfg.SweepAfter = viper.GetDuration("sweep_after")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.MerchantID == "" {
		return fmt.Errorf("zarinpal merchant id is required")
	}
	if cfg.CallbackBaseURL == "" {
		return fmt.Errorf("callback base url is required")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	var catalogCache cache.Cache = cache.Noop{}
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer func() { _ = redisCache.Close() }()
		catalogCache = redisCache
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	metrics := monitoring.NewMetrics()

	ledgerStore := gormstore.NewLedgerStore(gormDB)
	catalogStore := gormstore.NewCatalogStore(gormDB)
	cachedCatalog := catalog.NewCachedStore(catalogStore, catalogCache, 0, logger)

	ledgerService, err := ledger.NewService(ledgerStore, clock,
		ledger.WithOperationLogger(monitoring.Tee(monitoring.NewLogObserver(logger), metrics)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	discountService := discount.NewService(gormstore.NewDiscountStore(gormDB), clock)

	gateway, err := zarinpal.New(zarinpal.Config{
		MerchantID: cfg.MerchantID,
		APIBaseURL: cfg.ZarinpalAPIBaseURL,
		PayBaseURL: cfg.ZarinpalPayBaseURL,
		HTTPClient: &http.Client{Timeout: cfg.GatewayTimeout},
	})
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	paymentStore := gormstore.NewPaymentStore(gormDB)
	paymentService, err := payment.NewService(payment.Config{
		Store:           paymentStore,
		Catalog:         cachedCatalog,
		Ledger:          ledgerService,
		Discounts:       discountService,
		Gateway:         gateway,
		CallbackBaseURL: cfg.CallbackBaseURL,
		GatewayTimeout:  cfg.GatewayTimeout,
		Now:             clock,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("payment service init: %w", err)
	}

	// Service-token checks read the catalog uncached so a rotated token stops
	// working immediately.
	usageService, err := usage.NewService(ledgerService, catalogStore)
	if err != nil {
		return fmt.Errorf("usage service init: %w", err)
	}

	router, err := httpapi.NewRouter(httpapi.Config{
		SessionSigningKey: []byte(cfg.SessionSigningKey),
		AllowedOrigins:    cfg.AllowedOrigins,
	}, httpapi.Deps{
		Payments: paymentService,
		Usage:    usageService,
		Ledger:   ledgerService,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := outbox.NewKafkaPublisher(cfg.KafkaBrokers)
		defer func() { _ = publisher.Close() }()
		relay := outbox.NewRelay(gormstore.NewOutboxStore(gormDB), publisher, logger, outboxRelayInterval)
		go relay.Run(ctx)
		logger.Info("outbox relay started", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	if cfg.SweepAfter > 0 {
		go runSweep(ctx, paymentService, logger, cfg.SweepAfter)
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

// runSweep cancels abandoned pending payments on a fixed cadence. Best
// effort: a failed pass logs and waits for the next tick.
func runSweep(ctx context.Context, payments *payment.Service, logger *zap.Logger, olderThan time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := payments.SweepAbandoned(ctx, olderThan)
			if err != nil {
				logger.Warn("pending payment sweep", zap.Error(err))
				continue
			}
			if swept > 0 {
				logger.Info("abandoned payments canceled", zap.Int64("count", swept))
			}
		}
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "tokenledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema migrates the sqlite development schema. Production postgres
// schemas are managed externally.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
