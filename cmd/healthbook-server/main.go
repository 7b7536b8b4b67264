package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthbook/healthbook/internal/bootstrap"
	"github.com/healthbook/healthbook/internal/config"
	"github.com/healthbook/healthbook/internal/domain/account"
	"github.com/healthbook/healthbook/internal/domain/export"
	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/internal/domain/summary"
	"github.com/healthbook/healthbook/internal/platform/apierr"
	"github.com/healthbook/healthbook/internal/platform/auth"
	"github.com/healthbook/healthbook/internal/platform/db"
	"github.com/healthbook/healthbook/internal/platform/middleware"
	"github.com/healthbook/healthbook/internal/platform/persist"
	"github.com/healthbook/healthbook/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "healthbook-server",
		Short:         "Patient health record API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(registerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the healthbook API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// stores is the persistence side of the server, shared by serve and the
// local CLI commands.
type stores struct {
	backend  persist.Backend
	pool     *pgxpool.Pool
	records  *record.Store
	accounts *account.Store
	sessions *account.Sessions
}

func (s *stores) Close() error {
	return s.backend.Close()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*stores, error) {
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	if cfg.StoreBackend == config.BackendPostgres {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
	}

	backend, err := persist.Open(ctx, persist.Options{
		Kind:          cfg.StoreBackend,
		Path:          cfg.StorePath,
		RedisURL:      cfg.RedisURL,
		RedisPrefix:   cfg.RedisKeyPrefix,
		EncryptionKey: key,
		Pool:          pool,
	})
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	backend = telemetry.InstrumentBackend(backend, cfg.StoreBackend, metrics)

	var (
		recordSeed  []record.PatientRecord
		accountSeed []account.SeedAccount
	)
	if cfg.SeedOnEmpty {
		ds, err := bootstrap.Default()
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		recordSeed = ds.Patients
		accountSeed = ds.Accounts
	}

	records := record.NewStore(backend,
		record.WithSeed(recordSeed),
		record.WithTimeout(cfg.StoreTimeout),
		record.WithLogger(logger),
	)
	hasher := auth.NewPasswordHasher(auth.Argon2Params{
		Memory:     cfg.Argon2MemoryKiB,
		Iterations: cfg.Argon2Iterations,
	})
	accounts := account.NewStore(backend, hasher,
		account.WithSeed(accountSeed),
		account.WithLinker(records),
		account.WithTimeout(cfg.StoreTimeout),
		account.WithLogger(logger),
	)

	return &stores{
		backend:  backend,
		pool:     pool,
		records:  records,
		accounts: accounts,
		sessions: account.NewSessions(backend, logger),
	}, nil
}

func buildServer(cfg *config.Config, st *stores, logger zerolog.Logger, metrics *telemetry.Metrics, sink export.Sink) (*echo.Echo, error) {
	tokens, err := auth.NewTokens([]byte(cfg.SigningKey), cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	recordSvc := record.NewService(st.records, logger, metrics)
	accountSvc := account.NewService(st.accounts, tokens, logger)
	summarySvc := summary.NewService(recordSvc, nil, logger)
	exportSvc := export.NewService(recordSvc, export.NewRenderer(), sink, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierr.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, echo.HeaderLocation, export.LocationHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Audit(logger, middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		metrics.RecordAccess(entry.Section, entry.Action, entry.Status)
		return nil
	})))

	apiV1 := e.Group("/api/v1", auth.SessionMiddleware(tokens, auth.AuthSkipper))
	account.NewHandler(accountSvc).RegisterRoutes(apiV1)
	record.NewHandler(recordSvc).RegisterRoutes(apiV1)
	summary.NewHandler(summarySvc).RegisterRoutes(apiV1)
	export.NewHandler(exportSvc).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/store", db.HealthHandler(db.StoreHealth{
		Backend: cfg.StoreBackend,
		Ping:    st.records.Ping,
		Pool:    st.pool,
	}))
	e.GET("/metrics", metrics.Handler())

	return e, nil
}

func newExportSink(ctx context.Context, cfg *config.Config) (export.Sink, error) {
	if cfg.ExportS3Bucket == "" {
		return nil, nil
	}
	return export.NewS3Sink(ctx, export.S3Config{
		Bucket:    cfg.ExportS3Bucket,
		Region:    cfg.ExportS3Region,
		Endpoint:  cfg.ExportS3Endpoint,
		PathStyle: cfg.ExportS3PathStyle,
	})
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	metrics := telemetry.New()
	st, err := openStores(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("store ready")

	sink, err := newExportSink(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure export sink")
	}
	if sink != nil {
		logger.Info().Str("bucket", cfg.ExportS3Bucket).Msg("export uploads enabled")
	}

	e, err := buildServer(cfg, st, logger, metrics, sink)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
