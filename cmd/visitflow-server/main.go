package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ehr/visitflow/internal/config"
	"github.com/ehr/visitflow/internal/domain/billing"
	"github.com/ehr/visitflow/internal/domain/consultation"
	"github.com/ehr/visitflow/internal/domain/laboratory"
	"github.com/ehr/visitflow/internal/domain/pharmacy"
	"github.com/ehr/visitflow/internal/domain/pricing"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/blobstore"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/events"
	"github.com/ehr/visitflow/internal/platform/lock"
	"github.com/ehr/visitflow/internal/platform/middleware"
	"github.com/ehr/visitflow/internal/platform/stationboard"
	"github.com/ehr/visitflow/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "visitflow-server",
		Short: "Clinical visit orchestration API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the visit orchestration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// withPool loads the configuration, connects and hands the pool to fn.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			target, _ := cmd.Flags().GetInt("to")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(pool, migrations.FS).UpTo(ctx, schema, target)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(os.Stdout, schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			steps, _ := cmd.Flags().GetInt("steps")
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrations.FS).Down(ctx, schema, steps)
				if err != nil {
					return fmt.Errorf("rollback failed after %d step(s): %w", count, err)
				}
				fmt.Printf("Reverted %d migration(s) on schema %s.\n", count, schema)
				return nil
			})
		},
	}
	downCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	downCmd.Flags().Int("steps", 1, "Number of migrations to revert")
	cmd.AddCommand(downCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinic tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and migrate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
				if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
					return err
				}
				fmt.Println("Tenant created successfully.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// stores are the repositories behind the services. Production uses the
// Postgres repositories; tests use the in-memory ones.
type stores struct {
	visits        visit.Repository
	consultations consultation.Repository
	labs          laboratory.Repository
	pharmacy      pharmacy.Repository
	billing       billing.Repository
}

func pgStores(pool *pgxpool.Pool) stores {
	return stores{
		visits:        visit.NewRepo(pool),
		consultations: consultation.NewRepo(pool),
		labs:          laboratory.NewRepo(pool),
		pharmacy:      pharmacy.NewRepo(pool),
		billing:       billing.NewRepo(pool),
	}
}

type services struct {
	visits        *visit.Service
	consultations *consultation.Service
	labs          *laboratory.Service
	pharmacy      *pharmacy.Service
	billing       *billing.Service
}

// wireServices builds the services, closes the consultation/lab loop,
// installs the workflow guards and subscribes billing to the bus.
func wireServices(st stores, tx db.Transactor, locker lock.Locker, bus *events.Bus, reports blobstore.Store, fee decimal.Decimal) *services {
	visits := visit.NewService(st.visits, tx, locker, bus)
	consultations := consultation.NewService(st.consultations, tx, locker, bus, visits)
	labs := laboratory.NewService(st.labs, tx, locker, bus, visits, consultations, reports)
	consultations.SetLabResults(labs)
	rx := pharmacy.NewService(st.pharmacy, tx, locker, bus, visits, consultations)
	bills := billing.NewService(st.billing, tx, locker, bus, visits, pricing.NewService(st.labs, st.pharmacy, fee))

	bus.Subscribe(bills, billing.ChargedEvents...)
	visits.SetGuards(visit.Guards{
		Consultations: consultations,
		Labs:          labs,
		Prescriptions: rx,
		Billing:       bills,
	})

	return &services{
		visits:        visits,
		consultations: consultations,
		labs:          labs,
		pharmacy:      rx,
		billing:       bills,
	}
}

// newServer builds the echo instance with the global middleware chain and
// every route. Extra middleware runs after authentication.
func newServer(cfg *config.Config, logger zerolog.Logger, svcs *services, board *stationboard.Handler, extra ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	skipHealth := func(c echo.Context) bool {
		return c.Path() == "/health" || c.Path() == "/health/db"
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("AUTH_MODE=development: requests run as admin unless X-Dev-Roles is set")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    skipHealth,
		}))
	}
	for _, mw := range extra {
		e.Use(mw)
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	visit.NewHandler(svcs.visits).RegisterRoutes(apiV1)
	consultation.NewHandler(svcs.consultations).RegisterRoutes(apiV1)
	laboratory.NewHandler(svcs.labs).RegisterRoutes(apiV1)
	pharmacy.NewHandler(svcs.pharmacy).RegisterRoutes(apiV1)
	billing.NewHandler(svcs.billing).RegisterRoutes(apiV1)
	if board != nil {
		board.RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.StaffRoles...)))
	}
	return e
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(cfg.Level()).With().Timestamp().Str("service", "visitflow").Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg)
	zerolog.DefaultContextLogger = &logger

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	checks := map[string]db.Check{}

	// Redis backs the locks and the station board when configured.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var locker lock.Locker = lock.NewKeyedMutex(cfg.LockWait)
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(redisClient, cfg.LockTTL, cfg.LockWait)
		logger.Info().Dur("ttl", cfg.LockTTL).Msg("using redis visit locks")
	}

	bus := events.NewBus(logger)
	bus.SetSinkTimeout(cfg.SinkTimeout)
	bus.AddSink(events.LogSink{Logger: logger})
	if cfg.AMQPURL != "" {
		sink, err := events.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
		}
		defer sink.Close()
		bus.AddSink(sink)
		checks["rabbitmq"] = sink.Ping
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing events to rabbitmq")
	}

	var board stationboard.Board = stationboard.NewMemoryBoard()
	if redisClient != nil {
		board = stationboard.NewRedisBoard(redisClient)
	}
	hub := stationboard.NewHub()
	bus.AddSink(stationboard.NewSink(board, hub))

	var reports blobstore.Store = blobstore.NewMemoryStore()
	if cfg.MinioEndpoint != "" {
		store, err := blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open lab report bucket")
		}
		reports = store
		checks["minio"] = store.Ping
	} else {
		logger.Warn().Msg("MINIO_ENDPOINT not set: lab reports are kept in memory")
	}

	svcs := wireServices(pgStores(pool), db.NewTransactor(pool), locker, bus, reports, cfg.Fee())
	e := newServer(cfg, logger, svcs, stationboard.NewHandler(board, hub), db.TenantMiddleware(pool, cfg.DefaultTenant))
	e.GET("/health/db", db.HealthHandler(pool, checks))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
