package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agenda/agenda/internal/config"
	"github.com/agenda/agenda/internal/domain/scheduling"
	"github.com/agenda/agenda/internal/platform/auth"
	"github.com/agenda/agenda/internal/platform/db"
	"github.com/agenda/agenda/internal/platform/events"
	"github.com/agenda/agenda/internal/platform/metrics"
	"github.com/agenda/agenda/internal/platform/middleware"
	"github.com/agenda/agenda/migrations"
)

const (
	version          = "0.1.0"
	metricsNamespace = "agenda"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "agenda-server",
		Short:         "Physician appointment booking API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage the slot grid",
	}

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate weekday slots for a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			providerFlag, _ := flags.GetString("provider")
			fromFlag, _ := flags.GetString("from")
			toFlag, _ := flags.GetString("to")
			startFlag, _ := flags.GetString("window-start")
			endFlag, _ := flags.GetString("window-end")
			actorFlag, _ := flags.GetString("actor")

			req, err := parseGenerateFlags(providerFlag, fromFlag, toFlag, startFlag, endFlag)
			if err != nil {
				return err
			}
			actorID, err := uuid.Parse(actorFlag)
			if err != nil {
				return fmt.Errorf("--actor must be a uuid: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			deps, err := openDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			engine := scheduling.NewEngine(deps.store,
				scheduling.WithLogger(logger),
				scheduling.WithPublisher(deps.publisher),
				scheduling.WithMaxAttempts(cfg.MaxCommitAttempts),
			)
			res, err := engine.GenerateSlots(ctx, scheduling.Actor{ID: actorID, Role: scheduling.RoleAdministrator}, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "provider %s: %d candidate(s), %d slot(s) created\n",
				res.ProviderID, res.Candidates, res.Created)
			return nil
		},
	}
	gen.Flags().String("provider", "", "Provider id")
	gen.Flags().String("from", "", "First day, YYYY-MM-DD")
	gen.Flags().String("to", "", "Last day, YYYY-MM-DD (inclusive)")
	gen.Flags().String("window-start", "09:00", "Daily window opening, HH:MM UTC")
	gen.Flags().String("window-end", "17:00", "Daily window closing, HH:MM UTC")
	gen.Flags().String("actor", auth.DevUserID, "Administrator id recorded for the run")
	_ = gen.MarkFlagRequired("provider")
	_ = gen.MarkFlagRequired("from")
	_ = gen.MarkFlagRequired("to")

	cmd.AddCommand(gen)
	return cmd
}

func parseGenerateFlags(provider, from, to, windowStart, windowEnd string) (scheduling.GenerateRequest, error) {
	var req scheduling.GenerateRequest
	providerID, err := uuid.Parse(provider)
	if err != nil {
		return req, fmt.Errorf("--provider must be a uuid: %w", err)
	}
	fromDay, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return req, fmt.Errorf("--from must be YYYY-MM-DD: %w", err)
	}
	toDay, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return req, fmt.Errorf("--to must be YYYY-MM-DD: %w", err)
	}
	open, err := scheduling.ParseTimeOfDay(windowStart)
	if err != nil {
		return req, fmt.Errorf("--window-start: %w", err)
	}
	closing, err := scheduling.ParseTimeOfDay(windowEnd)
	if err != nil {
		return req, fmt.Errorf("--window-end: %w", err)
	}
	return scheduling.GenerateRequest{
		ProviderID: providerID,
		Dates:      scheduling.DateRange{Start: fromDay, End: toDay},
		Window:     scheduling.DailyWindow{Start: open, End: closing},
	}, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", "agenda").
		Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.PGMaxConns,
		MinConns:        cfg.PGMinConns,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 10 * time.Minute,
	}
}

// deps holds the backing services chosen by configuration.
type deps struct {
	store     scheduling.Store
	publisher scheduling.Publisher
	checks    []db.Check
	pool      *pgxpool.Pool
	closers   []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{}

	var rdb *redis.Client
	if cfg.StoreBackend == config.StoreRedis || cfg.EventsBackend == config.EventsRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		d.closers = append(d.closers, func() { _ = rdb.Close() })
		d.checks = append(d.checks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info().Str("addr", opts.Addr).Msg("connected to redis")
	}

	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			d.Close()
			return nil, err
		}
		d.pool = pool
		d.closers = append(d.closers, pool.Close)
		d.checks = append(d.checks, db.PoolCheck(pool))
		d.store = scheduling.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	case config.StoreRedis:
		d.store = scheduling.NewRedisStore(rdb)
	default:
		logger.Warn().Msg("using in-memory store; state is lost on restart")
		d.store = scheduling.NewMemoryStore()
	}

	switch cfg.EventsBackend {
	case config.EventsNATS:
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.SubjectPrefix = cfg.EventsSubjectPrefix
		np, err := events.NewNATSPublisher(natsCfg, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = np.Close() })
		d.publisher = events.NewBreakerPublisher(np, events.DefaultBreakerConfig("nats-events"), logger)
	case config.EventsRedis:
		rp := events.NewRedisPublisher(rdb, cfg.EventsSubjectPrefix)
		d.publisher = events.NewBreakerPublisher(rp, events.DefaultBreakerConfig("redis-events"), logger)
	default:
		d.publisher = events.NewLogPublisher(logger)
	}

	return d, nil
}

// newServer assembles the HTTP surface around an engine. collector may be
// nil when metrics are disabled.
func newServer(cfg *config.Config, logger zerolog.Logger, engine *scheduling.Engine, collector *metrics.Collector, checks []db.Check, recorders ...middleware.AuditRecorder) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if collector != nil {
		e.Use(middleware.Metrics(collector))
		e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	}

	e.GET("/health", db.HealthHandler(checks...))
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	rateCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateCfg.RequestsPerSecond <= 0 {
		rateCfg = middleware.DefaultRateLimitConfig()
	}

	api := e.Group("/api/v1",
		authMW,
		middleware.RateLimit(rateCfg),
		middleware.RequestTimeout(cfg.RequestTimeout),
		middleware.Audit(logger, recorders...),
	)
	scheduling.NewHandler(engine).RegisterRoutes(api)

	return e
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: requests without a token act as administrator")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open backing services")
		return err
	}
	defer d.Close()

	opts := []scheduling.Option{
		scheduling.WithLogger(logger),
		scheduling.WithPublisher(d.publisher),
		scheduling.WithMaxAttempts(cfg.MaxCommitAttempts),
	}
	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector(metricsNamespace)
		if d.pool != nil {
			collector.WatchPool(metricsNamespace, d.pool)
		}
		opts = append(opts, scheduling.WithRecorder(collector))
	}
	engine := scheduling.NewEngine(d.store, opts...)

	var recorders []middleware.AuditRecorder
	if ap, ok := events.NewAuditPublisher(d.publisher, cfg.EventsSubjectPrefix); ok {
		recorders = append(recorders, ap)
	}
	e := newServer(cfg, logger, engine, collector, d.checks, recorders...)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("store", cfg.StoreBackend).
			Str("events", cfg.EventsBackend).
			Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

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
