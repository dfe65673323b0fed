package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sundayezeilo/tokengate/internal/config"
	"github.com/sundayezeilo/tokengate/internal/db"
	sqlc "github.com/sundayezeilo/tokengate/internal/db/sqlc"
	"github.com/sundayezeilo/tokengate/internal/gateway"
	"github.com/sundayezeilo/tokengate/internal/identity"
	"github.com/sundayezeilo/tokengate/internal/obs"
	"github.com/sundayezeilo/tokengate/internal/ratelimit"
	"github.com/sundayezeilo/tokengate/internal/server"
	"github.com/sundayezeilo/tokengate/internal/throttle"
)

// App holds the application dependencies and configuration.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	DBPool  *pgxpool.Pool
	Redis   *redis.Client
	Server  *server.Server
	Handler *ratelimit.Handler

	stopJanitor context.CancelFunc
}

// New initializes and returns a new App instance with all dependencies wired up.
func New(ctx context.Context) (*App, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.App.LogLevel)

	logger.Info("starting application",
		"env", cfg.App.Environment,
		"version", cfg.Observability.ServiceVersion,
	)

	seed, err := config.LoadPolicySeed(cfg.RateLimit.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy seed: %w", err)
	}

	upstream, err := url.Parse(cfg.Gateway.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream url: %w", err)
	}

	// Connect to database
	dbPool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		DBPool: dbPool,
	}

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, dbPool); err != nil {
			a.Shutdown()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database schema applied")
	}

	// Metrics and admission statistics
	reg := obs.NewRegistry()
	metrics := obs.NewMetrics(reg)
	recorders := []ratelimit.Recorder{metrics}

	if cfg.Redis.Enabled {
		a.Redis, err = connectRedis(ctx, cfg, logger)
		if err != nil {
			a.Shutdown()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		recorders = append(recorders, ratelimit.NewRedisStats(a.Redis,
			ratelimit.WithStatsPrefix(cfg.Redis.StatsPrefix),
			ratelimit.WithStatsTTL(cfg.Redis.StatsTTL),
			ratelimit.WithStatsLogger(logger),
		))
	}

	// Setup application dependencies
	repo := ratelimit.NewRepository(sqlc.New(dbPool), nil)

	seedPolicy := toPolicy(seed)
	policies := ratelimit.NewPolicyCache(ratelimit.PolicyCacheConfig{
		Repo: repo,
		Seed: &seedPolicy,
		TTL:  cfg.RateLimit.PolicyCacheTTL,
	})

	var locks *ratelimit.SubjectLocks
	if cfg.RateLimit.SubjectLocking {
		locks = ratelimit.NewSubjectLocks(ratelimit.DefaultLockStripes)
	}

	controller := ratelimit.NewController(ratelimit.ControllerConfig{
		Repo:         repo,
		Policies:     policies,
		Logger:       logger,
		Recorder:     ratelimit.Recorders(recorders...),
		SubjectLocks: locks,
	})
	admin := ratelimit.NewAdmin(ratelimit.AdminConfig{
		Repo:     repo,
		Policies: policies,
		Logger:   logger,
	})
	a.Handler = ratelimit.NewHandler(ratelimit.HandlerConfig{
		Admitter: controller,
		Admin:    admin,
		Classify: gateway.Classifier(cfg.Gateway.ShortenPath),
		Logger:   logger,
	})

	// Failed authentication is throttled per client IP
	failures := throttle.NewStore(cfg.RateLimit.AnonRate, cfg.RateLimit.AnonBurst,
		throttle.WithIdleTTL(cfg.RateLimit.AnonIdleTTL),
	)
	janitorCtx, stop := context.WithCancel(context.Background())
	failures.StartJanitor(janitorCtx)
	a.stopJanitor = stop

	store := identity.NewStatic(identity.StoreConfig{
		Header:   cfg.Auth.Header,
		Keys:     principals(cfg.Auth.Keys),
		Failures: failures,
		Logger:   logger,
	})
	if len(cfg.Auth.Keys) == 0 {
		logger.Warn("no api keys configured, every request will be rejected")
	}

	proxy := gateway.NewProxy(gateway.ProxyConfig{
		Upstream:     upstream,
		Timeout:      cfg.Gateway.UpstreamTimeout,
		StripHeaders: []string{cfg.Auth.Header},
		Logger:       logger,
	})

	// Create server
	a.Server = server.New(cfg, logger, server.Deps{
		RateLimit:      a.Handler,
		Identity:       store,
		Upstream:       proxy,
		Metrics:        metrics,
		MetricsHandler: obs.Handler(reg),
	})

	logger.Info("application initialized",
		"port", cfg.Server.Port,
		"upstream", upstream.Redacted(),
		"policy_cache_ttl", cfg.RateLimit.PolicyCacheTTL,
		"subject_locking", cfg.RateLimit.SubjectLocking,
		"redis_stats", cfg.Redis.Enabled,
	)

	return a, nil
}

// Start starts the application server.
func (a *App) Start(ctx context.Context) error {
	a.Logger.Info("server starting",
		"port", a.Config.Server.Port,
		"base_url", a.Config.Server.BaseURL,
	)

	if err := a.Server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() error {
	a.Logger.Info("shutting down application")

	if a.stopJanitor != nil {
		a.stopJanitor()
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", "error", err)
		} else {
			a.Logger.Info("redis connection closed")
		}
	}

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database connection closed")
	}

	return nil
}

func toPolicy(s config.PolicySeed) ratelimit.Policy {
	return ratelimit.Policy{
		MaxTokens:              s.MaxTokens,
		RefillRatePerMinute:    s.RefillRatePerMinute,
		StandardRequestCost:    s.StandardRequestCost,
		ShortenURLCost:         s.ShortenURLCost,
		BlacklistThreshold:     s.BlacklistThreshold,
		BlacklistDurationHours: s.BlacklistDurationHours,
	}
}

func principals(keys []config.APIKey) map[string]identity.Principal {
	out := make(map[string]identity.Principal, len(keys))
	for _, k := range keys {
		out[k.Secret] = identity.Principal{SubjectID: k.SubjectID, Role: identity.Role(k.Role)}
	}
	return out
}

// loadEnv loads .env file only in non-production environments.
func loadEnv() error {
	env := os.Getenv("APP_ENV")
	if env == "development" || env == "test" {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("no .env file found.")
		}
	}
	return nil
}

// setupLogger creates a structured logger based on the log level.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

// connectDatabase establishes a connection to the PostgreSQL database.
func connectDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Set pool configuration
	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MinConns

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established")

	return pool, nil
}

// connectRedis opens the client used for admission statistics.
func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis connection established", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return rdb, nil
}
