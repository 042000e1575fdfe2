// Package app builds the services of a solves process from its
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/solveshq/solves/v1/adapter"
	"github.com/solveshq/solves/v1/ai"
	"github.com/solveshq/solves/v1/auth"
	"github.com/solveshq/solves/v1/billing"
	"github.com/solveshq/solves/v1/cache"
	"github.com/solveshq/solves/v1/config"
	"github.com/solveshq/solves/v1/crypto"
	"github.com/solveshq/solves/v1/database"
	"github.com/solveshq/solves/v1/httpapi"
	mw "github.com/solveshq/solves/v1/httpapi/middleware"
	"github.com/solveshq/solves/v1/httpapi/respond"
	"github.com/solveshq/solves/v1/lock"
	"github.com/solveshq/solves/v1/mcptools"
	"github.com/solveshq/solves/v1/metrics"
	"github.com/solveshq/solves/v1/policy"
	"github.com/solveshq/solves/v1/pricing"
	"github.com/solveshq/solves/v1/solve"
	"github.com/solveshq/solves/v1/syncbus"
	"github.com/solveshq/solves/v1/todo"
	"github.com/solveshq/solves/v1/users"
	"github.com/solveshq/solves/v1/watchbus"
	"github.com/solveshq/solves/v1/workbook"
)

const keyPrefix = "solves:"

// App holds the wired services. Close releases them in reverse order.
type App struct {
	Config   config.Config
	Log      *slog.Logger
	DB       *gorm.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Set
	Bus      syncbus.Bus
	Locks    *lock.DistributedLock
	Watch    watchbus.WatchBus
	Crypto   *crypto.Crypto
	Services httpapi.Services
	Todos    *todo.Service

	progress adapter.Store[solve.Progress]
	closers  []func() error
}

// Models lists every table of the product.
func Models() []any {
	var out []any
	for _, m := range [][]any{
		users.Models(),
		billing.Models(),
		pricing.Models(),
		policy.Models(),
		workbook.Models(),
		solve.Models(),
		todo.Models(),
	} {
		out = append(out, m...)
	}
	return out
}

// OpenDatabase opens and migrates the configured database.
func OpenDatabase(cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, Models()...); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return db, nil
}

// New connects every backend selected by cfg. On error everything opened
// so far is closed.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log, Registry: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	a.Metrics = metrics.Register(a.Registry)

	if a.DB, err = OpenDatabase(cfg.Database, log); err != nil {
		return nil, err
	}
	a.onClose(func() error { return database.Close(a.DB) })

	if cfg.UsesRedis() {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.onClose(a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	if err := a.openBus(cfg.Bus); err != nil {
		return nil, err
	}
	lockOpts := []lock.Option{lock.WithPrefix(keyPrefix + "lock:"), lock.WithMetrics(a.Metrics.Lock)}
	if a.Redis != nil {
		a.Locks = lock.NewRedis(a.Redis, a.Bus, lockOpts...)
	} else {
		a.Locks = lock.NewInMemory(a.Bus, lockOpts...)
	}

	switch cfg.Cache.WatchDriver {
	case "redis":
		a.Watch = watchbus.NewRedisWatchBus(a.Redis, watchbus.WithStreamPrefix(keyPrefix+"watch:"))
	default:
		a.Watch = watchbus.NewInMemory()
	}

	if cfg.Crypto.Secret != "" {
		if a.Crypto, err = crypto.New(cfg.Crypto.Secret); err != nil {
			return nil, err
		}
	}

	if err := a.buildServices(cfg); err != nil {
		return nil, err
	}
	a.Todos = todo.NewService(a.DB, a.Watch, log)
	return a, nil
}

func (a *App) openBus(cfg config.BusConfig) error {
	switch cfg.Driver {
	case "redis":
		b := syncbus.NewRedisBus(a.Redis, keyPrefix+"bus:")
		a.onClose(b.Close)
		a.Bus = b
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("solves"))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.onClose(func() error { conn.Close(); return nil })
		a.Bus = syncbus.NewNATSBus(conn)
	case "kafka":
		b, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to kafka: %w", err)
		}
		a.onClose(func() error { b.Close(); return nil })
		a.Bus = b
	default:
		a.Bus = syncbus.NewInMemoryBus()
	}
	return nil
}

func (a *App) buildServices(cfg config.Config) error {
	sessionOpts := []cache.InMemoryOption[auth.Session]{cache.WithMetrics[auth.Session](a.Registry, "sessions")}
	if cfg.Telemetry.Tracing {
		sessionOpts = append(sessionOpts, cache.WithTracing[auth.Session]())
	}
	sessions, err := cache.New[auth.Session](cache.Driver(cfg.Cache.SessionDriver), a.Redis, keyPrefix+"session:", sessionOpts...)
	if err != nil {
		return err
	}
	if c, ok := sessions.(interface{ Close() }); ok {
		a.onClose(func() error { c.Close(); return nil })
	}

	if cfg.Cache.ProgressDriver == "redis" {
		a.progress = adapter.NewRedisStore[solve.Progress](a.Redis, adapter.WithNamespace(keyPrefix+"progress:"))
	} else if a.progress, err = adapter.NewGormStore[solve.Progress](a.DB, adapter.WithGormTableName("solve_progress")); err != nil {
		return fmt.Errorf("failed to open progress store: %w", err)
	}

	prices, err := pricing.NewService(a.DB, a.Crypto)
	if err != nil {
		return err
	}
	a.onClose(func() error { prices.Close(); return nil })

	us := users.NewService(a.DB)
	wb := workbook.NewService(a.DB)
	a.Services = httpapi.Services{
		DB:    a.DB,
		Users: us,
		Auth: auth.NewService(us, sessions, auth.Options{
			SessionTTL: cfg.Cache.SessionTTL.Duration,
			JWTSecret:  cfg.Auth.JWTSecret,
			JWTTTL:     cfg.Auth.JWTTTL.Duration,
			Issuer:     cfg.Auth.Issuer,
			Logger:     a.Log,
		}),
		Billing:   billing.NewService(a.DB, a.Locks),
		Pricing:   prices,
		Policies:  policy.NewService(a.DB),
		Workbooks: wb,
		Solve:     solve.NewService(a.DB, wb, a.progress, a.Locks, a.Watch, a.Log),
		Watch:     a.Watch,
	}
	if cfg.AI.APIKey != "" {
		a.Services.Generator = ai.NewGenerator(ai.NewHTTPClient(cfg.AI), prices, a.Locks, ai.Options{
			Model:   cfg.AI.Model,
			Metrics: a.Metrics.AI,
			Logger:  a.Log,
		})
	} else {
		a.Log.Info("block generation disabled: ai.api_key is not set")
	}
	return nil
}

// Router returns the API router.
func (a *App) Router() *gin.Engine {
	return httpapi.NewRouter(a.Services, httpapi.Options{
		CookieName:   a.Config.Server.CookieName,
		CookieSecure: a.Config.Server.CookieSecure,
		Logger:       a.Log,
		Metrics:      a.Metrics.HTTP,
		Gatherer:     a.gatherer(),
	})
}

// gatherer serves /metrics on the API router unless a separate metrics
// address is configured.
func (a *App) gatherer() prometheus.Gatherer {
	if a.Config.Telemetry.MetricsAddr != "" {
		return nil
	}
	return a.Registry
}

// TodoRouter returns the router of the todo microservice. It shares the
// API's sessions and tokens.
func (a *App) TodoRouter() *gin.Engine {
	r := mw.Engine(a.Log, a.Metrics.HTTP)
	r.GET("/healthz", func(c *gin.Context) {
		if err := database.Ping(c.Request.Context(), a.DB); err != nil {
			respond.Error(c, err)
			return
		}
		respond.OK(c, gin.H{"status": "ok"})
	})
	g := r.Group("/api", mw.Authenticate(a.Services.Auth, a.Config.Server.CookieName), mw.RequireUser())
	todo.NewHandler(a.Todos, a.Watch).Register(g)
	return r
}

// MCPServer returns the admin tool server.
func (a *App) MCPServer() *server.MCPServer {
	return mcptools.NewServer(mcptools.New(a.Services.Users, a.Log))
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases every backend.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
