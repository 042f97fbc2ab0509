package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"google.golang.org/grpc"

	"github.com/rl1809/stocklock/internal/adapter/handler"
	"github.com/rl1809/stocklock/internal/adapter/handler/pb"
	"github.com/rl1809/stocklock/internal/adapter/memory"
	"github.com/rl1809/stocklock/internal/adapter/storage"
	"github.com/rl1809/stocklock/internal/core/lock"
	"github.com/rl1809/stocklock/internal/core/service"
	"github.com/rl1809/stocklock/internal/port"
	"github.com/rl1809/stocklock/pkg/config"
	"github.com/rl1809/stocklock/pkg/logger"
	"github.com/rl1809/stocklock/pkg/metrics"
)

const connectTimeout = 10 * time.Second

// App is the wired process: store, lock registry, service and both servers.
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Store   port.StockStore
	Service *service.StockService
	HTTP    *http.Server
	GRPC    *grpc.Server

	res *resources
}

// resources collects closers in the order they were opened.
type resources struct {
	closers []func() error
}

func (r *resources) add(fn func() error) {
	r.closers = append(r.closers, fn)
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Build loads the config at path (empty for env only) and wires the app.
// Nothing is listening yet.
func Build(path string) (*App, error) {
	container := dig.New()

	constructors := []interface{}{
		func() (*config.Config, error) { return config.Load(path) },
		newLogger,
		func() *resources { return &resources{} },
		newStore,
		newLockRegistry,
		metrics.New,
		newStockService,
		handler.NewHTTPHandler,
		handler.NewGRPCHandler,
		newHTTPServer,
		newGRPCServer,
	}
	for _, c := range constructors {
		if err := container.Provide(c); err != nil {
			return nil, err
		}
	}
	if err := container.Provide(newPromRegistry, dig.As(new(prometheus.Registerer), new(prometheus.Gatherer))); err != nil {
		return nil, err
	}

	var app *App
	err := container.Invoke(func(
		cfg *config.Config,
		log *logger.Logger,
		res *resources,
		store port.StockStore,
		svc *service.StockService,
		httpServer *http.Server,
		grpcServer *grpc.Server,
	) {
		app = &App{
			Config:  cfg,
			Log:     log,
			Store:   store,
			Service: svc,
			HTTP:    httpServer,
			GRPC:    grpcServer,
			res:     res,
		}
	})
	if err != nil {
		return nil, dig.RootCause(err)
	}
	return app, nil
}

// Prepare creates the schema when enabled and provisions the seed records.
func (a *App) Prepare(ctx context.Context) error {
	for _, w := range a.Config.Warnings() {
		a.Log.Warn().Msg(w)
	}

	if a.Config.Store.Migrate {
		if m, ok := a.Store.(migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				return err
			}
			a.Log.Info().Str("driver", a.Config.Store.Driver).Msg("schema ready")
		}
	}

	for id, qty := range a.Config.Seed {
		if err := a.Store.Seed(ctx, id, qty); err != nil {
			return err
		}
		a.Log.Info().Str("id", id).Int64("quantity", qty).Msg("seeded stock")
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.res.closers) - 1; i >= 0; i-- {
		if err := a.res.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
}

func newPromRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newStore(cfg *config.Config, log *logger.Logger, res *resources) (port.StockStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	switch cfg.Store.Driver {
	case "mysql":
		db, err := openMySQL(ctx, cfg.Store, cfg.Store.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		res.add(db.Close)
		lockDB, err := openMySQL(ctx, cfg.Store, cfg.Store.LockConns)
		if err != nil {
			return nil, err
		}
		res.add(lockDB.Close)
		log.Info().Int("lock_conns", cfg.Store.LockConns).Msg("connected to mysql")
		return storage.NewMySQLAdapter(db, lockDB), nil

	case "postgres":
		pool, err := storage.NewPostgresPool(ctx, cfg.Store.PostgresURL, int32(cfg.Store.MaxOpenConns))
		if err != nil {
			return nil, err
		}
		res.add(func() error { pool.Close(); return nil })
		lockPool, err := storage.NewPostgresPool(ctx, cfg.Store.PostgresURL, int32(cfg.Store.LockConns))
		if err != nil {
			return nil, err
		}
		res.add(func() error { lockPool.Close(); return nil })
		log.Info().Int("lock_conns", cfg.Store.LockConns).Msg("connected to postgres")
		return storage.NewPostgresAdapter(pool, lockPool), nil

	default:
		log.Info().Msg("using in-memory store")
		return memory.NewStore(), nil
	}
}

// openMySQL opens one pool. Named-lock sessions get a pool of their own so
// lock waiters cannot starve transactions of connections.
func openMySQL(ctx context.Context, cfg config.StoreConfig, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(cfg.MaxIdleConns, maxOpen))
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

func newCoordinator(cfg *config.Config, log *logger.Logger, res *resources) (port.Coordinator, error) {
	switch cfg.Coordinator.Driver {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		coord := storage.NewRedisCoordinator(rdb)
		if err := coord.Ping(ctx); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		res.add(rdb.Close)
		res.add(coord.Close)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

		if cfg.Redis.ExpiryEvents {
			if err := coord.EnableExpiryEvents(ctx); err != nil {
				log.Warn().Err(err).Msg("expiry events unavailable, waiters rely on lease-bounded waits")
			}
		}
		return coord, nil

	case "memory":
		log.Info().Msg("using in-memory coordinator")
		return memory.NewCoordinator(), nil

	default:
		return nil, nil
	}
}

func newLockRegistry(cfg *config.Config, store port.StockStore, log *logger.Logger, res *resources) (*lock.Registry, error) {
	coord, err := newCoordinator(cfg, log, res)
	if err != nil {
		return nil, err
	}
	return lock.NewRegistry(store, coord, lock.Config{
		LockWaitTimeout: cfg.Lock.WaitTimeout,
		LeaseDuration:   cfg.Lock.Lease,
		Retry:           retryPolicy(cfg),
	}), nil
}

func newStockService(cfg *config.Config, store port.StockStore, locks *lock.Registry, log *logger.Logger, m *metrics.Metrics) (*service.StockService, error) {
	kind, err := lock.ParseKind(cfg.Lock.Strategy)
	if err != nil {
		return nil, err
	}
	if _, err := locks.Get(kind); err != nil {
		return nil, err
	}

	policy := retryPolicy(cfg)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("strategy", string(kind)).
		Int("max_retries", policy.MaxRetries).
		Dur("max_retry_wait", policy.MaxTotalWait()).
		Msg("stock service ready")

	return service.NewStockService(store, locks, service.Config{Default: kind, Retry: policy}, log, m), nil
}

func newHTTPServer(cfg *config.Config, h *handler.HTTPHandler) *http.Server {
	return &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
}

func newGRPCServer(log *logger.Logger, h *handler.GRPCHandler) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogger(log)))
	pb.RegisterStockServiceServer(s, h)
	return s
}

func retryPolicy(cfg *config.Config) lock.RetryPolicy {
	return lock.NewRetryPolicy(cfg.Lock.MaxRetries, cfg.Lock.BaseBackoff, cfg.Lock.MaxBackoff)
}
