package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/api"
	"github.com/sells-group/riskengine/internal/classifier"
	"github.com/sells-group/riskengine/internal/db"
	"github.com/sells-group/riskengine/internal/entity"
	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/reactor"
	"github.com/sells-group/riskengine/internal/riskmodel"
	"github.com/sells-group/riskengine/internal/telemetry"
	"github.com/sells-group/riskengine/internal/tenantconfig"
	"github.com/sells-group/riskengine/internal/trigger"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// riskEnv holds the wired components shared by the reactor, serve and
// inspection commands.
type riskEnv struct {
	Store      metricstore.Store
	Queue      trigger.Queue
	Entities   entity.Source
	Stamper    entity.RiskStamper
	Configs    *tenantconfig.Resolver
	Source     tenantconfig.Source
	Engine     *riskmodel.Engine
	Classifier *classifier.Classifier
	Metrics    *telemetry.Metrics
	Registry   *prometheus.Registry
	Checks     map[string]api.HealthCheck

	// Depth reports pending triggers. Nil when the queue cannot count.
	Depth telemetry.DepthFunc
	// Watch runs a config file watcher. Nil unless the file driver is used.
	Watch func(ctx context.Context) error

	pool       *pgxpool.Pool
	redis      *redis.Client
	redisQueue *trigger.RedisQueue
	migrators  []migrator
}

// Close releases resources held by the environment.
func (e *riskEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

// Migrate creates every table the configured backends need.
func (e *riskEnv) Migrate(ctx context.Context) error {
	for _, m := range e.migrators {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Reactor builds a worker loop over the environment.
func (e *riskEnv) Reactor() *reactor.Reactor {
	return reactor.New(e.Engine, e.Queue, e.Classifier, e.Metrics, reactor.Config{
		Workers:         cfg.Reactor.Workers,
		BatchSize:       cfg.Queue.BatchSize,
		MaxRetries:      cfg.Reactor.MaxRetries,
		SoftDeadline:    cfg.Reactor.SoftDeadline,
		ShutdownTimeout: cfg.Reactor.ShutdownTimeout,
		PollInterval:    cfg.Reactor.PollInterval,
		PeekLimit:       cfg.Reactor.PeekLimit,
	})
}

// initEnv opens the configured backends and builds the engine. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*riskEnv, error) {
	env := &riskEnv{Checks: map[string]api.HealthCheck{}}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	if needsPostgres() {
		pool, err := db.Open(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, eris.Wrap(err, "open database")
		}
		env.pool = pool
		env.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}
	if needsRedis() {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		client := env.redis
		env.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	if err := env.initStore(); err != nil {
		return nil, err
	}
	if err := env.Store.Migrate(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate store")
	}
	env.initQueue()
	if err := env.initTenantConfig(); err != nil {
		return nil, err
	}
	if err := env.initEntities(); err != nil {
		return nil, err
	}

	env.Registry = prometheus.NewRegistry()
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.Metrics = telemetry.New(env.Registry)

	if err := env.initEngine(); err != nil {
		return nil, err
	}

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("tenant_config", cfg.TenantConfig.Driver),
		zap.String("entities", cfg.Entities.Driver),
	)
	ok = true
	return env, nil
}

func needsPostgres() bool {
	return cfg.Store.Driver == "postgres" ||
		cfg.Queue.Driver == "postgres" ||
		cfg.TenantConfig.Driver == "postgres" ||
		cfg.TenantConfig.Driver == "redis" ||
		cfg.Entities.Driver == "postgres"
}

func needsRedis() bool {
	return cfg.Queue.Driver == "redis" || cfg.TenantConfig.Driver == "redis"
}

func (e *riskEnv) initStore() error {
	switch cfg.Store.Driver {
	case "postgres":
		e.Store = metricstore.NewPostgres(e.pool, nil)
	case "sqlite":
		st, err := metricstore.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		e.Store = st
	case "memory":
		e.Store = metricstore.NewMemory()
	default:
		return eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	e.migrators = append(e.migrators, e.Store)
	return nil
}

func (e *riskEnv) initQueue() {
	var q trigger.Queue
	switch cfg.Queue.Driver {
	case "redis":
		rq := trigger.NewRedisQueue(e.redis, cfg.Queue.KeyPrefix, cfg.Queue.Consumer)
		e.redisQueue = rq
		e.Depth = rq.Len
		q = rq
	case "postgres":
		pq := trigger.NewPostgresQueue(e.pool, cfg.Queue.Visibility)
		e.migrators = append(e.migrators, pq)
		q = pq
	default:
		mq := trigger.NewMemoryQueue()
		e.Depth = func(context.Context) (int64, error) { return int64(mq.Len()), nil }
		q = mq
	}
	if cfg.Queue.EnqueueRate > 0 {
		q = trigger.NewThrottled(q, cfg.Queue.EnqueueRate, cfg.Queue.EnqueueBurst)
	}
	e.Queue = q
}

func (e *riskEnv) initTenantConfig() error {
	switch cfg.TenantConfig.Driver {
	case "postgres":
		pg := tenantconfig.NewPostgres(e.pool)
		e.migrators = append(e.migrators, pg)
		e.Source = pg
	case "redis":
		pg := tenantconfig.NewPostgres(e.pool)
		e.migrators = append(e.migrators, pg)
		e.Source = tenantconfig.NewRedisGenerations(pg, e.redis, cfg.Queue.KeyPrefix)
	case "file":
		f, err := tenantconfig.NewFile(cfg.TenantConfig.FilePath)
		if err != nil {
			return err
		}
		e.Source = f
		e.Watch = f.Watch
	default:
		e.Source = tenantconfig.NewMemory()
	}
	e.Configs = tenantconfig.NewResolver(e.Source, cfg.TenantConfig.CacheTTL)
	return nil
}

func (e *riskEnv) initEntities() error {
	switch cfg.Entities.Driver {
	case "postgres":
		pg := entity.NewPostgres(e.pool)
		e.migrators = append(e.migrators, pg)
		e.Entities = pg
		e.Stamper = pg
	case "fixture":
		f, err := entity.LoadFixture(cfg.Entities.FixturePath)
		if err != nil {
			return err
		}
		mem := f.Memory()
		e.Entities = mem
		e.Stamper = mem
	default:
		return eris.Errorf("unsupported entities driver: %s", cfg.Entities.Driver)
	}
	return nil
}

func (e *riskEnv) initEngine() error {
	engine, err := riskmodel.New(riskmodel.Deps{
		Store:    e.Store,
		Entities: e.Entities,
		Configs:  e.Configs,
	})
	if err != nil {
		return eris.Wrap(err, "build risk model")
	}
	e.Engine = engine
	e.Classifier = classifier.New(e.Store, e.Entities, e.Stamper, e.Configs)
	return nil
}

// runBackground starts the queue depth sampler and the config watcher.
// Abandoned Redis deliveries are reclaimed first.
func (e *riskEnv) runBackground(ctx context.Context) {
	if e.redisQueue != nil {
		n, err := e.redisQueue.Recover(ctx)
		if err != nil {
			zap.L().Warn("recover abandoned triggers", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("recovered abandoned triggers", zap.Int("count", n))
		}
	}
	if e.Depth != nil {
		go telemetry.NewSampler(e.Depth, e.Metrics.QueueDepth, 15*time.Second).Run(ctx)
	}
	if e.Watch != nil {
		go func() {
			if err := e.Watch(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("tenant config watcher stopped", zap.Error(err))
			}
		}()
	}
}
