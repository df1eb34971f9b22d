package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fin-analysis/internal/analysis"
	"github.com/ChuLiYu/fin-analysis/internal/completion"
	"github.com/ChuLiYu/fin-analysis/internal/config"
	"github.com/ChuLiYu/fin-analysis/internal/httpserver"
	"github.com/ChuLiYu/fin-analysis/internal/lease"
	"github.com/ChuLiYu/fin-analysis/internal/metrics"
	"github.com/ChuLiYu/fin-analysis/internal/orchestrator"
	"github.com/ChuLiYu/fin-analysis/internal/poller"
	"github.com/ChuLiYu/fin-analysis/internal/registry"
	"github.com/ChuLiYu/fin-analysis/internal/source"
	"github.com/ChuLiYu/fin-analysis/internal/store"
	"github.com/ChuLiYu/fin-analysis/internal/taskqueue"
)

// App 組裝完成的系統元件
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	Queue        *taskqueue.Queue
	Orchestrator *orchestrator.Orchestrator
	Poller       *poller.Poller

	checks  map[string]httpserver.HealthChecker
	closers []func() error
}

// NewApp 依配置建立所有元件，尚未啟動佇列
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewCollector(),
		checks:  make(map[string]httpserver.HealthChecker),
	}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	st, err := app.buildStore(ctx)
	if err != nil {
		return nil, err
	}

	var (
		l   lease.Lease
		reg registry.Registry
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		app.closers = append(app.closers, client.Close)
		app.checks["redis"] = redisCheck{client}
		l = lease.NewRedisLease(client)
		reg = registry.NewRedisRegistry(client, cfg.Lease.TTL)
		logger.Info("using redis lease and registry", zap.String("addr", cfg.Redis.Addr))
	} else {
		l = lease.NewMemoryLease(nil)
		reg = registry.NewMemoryRegistry(cfg.Lease.TTL, nil)
		logger.Info("using in-process lease and registry")
	}

	client, err := app.buildCompletion(ctx)
	if err != nil {
		return nil, err
	}

	src := source.NewMemorySource()
	if cfg.Source.Fixtures != "" {
		if src, err = source.LoadFile(cfg.Source.Fixtures); err != nil {
			return nil, err
		}
	}

	q, err := taskqueue.New(cfg.Queue(), taskqueue.WithLogger(logger), taskqueue.WithMetrics(app.Metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create task queue: %w", err)
	}
	app.Queue = q

	router := analysis.NewRouter(analysis.NewEngine(q, client, src, analysis.WithLogger(logger)))
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.LeaseTTL = cfg.Lease.TTL
	app.Orchestrator = orchestrator.New(orchCfg, st, l, reg, q, router,
		orchestrator.WithLogger(logger), orchestrator.WithMetrics(app.Metrics))

	aggCfg := analysis.DefaultAggregatorConfig()
	if cfg.Worker.JobTimeout > 0 && cfg.Worker.JobTimeout < aggCfg.WaitTimeout {
		aggCfg.WaitTimeout = cfg.Worker.JobTimeout
	}
	router.SetAggregator(analysis.NewAggregator(aggCfg, app.Orchestrator, st, src, q, client, analysis.WithLogger(logger)))

	app.Poller = poller.New(q)
	return app, nil
}

func (a *App) buildStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config
	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemoryStore()
	default:
		sqlStore, err := store.OpenSQL(ctx, cfg.Store.Driver, cfg.StoreDSN())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sqlStore.Close)
		a.checks["store"] = sqlStore
		st = sqlStore
	}
	a.Logger.Info("result store ready", zap.String("driver", cfg.Store.Driver))

	if cfg.Archive.Endpoint == "" {
		return st, nil
	}
	objects, err := store.NewMinioObjects(ctx, store.MinioConfig{
		Endpoint:  cfg.Archive.Endpoint,
		Region:    cfg.Archive.Region,
		Bucket:    cfg.Archive.Bucket,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		UseSSL:    cfg.Archive.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	a.Logger.Info("artifact archive enabled", zap.String("bucket", cfg.Archive.Bucket))
	return store.NewArchiveStore(st, objects, a.Logger), nil
}

func (a *App) buildCompletion(ctx context.Context) (completion.Client, error) {
	cfg := a.Config.Completion
	var client completion.Client
	switch cfg.Provider {
	case "openai":
		key := a.Config.APIKey()
		if key == "" {
			return nil, fmt.Errorf("openai API key missing: set %s", cfg.APIKeyEnv)
		}
		var opts []completion.OpenAIOption
		if cfg.BaseURL != "" {
			opts = append(opts, completion.WithBaseURL(cfg.BaseURL))
		}
		client = completion.NewOpenAIClient(key, cfg.Model, opts...)
	case "gemini":
		gc, err := completion.NewGeminiClient(ctx, a.Config.APIKey(), cfg.Model)
		if err != nil {
			return nil, err
		}
		client = gc
	case "fake":
		client = completion.NewFake(nil)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
	return completion.Instrument(client, cfg.Provider, a.Logger, a.Metrics), nil
}

// Start 啟動任務佇列
func (a *App) Start() error {
	return a.Queue.Start()
}

// HealthChecks 返回後端健康檢查
func (a *App) HealthChecks() map[string]httpserver.HealthChecker {
	return a.checks
}

// Close 停止佇列並關閉所有連線，可重複呼叫
func (a *App) Close() error {
	if a.Queue != nil {
		a.Queue.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

type redisCheck struct {
	client redis.UniversalClient
}

func (r redisCheck) Check(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
