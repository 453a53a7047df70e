package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"ChaosCore/internal/anchor"
	"ChaosCore/internal/api"
	"ChaosCore/internal/config"
	"ChaosCore/internal/directory"
	"ChaosCore/internal/events"
	"ChaosCore/internal/ledger"
	"ChaosCore/internal/observability/alerting"
	"ChaosCore/internal/observability/metrics"
	"ChaosCore/internal/reputation"
	"ChaosCore/internal/reward"
	"ChaosCore/internal/storage/mysql"
	"ChaosCore/internal/studio"
	"ChaosCore/pkg/logger"
)

// daemon 持有一次服务运行所需的全部组件。
type daemon struct {
	cfg        *config.Config
	publisher  events.Publisher
	consumer   events.Consumer
	reputation *reputation.Engine
	server     *api.Server
	closers    []func()
}

func bootstrap(ctx context.Context, cfg *config.Config) (_ *daemon, err error) {
	rt := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	var (
		ledgerStore     ledger.Store
		reputationStore reputation.Store
	)
	switch cfg.Storage.Driver {
	case "memory":
		ledgerStore = ledger.NewMemoryStore()
		reputationStore = reputation.NewMemoryStore()
	case "mysql":
		db, err := openMySQL(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		ledgerStore = ledger.NewMySQLStore(db)
		reputationStore = reputation.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	dir, err := openDirectory(ctx, cfg.Directory)
	if err != nil {
		return nil, err
	}
	if closer, ok := dir.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, func() { _ = closer.Close() })
	}

	gateway, closeGateway, err := anchor.Open(ctx, cfg.Anchor)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeGateway)

	rt.publisher, rt.consumer, err = events.Open(ctx, cfg.Events)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { _ = rt.publisher.Close() })

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	l := ledger.New(ledgerStore, dir, gateway,
		ledger.WithAnchorTimeout(cfg.Anchor.Timeout()),
		ledger.WithPublisher(rt.publisher),
		ledger.WithAlertDispatcher(alerts),
	)
	rewards := reward.NewEngine(l, reward.NewEventPayout(rt.publisher),
		reward.WithPolicy(reward.PolicyFromConfig(cfg.Reward)),
		reward.WithAlertDispatcher(alerts),
	)
	rt.reputation, err = reputation.NewEngine(l, dir, reputationStore, reputation.OptionsFromConfig(cfg.Reputation)...)
	if err != nil {
		return nil, err
	}
	studios := studio.NewRegistry(studio.WithGraphOptions(studio.WithObservers(
		studio.NewLedgerObserver(l, dir),
		studio.EventObserver{Publisher: rt.publisher},
	)))

	rt.server = api.NewServer(cfg.Server.Address, api.Services{
		Ledger:     l,
		Rewards:    rewards,
		Reputation: rt.reputation,
		Studios:    studios,
	},
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		api.WithTrustedProxies(cfg.Server.TrustedProxies...),
	)
	return rt, nil
}

// Run 并行运行 API 服务、指标端点、信誉刷新与事件消费，任一失败即整体退出。
func (rt *daemon) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.L().Info("API 服务启动", "address", rt.cfg.Server.Address)
		return rt.server.Start(ctx)
	})
	if rt.cfg.Metrics.Enabled {
		group.Go(func() error {
			return metrics.StartServer(ctx, rt.cfg.Metrics.Address)
		})
	}
	if interval := rt.cfg.Reputation.RefreshInterval(); interval > 0 {
		group.Go(func() error {
			rt.reputation.Run(ctx, interval)
			return nil
		})
	}
	if rt.consumer != nil {
		group.Go(func() error {
			err := rt.consumer.Consume(ctx, 1, events.AuditHandler(logger.Audit()))
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("事件消费异常退出: %w", err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Close 逆序释放资源。
func (rt *daemon) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func openMySQL(ctx context.Context, cfg config.StorageConfig) (*sql.DB, error) {
	return mysql.Open(ctx, mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
	})
}

func openDirectory(ctx context.Context, cfg config.DirectoryConfig) (directory.Directory, error) {
	switch cfg.Driver {
	case "memory":
		dir := directory.NewMemoryDirectory()
		for _, agent := range cfg.Agents {
			dir.Register(agent.ID, !agent.Inactive)
		}
		return dir, nil
	case "redis":
		return directory.NewRedisDirectory(ctx, redisDirectoryConfig(cfg))
	default:
		return nil, fmt.Errorf("未知的目录驱动: %s", cfg.Driver)
	}
}

func redisDirectoryConfig(cfg config.DirectoryConfig) directory.RedisConfig {
	return directory.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.Key,
	}
}
