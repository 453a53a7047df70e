package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"ChaosCore/internal/config"
	"ChaosCore/internal/directory"
	"ChaosCore/pkg/logger"
)

// main 是 chaoscored 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("chaoscored 运行失败: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "chaoscored",
		Usage: "智能体行为账本、奖励信誉与工作室任务编排服务",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML 配置文件路径",
				Value:   config.DefaultPath(),
				EnvVars: []string{config.EnvConfigPath},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "启动 API 服务与后台任务",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "对 MySQL 存储执行全部未应用的迁移",
				Action: migrate,
			},
			{
				Name:  "agent",
				Usage: "维护 Redis 智能体目录",
				Subcommands: []*cli.Command{
					{
						Name:      "register",
						Usage:     "注册或更新智能体",
						ArgsUsage: "<agent-id>",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "inactive", Usage: "将智能体标记为不可用"},
						},
						Action: registerAgent,
					},
				},
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rt, err := bootstrap(c.Context, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Run(c.Context); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != "mysql" {
		return fmt.Errorf("存储驱动 %s 无需迁移", cfg.Storage.Driver)
	}
	db, err := openMySQL(c.Context, cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.L().Info("数据库迁移完成")
	return nil
}

func registerAgent(c *cli.Context) error {
	agentID := c.Args().First()
	if agentID == "" {
		return errors.New("需要指定智能体 ID")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Directory.Driver != "redis" {
		return errors.New("只有 redis 目录支持在线注册，静态目录请修改配置文件")
	}
	dir, err := directory.NewRedisDirectory(c.Context, redisDirectoryConfig(cfg.Directory))
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := dir.Register(c.Context, agentID, !c.Bool("inactive")); err != nil {
		return err
	}
	logger.L().Info("智能体已注册", "agent_id", agentID, "active", !c.Bool("inactive"))
	return nil
}
