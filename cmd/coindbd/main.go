package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"PCGS-CoinDB/internal/api"
	"PCGS-CoinDB/internal/auth"
	"PCGS-CoinDB/internal/coin"
	"PCGS-CoinDB/internal/config"
	"PCGS-CoinDB/internal/events"
	"PCGS-CoinDB/internal/observability/alerting"
	"PCGS-CoinDB/internal/observability/metrics"
	"PCGS-CoinDB/internal/retention"
	"PCGS-CoinDB/internal/scheduler"
	"PCGS-CoinDB/internal/scraper"
	"PCGS-CoinDB/internal/storage/sqldb"
	"PCGS-CoinDB/internal/task"
	"PCGS-CoinDB/pkg/logger"
)

const shutdownTimeout = 2 * time.Minute

// main 是证书库守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("coindbd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnvironment()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	appLog := logger.Named("coindbd")
	appLog.Info("证书库服务启动中", slog.String("address", cfg.Server.Address), slog.String("storage", cfg.Storage.Driver))

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Scraper.ImagesDir, 0o755); err != nil {
		return err
	}

	taskStore, coinStore, closeStores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStores()

	publisher, err := openPublishers(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			appLog.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	taskService := task.NewService(taskStore, publisher)
	coinService := coin.NewService(coinStore, publisher)

	scraperOpts := scraper.Options{
		BaseURL:        cfg.Scraper.BaseURL,
		Headless:       cfg.Scraper.IsHeadless(),
		ChromePath:     cfg.Scraper.ChromePath,
		UserAgent:      cfg.Scraper.UserAgent,
		SettleDelay:    cfg.Scraper.SettleDelayDuration(),
		DownloadImages: cfg.Scraper.ShouldDownloadImages(),
		ImagesDir:      cfg.Scraper.ImagesDir,
	}
	fetcher := scraper.NewBrowserFetcher(scraperOpts)

	alerts, err := buildAlerts(cfg.Alerting)
	if err != nil {
		return err
	}

	sched := scheduler.New(taskService, coinService, fetcher,
		scheduler.WithInterval(cfg.Scheduler.IntervalDuration()),
		scheduler.WithFetchTimeout(cfg.Scheduler.FetchTimeoutDuration()),
		scheduler.WithAlerts(alerts),
	)
	if cfg.Scheduler.IsEnabled() {
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				appLog.Warn("等待调度器停止超时", slog.Any("error", err))
			}
		}()
	} else {
		appLog.Warn("调度器已禁用，任务不会被自动处理")
	}

	janitor, err := retention.New(taskService, cfg.Retention.Schedule)
	if err != nil {
		return err
	}
	if janitor != nil {
		janitor.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = janitor.Stop(stopCtx)
		}()
	}

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	authService := auth.NewService(cfg.Server.APIToken)
	server := api.NewServer(cfg.Server.Address, taskService, coinService, fetcher,
		api.WithScheduler(sched),
		api.WithAuth(authService),
		api.WithStaticDir(cfg.Server.StaticDir),
		api.WithImagesDir(cfg.Scraper.ImagesDir),
		api.WithScrapeTimeout(cfg.Scheduler.FetchTimeoutDuration()),
	)
	appLog.Info("HTTP 服务已启动", slog.String("address", cfg.Server.Address), slog.String("auth", string(authService.Mode())))
	err = server.Start(ctx)
	appLog.Info("证书库服务正在退出")
	return err
}

// openStores 根据驱动创建任务与证书存储，两者共享同一个连接池。
func openStores(ctx context.Context, cfg config.StorageConfig) (task.Store, coin.Store, func(), error) {
	if cfg.Driver == "memory" {
		logger.L().Warn("使用内存存储，进程退出后数据将丢失")
		return task.NewMemoryStore(), coin.NewMemoryStore(), func() {}, nil
	}

	db, err := sqldb.Open(ctx, sqldb.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetimeDuration(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.L().Warn("关闭数据库失败", slog.Any("error", err))
		}
	}
	return task.NewSQLStore(db), coin.NewSQLStore(db), closeDB, nil
}

// buildAlerts 组装告警渠道：日志始终启用，webhook 按配置追加。
func buildAlerts(cfg config.AlertingConfig) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for _, hook := range cfg.Webhooks {
		n, err := alerting.NewWebhookNotifier(hook.Name, hook.URL, hook.Format, nil)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return alerting.NewFanout(notifiers...), nil
}

// openPublishers 按配置组装事件发布器，未配置时返回 Nop。
func openPublishers(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	var targets []events.Named
	closeAll := func() {
		for _, t := range targets {
			_ = t.Publisher.Close()
		}
	}

	for _, name := range cfg.Publishers {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "", "none":
		case "memory":
			targets = append(targets, events.Named{Name: name, Publisher: events.NewMemoryPublisher()})
		case "redis":
			p, err := events.NewRedisPublisher(ctx, events.RedisConfig{
				Address:      cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				Channel:      cfg.Redis.Channel,
				HistoryKey:   cfg.Redis.HistoryKey,
				HistoryLimit: cfg.Redis.HistoryLimit,
			})
			if err != nil {
				closeAll()
				return nil, err
			}
			targets = append(targets, events.Named{Name: name, Publisher: p})
		case "rabbitmq":
			p, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
				URL:      cfg.RabbitMQ.URL,
				Exchange: cfg.RabbitMQ.Exchange,
			})
			if err != nil {
				closeAll()
				return nil, err
			}
			targets = append(targets, events.Named{Name: name, Publisher: p})
		default:
			closeAll()
			return nil, fmt.Errorf("未知的事件发布器: %s", name)
		}
	}

	if len(targets) == 0 {
		return events.Nop{}, nil
	}
	return events.NewFanout(targets...), nil
}
