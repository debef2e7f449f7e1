package bootstrap

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"CRMNotify/config"
	"CRMNotify/internal/crmapi"
	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
	"CRMNotify/internal/queue"
	"CRMNotify/internal/service"
	pkgdb "CRMNotify/pkg/database"
	"CRMNotify/pkg/logger"
	"CRMNotify/pkg/metrics"
	pkgmq "CRMNotify/pkg/mq"
	pkgotel "CRMNotify/pkg/otel"
	pkgredis "CRMNotify/pkg/redis"
	"CRMNotify/pkg/snowflake"
	"CRMNotify/storage"
)

// Telemetry 开启追踪时初始化 OTel 并注册各层指标，返回关闭函数。role 为 server 或 worker
func Telemetry(ctx context.Context, role string) func(context.Context) error {
	cfg := config.Cfg
	if !cfg.TracingEnabled {
		return func(context.Context) error { return nil }
	}

	shutdown, err := pkgotel.InitOpenTelemetry(ctx, pkgotel.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.OTELSampleRatio,
		Role:           role,

		NavigationReadyTimeout: cfg.NavigationReadyTimeout,
	})
	if err != nil {
		logger.Logger.Warn("Failed to initialize OpenTelemetry, tracing disabled", zap.Error(err))
		return func(context.Context) error { return nil }
	}

	meter := otel.Meter(cfg.ServiceName)
	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize notification metrics", zap.Error(err))
	}
	if err := pkgredis.InitRedisMetrics(meter); err != nil {
		logger.Logger.Warn("Failed to initialize redis metrics", zap.Error(err))
	}
	if err := pkgdb.InitDatabaseMetrics(meter); err != nil {
		logger.Logger.Warn("Failed to initialize database metrics", zap.Error(err))
	}
	if err := pkgmq.InitMQMetrics(meter); err != nil {
		logger.Logger.Warn("Failed to initialize rabbitmq metrics", zap.Error(err))
	}

	logger.Logger.Info("OpenTelemetry initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return shutdown
}

// Init 雪花 ID 与存储连接，server 和 worker 共用
func Init() error {
	if err := snowflake.Init(config.Cfg.SnowflakeMachineID, config.Cfg.SnowflakeDataCenter); err != nil {
		return err
	}
	return storage.Init()
}

// Build 按配置组装服务。headless 为 true 时不带导航运行时，并负责消费到期触发。
func Build(headless bool) (*service.Components, error) {
	cfg := config.Cfg
	kv := storage.KV()

	crm, err := crmapi.New(cfg.CRMAPIBaseURL, cfg.CRMAPIToken, cfg.CRMAPITimeout, logger.Named("crmapi"))
	if err != nil {
		return nil, err
	}

	deps := service.Deps{
		KV:               kv,
		CRM:              crm,
		Location:         cfg.Location(),
		Logger:           logger.Named,
		Headless:         headless,
		PollInterval:     cfg.ReminderPollInterval,
		DueTolerance:     cfg.ReminderDueTolerance,
		SnoozeDefault:    cfg.ReminderSnoozeDefault,
		Cooldown:         cfg.NavigationCooldown,
		SettleDelay:      cfg.NavigationSettleDelay,
		ReadyTimeout:     cfg.NavigationReadyTimeout,
		ReadyPoll:        cfg.NavigationReadyPoll,
		HandledRetention: cfg.NavigationHandledRetention,
	}

	var memory *platform.MemoryNotifier
	switch cfg.PlatformBackend {
	case "amqp":
		amqp := platform.NewAMQPNotifier(kv, queue.NewTriggerPublisher(), logger.Named("platform"))
		deps.Notifier = amqp
		if headless {
			deps.AMQP = amqp
		}
	default:
		memory = platform.NewMemoryNotifier()
		deps.Notifier = memory
	}

	c := service.Wire(deps)
	if memory != nil {
		memory.OnFired(c.Dispatcher.Deliver)
	}
	return c, nil
}

// Start 注册组件、建通道、订阅事件并启动提醒轮询，返回停止函数
func Start(ctx context.Context, c *service.Components) func() {
	service.Register(c)

	if err := c.Scheduler.EnsureChannels(ctx); err != nil {
		logger.Logger.Warn("Failed to create notification channels", zap.Error(err))
	}

	received := logger.Named("received")
	unsubscribe := c.Router.SetupListeners(c.Events, func(ctx context.Context, n model.Notification) {
		received.Info("Notification received",
			zap.String("notification_id", n.ID),
			zap.String("kind", string(service.Classify(n))),
		)
	})

	// 提醒弹窗只在有界面的进程里轮询
	if c.Gateway != nil {
		c.Poller.Initialize(ctx, c.Reminders.OnTrigger)
	}
	return func() {
		c.Poller.Stop()
		unsubscribe()
	}
}
