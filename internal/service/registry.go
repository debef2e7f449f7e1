package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"CRMNotify/internal/crmapi"
	"CRMNotify/internal/outbox"
	"CRMNotify/internal/platform"
	"CRMNotify/internal/repository"
	"CRMNotify/internal/schedule"
	"CRMNotify/pkg/store"
)

// outbox 队列上限，超过后丢弃最早的条目
const outboxLimit = 100

// Deps 组装服务所需的外部依赖与参数
type Deps struct {
	KV       store.KV
	Notifier platform.Notifier
	AMQP     *platform.AMQPNotifier // 只有消费到期消息的进程需要
	CRM      *crmapi.Client
	Location *time.Location
	Logger   func(component string) *zap.Logger

	// Headless 没有导航运行时（后台 worker），点击只落盘
	Headless bool

	PollInterval     time.Duration
	DueTolerance     time.Duration
	SnoozeDefault    time.Duration
	Cooldown         time.Duration
	SettleDelay      time.Duration
	ReadyTimeout     time.Duration
	ReadyPoll        time.Duration
	HandledRetention time.Duration
}

// Components 一个进程内共享的服务实例
type Components struct {
	Events     *platform.EventHub
	Scheduler  *NotificationScheduler
	Gateway    *NavigationGateway
	Router     *NotificationRouter
	Reminders  *ReminderService
	Alerts     *AlertService
	Poller     *schedule.ReminderPoller
	Dispatcher *FiredDispatcher
	Navigator  *outbox.Navigator
	Popups     *outbox.Popups
}

// Wire 按依赖关系组装全部服务
func Wire(d Deps) *Components {
	named := d.Logger
	if named == nil {
		named = func(string) *zap.Logger { return zap.NewNop() }
	}

	pending := repository.NewPendingSlot(d.KV)
	retry := repository.NewRetrySlot(d.KV)
	ledger := repository.NewNavigationLedger(d.KV, d.HandledRetention)

	c := &Components{Events: platform.NewEventHub()}
	c.Scheduler = NewNotificationScheduler(d.Notifier, repository.NewScheduledRepo(d.KV), SchedulerOptions{
		Location: d.Location,
		Logger:   named("scheduler"),
	})

	if !d.Headless {
		c.Navigator = outbox.NewNavigator(outboxLimit)
		c.Popups = outbox.NewPopups(outboxLimit)
		c.Gateway = NewNavigationGateway(c.Navigator, retry, GatewayOptions{
			Logger:       named("navigation"),
			SettleDelay:  d.SettleDelay,
			PollInterval: d.ReadyPoll,
			ReadyTimeout: d.ReadyTimeout,
		})
	}

	c.Router = NewNotificationRouter(c.Gateway, pending, retry, ledger, RouterOptions{
		Logger:   named("router"),
		Cooldown: d.Cooldown,
	})

	reminders := repository.NewReminderRepo(d.KV)
	c.Reminders = NewReminderService(reminders, c.Scheduler, c.Popups, ReminderOptions{
		Logger:        named("reminder"),
		Location:      d.Location,
		SnoozeDefault: d.SnoozeDefault,
	})
	c.Alerts = NewAlertService(d.CRM, c.Scheduler, named("alert"))
	c.Poller = schedule.NewReminderPoller(reminders, schedule.PollerOptions{
		Logger:    named("poller"),
		Interval:  d.PollInterval,
		Tolerance: d.DueTolerance,
	})

	// 到期通知按所在进程的前后台身份投递
	emit := c.Events.EmitForeground
	if d.Headless {
		emit = c.Events.EmitBackground
	}
	c.Dispatcher = NewFiredDispatcher(c.Scheduler, d.AMQP, emit, named("dispatcher"))
	return c
}

var (
	components   *Components
	componentsMu sync.RWMutex
)

// Register 启动时调用一次，handler 通过下面的访问函数取用
func Register(c *Components) {
	componentsMu.Lock()
	components = c
	componentsMu.Unlock()
}

func current() *Components {
	componentsMu.RLock()
	defer componentsMu.RUnlock()
	if components == nil {
		return &Components{}
	}
	return components
}

func Reminder() *ReminderService { return current().Reminders }
func Alert() *AlertService { return current().Alerts }
func Scheduler() *NotificationScheduler { return current().Scheduler }
func Router() *NotificationRouter { return current().Router }
func Gateway() *NavigationGateway { return current().Gateway }
func Events() *platform.EventHub { return current().Events }
func NavigationOutbox() *outbox.Navigator { return current().Navigator }
func Popups() *outbox.Popups { return current().Popups }
func Poller() *schedule.ReminderPoller { return current().Poller }
