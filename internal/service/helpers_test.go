package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"CRMNotify/internal/model"
	"CRMNotify/internal/outbox"
	"CRMNotify/internal/platform"
	"CRMNotify/internal/repository"
	"CRMNotify/pkg/store"
)

type fakeNavigator struct {
	mu          sync.Mutex
	ready       bool
	navigations []model.NavigationIntent
}

func (f *fakeNavigator) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeNavigator) SetReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

func (f *fakeNavigator) Navigate(ctx context.Context, intent model.NavigationIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigations = append(f.navigations, intent)
	return nil
}

func (f *fakeNavigator) Navigations() []model.NavigationIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.NavigationIntent, len(f.navigations))
	copy(out, f.navigations)
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// routerFixture 模拟主进程和后台 worker 共享同一份存储
type routerFixture struct {
	kv       store.KV
	clock    *testClock
	nav      *fakeNavigator
	pending  *repository.PendingSlot
	retry    *repository.RetrySlot
	gateway  *NavigationGateway
	router   *NotificationRouter
	headless *NotificationRouter
}

func newRouterFixture() *routerFixture {
	kv := store.NewMemory()
	clock := newTestClock()
	nav := &fakeNavigator{}
	pending := repository.NewPendingSlot(kv)
	retry := repository.NewRetrySlot(kv)
	ledger := repository.NewNavigationLedger(kv, 24*time.Hour)

	gateway := NewNavigationGateway(nav, retry, GatewayOptions{
		PollInterval: 5 * time.Millisecond,
		ReadyTimeout: 30 * time.Millisecond,
	})
	opts := RouterOptions{Now: clock.Now, Cooldown: 3 * time.Second}

	return &routerFixture{
		kv:       kv,
		clock:    clock,
		nav:      nav,
		pending:  pending,
		retry:    retry,
		gateway:  gateway,
		router:   NewNotificationRouter(gateway, pending, retry, ledger, opts),
		headless: NewNotificationRouter(nil, pending, retry, ledger, opts),
	}
}

func alertTap(id string) model.NotificationEvent {
	return model.NotificationEvent{
		Type: model.EventPress,
		Notification: model.Notification{
			ID: model.NotificationID(model.NotificationKindAlert, id),
			Data: map[string]string{
				model.PayloadType:   string(model.NotificationKindAlert),
				model.PayloadID:     id,
				model.PayloadReason: "Site visit",
				model.PayloadDate:   "2024-05-02",
				model.PayloadTime:   "10:30",
			},
		},
	}
}

// alertDelivery 本地调度产生的告警点击，payload 带触发时间
func alertDelivery(id string, firesAt time.Time) model.NotificationEvent {
	ev := alertTap(id)
	ev.Notification.Data[model.PayloadFiresAt] = strconv.FormatInt(firesAt.UnixMilli(), 10)
	return ev
}

func reminderTap(id string) model.NotificationEvent {
	return model.NotificationEvent{
		Type: model.EventPress,
		Notification: model.Notification{
			ID:   id,
			Data: map[string]string{model.PayloadType: string(model.NotificationKindReminder), model.PayloadID: id},
		},
	}
}

func newSchedulerFixture(clock *testClock) (*NotificationScheduler, *platform.MemoryNotifier) {
	notifier := platform.NewMemoryNotifier().WithClock(clock.Now)
	s := NewNotificationScheduler(notifier, repository.NewScheduledRepo(store.NewMemory()), SchedulerOptions{
		Now:      clock.Now,
		Location: time.UTC,
	})
	return s, notifier
}

// reminderFixture 提醒服务 + 内存调度，ID 依次为 r1, r2 ...
type reminderFixture struct {
	clock     *testClock
	notifier  *platform.MemoryNotifier
	scheduler *NotificationScheduler
	popups    *outbox.Popups
	repo      *repository.ReminderRepo
	svc       *ReminderService
}

func newReminderFixture(t *testing.T) *reminderFixture {
	clock := newTestClock()
	scheduler, notifier := newSchedulerFixture(clock)
	require.NoError(t, scheduler.EnsureChannels(context.Background()))
	t.Cleanup(notifier.Stop)

	var seq int
	var seqMu sync.Mutex
	repo := repository.NewReminderRepo(store.NewMemory(),
		repository.WithReminderClock(clock.Now),
		repository.WithReminderIDGenerator(func() (string, error) {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("r%d", seq), nil
		}),
	)
	popups := outbox.NewPopups(10)

	return &reminderFixture{
		clock:     clock,
		notifier:  notifier,
		scheduler: scheduler,
		popups:    popups,
		repo:      repo,
		svc:       NewReminderService(repo, scheduler, popups, ReminderOptions{Now: clock.Now}),
	}
}
