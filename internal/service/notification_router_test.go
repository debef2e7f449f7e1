package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		n    model.Notification
		want model.NotificationKind
	}{
		{"explicit reminder", model.Notification{ID: "alert_1", Data: map[string]string{"type": "reminder"}}, model.NotificationKindReminder},
		{"explicit alert", model.Notification{ID: "1", Data: map[string]string{"type": "alert"}}, model.NotificationKindAlert},
		{"prefix fallback", model.Notification{ID: "alert_7"}, model.NotificationKindAlert},
		{"prefix in payload id", model.Notification{Data: map[string]string{"notificationId": "alert_8"}}, model.NotificationKindAlert},
		{"unknown type falls back", model.Notification{ID: "alert_9", Data: map[string]string{"type": "promo"}}, model.NotificationKindAlert},
		{"no hints", model.Notification{ID: "123"}, model.NotificationKindOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.n))
		})
	}
}

func TestResolveIntent(t *testing.T) {
	alert := alertTap("42").Notification
	intent := ResolveIntent(alert, model.NotificationKindAlert)
	assert.Equal(t, model.ScreenAlertEdit, intent.Target)
	assert.Equal(t, "42", intent.Params[ParamAlertID])
	assert.Equal(t, "Site visit", intent.Params[ParamReason])

	bare := ResolveIntent(model.Notification{ID: "alert_77"}, model.NotificationKindAlert)
	assert.Equal(t, "77", bare.Params[ParamAlertID])

	other := ResolveIntent(model.Notification{ID: "x", Data: map[string]string{
		"screen": "EnquiryDetail",
		"params": `{"enquiryId": 15, "tab": "notes"}`,
	}}, model.NotificationKindOther)
	assert.Equal(t, "EnquiryDetail", other.Target)
	assert.Equal(t, "15", other.Params["enquiryId"])
	assert.Equal(t, "notes", other.Params["tab"])

	assert.False(t, ResolveIntent(model.Notification{ID: "x"}, model.NotificationKindOther).Routable())
}

func TestForegroundAlertRoutesWhenReady(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	f.nav.SetReady(true)

	res := f.router.HandleForeground(ctx, alertTap("1"))
	assert.Equal(t, model.OutcomeRouted, res.Outcome)
	assert.NotEmpty(t, res.DeliveryID)
	require.Len(t, f.nav.Navigations(), 1)
	assert.Equal(t, model.ScreenAlertEdit, f.nav.Navigations()[0].Target)
}

func TestDoubleDeliveryNavigatesOnce(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	f.nav.SetReady(true)

	firesAt := f.clock.Now().Add(-time.Minute)
	bg := f.router.HandleBackground(ctx, alertDelivery("1", firesAt))
	fg := f.router.HandleForeground(ctx, alertDelivery("1", firesAt))

	assert.Equal(t, model.OutcomeRouted, bg.Outcome)
	assert.Equal(t, model.OutcomeDropped, fg.Outcome)
	assert.Len(t, f.nav.Navigations(), 1)

	// 同一次投递在冷却过后也不会再次导航
	f.clock.Advance(10 * time.Second)
	again := f.router.HandleForeground(ctx, alertDelivery("1", firesAt))
	assert.Equal(t, model.OutcomeDropped, again.Outcome)
	assert.Len(t, f.nav.Navigations(), 1)
}

func TestSameAlertRefiredAfterCooldownRoutesAgain(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	f.nav.SetReady(true)

	first := f.router.HandleForeground(ctx, alertTap("5"))
	assert.Equal(t, model.OutcomeRouted, first.Outcome)

	f.clock.Advance(59 * time.Minute)
	second := f.router.HandleForeground(ctx, alertTap("5"))
	assert.Equal(t, model.OutcomeRouted, second.Outcome)
	assert.Len(t, f.nav.Navigations(), 2)
}

func TestDailyAlertNextDayDeliveryRoutes(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	f.nav.SetReady(true)

	day1 := f.clock.Now()
	res := f.router.HandleForeground(ctx, alertDelivery("6", day1))
	assert.Equal(t, model.OutcomeRouted, res.Outcome)

	// 第二天提前十分钟点击，仍在账本保留期内
	f.clock.Advance(24*time.Hour - 10*time.Minute)
	res = f.router.HandleForeground(ctx, alertDelivery("6", day1.Add(24*time.Hour)))
	assert.Equal(t, model.OutcomeRouted, res.Outcome)
	assert.Len(t, f.nav.Navigations(), 2)
}

func TestScheduledDeliveryCarriesItsKeyThroughReplay(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	firesAt := f.clock.Now()

	res := f.headless.HandleBackground(ctx, alertDelivery("8", firesAt))
	assert.Equal(t, model.OutcomeDeferred, res.Outcome)
	rec, err := f.pending.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.DeliveryKey(alertDelivery("8", firesAt).Notification), rec.DeliveryKey)

	f.nav.SetReady(true)
	results := f.router.ReplayDeferred(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeRouted, results[0].Outcome)

	// 同一次投递晚到的前台回调
	f.clock.Advance(time.Minute)
	late := f.router.HandleForeground(ctx, alertDelivery("8", firesAt))
	assert.Equal(t, model.OutcomeDropped, late.Outcome)
	assert.Len(t, f.nav.Navigations(), 1)
}

func TestHeadlessThenForegroundWithinCooldown(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()

	// 后台 worker 先收到点击，没有导航运行时
	bg := f.headless.HandleBackground(ctx, alertTap("3"))
	assert.Equal(t, model.OutcomeDeferred, bg.Outcome)

	f.nav.SetReady(true)
	f.clock.Advance(time.Second)
	fg := f.router.HandleForeground(ctx, alertTap("3"))
	assert.Equal(t, model.OutcomeDropped, fg.Outcome)

	results := f.router.ReplayDeferred(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeRouted, results[0].Outcome)
	assert.Len(t, f.nav.Navigations(), 1)
}

func TestDeferredReplayExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()

	res := f.router.HandleForeground(ctx, alertTap("2"))
	assert.Equal(t, model.OutcomeDeferred, res.Outcome)

	rec, err := f.pending.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.ShouldNavigateImmediately)
	assert.Equal(t, model.ScreenAlertEdit, rec.NavigateTo)

	// 仍未就绪时重放会放回槽位
	results := f.router.ReplayDeferred(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeDeferred, results[0].Outcome)
	rec, err = f.pending.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)

	f.nav.SetReady(true)
	results = f.router.ReplayDeferred(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeRouted, results[0].Outcome)
	assert.Len(t, f.nav.Navigations(), 1)

	rec, err = f.pending.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.Empty(t, f.router.ReplayDeferred(ctx))
	assert.Len(t, f.nav.Navigations(), 1)
}

func TestReminderTapDefersUntilResume(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	f.nav.SetReady(true)
	f.router.HandleAppStateChange(ctx, model.AppStateActive)

	var received []string
	f.router.AddReceivedListener(func(ctx context.Context, n model.Notification) {
		received = append(received, n.ID)
	})

	// 即使已就绪，提醒也不在点击回调里导航
	res := f.router.HandleForeground(ctx, reminderTap("r1"))
	assert.Equal(t, model.OutcomeDeferred, res.Outcome)
	assert.Empty(t, f.nav.Navigations())
	assert.Equal(t, []string{"r1"}, received)

	// 就绪重放不处理提醒
	assert.Empty(t, f.router.ReplayDeferred(ctx))
	assert.Empty(t, f.nav.Navigations())

	assert.Nil(t, f.router.HandleAppStateChange(ctx, model.AppStateBackground))
	resumed := f.router.HandleAppStateChange(ctx, model.AppStateActive)
	require.NotNil(t, resumed)
	assert.Equal(t, model.OutcomeRouted, resumed.Outcome)
	require.Len(t, f.nav.Navigations(), 1)
	assert.Equal(t, model.ScreenReminderDetail, f.nav.Navigations()[0].Target)
	assert.Equal(t, "r1", f.nav.Navigations()[0].Params[ParamReminderID])

	// 再次切换没有待处理记录
	f.router.HandleAppStateChange(ctx, model.AppStateBackground)
	assert.Nil(t, f.router.HandleAppStateChange(ctx, model.AppStateActive))
}

func TestBackgroundReminderFromWorkerResumesOnServer(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()

	res := f.headless.HandleBackground(ctx, reminderTap("r2"))
	assert.Equal(t, model.OutcomeDeferred, res.Outcome)

	f.router.HandleAppStateChange(ctx, model.AppStateBackground)
	f.nav.SetReady(true)
	resumed := f.router.HandleAppStateChange(ctx, model.AppStateActive)
	require.NotNil(t, resumed)
	assert.Equal(t, model.OutcomeRouted, resumed.Outcome)
	assert.Len(t, f.nav.Navigations(), 1)
}

func TestUnroutableIsDroppedAndNeverPersisted(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()

	res := f.router.HandleForeground(ctx, model.NotificationEvent{
		Type:         model.EventPress,
		Notification: model.Notification{ID: "promo-1", Data: map[string]string{"type": "promo"}},
	})
	assert.Equal(t, model.OutcomeDropped, res.Outcome)
	assert.Equal(t, model.NotificationKindOther, res.Kind)

	rec, err := f.pending.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
	retry, err := f.retry.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, retry)
}

func TestInitialNotificationTimesOutIntoRetrySlot(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	hub := platform.NewEventHub()
	hub.SetInitialNotification(alertTap("11").Notification)

	res, err := f.router.Bootstrap(ctx, hub)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.OutcomeDeferred, res.Outcome)
	assert.Empty(t, f.nav.Navigations())

	retry, err := f.retry.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, retry)

	f.nav.SetReady(true)
	results := f.router.ReplayDeferred(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeRouted, results[0].Outcome)
	assert.Len(t, f.nav.Navigations(), 1)

	// 冷启动通知只返回一次
	res, err = f.router.Bootstrap(ctx, hub)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestInitialNotificationWaitsForReady(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	f.gateway.readyTimeout = time.Second

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.nav.SetReady(true)
	}()
	res := f.router.HandleInitialNotification(ctx, alertTap("12").Notification)
	assert.Equal(t, model.OutcomeRouted, res.Outcome)
	assert.Len(t, f.nav.Navigations(), 1)
}

func TestSetupListenersIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture()
	f.nav.SetReady(true)
	hub := platform.NewEventHub()

	var mu sync.Mutex
	var received []string
	unsubscribe := f.router.SetupListeners(hub, func(ctx context.Context, n model.Notification) {
		mu.Lock()
		received = append(received, n.ID)
		mu.Unlock()
	})
	f.router.AddReceivedListener(func(ctx context.Context, n model.Notification) {
		panic("listener bug")
	})

	hub.EmitForeground(ctx, model.NotificationEvent{Type: model.EventDelivered, Notification: model.Notification{ID: "d1"}})
	hub.EmitForeground(ctx, alertTap("20"))
	hub.EmitBackground(ctx, alertTap("21"))
	assert.Equal(t, []string{"d1"}, received)
	assert.Len(t, f.nav.Navigations(), 2)

	unsubscribe()
	hub.EmitForeground(ctx, alertTap("22"))
	assert.Len(t, f.nav.Navigations(), 2)
}
