package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CRMNotify/internal/model"
	apperrors "CRMNotify/pkg/errors"
	"CRMNotify/pkg/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	sent   []TriggerMessage
	delays []time.Duration
	err    error
}

func (p *recordingPublisher) PublishTrigger(ctx context.Context, msg TriggerMessage, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	p.delays = append(p.delays, delay)
	return nil
}

func newTestAMQPNotifier(now time.Time) (*AMQPNotifier, *recordingPublisher, *time.Time) {
	pub := &recordingPublisher{}
	n := NewAMQPNotifier(store.NewMemory(), pub, nil)
	clock := now
	n.now = func() time.Time { return clock }
	return n, pub, &clock
}

func TestAMQPNotifierRescheduleLeavesOneLiveTrigger(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	notifier, pub, clock := newTestAMQPNotifier(now)

	require.NoError(t, notifier.CreateChannel(ctx, Channel{ID: model.ChannelAlerts, Name: "Alerts"}))
	n := model.Notification{ID: "alert_1", ChannelID: model.ChannelAlerts, Title: "Visit"}

	require.NoError(t, notifier.CreateTriggerNotification(ctx, n, Trigger{Timestamp: now.Add(time.Hour)}))
	require.NoError(t, notifier.CancelNotification(ctx, n.ID))
	require.NoError(t, notifier.CreateTriggerNotification(ctx, n, Trigger{Timestamp: now.Add(2 * time.Hour)}))

	ids, err := notifier.TriggerNotificationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alert_1"}, ids)
	require.Len(t, pub.sent, 2)

	*clock = now.Add(3 * time.Hour)
	delivered := 0
	for _, msg := range pub.sent {
		got, err := notifier.HandleFired(ctx, msg)
		require.NoError(t, err)
		if got != nil {
			delivered++
			assert.Equal(t, "Visit", got.Title)
		}
	}
	assert.Equal(t, 1, delivered)

	ids, err = notifier.TriggerNotificationIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAMQPNotifierLongDelayHops(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	notifier, pub, clock := newTestAMQPNotifier(now)

	n := model.Notification{ID: "r1"}
	require.NoError(t, notifier.CreateTriggerNotification(ctx, n, Trigger{Timestamp: now.Add(30 * time.Hour)}))
	require.Len(t, pub.delays, 1)
	assert.Equal(t, MaxDelayHop, pub.delays[0])

	*clock = now.Add(24 * time.Hour)
	got, err := notifier.HandleFired(ctx, pub.sent[0])
	require.NoError(t, err)
	assert.Nil(t, got)
	require.Len(t, pub.delays, 2)
	assert.Equal(t, 6*time.Hour, pub.delays[1])

	*clock = now.Add(30 * time.Hour)
	got, err = notifier.HandleFired(ctx, pub.sent[1])
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestAMQPNotifierRejections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	notifier, pub, _ := newTestAMQPNotifier(now)

	err := notifier.CreateTriggerNotification(ctx, model.Notification{ID: "a", ChannelID: "missing"}, Trigger{Timestamp: now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	err = notifier.CreateTriggerNotification(ctx, model.Notification{ID: "a"}, Trigger{Timestamp: now.Add(-time.Second)})
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	pub.err = errors.New("broker down")
	err = notifier.CreateTriggerNotification(ctx, model.Notification{ID: "a"}, Trigger{Timestamp: now.Add(time.Hour)})
	assert.Error(t, err)
	ids, err := notifier.TriggerNotificationIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryNotifierFiresLatestOnly(t *testing.T) {
	ctx := context.Background()
	notifier := NewMemoryNotifier()
	defer notifier.Stop()

	fired := make(chan model.Notification, 4)
	notifier.OnFired(func(ctx context.Context, n model.Notification) { fired <- n })

	n := model.Notification{ID: "r1", Title: "old"}
	require.NoError(t, notifier.CreateTriggerNotification(ctx, n, Trigger{Timestamp: time.Now().Add(20 * time.Millisecond)}))
	n.Title = "new"
	require.NoError(t, notifier.CreateTriggerNotification(ctx, n, Trigger{Timestamp: time.Now().Add(40 * time.Millisecond)}))

	select {
	case got := <-fired:
		assert.Equal(t, "new", got.Title)
	case <-time.After(time.Second):
		t.Fatal("trigger did not fire")
	}
	select {
	case got := <-fired:
		t.Fatalf("unexpected second firing: %s", got.Title)
	case <-time.After(100 * time.Millisecond):
	}

	ids, err := notifier.TriggerNotificationIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEventHubSubscriptions(t *testing.T) {
	ctx := context.Background()
	hub := NewEventHub()

	var got []string
	unsubscribe := hub.OnForegroundEvent(func(ctx context.Context, ev model.NotificationEvent) {
		got = append(got, ev.Notification.ID)
	})
	hub.OnBackgroundEvent(func(ctx context.Context, ev model.NotificationEvent) {
		got = append(got, "bg:"+ev.Notification.ID)
	})

	assert.Equal(t, 1, hub.EmitForeground(ctx, model.NotificationEvent{Notification: model.Notification{ID: "a"}}))
	assert.Equal(t, 1, hub.EmitBackground(ctx, model.NotificationEvent{Notification: model.Notification{ID: "b"}}))
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, hub.EmitForeground(ctx, model.NotificationEvent{Notification: model.Notification{ID: "c"}}))
	assert.Equal(t, []string{"a", "bg:b"}, got)

	hub.SetInitialNotification(model.Notification{ID: "cold"})
	first, err := hub.InitialNotification(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := hub.InitialNotification(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestAMQPNotifierCorruptedRegistry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	kv := store.NewMemory()
	notifier := NewAMQPNotifier(kv, &recordingPublisher{}, nil)
	notifier.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, kv, keyArmedTriggers, []byte("{broken")))
	require.NoError(t, store.Set(ctx, kv, keyChannels, []byte("[1,")))

	// 触发登记表损坏不清空，直接报错
	_, err := notifier.TriggerNotificationIDs(ctx)
	assert.ErrorIs(t, err, apperrors.StorageCorrupted)
	err = notifier.CancelNotification(ctx, "alert_1")
	assert.ErrorIs(t, err, apperrors.StorageCorrupted)
	_, err = notifier.HandleFired(ctx, TriggerMessage{Notification: model.Notification{ID: "alert_1"}})
	assert.ErrorIs(t, err, apperrors.StorageCorrupted)

	n := model.Notification{ID: "alert_1", ChannelID: model.ChannelAlerts, Title: "Visit"}
	err = notifier.CreateTriggerNotification(ctx, n, Trigger{Timestamp: now.Add(time.Hour)})
	assert.ErrorIs(t, err, apperrors.StorageCorrupted)

	// 重新创建渠道会重建渠道表
	require.NoError(t, notifier.CreateChannel(ctx, Channel{ID: model.ChannelAlerts, Name: "Alerts"}))
	ok, err := notifier.reg.hasChannel(ctx, model.ChannelAlerts)
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := kv.Get(ctx, keyArmedTriggers)
	require.NoError(t, err)
	assert.Equal(t, "{broken", string(raw))
}
