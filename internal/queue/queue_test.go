package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
	"CRMNotify/pkg/snowflake"
	"CRMNotify/storage/mq"
)

type recordingTriggers struct {
	got []platform.TriggerMessage
	err error
}

func (r *recordingTriggers) HandleTrigger(ctx context.Context, msg platform.TriggerMessage) error {
	r.got = append(r.got, msg)
	return r.err
}

type recordingEmitter struct {
	events    []model.NotificationEvent
	listeners int
}

func (r *recordingEmitter) EmitBackground(ctx context.Context, ev model.NotificationEvent) int {
	r.events = append(r.events, ev)
	return r.listeners
}

func TestTriggerPublisher(t *testing.T) {
	var gotExchange, gotKey string
	var gotDelay time.Duration
	p := &TriggerPublisher{publish: func(ctx context.Context, exchange, key string, delay time.Duration, body interface{}) error {
		gotExchange, gotKey, gotDelay = exchange, key, delay
		return nil
	}}

	msg := platform.TriggerMessage{Notification: model.Notification{ID: "r1"}, Token: "tok"}
	require.NoError(t, p.PublishTrigger(context.Background(), msg, -time.Second))
	assert.Equal(t, mq.DelayedExchange, gotExchange)
	assert.Equal(t, mq.TriggerRoutingKey, gotKey)
	assert.Equal(t, time.Duration(0), gotDelay)
}

func TestTriggerHandler(t *testing.T) {
	h := &recordingTriggers{}
	handle := triggerHandler(h)

	err := handle(context.Background(), []byte("{not json"))
	assert.ErrorIs(t, err, mq.ErrPoison)

	body, _ := json.Marshal(platform.TriggerMessage{Notification: model.Notification{ID: "alert_9"}, Token: "t1"})
	require.NoError(t, handle(context.Background(), body))
	require.Len(t, h.got, 1)
	assert.Equal(t, "alert_9", h.got[0].Notification.ID)

	h.err = errors.New("kv down")
	assert.EqualError(t, handle(context.Background(), body), "kv down")
}

func TestPublishAndConsumeBackgroundEvent(t *testing.T) {
	require.NoError(t, snowflake.Init(1, 1))

	var captured []byte
	orig := publishEvent
	publishEvent = func(ctx context.Context, exchange, key string, body interface{}) error {
		assert.Equal(t, mq.EventsExchange, exchange)
		assert.Equal(t, mq.BackgroundRoutingKey, key)
		var err error
		captured, err = json.Marshal(body)
		return err
	}
	defer func() { publishEvent = orig }()

	ev := model.NotificationEvent{Type: model.EventPress, Notification: model.Notification{ID: "r42"}}
	id, err := PublishBackgroundEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Contains(t, id, "bg_event_")

	emitter := &recordingEmitter{listeners: 1}
	require.NoError(t, backgroundHandler(emitter)(context.Background(), captured))
	require.Len(t, emitter.events, 1)
	assert.Equal(t, "r42", emitter.events[0].Notification.ID)
	assert.Equal(t, model.EventPress, emitter.events[0].Type)
}

func TestDecodeBackgroundEventRejects(t *testing.T) {
	_, err := DecodeBackgroundEvent([]byte(`{"meta":{"type":"other"},"event":{"notification":{"id":"x"}}}`))
	assert.Error(t, err)

	_, err = DecodeBackgroundEvent([]byte(`{"meta":{"type":"notification.event.background"},"event":{}}`))
	assert.Error(t, err)

	err = backgroundHandler(&recordingEmitter{})(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, mq.ErrPoison)
}
