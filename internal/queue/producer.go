package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
	"CRMNotify/pkg/logger"
	"CRMNotify/pkg/snowflake"
	"CRMNotify/storage/mq"
)

type delayedPublishFunc func(ctx context.Context, exchange, routingKey string, delay time.Duration, body interface{}) error

type publishFunc func(ctx context.Context, exchange, routingKey string, body interface{}) error

// TriggerPublisher 把到期触发写成延迟消息，实现 platform.DelayedPublisher
type TriggerPublisher struct {
	publish delayedPublishFunc
}

func NewTriggerPublisher() *TriggerPublisher {
	return &TriggerPublisher{publish: mq.PublishDelayedMessage}
}

func (p *TriggerPublisher) PublishTrigger(ctx context.Context, msg platform.TriggerMessage, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	if err := p.publish(ctx, mq.DelayedExchange, mq.TriggerRoutingKey, delay, msg); err != nil {
		logger.Logger.Error("Failed to publish trigger message",
			zap.String("notification_id", msg.Notification.ID),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		return err
	}

	logger.Logger.Debug("Published trigger message",
		zap.String("notification_id", msg.Notification.ID),
		zap.Time("fires_at", msg.FiresAt),
		zap.Duration("delay", delay),
	)
	return nil
}

var publishEvent publishFunc = mq.PublishMessage

// PublishBackgroundEvent 后台事件交给 worker，由它在无导航的上下文里落盘
func PublishBackgroundEvent(ctx context.Context, ev model.NotificationEvent) (string, error) {
	id, err := snowflake.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate message ID: %w", err)
	}

	msg := BackgroundEventMessage{
		Event: ev,
		Meta: Meta{
			MessageID:  fmt.Sprintf("bg_event_%d", id),
			Type:       TypeBackgroundEvent,
			OccurredAt: time.Now(),
		},
	}

	if err := publishEvent(ctx, mq.EventsExchange, mq.BackgroundRoutingKey, msg); err != nil {
		logger.Logger.Error("Failed to publish background event",
			zap.String("notification_id", ev.Notification.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
		return "", err
	}

	logger.Logger.Info("Published background event",
		zap.String("message_id", msg.Meta.MessageID),
		zap.String("notification_id", ev.Notification.ID),
		zap.String("event_type", string(ev.Type)),
	)
	return msg.Meta.MessageID, nil
}
