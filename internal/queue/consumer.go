package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
	"CRMNotify/pkg/logger"
	"CRMNotify/storage/mq"
)

// TriggerHandler 到期消息的处理入口
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, msg platform.TriggerMessage) error
}

// BackgroundEmitter 后台事件的分发入口
type BackgroundEmitter interface {
	EmitBackground(ctx context.Context, ev model.NotificationEvent) int
}

// StartTriggerConsumer 消费到期触发，阻塞到 ctx 结束
func StartTriggerConsumer(ctx context.Context, h TriggerHandler) error {
	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.TriggerQueue,
		ConsumerTag:   "trigger-consumer",
		PrefetchCount: 10,
		Handler:       triggerHandler(h),
	})
}

// StartBackgroundEventConsumer 消费后台事件
func StartBackgroundEventConsumer(ctx context.Context, emitter BackgroundEmitter) error {
	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.BackgroundQueue,
		ConsumerTag:   "background-event-consumer",
		PrefetchCount: 1,
		Handler:       backgroundHandler(emitter),
	})
}

func triggerHandler(h TriggerHandler) mq.MessageHandler {
	return func(ctx context.Context, body []byte) error {
		msg, err := platform.DecodeTriggerMessage(body)
		if err != nil {
			return fmt.Errorf("%w: %v", mq.ErrPoison, err)
		}
		return h.HandleTrigger(ctx, msg)
	}
}

func backgroundHandler(emitter BackgroundEmitter) mq.MessageHandler {
	return func(ctx context.Context, body []byte) error {
		msg, err := DecodeBackgroundEvent(body)
		if err != nil {
			return fmt.Errorf("%w: %v", mq.ErrPoison, err)
		}

		// 路由本身已按通知 id 去重，重投不会重复导航
		listeners := emitter.EmitBackground(ctx, msg.Event)
		if listeners == 0 {
			logger.Logger.Warn("Background event had no listener",
				zap.String("message_id", msg.Meta.MessageID),
				zap.String("notification_id", msg.Event.Notification.ID),
			)
		}
		return nil
	}
}
