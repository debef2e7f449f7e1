package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
	"CRMNotify/pkg/metrics"
)

// EmitFunc 把 delivered 事件交给事件入口，返回收到事件的监听数
type EmitFunc func(ctx context.Context, ev model.NotificationEvent) int

// FiredDispatcher 定时通知到期后的统一出口：清理调度索引，发出 delivered 事件。
type FiredDispatcher struct {
	scheduler *NotificationScheduler
	amqp      *platform.AMQPNotifier
	emit      EmitFunc
	logger    *zap.Logger
}

// NewFiredDispatcher amqp 只有 worker 需要
func NewFiredDispatcher(scheduler *NotificationScheduler, amqp *platform.AMQPNotifier, emit EmitFunc, logger *zap.Logger) *FiredDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FiredDispatcher{
		scheduler: scheduler,
		amqp:      amqp,
		emit:      emit,
		logger:    logger,
	}
}

// Deliver 签名与 platform.FiredHandler 一致，可直接注册到内存实现
func (d *FiredDispatcher) Deliver(ctx context.Context, n model.Notification) {
	kind := Classify(n)
	metrics.GetMetrics().RecordTriggerFired(ctx, string(kind), false)

	if d.scheduler != nil {
		if err := d.scheduler.Forget(ctx, n.ID); err != nil {
			d.logger.Warn("Failed to remove fired notification from index",
				zap.String("notification_id", n.ID),
				zap.Error(err),
			)
		}
	}

	listeners := 0
	if d.emit != nil {
		listeners = d.emit(ctx, model.NotificationEvent{Type: model.EventDelivered, Notification: n})
	}
	d.logger.Info("Scheduled notification delivered",
		zap.String("notification_id", n.ID),
		zap.String("kind", string(kind)),
		zap.Int("listeners", listeners),
	)
}

// HandleTrigger 处理一条到期的延迟消息；已失效或续投的消息不投递
func (d *FiredDispatcher) HandleTrigger(ctx context.Context, msg platform.TriggerMessage) error {
	if d.amqp == nil {
		return fmt.Errorf("trigger dispatcher has no amqp notifier")
	}
	n, err := d.amqp.HandleFired(ctx, msg)
	if err != nil {
		return err
	}
	if n == nil {
		metrics.GetMetrics().RecordTriggerFired(ctx, string(Classify(msg.Notification)), true)
		return nil
	}
	d.Deliver(ctx, *n)
	return nil
}
