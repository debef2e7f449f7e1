package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/store"
)

// MaxDelayHop 单条延迟消息的最长延迟，超过时到期后再次投递剩余部分
const MaxDelayHop = 24 * time.Hour

// firingSlack 提前到达的消息在该误差内视为到期
const firingSlack = time.Second

// DelayedPublisher 投递延迟消息
type DelayedPublisher interface {
	PublishTrigger(ctx context.Context, msg TriggerMessage, delay time.Duration) error
}

// TriggerMessage 延迟消息体
type TriggerMessage struct {
	Notification model.Notification `json:"notification"`
	FiresAt      time.Time          `json:"fires_at"`
	Token        string             `json:"token"`
}

func DecodeTriggerMessage(body []byte) (TriggerMessage, error) {
	var msg TriggerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return TriggerMessage{}, fmt.Errorf("failed to unmarshal trigger message: %w", err)
	}
	if msg.Notification.ID == "" || msg.Token == "" {
		return TriggerMessage{}, fmt.Errorf("trigger message missing id or token")
	}
	return msg, nil
}

// AMQPNotifier 用 RabbitMQ 延迟交换机实现定时通知。
// 登记表记录每个通知当前有效的 Token，取消和重新调度只需改登记表，已投递的旧消息到期后被丢弃。
type AMQPNotifier struct {
	reg    registry
	pub    DelayedPublisher
	now    func() time.Time
	logger *zap.Logger
}

func NewAMQPNotifier(kv store.KV, pub DelayedPublisher, logger *zap.Logger) *AMQPNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPNotifier{
		reg:    registry{kv: kv, logger: logger},
		pub:    pub,
		now:    time.Now,
		logger: logger,
	}
}

func (a *AMQPNotifier) CreateChannel(ctx context.Context, ch Channel) error {
	return a.reg.saveChannel(ctx, ch)
}

func (a *AMQPNotifier) CreateTriggerNotification(ctx context.Context, n model.Notification, trigger Trigger) error {
	if n.ChannelID != "" {
		ok, err := a.reg.hasChannel(ctx, n.ChannelID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, n.ChannelID)
		}
	}
	delay := trigger.Timestamp.Sub(a.now())
	if delay <= 0 {
		return ErrInvalidTrigger
	}

	t := armedTrigger{
		Notification: n,
		FiresAt:      trigger.Timestamp,
		Token:        uuid.NewString(),
	}
	if err := a.reg.arm(ctx, t); err != nil {
		return fmt.Errorf("failed to arm trigger: %w", err)
	}

	msg := TriggerMessage{Notification: n, FiresAt: t.FiresAt, Token: t.Token}
	if err := a.pub.PublishTrigger(ctx, msg, hop(delay)); err != nil {
		if _, derr := a.reg.disarm(ctx, n.ID, t.Token); derr != nil {
			a.logger.Warn("Failed to disarm trigger after publish error",
				zap.String("notification_id", n.ID),
				zap.Error(derr),
			)
		}
		return fmt.Errorf("failed to publish trigger: %w", err)
	}

	a.logger.Debug("Trigger notification armed",
		zap.String("notification_id", n.ID),
		zap.Time("fires_at", t.FiresAt),
		zap.Duration("delay", delay),
	)
	return nil
}

func (a *AMQPNotifier) CancelNotification(ctx context.Context, id string) error {
	_, err := a.reg.disarm(ctx, id, "")
	return err
}

func (a *AMQPNotifier) TriggerNotificationIDs(ctx context.Context) ([]string, error) {
	return a.reg.ids(ctx)
}

// HandleFired 消费到期消息。返回 nil 表示消息已失效或还未真正到期（已续投）。
func (a *AMQPNotifier) HandleFired(ctx context.Context, msg TriggerMessage) (*model.Notification, error) {
	current, ok, err := a.reg.lookup(ctx, msg.Notification.ID)
	if err != nil {
		return nil, err
	}
	if !ok || current.Token != msg.Token {
		a.logger.Info("Dropping stale trigger",
			zap.String("notification_id", msg.Notification.ID),
		)
		return nil, nil
	}

	if remaining := msg.FiresAt.Sub(a.now()); remaining > firingSlack {
		if err := a.pub.PublishTrigger(ctx, msg, hop(remaining)); err != nil {
			return nil, fmt.Errorf("failed to re-publish trigger: %w", err)
		}
		return nil, nil
	}

	removed, err := a.reg.disarm(ctx, msg.Notification.ID, msg.Token)
	if err != nil {
		return nil, err
	}
	if !removed {
		// 与取消并发
		return nil, nil
	}
	n := current.Notification
	return &n, nil
}

func hop(d time.Duration) time.Duration {
	if d > MaxDelayHop {
		return MaxDelayHop
	}
	if d < 0 {
		return 0
	}
	return d
}
