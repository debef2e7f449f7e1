// Package platform 系统通知能力的抽象：渠道、定时触发通知、取消、事件回调。
//
// 业务代码只依赖这里的接口；生产环境由 RabbitMQ 延迟消息实现定时触发，
// 测试和单进程部署使用内存实现。
package platform

import (
	"context"
	"errors"
	"time"

	"CRMNotify/internal/model"
)

var (
	ErrUnknownChannel = errors.New("platform: notification channel not created")
	ErrInvalidTrigger = errors.New("platform: trigger timestamp must be in the future")
)

// Importance 渠道重要级别
type Importance string

const (
	ImportanceDefault Importance = "default"
	ImportanceHigh    Importance = "high"
)

type Channel struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Importance Importance `json:"importance"`
}

// Trigger 单次定时触发。AllowWhileIdle 对应设备休眠时仍然触发。
type Trigger struct {
	Timestamp      time.Time `json:"timestamp"`
	AllowWhileIdle bool      `json:"allow_while_idle"`
}

// Notifier 定时通知原语。同 ID 再次创建会替换之前的触发。
type Notifier interface {
	CreateChannel(ctx context.Context, ch Channel) error
	CreateTriggerNotification(ctx context.Context, n model.Notification, trigger Trigger) error
	CancelNotification(ctx context.Context, id string) error
	TriggerNotificationIDs(ctx context.Context) ([]string, error)
}

// EventHandler 通知事件回调
type EventHandler func(ctx context.Context, ev model.NotificationEvent)

// EventSource 平台事件入口
type EventSource interface {
	// InitialNotification 冷启动时拉起应用的那条通知，没有则返回 nil，只返回一次
	InitialNotification(ctx context.Context) (*model.Notification, error)
	OnForegroundEvent(h EventHandler) (unsubscribe func())
	OnBackgroundEvent(h EventHandler) (unsubscribe func())
}

// FiredHandler 触发到期的回调
type FiredHandler func(ctx context.Context, n model.Notification)
