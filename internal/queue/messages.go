package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"CRMNotify/internal/model"
)

// 消息类型，写在 Meta.Type 里
const (
	TypeBackgroundEvent = "notification.event.background"
)

// Meta 消息元信息
type Meta struct {
	OccurredAt time.Time `json:"occurred_at"`
	MessageID  string    `json:"message_id"`
	Type       string    `json:"type"`
}

// BackgroundEventMessage 应用在后台时收到的平台事件，转交 worker 处理
type BackgroundEventMessage struct {
	Event model.NotificationEvent `json:"event"`
	Meta  Meta                    `json:"meta"`
}

// DecodeBackgroundEvent 解析并校验，缺通知 id 的消息无法路由
func DecodeBackgroundEvent(body []byte) (BackgroundEventMessage, error) {
	var msg BackgroundEventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("failed to unmarshal background event: %w", err)
	}
	if msg.Meta.Type != TypeBackgroundEvent {
		return msg, fmt.Errorf("unexpected message type %q", msg.Meta.Type)
	}
	if msg.Event.Notification.ID == "" {
		return msg, fmt.Errorf("background event %s has no notification id", msg.Meta.MessageID)
	}
	return msg, nil
}
