package model

import (
	"encoding/json"
	"strings"
	"time"
)

// NotificationKind 通知类别
type NotificationKind string

const (
	NotificationKindReminder NotificationKind = "reminder"
	NotificationKindAlert    NotificationKind = "alert"
	NotificationKindOther    NotificationKind = "other"
)

// AlertIDPrefix 告警通知 ID 的命名空间前缀。
// 投递时 payload 可能没有 type 字段，路由依赖该前缀识别告警，不能去掉。
const AlertIDPrefix = "alert_"

// 通知渠道
const (
	ChannelReminders = "reminders"
	ChannelAlerts    = "alerts"
)

// payload 中约定的键
const (
	PayloadType           = "type"
	PayloadID             = "id"
	PayloadNotificationID = "notificationId"
	PayloadSubjectRef     = "enquiryId"
	PayloadScreen         = "screen"
	PayloadParams         = "params"
	PayloadReason         = "reason"
	PayloadDate           = "date"
	PayloadTime           = "time"
	PayloadRepeatDaily    = "repeatDaily"
	PayloadTitle          = "title"
	PayloadMessage        = "message"
	PayloadFiresAt        = "firesAt" // unix 毫秒，本地调度时写入
)

// 导航目标
const (
	ScreenAlertEdit      = "EditAlert"
	ScreenReminderDetail = "ReminderDetail"
)

// NotificationID 按类别生成平台通知 ID：告警加前缀，提醒直接用提醒 ID。
func NotificationID(kind NotificationKind, id string) string {
	if kind == NotificationKindAlert && !strings.HasPrefix(id, AlertIDPrefix) {
		return AlertIDPrefix + id
	}
	return id
}

// KindFromNotificationID 只根据 ID 前缀判断类别，无前缀时无法区分提醒和其他通知。
func KindFromNotificationID(id string) (NotificationKind, bool) {
	if strings.HasPrefix(id, AlertIDPrefix) {
		return NotificationKindAlert, true
	}
	return "", false
}

// StripKindPrefix 去掉命名空间前缀得到业务 ID
func StripKindPrefix(id string) string {
	return strings.TrimPrefix(id, AlertIDPrefix)
}

// DeliveryKey 标识一次具体投递：通知 ID 加触发时间。
// 告警 ID 会被编辑、每日重复复用，只按 ID 去重会吞掉之后真正的新投递。
// payload 没有触发时间（后端推送）时返回空串，调用方退回通知 ID。
func DeliveryKey(n Notification) string {
	firesAt := n.Data[PayloadFiresAt]
	if firesAt == "" {
		return ""
	}
	id := n.ID
	if id == "" {
		id = n.Data[PayloadNotificationID]
	}
	if id == "" {
		return ""
	}
	return id + "@" + firesAt
}

// ScheduledNotification 平台层已调度的一次性通知，由调度器独占。
// 重新调度必须先取消再创建，不做原地修改。
type ScheduledNotification struct {
	FiresAt        time.Time         `json:"fires_at"`
	ScheduledAt    time.Time         `json:"scheduled_at"`
	Payload        map[string]string `json:"payload"`
	NotificationID string            `json:"notification_id"`
	Kind           NotificationKind  `json:"kind"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	RepeatDaily    bool              `json:"repeat_daily"` // 仅告警；本地只兜底下一次，后续由后端推送
}

// Notification 平台投递上来的通知
type Notification struct {
	Data      map[string]string `json:"data"`
	ID        string            `json:"id"`
	ChannelID string            `json:"channel_id,omitempty"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
}

// EventSource 通知事件入口
type EventSource string

const (
	SourceForeground EventSource = "foreground"
	SourceBackground EventSource = "background"
	SourceInitial    EventSource = "initial" // 冷启动由点击通知拉起
	SourceResume     EventSource = "resume"  // 后台切回前台
	SourceReplay     EventSource = "replay"  // 导航就绪后重放
)

// EventType 平台事件类型
type EventType string

const (
	EventPress     EventType = "press"
	EventDelivered EventType = "delivered"
	EventDismissed EventType = "dismissed"
)

// NotificationEvent 前台/后台回调收到的事件
type NotificationEvent struct {
	Notification Notification `json:"notification"`
	Type         EventType    `json:"type"`
}

// AppState 应用前后台状态
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateBackground AppState = "background"
	AppStateInactive   AppState = "inactive"
)

// PendingNotificationRecord 等待重放的导航意图，单槽位，后写覆盖先写。
type PendingNotificationRecord struct {
	CreatedAt                 time.Time         `json:"created_at"`
	NavigationParams          map[string]string `json:"navigation_params"`
	NotificationID            string            `json:"notification_id"`
	Kind                      NotificationKind  `json:"kind"`
	NavigateTo                string            `json:"navigate_to"`
	DeliveryKey               string            `json:"delivery_key,omitempty"`
	ShouldNavigateImmediately bool              `json:"should_navigate_immediately"`
}

// Intent 转为导航意图
func (p PendingNotificationRecord) Intent() NavigationIntent {
	return NavigationIntent{
		NotificationID: p.NotificationID,
		Kind:           p.Kind,
		Target:         p.NavigateTo,
		Params:         p.NavigationParams,
		DeliveryKey:    p.DeliveryKey,
	}
}

// NavigationIntent 一次导航动作
type NavigationIntent struct {
	Params         map[string]string `json:"params,omitempty"`
	NotificationID string            `json:"notification_id,omitempty"`
	Kind           NotificationKind  `json:"kind,omitempty"`
	Target         string            `json:"target"`
	DeliveryKey    string            `json:"delivery_key,omitempty"`
}

func (i NavigationIntent) Routable() bool {
	return i.Target != ""
}

// LedgerKey 去重账本的键
func (i NavigationIntent) LedgerKey() string {
	if i.DeliveryKey != "" {
		return i.DeliveryKey
	}
	return i.NotificationID
}

// Pending 转为可持久化的待处理记录
func (i NavigationIntent) Pending(immediate bool, now time.Time) PendingNotificationRecord {
	return PendingNotificationRecord{
		CreatedAt:                 now,
		NavigationParams:          i.Params,
		NotificationID:            i.NotificationID,
		Kind:                      i.Kind,
		NavigateTo:                i.Target,
		DeliveryKey:               i.DeliveryKey,
		ShouldNavigateImmediately: immediate,
	}
}

// HandledNavigation 去重账本中的一条：ClaimedAt 用于冷却窗口，Done 表示已完成导航。
// Exact 表示键精确到一次投递，完成标记在保留期内一直有效；否则只在冷却窗口内有效。
type HandledNavigation struct {
	ClaimedAt time.Time `json:"claimed_at"`
	Done      bool      `json:"done"`
	Exact     bool      `json:"exact,omitempty"`
}

// RouteOutcome 一次投递的终态
type RouteOutcome string

const (
	OutcomeRouted   RouteOutcome = "routed"
	OutcomeDeferred RouteOutcome = "deferred"
	OutcomeDropped  RouteOutcome = "dropped"
)

// RouteResult 路由结果，供调用方和日志使用
type RouteResult struct {
	DeliveryID     string           `json:"delivery_id"`
	NotificationID string           `json:"notification_id,omitempty"`
	Kind           NotificationKind `json:"kind,omitempty"`
	Source         EventSource      `json:"source"`
	Outcome        RouteOutcome     `json:"outcome"`
	Reason         string           `json:"reason,omitempty"`
}

// DecodeParams 解析 payload 中以 JSON 字符串携带的参数
func DecodeParams(raw string) (map[string]string, bool) {
	if raw == "" {
		return nil, false
	}
	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, false
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out, true
}
