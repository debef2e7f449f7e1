package model

import "time"

// RepeatKind 提醒重复规则
type RepeatKind string

const (
	RepeatNone        RepeatKind = "none"
	RepeatHourly      RepeatKind = "hourly"
	RepeatDaily       RepeatKind = "daily"
	RepeatWeekly      RepeatKind = "weekly"
	RepeatMonthly     RepeatKind = "monthly"
	RepeatYearly      RepeatKind = "yearly"
	RepeatWorkingDays RepeatKind = "workingDays"
	RepeatCustom      RepeatKind = "custom" // 下一次时间由调用方给出
)

func (k RepeatKind) Valid() bool {
	switch k {
	case RepeatNone, RepeatHourly, RepeatDaily, RepeatWeekly,
		RepeatMonthly, RepeatYearly, RepeatWorkingDays, RepeatCustom:
		return true
	}
	return false
}

// ReminderStatus 提醒状态
type ReminderStatus string

const (
	ReminderStatusPending   ReminderStatus = "pending"
	ReminderStatusTriggered ReminderStatus = "triggered"
	ReminderStatusCompleted ReminderStatus = "completed"
)

// Reminder 本地跟进提醒。
// Triggered 与 Status 分开保存：弹窗打开期间 Status 可能尚未完成，但轮询不能再次触发。
type Reminder struct {
	ScheduledAt time.Time      `json:"scheduled_at"` // 绝对时间点
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	SubjectRef  *string        `json:"subject_ref,omitempty"` // 关联的询盘/线索，可为空
	Response    *string        `json:"response,omitempty"`
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	RepeatKind  RepeatKind     `json:"repeat_kind"`
	Status      ReminderStatus `json:"status"`
	Triggered   bool           `json:"triggered"`

	// 仅用于追溯来源，不做级联删除
	OriginID       *string `json:"origin_id,omitempty"`
	SnoozeOriginID *string `json:"snooze_origin_id,omitempty"`
	RepeatOriginID *string `json:"repeat_origin_id,omitempty"`
}

// Actionable 只有 pending 且未触发的提醒才允许被轮询触发
func (r Reminder) Actionable() bool {
	return r.Status == ReminderStatusPending && !r.Triggered
}

// Repeats 是否可以派生下一次提醒
func (r Reminder) Repeats() bool {
	return r.RepeatKind != "" && r.RepeatKind != RepeatNone
}

// StringPtr 便于构造可空字段
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
