package schedule

// 提醒重复规则：纯函数，不读时钟不做 I/O

import (
	"time"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/errors"
)

// NextOccurrence 计算下一次触发时间，日历运算使用 current 自带的时区。
func NextOccurrence(current time.Time, kind model.RepeatKind) (time.Time, error) {
	return NextOccurrenceIn(current, kind, nil)
}

// NextOccurrenceIn 按月、按年、工作日在 loc 中做日历运算，日溢出时取当月最后一天。
// 经过 JSON 往返的时间只剩固定偏移，必须先换回配置时区，否则跨夏令时会漂一小时。
// loc 为 nil 时沿用 current 的时区。
func NextOccurrenceIn(current time.Time, kind model.RepeatKind, loc *time.Location) (time.Time, error) {
	if loc != nil {
		current = current.In(loc)
	}
	switch kind {
	case model.RepeatHourly:
		return current.Add(time.Hour), nil
	case model.RepeatDaily:
		return current.Add(24 * time.Hour), nil
	case model.RepeatWeekly:
		return current.Add(7 * 24 * time.Hour), nil
	case model.RepeatMonthly:
		return addMonthsClamped(current, 1), nil
	case model.RepeatYearly:
		return addMonthsClamped(current, 12), nil
	case model.RepeatWorkingDays:
		next := current.AddDate(0, 0, 1)
		for isWeekend(next.Weekday()) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case model.RepeatCustom:
		return time.Time{}, errors.RepeatCustomUnsupported
	case model.RepeatNone, "":
		return time.Time{}, errors.RepeatNone
	}
	return time.Time{}, errors.InvalidRequest.Withf("unknown repeat kind %q", kind)
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// addMonthsClamped time.AddDate 会把 1 月 31 日 +1 月规范化成 3 月，这里改为夹到月末
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month(), t.Location())
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// DeriveRepeatReminder 生成下一次的新提醒，原提醒的状态由调用方决定。
// loc 是日历运算所用时区，可为 nil。
func DeriveRepeatReminder(r model.Reminder, newID string, now time.Time, loc *time.Location) (model.Reminder, error) {
	next, err := NextOccurrenceIn(r.ScheduledAt, r.RepeatKind, loc)
	if err != nil {
		return model.Reminder{}, err
	}
	return derive(r, newID, next, now, true), nil
}

// DeriveRepeatReminderAt custom 规则由调用方给出下一次时间，必须晚于 now
func DeriveRepeatReminderAt(r model.Reminder, newID string, next, now time.Time) (model.Reminder, error) {
	if !r.Repeats() {
		return model.Reminder{}, errors.RepeatNone
	}
	if !next.After(now) {
		return model.Reminder{}, errors.PastSchedule.Withf("next occurrence %s", next.Format(time.RFC3339))
	}
	return derive(r, newID, next, now, true), nil
}

// DeriveSnoozeReminder 稍后提醒，沿用原重复规则
func DeriveSnoozeReminder(r model.Reminder, newID string, after time.Duration, now time.Time) (model.Reminder, error) {
	if after <= 0 {
		return model.Reminder{}, errors.InvalidRequest.Withf("snooze duration must be positive")
	}
	return derive(r, newID, now.Add(after), now, false), nil
}

func derive(r model.Reminder, newID string, at, now time.Time, repeat bool) model.Reminder {
	out := model.Reminder{
		ID:          newID,
		SubjectRef:  r.SubjectRef,
		ScheduledAt: at,
		Title:       r.Title,
		Message:     r.Message,
		RepeatKind:  r.RepeatKind,
		Status:      model.ReminderStatusPending,
		CreatedAt:   now,
		OriginID:    model.StringPtr(r.ID),
	}
	if repeat {
		out.RepeatOriginID = model.StringPtr(r.ID)
	} else {
		out.SnoozeOriginID = model.StringPtr(r.ID)
	}
	return out
}
