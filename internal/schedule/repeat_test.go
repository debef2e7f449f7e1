package schedule

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/errors"
)

func TestNextOccurrence(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)

	cases := []struct {
		name    string
		current time.Time
		kind    model.RepeatKind
		want    time.Time
	}{
		{"hourly", time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC), model.RepeatHourly, time.Date(2024, 5, 2, 0, 30, 0, 0, time.UTC)},
		{"daily", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), model.RepeatDaily, time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)},
		{"weekly", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), model.RepeatWeekly, time.Date(2024, 5, 8, 9, 0, 0, 0, time.UTC)},
		{"monthly clamps leap february", time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC), model.RepeatMonthly, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)},
		{"monthly clamps february", time.Date(2023, 1, 31, 10, 0, 0, 0, time.UTC), model.RepeatMonthly, time.Date(2023, 2, 28, 10, 0, 0, 0, time.UTC)},
		{"monthly clamps thirty day month", time.Date(2024, 3, 31, 10, 0, 0, 0, time.UTC), model.RepeatMonthly, time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)},
		{"monthly crosses year", time.Date(2024, 12, 15, 10, 0, 0, 0, time.UTC), model.RepeatMonthly, time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)},
		{"yearly clamps leap day", time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC), model.RepeatYearly, time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC)},
		{"yearly", time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC), model.RepeatYearly, time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)},
		{"working days friday to monday", time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC), model.RepeatWorkingDays, time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)},
		{"working days saturday to monday", time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC), model.RepeatWorkingDays, time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)},
		{"working days tuesday", time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC), model.RepeatWorkingDays, time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC)},
		{"monthly keeps location", time.Date(2024, 1, 31, 1, 0, 0, 0, shanghai), model.RepeatMonthly, time.Date(2024, 2, 29, 1, 0, 0, 0, shanghai)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextOccurrence(tc.current, tc.kind)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "want %s got %s", tc.want, got)
		})
	}
}

func TestNextOccurrenceInConfiguredZoneAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 存储往返后只剩 -05:00 固定偏移
	est := time.FixedZone("", -5*3600)

	cases := []struct {
		name    string
		current time.Time
		kind    model.RepeatKind
		want    time.Time
	}{
		{"monthly into daylight time", time.Date(2024, 2, 15, 9, 0, 0, 0, ny).In(est), model.RepeatMonthly, time.Date(2024, 3, 15, 9, 0, 0, 0, ny)},
		{"working days over the switch weekend", time.Date(2024, 3, 8, 9, 0, 0, 0, ny).In(est), model.RepeatWorkingDays, time.Date(2024, 3, 11, 9, 0, 0, 0, ny)},
		{"yearly keeps wall clock", time.Date(2024, 7, 1, 9, 0, 0, 0, ny).In(time.FixedZone("", -4*3600)), model.RepeatYearly, time.Date(2025, 7, 1, 9, 0, 0, 0, ny)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextOccurrenceIn(tc.current, tc.kind, ny)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "want %s got %s", tc.want, got)
			assert.Equal(t, 9, got.Hour())
		})
	}

	// 不换时区时按固定偏移算，墙钟差一小时
	drift, err := NextOccurrence(time.Date(2024, 2, 15, 9, 0, 0, 0, ny).In(est), model.RepeatMonthly)
	require.NoError(t, err)
	assert.Equal(t, 10, drift.In(ny).Hour())
}

func TestNextOccurrenceRefusals(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := NextOccurrence(now, model.RepeatNone)
	assert.ErrorIs(t, err, errors.RepeatNone)

	_, err = NextOccurrence(now, model.RepeatCustom)
	assert.ErrorIs(t, err, errors.RepeatCustomUnsupported)

	_, err = NextOccurrence(now, model.RepeatKind("fortnightly"))
	assert.ErrorIs(t, err, errors.InvalidRequest)
}

func TestDeriveRepeatReminder(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 1, 0, 0, time.UTC)
	orig := model.Reminder{
		ID:          "r1",
		SubjectRef:  model.StringPtr("enq-9"),
		ScheduledAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Title:       "Follow up",
		Message:     "Call about flat 4B",
		RepeatKind:  model.RepeatDaily,
		Status:      model.ReminderStatusTriggered,
		Triggered:   true,
	}

	next, err := DeriveRepeatReminder(orig, "r2", now, nil)
	require.NoError(t, err)
	assert.Equal(t, "r2", next.ID)
	assert.Equal(t, orig.ScheduledAt.Add(24*time.Hour), next.ScheduledAt)
	assert.Equal(t, model.ReminderStatusPending, next.Status)
	assert.False(t, next.Triggered)
	require.NotNil(t, next.OriginID)
	assert.Equal(t, "r1", *next.OriginID)
	require.NotNil(t, next.RepeatOriginID)
	assert.Nil(t, next.SnoozeOriginID)
	assert.Equal(t, orig.SubjectRef, next.SubjectRef)
	assert.Equal(t, now, next.CreatedAt)

	// 原记录不受影响
	assert.Equal(t, model.ReminderStatusTriggered, orig.Status)

	orig.RepeatKind = model.RepeatCustom
	_, err = DeriveRepeatReminder(orig, "r3", now, nil)
	assert.ErrorIs(t, err, errors.RepeatCustomUnsupported)

	custom, err := DeriveRepeatReminderAt(orig, "r3", now.Add(72*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(72*time.Hour), custom.ScheduledAt)

	_, err = DeriveRepeatReminderAt(orig, "r4", now.Add(-time.Minute), now)
	assert.ErrorIs(t, err, errors.PastSchedule)

	orig.RepeatKind = model.RepeatNone
	_, err = DeriveRepeatReminder(orig, "r5", now, nil)
	assert.ErrorIs(t, err, errors.RepeatNone)
}

func TestDeriveSnoozeReminder(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 1, 0, 0, time.UTC)
	orig := model.Reminder{ID: "r1", Title: "x", RepeatKind: model.RepeatNone, ScheduledAt: now.Add(-time.Minute)}

	snoozed, err := DeriveSnoozeReminder(orig, "r2", 10*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), snoozed.ScheduledAt)
	require.NotNil(t, snoozed.SnoozeOriginID)
	assert.Equal(t, "r1", *snoozed.SnoozeOriginID)
	assert.Nil(t, snoozed.RepeatOriginID)

	_, err = DeriveSnoozeReminder(orig, "r3", 0, now)
	assert.ErrorIs(t, err, errors.InvalidRequest)
}
