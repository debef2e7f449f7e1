package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
	"CRMNotify/internal/repository"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/metrics"
)

// 告警日期时间的输入格式
const (
	AlertDateLayout = "2006-01-02"
	AlertTimeLayout = "15:04"
)

// ScheduleRequest 一次本地定时通知
type ScheduleRequest struct {
	FiresAt     time.Time
	Payload     map[string]string
	ID          string // 业务 ID，不带命名空间前缀
	Title       string
	Body        string
	RepeatDaily bool
}

// ScheduleResult 返回给 UI 层的统一结构
type ScheduleResult struct {
	ScheduledFor   *time.Time `json:"scheduledFor,omitempty"`
	NotificationID string     `json:"notificationId,omitempty"`
	Message        string     `json:"message,omitempty"`
	Code           string     `json:"code,omitempty"`
	Success        bool       `json:"success"`
}

// ReminderNotificationData 提醒通知入参
type ReminderNotificationData struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	SubjectRef  string    `json:"enquiry_id"`
}

// AlertNotificationData 告警通知入参，Date/Time 按配置时区解释
type AlertNotificationData struct {
	ID          string `json:"id"`
	Reason      string `json:"reason"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Title       string `json:"title"`
	RepeatDaily bool   `json:"repeat_daily"`
}

type SchedulerOptions struct {
	Now      func() time.Time
	Location *time.Location
	Logger   *zap.Logger
}

// NotificationScheduler 本地定时通知的唯一入口，维护已调度索引
type NotificationScheduler struct {
	notifier platform.Notifier
	index    *repository.ScheduledRepo
	now      func() time.Time
	loc      *time.Location
	logger   *zap.Logger
}

func NewNotificationScheduler(notifier platform.Notifier, index *repository.ScheduledRepo, opts SchedulerOptions) *NotificationScheduler {
	s := &NotificationScheduler{
		notifier: notifier,
		index:    index,
		now:      opts.Now,
		loc:      opts.Location,
		logger:   opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// notificationChannels 按类别的通知渠道
var notificationChannels = map[model.NotificationKind]platform.Channel{
	model.NotificationKindReminder: {ID: model.ChannelReminders, Name: "Reminders", Importance: platform.ImportanceDefault},
	model.NotificationKindAlert:    {ID: model.ChannelAlerts, Name: "Alerts", Importance: platform.ImportanceHigh},
}

// EnsureChannels 启动时预先创建全部渠道，重复调用无副作用
func (s *NotificationScheduler) EnsureChannels(ctx context.Context) error {
	for _, kind := range []model.NotificationKind{model.NotificationKindReminder, model.NotificationKindAlert} {
		if _, err := s.ensureChannel(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

// ensureChannel 渠道创建是幂等的，每次调度前都确认一次，启动时创建失败也能自愈
func (s *NotificationScheduler) ensureChannel(ctx context.Context, kind model.NotificationKind) (string, error) {
	ch, ok := notificationChannels[kind]
	if !ok {
		ch = notificationChannels[model.NotificationKindReminder]
	}
	if err := s.notifier.CreateChannel(ctx, ch); err != nil {
		return "", errors.PlatformRejected.With(fmt.Errorf("create channel %s: %w", ch.ID, err))
	}
	return ch.ID, nil
}

// Schedule 校验在任何 I/O 之前完成；过去的时间只有每日重复的告警会顺延。
func (s *NotificationScheduler) Schedule(ctx context.Context, kind model.NotificationKind, req ScheduleRequest) (model.ScheduledNotification, error) {
	if err := validateRequest(kind, req); err != nil {
		s.recordScheduled(ctx, kind, err)
		return model.ScheduledNotification{}, err
	}

	now := s.now()
	firesAt := req.FiresAt
	if !firesAt.After(now) {
		if kind != model.NotificationKindAlert || !req.RepeatDaily {
			err := errors.PastSchedule.Withf("fires at %s", firesAt.Format(time.RFC3339))
			s.recordScheduled(ctx, kind, err)
			return model.ScheduledNotification{}, err
		}
		firesAt = nextSameTimeOfDay(firesAt, now, s.loc)
		s.logger.Info("Daily alert time already passed, rolled forward",
			zap.String("alert_id", req.ID),
			zap.Time("requested", req.FiresAt),
			zap.Time("fires_at", firesAt),
		)
	}

	notificationID := model.NotificationID(kind, req.ID)
	payload := make(map[string]string, len(req.Payload)+3)
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload[model.PayloadType] = string(kind)
	payload[model.PayloadID] = model.StripKindPrefix(req.ID)
	payload[model.PayloadNotificationID] = notificationID
	payload[model.PayloadFiresAt] = strconv.FormatInt(firesAt.UnixMilli(), 10)

	channel, err := s.ensureChannel(ctx, kind)
	if err != nil {
		s.recordScheduled(ctx, kind, err)
		s.logger.Warn("Failed to create notification channel",
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
		return model.ScheduledNotification{}, err
	}

	n := model.Notification{
		ID:        notificationID,
		ChannelID: channel,
		Title:     req.Title,
		Body:      req.Body,
		Data:      payload,
	}
	trigger := platform.Trigger{Timestamp: firesAt, AllowWhileIdle: true}
	if err := s.notifier.CreateTriggerNotification(ctx, n, trigger); err != nil {
		wrapped := errors.PlatformRejected.With(err)
		s.recordScheduled(ctx, kind, wrapped)
		s.logger.Warn("Platform rejected trigger notification",
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
		return model.ScheduledNotification{}, wrapped
	}

	scheduled := model.ScheduledNotification{
		NotificationID: notificationID,
		Kind:           kind,
		FiresAt:        firesAt,
		RepeatDaily:    kind == model.NotificationKindAlert && req.RepeatDaily,
		Payload:        payload,
		ScheduledAt:    now,
		Title:          req.Title,
		Body:           req.Body,
	}
	if err := s.index.Put(ctx, scheduled); err != nil {
		// 索引写失败时撤回平台触发，避免出现无法取消的通知
		if cerr := s.notifier.CancelNotification(ctx, notificationID); cerr != nil {
			s.logger.Error("Failed to roll back trigger after index error",
				zap.String("notification_id", notificationID),
				zap.Error(cerr),
			)
		}
		s.recordScheduled(ctx, kind, err)
		return model.ScheduledNotification{}, fmt.Errorf("failed to record scheduled notification: %w", err)
	}

	s.recordScheduled(ctx, kind, nil)
	s.logger.Info("Notification scheduled",
		zap.String("notification_id", notificationID),
		zap.String("kind", string(kind)),
		zap.Time("fires_at", firesAt),
	)
	return scheduled, nil
}

// Cancel 参数为平台通知 ID；不存在时视为成功
func (s *NotificationScheduler) Cancel(ctx context.Context, notificationID string) error {
	if notificationID == "" {
		return errors.MissingField.Withf("notification id")
	}
	if err := s.notifier.CancelNotification(ctx, notificationID); err != nil {
		return errors.PlatformRejected.With(err)
	}
	removed, err := s.index.Remove(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("failed to remove scheduled notification: %w", err)
	}
	if removed {
		kind, ok := model.KindFromNotificationID(notificationID)
		if !ok {
			kind = model.NotificationKindReminder
		}
		metrics.GetMetrics().RecordCancelled(ctx, string(kind))
		s.logger.Info("Notification cancelled", zap.String("notification_id", notificationID))
	}
	return nil
}

// Reschedule 先取消再调度。调度失败时旧通知已不存在，调用方需要把失败展示给用户。
func (s *NotificationScheduler) Reschedule(ctx context.Context, kind model.NotificationKind, req ScheduleRequest) (model.ScheduledNotification, error) {
	if err := validateRequest(kind, req); err != nil {
		return model.ScheduledNotification{}, err
	}
	if err := s.Cancel(ctx, model.NotificationID(kind, req.ID)); err != nil {
		return model.ScheduledNotification{}, err
	}
	scheduled, err := s.Schedule(ctx, kind, req)
	if err != nil {
		return model.ScheduledNotification{}, fmt.Errorf("previous notification cancelled, reschedule failed: %w", err)
	}
	return scheduled, nil
}

func (s *NotificationScheduler) List(ctx context.Context) ([]model.ScheduledNotification, error) {
	return s.index.List(ctx)
}

// Forget 触发后清理索引，不触碰平台
func (s *NotificationScheduler) Forget(ctx context.Context, notificationID string) error {
	_, err := s.index.Remove(ctx, notificationID)
	return err
}

func (s *NotificationScheduler) ScheduleReminder(ctx context.Context, data ReminderNotificationData) ScheduleResult {
	payload := map[string]string{
		model.PayloadTitle:   data.Title,
		model.PayloadMessage: data.Message,
	}
	if data.SubjectRef != "" {
		payload[model.PayloadSubjectRef] = data.SubjectRef
	}
	title := data.Title
	if title == "" {
		title = "Reminder"
	}

	scheduled, err := s.Reschedule(ctx, model.NotificationKindReminder, ScheduleRequest{
		ID:      data.ID,
		FiresAt: data.ScheduledAt,
		Title:   title,
		Body:    data.Message,
		Payload: payload,
	})
	return resultOf(scheduled, err)
}

func (s *NotificationScheduler) ScheduleAlert(ctx context.Context, data AlertNotificationData) ScheduleResult {
	if data.ID == "" {
		return resultOf(model.ScheduledNotification{}, errors.MissingField.Withf("id"))
	}
	if data.Date == "" || data.Time == "" {
		return resultOf(model.ScheduledNotification{}, errors.MissingField.Withf("date and time"))
	}
	firesAt, err := ParseAlertTime(data.Date, data.Time, s.loc)
	if err != nil {
		return resultOf(model.ScheduledNotification{}, err)
	}

	title := data.Title
	if title == "" {
		title = "Alert"
	}
	body := data.Reason
	if body == "" {
		body = "You have a scheduled alert"
	}

	scheduled, err := s.Reschedule(ctx, model.NotificationKindAlert, ScheduleRequest{
		ID:          data.ID,
		FiresAt:     firesAt,
		Title:       title,
		Body:        body,
		RepeatDaily: data.RepeatDaily,
		Payload: map[string]string{
			model.PayloadReason:      data.Reason,
			model.PayloadDate:        data.Date,
			model.PayloadTime:        data.Time,
			model.PayloadRepeatDaily: strconv.FormatBool(data.RepeatDaily),
		},
	})
	return resultOf(scheduled, err)
}

// ParseAlertTime 解析 "2006-01-02" + "15:04"
func ParseAlertTime(date, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(AlertDateLayout+" "+AlertTimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, errors.InvalidRequest.With(err)
	}
	return t, nil
}

func (s *NotificationScheduler) recordScheduled(ctx context.Context, kind model.NotificationKind, err error) {
	result := "success"
	if err != nil {
		result = "error"
		if def, ok := errors.As(err); ok {
			result = def.Code
		}
	}
	metrics.GetMetrics().RecordScheduled(ctx, string(kind), result)
}

func validateRequest(kind model.NotificationKind, req ScheduleRequest) error {
	if kind != model.NotificationKindReminder && kind != model.NotificationKindAlert {
		return errors.InvalidRequest.Withf("unsupported notification kind %q", kind)
	}
	if req.ID == "" {
		return errors.MissingField.Withf("id")
	}
	if req.FiresAt.IsZero() {
		return errors.MissingField.Withf("fires_at")
	}
	if req.Title == "" && req.Body == "" {
		return errors.MissingField.Withf("title or body")
	}
	return nil
}

// nextSameTimeOfDay 取 now 之后第一个与 t 同一钟点的时刻
func nextSameTimeOfDay(t, now time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	today := now.In(loc)
	candidate := time.Date(today.Year(), today.Month(), today.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func resultOf(scheduled model.ScheduledNotification, err error) ScheduleResult {
	if err != nil {
		res := ScheduleResult{Success: false, Message: err.Error()}
		if def, ok := errors.As(err); ok {
			res.Code = def.Code
		}
		return res
	}
	firesAt := scheduled.FiresAt
	return ScheduleResult{
		Success:        true,
		NotificationID: scheduled.NotificationID,
		ScheduledFor:   &firesAt,
	}
}
