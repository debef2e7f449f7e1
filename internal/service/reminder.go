package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/internal/outbox"
	"CRMNotify/internal/repository"
	"CRMNotify/internal/schedule"
	"CRMNotify/pkg/errors"
)

// CreateReminderInput 新建提醒
type CreateReminderInput struct {
	ScheduledAt time.Time        `json:"scheduled_at"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	RepeatKind  model.RepeatKind `json:"repeat_kind"`
	SubjectRef  string           `json:"enquiry_id"`
}

// ReminderResult 提醒与其本地通知的调度结果；本地通知失败不影响提醒本身
type ReminderResult struct {
	Notification *ScheduleResult `json:"notification,omitempty"`
	Reminder     model.Reminder  `json:"reminder"`
}

type ReminderOptions struct {
	Now           func() time.Time
	Location      *time.Location
	Logger        *zap.Logger
	SnoozeDefault time.Duration
}

type ReminderService struct {
	repo      *repository.ReminderRepo
	scheduler *NotificationScheduler
	popups    *outbox.Popups
	now       func() time.Time
	loc       *time.Location
	snooze    time.Duration
	logger    *zap.Logger
}

// NewReminderService scheduler 和 popups 都可以为 nil
func NewReminderService(repo *repository.ReminderRepo, scheduler *NotificationScheduler, popups *outbox.Popups, opts ReminderOptions) *ReminderService {
	s := &ReminderService{
		repo:      repo,
		scheduler: scheduler,
		popups:    popups,
		now:       opts.Now,
		loc:       opts.Location,
		snooze:    opts.SnoozeDefault,
		logger:    opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.snooze <= 0 {
		s.snooze = 10 * time.Minute
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *ReminderService) Create(ctx context.Context, in CreateReminderInput) (ReminderResult, error) {
	kind := in.RepeatKind
	if kind == "" {
		kind = model.RepeatNone
	}
	if !kind.Valid() {
		return ReminderResult{}, errors.InvalidRequest.Withf("unknown repeat kind %q", kind)
	}
	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Message) == "" {
		return ReminderResult{}, errors.MissingField.Withf("title or message")
	}
	if in.ScheduledAt.IsZero() {
		return ReminderResult{}, errors.MissingField.Withf("scheduled_at")
	}

	stored, err := s.repo.Add(ctx, model.Reminder{
		ScheduledAt: in.ScheduledAt,
		Title:       in.Title,
		Message:     in.Message,
		RepeatKind:  kind,
		SubjectRef:  model.StringPtr(in.SubjectRef),
	})
	if err != nil {
		return ReminderResult{}, err
	}

	s.logger.Info("Reminder created",
		zap.String("reminder_id", stored.ID),
		zap.Time("scheduled_at", stored.ScheduledAt),
		zap.String("repeat_kind", string(stored.RepeatKind)),
	)
	return ReminderResult{Reminder: stored, Notification: s.scheduleLocal(ctx, stored)}, nil
}

func (s *ReminderService) Get(ctx context.Context, id string) (model.Reminder, error) {
	return s.repo.Get(ctx, id)
}

func (s *ReminderService) List(ctx context.Context) ([]model.Reminder, error) {
	return s.repo.List(ctx)
}

func (s *ReminderService) Upcoming(ctx context.Context, within time.Duration) ([]model.Reminder, error) {
	if within <= 0 {
		within = 24 * time.Hour
	}
	return s.repo.ListUpcoming(ctx, within)
}

// Complete 记录处理结果并取消本地通知
func (s *ReminderService) Complete(ctx context.Context, id, response string) (model.Reminder, error) {
	done, err := s.repo.MarkCompleted(ctx, id, response)
	if err != nil {
		return model.Reminder{}, err
	}
	s.cancelLocal(ctx, id)
	return done, nil
}

// Snooze 生成一条延后的新提醒，原提醒标记为完成。
// 重复提交同一条原提醒时返回第一次生成的那条。
func (s *ReminderService) Snooze(ctx context.Context, id string, after time.Duration) (ReminderResult, error) {
	if after <= 0 {
		after = s.snooze
	}
	newID, err := s.repo.NewID()
	if err != nil {
		return ReminderResult{}, err
	}
	now := s.now()
	return s.replace(ctx, id, fmt.Sprintf("Snoozed for %s", after), func(orig model.Reminder) (model.Reminder, error) {
		return schedule.DeriveSnoozeReminder(orig, newID, after, now)
	})
}

// Repeat 按重复规则生成下一次提醒。custom 规则必须给出 next。
// 与 Snooze 一样，原提醒只能派生一次。
func (s *ReminderService) Repeat(ctx context.Context, id string, next *time.Time) (ReminderResult, error) {
	newID, err := s.repo.NewID()
	if err != nil {
		return ReminderResult{}, err
	}
	now := s.now()
	return s.replace(ctx, id, "Repeat scheduled", func(orig model.Reminder) (model.Reminder, error) {
		if next != nil {
			return schedule.DeriveRepeatReminderAt(orig, newID, *next, now)
		}
		derived, err := schedule.DeriveRepeatReminder(orig, newID, now, s.loc)
		if err != nil {
			return model.Reminder{}, err
		}
		// 长时间未处理的提醒，跳过已经过去的周期
		for !derived.ScheduledAt.After(now) {
			at, err := schedule.NextOccurrenceIn(derived.ScheduledAt, derived.RepeatKind, s.loc)
			if err != nil {
				return model.Reminder{}, err
			}
			derived.ScheduledAt = at
		}
		return derived, nil
	})
}

// replace 完成原提醒并写入后续提醒；本地通知的取消和调度在存储之外，按 ID 覆盖，可重入
func (s *ReminderService) replace(ctx context.Context, origID, response string, derive func(model.Reminder) (model.Reminder, error)) (ReminderResult, error) {
	stored, created, err := s.repo.Replace(ctx, origID, response, derive)
	if err != nil {
		return ReminderResult{}, err
	}
	s.cancelLocal(ctx, origID)

	if created {
		s.logger.Info("Reminder derived",
			zap.String("origin_id", origID),
			zap.String("reminder_id", stored.ID),
			zap.Time("scheduled_at", stored.ScheduledAt),
		)
	} else {
		s.logger.Info("Reminder already derived",
			zap.String("origin_id", origID),
			zap.String("reminder_id", stored.ID),
		)
	}
	return ReminderResult{Reminder: stored, Notification: s.scheduleLocal(ctx, stored)}, nil
}

func (s *ReminderService) Delete(ctx context.Context, id string) error {
	s.cancelLocal(ctx, id)
	return s.repo.Delete(ctx, id)
}

// OnTrigger 轮询回调：放入弹窗队列
func (s *ReminderService) OnTrigger(ctx context.Context, r model.Reminder) error {
	s.logger.Info("Reminder due",
		zap.String("reminder_id", r.ID),
		zap.String("title", r.Title),
		zap.Time("scheduled_at", r.ScheduledAt),
	)
	if s.popups == nil {
		return nil
	}
	s.popups.Push(outbox.Popup{Reminder: r, RaisedAt: s.now()})
	return nil
}

// scheduleLocal 本地通知尽力而为，未来时间才调度
func (s *ReminderService) scheduleLocal(ctx context.Context, r model.Reminder) *ScheduleResult {
	if s.scheduler == nil || !r.ScheduledAt.After(s.now()) {
		return nil
	}
	subject := ""
	if r.SubjectRef != nil {
		subject = *r.SubjectRef
	}
	res := s.scheduler.ScheduleReminder(ctx, ReminderNotificationData{
		ID:          r.ID,
		Title:       r.Title,
		Message:     r.Message,
		ScheduledAt: r.ScheduledAt,
		SubjectRef:  subject,
	})
	if !res.Success {
		s.logger.Warn("Local reminder notification not scheduled",
			zap.String("reminder_id", r.ID),
			zap.String("reason", res.Message),
		)
	}
	return &res
}

func (s *ReminderService) cancelLocal(ctx context.Context, id string) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Cancel(ctx, model.NotificationID(model.NotificationKindReminder, id)); err != nil {
		s.logger.Warn("Failed to cancel reminder notification",
			zap.String("reminder_id", id),
			zap.Error(err),
		)
	}
}
