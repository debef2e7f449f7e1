package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"CRMNotify/internal/crmapi"
	"CRMNotify/internal/model"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/snowflake"
)

// AlertInput 创建/更新告警
type AlertInput struct {
	ID          string `json:"id"`
	EnquiryID   string `json:"enquiry_id"`
	Reason      string `json:"reason"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Title       string `json:"title"`
	RepeatDaily bool   `json:"repeat_daily"`
}

// AlertResult 后端结果与本地兜底通知的结果分开返回
type AlertResult struct {
	Local   *ScheduleResult `json:"local,omitempty"`
	Alert   crmapi.Alert    `json:"alert"`
	Message string          `json:"message,omitempty"`
	Synced  bool            `json:"synced"` // 是否经过 CRM 后端
}

// AlertService 告警以后端为准，后端成功后再做本地调度；本地失败只记录不报错。
type AlertService struct {
	crm       *crmapi.Client
	scheduler *NotificationScheduler
	newID     func() (string, error)
	logger    *zap.Logger
}

func NewAlertService(crm *crmapi.Client, scheduler *NotificationScheduler, logger *zap.Logger) *AlertService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertService{
		crm:       crm,
		scheduler: scheduler,
		newID:     snowflake.NextString,
		logger:    logger,
	}
}

func (s *AlertService) Create(ctx context.Context, in AlertInput) (AlertResult, error) {
	if err := validateAlert(in, false); err != nil {
		return AlertResult{}, err
	}
	if _, err := ParseAlertTime(in.Date, in.Time, s.loc()); err != nil {
		return AlertResult{}, err
	}

	alert := toCRMAlert(in)
	result := AlertResult{}
	if s.crm.Enabled() {
		created, env, err := s.crm.CreateAlert(ctx, alert)
		if err != nil {
			return AlertResult{}, err
		}
		alert = created
		result.Synced = true
		result.Message = env.Message
	}
	if alert.ID == "" {
		id, err := s.newID()
		if err != nil {
			return AlertResult{}, err
		}
		alert.ID = id
	}

	result.Alert = alert
	result.Local = s.scheduleLocal(ctx, alert, in.Title)
	return result, nil
}

func (s *AlertService) Update(ctx context.Context, in AlertInput) (AlertResult, error) {
	if err := validateAlert(in, true); err != nil {
		return AlertResult{}, err
	}
	if _, err := ParseAlertTime(in.Date, in.Time, s.loc()); err != nil {
		return AlertResult{}, err
	}

	in.ID = model.StripKindPrefix(in.ID)
	alert := toCRMAlert(in)
	result := AlertResult{Alert: alert}
	if s.crm.Enabled() {
		env, err := s.crm.UpdateAlert(ctx, alert)
		if err != nil {
			return AlertResult{}, err
		}
		result.Synced = true
		result.Message = env.Message
	}

	result.Local = s.scheduleLocal(ctx, alert, in.Title)
	return result, nil
}

// Delete 后端删除成功后取消本地通知
func (s *AlertService) Delete(ctx context.Context, id string) (AlertResult, error) {
	id = model.StripKindPrefix(strings.TrimSpace(id))
	if id == "" {
		return AlertResult{}, errors.MissingField.Withf("id")
	}

	result := AlertResult{Alert: crmapi.Alert{ID: id}}
	if s.crm.Enabled() {
		env, err := s.crm.DeleteAlert(ctx, id)
		if err != nil {
			return AlertResult{}, err
		}
		result.Synced = true
		result.Message = env.Message
	}

	if s.scheduler != nil {
		notificationID := model.NotificationID(model.NotificationKindAlert, id)
		if err := s.scheduler.Cancel(ctx, notificationID); err != nil {
			s.logger.Warn("Failed to cancel local alert notification",
				zap.String("alert_id", id),
				zap.Error(err),
			)
			result.Local = &ScheduleResult{Success: false, NotificationID: notificationID, Message: err.Error()}
		} else {
			result.Local = &ScheduleResult{Success: true, NotificationID: notificationID}
		}
	}
	return result, nil
}

func (s *AlertService) scheduleLocal(ctx context.Context, alert crmapi.Alert, title string) *ScheduleResult {
	if s.scheduler == nil {
		return nil
	}
	res := s.scheduler.ScheduleAlert(ctx, AlertNotificationData{
		ID:          alert.ID,
		Reason:      alert.Reason,
		Date:        alert.Date,
		Time:        alert.Time,
		Title:       title,
		RepeatDaily: alert.RepeatDaily,
	})
	if !res.Success {
		s.logger.Warn("Local alert notification not scheduled",
			zap.String("alert_id", alert.ID),
			zap.String("code", res.Code),
			zap.String("reason", res.Message),
		)
	}
	return &res
}

func (s *AlertService) loc() *time.Location {
	if s.scheduler == nil {
		return time.Local
	}
	return s.scheduler.loc
}

func validateAlert(in AlertInput, needID bool) error {
	if needID && strings.TrimSpace(in.ID) == "" {
		return errors.MissingField.Withf("id")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return errors.MissingField.Withf("reason")
	}
	if in.Date == "" || in.Time == "" {
		return errors.MissingField.Withf("date and time")
	}
	return nil
}

func toCRMAlert(in AlertInput) crmapi.Alert {
	return crmapi.Alert{
		ID:          model.StripKindPrefix(in.ID),
		EnquiryID:   in.EnquiryID,
		Reason:      in.Reason,
		Date:        in.Date,
		Time:        in.Time,
		RepeatDaily: in.RepeatDaily,
	}
}
