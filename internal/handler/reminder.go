package handler

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"CRMNotify/internal/service"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/response"
)

type completeReminderRequest struct {
	Response string `json:"response"`
}

type snoozeReminderRequest struct {
	Minutes int `json:"minutes"` // 0 使用默认延后时长
}

type repeatReminderRequest struct {
	NextAt *time.Time `json:"next_at"` // custom 规则必须给出
}

// ListReminders 查询提醒；带 within 时只返回该时长内到期的未完成提醒
func ListReminders(ctx context.Context, c *app.RequestContext) {
	if raw := c.Query("within"); raw != "" {
		within, err := time.ParseDuration(raw)
		if err != nil {
			response.Error(ctx, c, errors.InvalidRequest.Withf("within: %v", err))
			return
		}
		list, err := service.Reminder().Upcoming(ctx, within)
		if err != nil {
			response.Error(ctx, c, err)
			return
		}
		response.SuccessWithMeta(ctx, c, list, map[string]interface{}{"within": within.String()})
		return
	}

	list, err := service.Reminder().List(ctx)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, list)
}

func CreateReminder(ctx context.Context, c *app.RequestContext) {
	var req service.CreateReminderInput
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	result, err := service.Reminder().Create(ctx, req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Created(ctx, c, result)
}

func GetReminder(ctx context.Context, c *app.RequestContext) {
	r, err := service.Reminder().Get(ctx, c.Param("id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, r)
}

func DeleteReminder(ctx context.Context, c *app.RequestContext) {
	if err := service.Reminder().Delete(ctx, c.Param("id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.NoContent(ctx, c)
}

func CompleteReminder(ctx context.Context, c *app.RequestContext) {
	var req completeReminderRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	r, err := service.Reminder().Complete(ctx, c.Param("id"), req.Response)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, r)
}

// SnoozeReminder 原提醒完成，生成延后的新提醒
func SnoozeReminder(ctx context.Context, c *app.RequestContext) {
	var req snoozeReminderRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}
	if req.Minutes < 0 {
		response.Error(ctx, c, errors.InvalidRequest.Withf("minutes must not be negative"))
		return
	}

	result, err := service.Reminder().Snooze(ctx, c.Param("id"), time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Created(ctx, c, result)
}

func RepeatReminder(ctx context.Context, c *app.RequestContext) {
	var req repeatReminderRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	result, err := service.Reminder().Repeat(ctx, c.Param("id"), req.NextAt)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Created(ctx, c, result)
}
