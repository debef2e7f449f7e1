package router

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"

	"CRMNotify/config"
	"CRMNotify/internal/handler"
	"CRMNotify/internal/middleware"
	"CRMNotify/storage/redis"
)

func Register(h *server.Hertz) {
	h.Use(middleware.RecoverMiddleware())
	h.Use(middleware.CORSMiddleware())
	h.Use(middleware.OpenTelemetryMiddleware())

	h.GET("/health", handler.Health)

	v1 := h.Group("/v1")

	// 本地提醒
	reminders := v1.Group("/reminders")
	{
		reminders.GET("", handler.ListReminders)
		reminders.POST("", handler.CreateReminder)
		reminders.GET("/:id", handler.GetReminder)
		reminders.DELETE("/:id", handler.DeleteReminder)
		reminders.POST("/:id/complete", handler.CompleteReminder)
		reminders.POST("/:id/snooze", handler.SnoozeReminder)
		reminders.POST("/:id/repeat", handler.RepeatReminder)
	}

	// 告警，先写 CRM 后端再做本地兜底调度
	alerts := v1.Group("/alerts")
	{
		alerts.POST("", handler.CreateAlert)
		alerts.PUT("/:id", handler.UpdateAlert)
		alerts.DELETE("/:id", handler.DeleteAlert)
	}

	notifications := v1.Group("/notifications")
	{
		notifications.GET("/scheduled", handler.ListScheduled)
		notifications.DELETE("/scheduled/:id", handler.CancelScheduled)
	}

	// 平台事件上报，按设备限流
	events := v1.Group("/events", eventRateLimit())
	{
		events.POST("/foreground", handler.ForegroundEvent)
		events.POST("/background", handler.BackgroundEvent)
		events.POST("/initial", handler.InitialNotification)
	}

	v1.PUT("/app-state", handler.UpdateAppState)

	navigation := v1.Group("/navigation")
	{
		navigation.PUT("/ready", handler.SetNavigationReady)
		navigation.GET("/intents", handler.PollNavigationIntents)
		navigation.POST("/open", handler.OpenNotification)
	}
	v1.GET("/popups", handler.PollPopups)
}

func eventRateLimit() app.HandlerFunc {
	if config.Cfg.StorageBackend != "redis" {
		return middleware.RateLimitMiddleware(nil, redis.Key, middleware.EventRateLimitConfig)
	}
	return middleware.RateLimitMiddleware(redis.Client(), redis.Key, middleware.EventRateLimitConfig)
}
