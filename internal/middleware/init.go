package middleware

import (
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"CRMNotify/config"
	"CRMNotify/pkg/logger"
)

// Init 注册 HTTP 指标，未开启追踪时中间件只打 span 不记指标
func Init() error {
	if !config.Cfg.TracingEnabled {
		return nil
	}
	if err := InitMetrics(otel.Meter(config.Cfg.ServiceName + ".http")); err != nil {
		logger.Logger.Error("Failed to initialize HTTP metrics", zap.Error(err))
		return err
	}

	logger.Logger.Info("All middlewares initialized successfully")
	return nil
}
