package handler

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"CRMNotify/config"
	"CRMNotify/internal/service"
	"CRMNotify/pkg/response"
)

func Health(ctx context.Context, c *app.RequestContext) {
	data := map[string]interface{}{
		"status":    "ok",
		"service":   config.Cfg.ServiceName,
		"storage":   config.Cfg.StorageBackend,
		"platform":  config.Cfg.PlatformBackend,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if p := service.Poller(); p != nil {
		data["poller_running"] = p.Running()
	}
	if r := service.Router(); r != nil {
		data["app_state"] = r.AppState()
	}
	response.Success(ctx, c, data)
}
