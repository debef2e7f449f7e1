package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"CRMNotify/internal/service"
	"CRMNotify/pkg/response"
)

func CreateAlert(ctx context.Context, c *app.RequestContext) {
	var req service.AlertInput
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	result, err := service.Alert().Create(ctx, req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Created(ctx, c, result)
}

// UpdateAlert 路径里的 id 优先于请求体
func UpdateAlert(ctx context.Context, c *app.RequestContext) {
	var req service.AlertInput
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}
	req.ID = c.Param("id")

	result, err := service.Alert().Update(ctx, req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, result)
}

func DeleteAlert(ctx context.Context, c *app.RequestContext) {
	result, err := service.Alert().Delete(ctx, c.Param("id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, result)
}
