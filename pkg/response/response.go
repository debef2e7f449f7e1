package response

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"CRMNotify/pkg/errors"
)

// ErrorResponse 统一的错误响应格式
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Details map[string]interface{} `json:"details,omitempty"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
}

// SuccessResponse 统一的成功响应格式
type SuccessResponse struct {
	Data interface{}            `json:"data"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// StatusOf 业务错误码映射 HTTP 状态码，未知错误一律 500
func StatusOf(err error) int {
	def, ok := errors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch def.Code {
	case errors.InvalidRequest.Code, errors.MissingField.Code,
		errors.PastSchedule.Code, errors.RepeatCustomUnsupported.Code:
		return http.StatusBadRequest
	case errors.ReminderNotFound.Code:
		return http.StatusNotFound
	case errors.RepeatNone.Code, errors.UnroutableNotification.Code:
		return http.StatusUnprocessableEntity
	case errors.NavigationNotReady.Code, errors.ReminderAlreadyHandled.Code:
		return http.StatusConflict
	case errors.PlatformRejected.Code, errors.CRMRejected.Code:
		return http.StatusBadGateway
	case errors.TooManyRequests.Code:
		return http.StatusTooManyRequests
	case errors.CRMUnavailable.Code:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error 返回错误响应，*errors.Error 的原因放进 details.cause
func Error(ctx context.Context, c *app.RequestContext, err error) {
	ErrorWithDetails(ctx, c, err, nil)
}

func ErrorWithDetails(ctx context.Context, c *app.RequestContext, err error, details map[string]interface{}) {
	detail := ErrorDetail{Code: "INTERNAL_ERROR", Message: err.Error(), Details: details}

	if def, ok := errors.As(err); ok {
		detail.Code = def.Code
		detail.Message = def.Message
		if err.Error() != def.Message {
			if detail.Details == nil {
				detail.Details = map[string]interface{}{}
			}
			detail.Details["cause"] = err.Error()
		}
	}

	c.JSON(StatusOf(err), ErrorResponse{Error: detail})
}

func Success(ctx context.Context, c *app.RequestContext, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data: data,
	})
}

func SuccessWithMeta(ctx context.Context, c *app.RequestContext, data interface{}, meta map[string]interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data: data,
		Meta: meta,
	})
}

func Created(ctx context.Context, c *app.RequestContext, data interface{}) {
	c.JSON(http.StatusCreated, SuccessResponse{
		Data: data,
	})
}

func BindError(ctx context.Context, c *app.RequestContext, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    errors.InvalidRequest.Code,
			Message: err.Error(),
		},
	})
}

// NoContent 返回 204 No Content（用于 DELETE 等操作）
func NoContent(ctx context.Context, c *app.RequestContext) {
	c.Status(http.StatusNoContent)
}
