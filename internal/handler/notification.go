package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"CRMNotify/config"
	"CRMNotify/internal/model"
	"CRMNotify/internal/queue"
	"CRMNotify/internal/service"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/response"
)

// 长轮询最长等待
const maxWait = 30 * time.Second

type appStateRequest struct {
	State model.AppState `json:"state"`
}

type navigationReadyRequest struct {
	Ready bool `json:"ready"`
}

func ListScheduled(ctx context.Context, c *app.RequestContext) {
	list, err := service.Scheduler().List(ctx)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, list)
}

func CancelScheduled(ctx context.Context, c *app.RequestContext) {
	if err := service.Scheduler().Cancel(ctx, c.Param("id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.NoContent(ctx, c)
}

func bindEvent(ctx context.Context, c *app.RequestContext) (model.NotificationEvent, bool) {
	var ev model.NotificationEvent
	if err := c.Bind(&ev); err != nil {
		response.BindError(ctx, c, err)
		return ev, false
	}
	if ev.Type == "" {
		ev.Type = model.EventPress
	}
	return ev, true
}

// ForegroundEvent 应用在前台时收到的通知事件
func ForegroundEvent(ctx context.Context, c *app.RequestContext) {
	ev, ok := bindEvent(ctx, c)
	if !ok {
		return
	}
	response.Success(ctx, c, service.Router().HandleForeground(ctx, ev))
}

// BackgroundEvent amqp 后端交给 worker 处理，否则在本进程按后台事件路由
func BackgroundEvent(ctx context.Context, c *app.RequestContext) {
	ev, ok := bindEvent(ctx, c)
	if !ok {
		return
	}

	if config.Cfg.PlatformBackend == "amqp" {
		id, err := queue.PublishBackgroundEvent(ctx, ev)
		if err != nil {
			response.Error(ctx, c, err)
			return
		}
		c.JSON(http.StatusAccepted, response.SuccessResponse{Data: map[string]string{"message_id": id}})
		return
	}
	response.Success(ctx, c, service.Router().HandleBackground(ctx, ev))
}

// InitialNotification 冷启动时由点击通知拉起，可能阻塞到导航就绪或超时
func InitialNotification(ctx context.Context, c *app.RequestContext) {
	var n model.Notification
	if err := c.Bind(&n); err != nil {
		response.BindError(ctx, c, err)
		return
	}
	if n.ID == "" {
		response.Error(ctx, c, errors.MissingField.Withf("id"))
		return
	}
	events := service.Events()
	events.SetInitialNotification(n)
	res, err := service.Router().Bootstrap(ctx, events)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	// 并发的冷启动上报已经被另一个请求取走
	if res == nil {
		response.NoContent(ctx, c)
		return
	}
	response.Success(ctx, c, res)
}

// OpenNotification 从应用内通知列表打开一条通知，不经过去重账本
func OpenNotification(ctx context.Context, c *app.RequestContext) {
	var n model.Notification
	if err := c.Bind(&n); err != nil {
		response.BindError(ctx, c, err)
		return
	}
	if n.ID == "" {
		response.Error(ctx, c, errors.MissingField.Withf("id"))
		return
	}

	gateway := service.Gateway()
	if gateway == nil {
		response.Error(ctx, c, errors.NavigationNotReady)
		return
	}
	intent := service.ResolveIntent(n, service.Classify(n))
	if !gateway.NavigateFromNotification(ctx, intent) {
		response.Error(ctx, c, errors.UnroutableNotification.Withf("notification %s", n.ID))
		return
	}
	response.Success(ctx, c, intent)
}

// UpdateAppState 切回前台时消费待处理槽位
func UpdateAppState(ctx context.Context, c *app.RequestContext) {
	var req appStateRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}
	switch req.State {
	case model.AppStateActive, model.AppStateBackground, model.AppStateInactive:
	default:
		response.Error(ctx, c, errors.InvalidRequest.Withf("unknown app state %q", req.State))
		return
	}

	res := service.Router().HandleAppStateChange(ctx, req.State)
	response.SuccessWithMeta(ctx, c, res, map[string]interface{}{"state": req.State})
}

// SetNavigationReady 导航由未就绪变为就绪时重放延后的导航
func SetNavigationReady(ctx context.Context, c *app.RequestContext) {
	var req navigationReadyRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	nav := service.NavigationOutbox()
	if nav == nil {
		response.Error(ctx, c, errors.NavigationNotReady)
		return
	}

	replayed := []model.RouteResult{}
	if nav.SetReady(req.Ready) {
		replayed = append(replayed, service.Router().ReplayDeferred(ctx)...)
	}
	response.Success(ctx, c, replayed)
}

// PollNavigationIntents 取走待执行的导航意图，队列为空时最多等待 wait
func PollNavigationIntents(ctx context.Context, c *app.RequestContext) {
	nav := service.NavigationOutbox()
	if nav == nil {
		response.Error(ctx, c, errors.NavigationNotReady)
		return
	}
	wait, ok := parseWait(ctx, c)
	if !ok {
		return
	}
	response.Success(ctx, c, nonNil(nav.Intents().Drain(ctx, wait)))
}

func PollPopups(ctx context.Context, c *app.RequestContext) {
	popups := service.Popups()
	if popups == nil {
		response.Success(ctx, c, []struct{}{})
		return
	}
	wait, ok := parseWait(ctx, c)
	if !ok {
		return
	}
	response.Success(ctx, c, nonNil(popups.Drain(ctx, wait)))
}

func parseWait(ctx context.Context, c *app.RequestContext) (time.Duration, bool) {
	raw := c.Query("wait")
	if raw == "" {
		return 0, true
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		response.Error(ctx, c, errors.InvalidRequest.Withf("wait: invalid duration %q", raw))
		return 0, false
	}
	if wait > maxWait {
		wait = maxWait
	}
	return wait, true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
