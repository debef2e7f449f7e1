package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/internal/platform"
	"CRMNotify/internal/repository"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/metrics"
)

// 导航参数键
const (
	ParamAlertID     = "alertId"
	ParamReminderID  = "reminderId"
	ParamReason      = "reason"
	ParamDate        = "date"
	ParamTime        = "time"
	ParamRepeatDaily = "repeatDaily"
	ParamEnquiryID   = "enquiryId"
)

// ReceivedFunc 收到通知的回调（前台展示、提醒弹窗）
type ReceivedFunc func(ctx context.Context, n model.Notification)

type RouterOptions struct {
	Now      func() time.Time
	Logger   *zap.Logger
	Cooldown time.Duration
}

// NotificationRouter 通知事件状态机。
//
// 五个入口：前台点击、后台点击、冷启动通知、切回前台、就绪后重放。
// 同一次点击可能从多个入口到达，由去重账本（冷却窗口 + 已完成标记）保证最多导航一次。
// 提醒类通知从不在点击回调里直接导航，统一等切回前台时处理；告警和其他通知就绪即导航。
type NotificationRouter struct {
	gateway *NavigationGateway
	pending *repository.PendingSlot
	retry   *repository.RetrySlot
	ledger  *repository.NavigationLedger

	now      func() time.Time
	logger   *zap.Logger
	cooldown time.Duration

	mu        sync.Mutex
	listeners map[int]ReceivedFunc
	nextID    int
	appState  model.AppState
}

// NewNotificationRouter gateway 为 nil 表示没有导航运行时（后台 worker）
func NewNotificationRouter(
	gateway *NavigationGateway,
	pending *repository.PendingSlot,
	retry *repository.RetrySlot,
	ledger *repository.NavigationLedger,
	opts RouterOptions,
) *NotificationRouter {
	r := &NotificationRouter{
		gateway:   gateway,
		pending:   pending,
		retry:     retry,
		ledger:    ledger,
		now:       opts.Now,
		logger:    opts.Logger,
		cooldown:  opts.Cooldown,
		listeners: make(map[int]ReceivedFunc),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.cooldown <= 0 {
		r.cooldown = 3 * time.Second
	}
	return r
}

// SetupListeners 订阅平台事件并注册 onReceived，返回取消订阅函数
func (r *NotificationRouter) SetupListeners(events platform.EventSource, onReceived ReceivedFunc) func() {
	var unsubs []func()
	if onReceived != nil {
		unsubs = append(unsubs, r.AddReceivedListener(onReceived))
	}
	if events != nil {
		unsubs = append(unsubs,
			events.OnForegroundEvent(func(ctx context.Context, ev model.NotificationEvent) {
				r.HandleForeground(ctx, ev)
			}),
			events.OnBackgroundEvent(func(ctx context.Context, ev model.NotificationEvent) {
				r.HandleBackground(ctx, ev)
			}),
		)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, fn := range unsubs {
				fn()
			}
		})
	}
}

func (r *NotificationRouter) AddReceivedListener(fn ReceivedFunc) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// NotifyReceived 依次调用 onReceived，单个回调 panic 不影响其他回调
func (r *NotificationRouter) NotifyReceived(ctx context.Context, n model.Notification) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]ReceivedFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Notification listener panicked",
						zap.String("notification_id", n.ID),
						zap.Any("panic", rec),
					)
				}
			}()
			fn(ctx, n)
		}()
	}
}

func (r *NotificationRouter) HandleForeground(ctx context.Context, ev model.NotificationEvent) model.RouteResult {
	return r.handleEvent(ctx, model.SourceForeground, ev)
}

func (r *NotificationRouter) HandleBackground(ctx context.Context, ev model.NotificationEvent) model.RouteResult {
	return r.handleEvent(ctx, model.SourceBackground, ev)
}

// HandleInitialNotification 冷启动。告警和其他通知等待导航就绪，超时则写入重试槽位。
func (r *NotificationRouter) HandleInitialNotification(ctx context.Context, n model.Notification) model.RouteResult {
	return r.handleEvent(ctx, model.SourceInitial, model.NotificationEvent{Notification: n, Type: model.EventPress})
}

// Bootstrap 向平台查询冷启动通知，没有时返回 nil
func (r *NotificationRouter) Bootstrap(ctx context.Context, events platform.EventSource) (*model.RouteResult, error) {
	n, err := events.InitialNotification(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get initial notification: %w", err)
	}
	if n == nil {
		return nil, nil
	}
	res := r.HandleInitialNotification(ctx, *n)
	return &res, nil
}

func (r *NotificationRouter) handleEvent(ctx context.Context, source model.EventSource, ev model.NotificationEvent) (res model.RouteResult) {
	n := ev.Notification
	kind := Classify(n)
	res = model.RouteResult{
		DeliveryID:     uuid.NewString(),
		NotificationID: notificationKey(n),
		Kind:           kind,
		Source:         source,
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Notification routing panicked",
				zap.String("delivery_id", res.DeliveryID),
				zap.String("notification_id", res.NotificationID),
				zap.Any("panic", rec),
			)
			res.Outcome = model.OutcomeDropped
			res.Reason = "internal error"
		}
		r.record(ctx, res)
	}()

	if ev.Type != model.EventPress {
		// 到达但未点击：前台展示或触发提醒弹窗
		if ev.Type == model.EventDelivered {
			r.NotifyReceived(ctx, n)
		}
		res.Outcome = model.OutcomeDropped
		res.Reason = "not a press event"
		return res
	}

	intent := ResolveIntent(n, kind)
	if !intent.Routable() {
		res.Outcome = model.OutcomeDropped
		res.Reason = errors.UnroutableNotification.Message
		return res
	}

	claimed, err := r.claim(ctx, intent, repository.ClaimTap)
	if err != nil {
		res.Outcome = model.OutcomeDropped
		res.Reason = err.Error()
		return res
	}
	if !claimed {
		res.Outcome = model.OutcomeDropped
		res.Reason = "duplicate delivery"
		return res
	}

	if kind == model.NotificationKindReminder {
		// 提醒只在应用切回前台后导航
		if err := r.pending.Save(ctx, intent.Pending(false, r.now())); err != nil {
			res.Outcome = model.OutcomeDropped
			res.Reason = err.Error()
			return res
		}
		if source == model.SourceForeground {
			r.NotifyReceived(ctx, n)
		}
		res.Outcome = model.OutcomeDeferred
		res.Reason = "reminder waits for app resume"
		return res
	}

	if source == model.SourceInitial && r.gateway != nil {
		outcome, err := r.gateway.NavigateOrDefer(ctx, intent)
		if err != nil {
			res.Outcome = model.OutcomeDropped
			res.Reason = err.Error()
			return res
		}
		res.Outcome = outcome
		if outcome == model.OutcomeRouted {
			r.markDone(ctx, intent)
		} else {
			res.Reason = "navigation not ready"
		}
		return res
	}

	return r.navigateOrPersist(ctx, intent, res)
}

// navigateOrPersist 就绪则导航，否则写入待处理槽位并标记为立即导航
func (r *NotificationRouter) navigateOrPersist(ctx context.Context, intent model.NavigationIntent, res model.RouteResult) model.RouteResult {
	err := r.gateway.Navigate(ctx, intent)
	if err == nil {
		r.markDone(ctx, intent)
		res.Outcome = model.OutcomeRouted
		return res
	}
	if !errors.Is(err, errors.NavigationNotReady) {
		r.logger.Warn("Navigation failed, persisting for replay",
			zap.String("notification_id", intent.NotificationID),
			zap.Error(err),
		)
	}

	if err := r.pending.Save(ctx, intent.Pending(true, r.now())); err != nil {
		res.Outcome = model.OutcomeDropped
		res.Reason = err.Error()
		return res
	}
	res.Outcome = model.OutcomeDeferred
	res.Reason = "navigation not ready"
	return res
}

// HandleAppStateChange 切回前台时消费待处理槽位
func (r *NotificationRouter) HandleAppStateChange(ctx context.Context, next model.AppState) *model.RouteResult {
	r.mu.Lock()
	prev := r.appState
	r.appState = next
	r.mu.Unlock()

	if next != model.AppStateActive || prev == model.AppStateActive {
		return nil
	}

	rec, err := r.pending.Take(ctx)
	if err != nil {
		r.logger.Error("Failed to read pending notification", zap.Error(err))
		return nil
	}
	if rec == nil {
		return nil
	}

	res := r.replay(ctx, model.SourceResume, rec.Intent(), func(ctx context.Context) error {
		return r.pending.Save(ctx, *rec)
	}, true)
	return &res
}

// AppState 最近一次上报的前后台状态
func (r *NotificationRouter) AppState() model.AppState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appState
}

// ReplayDeferred 导航就绪后调用：消费重试槽位和需要立即导航的待处理记录。
// 槽位是原子取走的，重复调用不会重复导航。
func (r *NotificationRouter) ReplayDeferred(ctx context.Context) []model.RouteResult {
	var results []model.RouteResult

	if intent, err := r.retry.Take(ctx); err != nil {
		r.logger.Error("Failed to read retry navigation", zap.Error(err))
	} else if intent != nil {
		it := *intent
		results = append(results, r.replay(ctx, model.SourceReplay, it, func(ctx context.Context) error {
			return r.retry.Save(ctx, it)
		}, false))
	}

	if rec, err := r.pending.TakeImmediate(ctx); err != nil {
		r.logger.Error("Failed to read pending notification", zap.Error(err))
	} else if rec != nil {
		saved := *rec
		results = append(results, r.replay(ctx, model.SourceReplay, saved.Intent(), func(ctx context.Context) error {
			return r.pending.Save(ctx, saved)
		}, false))
	}

	return results
}

// replay restore 在未能导航时把记录放回原槽位
func (r *NotificationRouter) replay(
	ctx context.Context,
	source model.EventSource,
	intent model.NavigationIntent,
	restore func(context.Context) error,
	wait bool,
) (res model.RouteResult) {
	res = model.RouteResult{
		DeliveryID:     uuid.NewString(),
		NotificationID: intent.NotificationID,
		Kind:           intent.Kind,
		Source:         source,
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Notification replay panicked",
				zap.String("notification_id", intent.NotificationID),
				zap.Any("panic", rec),
			)
			res.Outcome = model.OutcomeDropped
			res.Reason = "internal error"
		}
		r.record(ctx, res)
	}()

	if !intent.Routable() {
		res.Outcome = model.OutcomeDropped
		res.Reason = errors.UnroutableNotification.Message
		return res
	}

	claimed, err := r.claim(ctx, intent, repository.ClaimReplay)
	if err != nil {
		res.Outcome = model.OutcomeDropped
		res.Reason = err.Error()
		return res
	}
	if !claimed {
		res.Outcome = model.OutcomeDropped
		res.Reason = "already navigated"
		return res
	}

	if wait {
		outcome, err := r.gateway.NavigateOrDefer(ctx, intent)
		if err != nil {
			res.Outcome = model.OutcomeDropped
			res.Reason = err.Error()
			return res
		}
		res.Outcome = outcome
		if outcome == model.OutcomeRouted {
			r.markDone(ctx, intent)
		} else {
			res.Reason = "navigation not ready"
		}
		return res
	}

	if err := r.gateway.Navigate(ctx, intent); err != nil {
		if rerr := restore(ctx); rerr != nil {
			r.logger.Error("Failed to restore deferred navigation",
				zap.String("notification_id", intent.NotificationID),
				zap.Error(rerr),
			)
		}
		res.Outcome = model.OutcomeDeferred
		res.Reason = err.Error()
		return res
	}
	r.markDone(ctx, intent)
	res.Outcome = model.OutcomeRouted
	return res
}

// claim 没有通知 ID 时无法去重，直接放行
func (r *NotificationRouter) claim(ctx context.Context, intent model.NavigationIntent, mode repository.ClaimMode) (bool, error) {
	key := intent.LedgerKey()
	if key == "" {
		return true, nil
	}
	ok, err := r.ledger.Claim(ctx, key, mode, r.cooldown, intent.DeliveryKey != "", r.now())
	if err != nil {
		r.logger.Error("Failed to claim navigation",
			zap.String("notification_id", intent.NotificationID),
			zap.String("delivery_key", key),
			zap.Error(err),
		)
		return false, err
	}
	return ok, nil
}

func (r *NotificationRouter) markDone(ctx context.Context, intent model.NavigationIntent) {
	key := intent.LedgerKey()
	if key == "" {
		return
	}
	if err := r.ledger.MarkDone(ctx, key, r.now()); err != nil {
		r.logger.Warn("Failed to mark navigation done",
			zap.String("notification_id", intent.NotificationID),
			zap.String("delivery_key", key),
			zap.Error(err),
		)
	}
}

func (r *NotificationRouter) record(ctx context.Context, res model.RouteResult) {
	metrics.GetMetrics().RecordRoute(ctx, string(res.Kind), string(res.Source), string(res.Outcome))

	fields := []zap.Field{
		zap.String("delivery_id", res.DeliveryID),
		zap.String("notification_id", res.NotificationID),
		zap.String("kind", string(res.Kind)),
		zap.String("source", string(res.Source)),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.Reason != "" {
		fields = append(fields, zap.String("reason", res.Reason))
	}
	r.logger.Info("Notification event routed", fields...)
}

// Classify 先看 payload.type，没有时按通知 ID 前缀判断
func Classify(n model.Notification) model.NotificationKind {
	switch model.NotificationKind(n.Data[model.PayloadType]) {
	case model.NotificationKindAlert:
		return model.NotificationKindAlert
	case model.NotificationKindReminder:
		return model.NotificationKindReminder
	case model.NotificationKindOther:
		return model.NotificationKindOther
	}
	if kind, ok := model.KindFromNotificationID(notificationKey(n)); ok {
		return kind
	}
	return model.NotificationKindOther
}

// ResolveIntent 按类别得到导航目标；无法确定目标时返回不可路由的意图
func ResolveIntent(n model.Notification, kind model.NotificationKind) model.NavigationIntent {
	data := n.Data
	id := notificationKey(n)
	intent := model.NavigationIntent{NotificationID: id, Kind: kind, DeliveryKey: model.DeliveryKey(n)}

	switch kind {
	case model.NotificationKindAlert:
		alertID := data[model.PayloadID]
		if alertID == "" {
			alertID = id
		}
		alertID = model.StripKindPrefix(alertID)
		if alertID == "" {
			return intent
		}
		intent.Target = model.ScreenAlertEdit
		intent.Params = map[string]string{
			ParamAlertID:     alertID,
			ParamReason:      data[model.PayloadReason],
			ParamDate:        data[model.PayloadDate],
			ParamTime:        data[model.PayloadTime],
			ParamRepeatDaily: data[model.PayloadRepeatDaily],
		}
	case model.NotificationKindReminder:
		reminderID := data[model.PayloadID]
		if reminderID == "" {
			reminderID = id
		}
		if reminderID == "" {
			return intent
		}
		intent.Target = model.ScreenReminderDetail
		intent.Params = map[string]string{ParamReminderID: reminderID}
		if ref := data[model.PayloadSubjectRef]; ref != "" {
			intent.Params[ParamEnquiryID] = ref
		}
	default:
		intent.Target = data[model.PayloadScreen]
		if params, ok := model.DecodeParams(data[model.PayloadParams]); ok {
			intent.Params = params
		}
	}
	return intent
}

func notificationKey(n model.Notification) string {
	if n.ID != "" {
		return n.ID
	}
	return n.Data[model.PayloadNotificationID]
}
