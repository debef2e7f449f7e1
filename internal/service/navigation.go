package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/internal/repository"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/metrics"
)

// Navigator UI 侧的导航运行时
type Navigator interface {
	IsReady() bool
	Navigate(ctx context.Context, intent model.NavigationIntent) error
}

type GatewayOptions struct {
	Logger       *zap.Logger
	SettleDelay  time.Duration
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// NavigationGateway 只负责执行导航；未就绪时不排队，由调用方决定落盘还是放弃。
type NavigationGateway struct {
	nav    Navigator
	retry  *repository.RetrySlot
	logger *zap.Logger

	settle       time.Duration
	poll         time.Duration
	readyTimeout time.Duration
}

func NewNavigationGateway(nav Navigator, retry *repository.RetrySlot, opts GatewayOptions) *NavigationGateway {
	g := &NavigationGateway{
		nav:          nav,
		retry:        retry,
		logger:       opts.Logger,
		settle:       opts.SettleDelay,
		poll:         opts.PollInterval,
		readyTimeout: opts.ReadyTimeout,
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.poll <= 0 {
		g.poll = 100 * time.Millisecond
	}
	if g.readyTimeout <= 0 {
		g.readyTimeout = 10 * time.Second
	}
	return g
}

// IsReady nil 网关（后台 worker）永远未就绪
func (g *NavigationGateway) IsReady() bool {
	return g != nil && g.nav != nil && g.nav.IsReady()
}

// Navigate 就绪时等待一个短暂的稳定期后导航；未就绪返回 NavigationNotReady。
func (g *NavigationGateway) Navigate(ctx context.Context, intent model.NavigationIntent) error {
	if !intent.Routable() {
		return errors.UnroutableNotification
	}
	if !g.IsReady() {
		return errors.NavigationNotReady
	}

	if g.settle > 0 {
		timer := time.NewTimer(g.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		// 稳定期内导航容器可能被卸载
		if !g.nav.IsReady() {
			return errors.NavigationNotReady
		}
	}

	if err := g.nav.Navigate(ctx, intent); err != nil {
		return err
	}
	g.logger.Info("Navigated from notification",
		zap.String("notification_id", intent.NotificationID),
		zap.String("target", intent.Target),
	)
	return nil
}

// WaitUntilReady 按固定间隔轮询就绪状态，最多等待 timeout
func (g *NavigationGateway) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	if g.IsReady() {
		return true
	}
	if g == nil {
		return false
	}

	startTime := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			metrics.GetMetrics().RecordNavigationWait(ctx, false, time.Since(startTime).Seconds())
			return false
		case <-ticker.C:
			if g.IsReady() {
				metrics.GetMetrics().RecordNavigationWait(ctx, true, time.Since(startTime).Seconds())
				return true
			}
		}
	}
}

// NavigateOrDefer 等待就绪后导航；超时或导航失败时写入重试槽位，不做盲目导航。
func (g *NavigationGateway) NavigateOrDefer(ctx context.Context, intent model.NavigationIntent) (model.RouteOutcome, error) {
	if !intent.Routable() {
		return model.OutcomeDropped, errors.UnroutableNotification
	}

	if g.WaitUntilReady(ctx, g.timeout()) {
		err := g.Navigate(ctx, intent)
		if err == nil {
			return model.OutcomeRouted, nil
		}
		if !errors.Is(err, errors.NavigationNotReady) {
			g.logger.Warn("Navigation failed, saving for replay",
				zap.String("notification_id", intent.NotificationID),
				zap.Error(err),
			)
		}
	}

	if err := g.saveRetry(ctx, intent); err != nil {
		return model.OutcomeDropped, err
	}
	return model.OutcomeDeferred, nil
}

// NavigateFromNotification 导航或成功延后都返回 true；只有无法路由时返回 false。
func (g *NavigationGateway) NavigateFromNotification(ctx context.Context, intent model.NavigationIntent) bool {
	outcome, err := g.NavigateOrDefer(ctx, intent)
	if err != nil {
		g.logger.Warn("Notification navigation dropped",
			zap.String("notification_id", intent.NotificationID),
			zap.String("target", intent.Target),
			zap.Error(err),
		)
		return false
	}
	return outcome != model.OutcomeDropped
}

func (g *NavigationGateway) saveRetry(ctx context.Context, intent model.NavigationIntent) error {
	if g == nil || g.retry == nil {
		return errors.NavigationNotReady
	}
	if err := g.retry.Save(ctx, intent); err != nil {
		return err
	}
	g.logger.Info("Navigation deferred until ready",
		zap.String("notification_id", intent.NotificationID),
		zap.String("target", intent.Target),
	)
	return nil
}

func (g *NavigationGateway) timeout() time.Duration {
	if g == nil {
		return 0
	}
	return g.readyTimeout
}
