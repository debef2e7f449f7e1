package schedule

// 提醒轮询器：周期性扫描到期提醒，每条提醒最多回调一次

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"CRMNotify/internal/model"
	"CRMNotify/pkg/errors"
	"CRMNotify/pkg/metrics"
)

// ReminderSource 轮询器依赖的存储能力
type ReminderSource interface {
	ListPending(ctx context.Context) ([]model.Reminder, error)
	MarkTriggered(ctx context.Context, id string) (bool, error)
}

// TriggerFunc 到期回调，返回的错误只记录日志
type TriggerFunc func(ctx context.Context, r model.Reminder) error

type PollerOptions struct {
	Now       func() time.Time
	Logger    *zap.Logger
	Interval  time.Duration
	Tolerance time.Duration
}

type ReminderPoller struct {
	source    ReminderSource
	logger    *zap.Logger
	now       func() time.Time
	interval  time.Duration
	tolerance time.Duration

	mu         sync.Mutex
	onTrigger  TriggerFunc
	running    bool
	generation uint64
	cancel     context.CancelFunc

	// 同一时刻只跑一个 tick
	tickMu sync.Mutex
}

func NewReminderPoller(source ReminderSource, opts PollerOptions) *ReminderPoller {
	p := &ReminderPoller{
		source:    source,
		logger:    opts.Logger,
		now:       opts.Now,
		interval:  opts.Interval,
		tolerance: opts.Tolerance,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.interval <= 0 {
		p.interval = time.Minute
	}
	if p.tolerance <= 0 {
		p.tolerance = 2 * time.Minute
	}
	return p
}

// Initialize 注册回调并启动。重复注册会替换旧回调。
func (p *ReminderPoller) Initialize(ctx context.Context, onTrigger TriggerFunc) {
	p.SetTrigger(onTrigger)
	p.Start(ctx)
}

func (p *ReminderPoller) SetTrigger(onTrigger TriggerFunc) {
	p.mu.Lock()
	p.onTrigger = onTrigger
	p.mu.Unlock()
}

func (p *ReminderPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start 立即执行一次 tick，然后按间隔执行。已启动时不做任何事。
func (p *ReminderPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.generation++
	gen := p.generation
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.logger.Info("Reminder poller started",
		zap.Duration("interval", p.interval),
		zap.Duration("tolerance", p.tolerance),
	)

	go p.loop(loopCtx, gen)
}

// Stop 返回后不会再有新的 tick 开始；正在执行的 tick 允许跑完。未启动时调用是安全的。
func (p *ReminderPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.generation++
	p.running = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.logger.Info("Reminder poller stopped")
}

func (p *ReminderPoller) loop(ctx context.Context, gen uint64) {
	p.tickIfCurrent(ctx, gen)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tickIfCurrent(ctx, gen)
		}
	}
}

func (p *ReminderPoller) tickIfCurrent(ctx context.Context, gen uint64) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.mu.Lock()
	current := p.running && p.generation == gen
	p.mu.Unlock()
	if !current {
		return
	}

	if _, err := p.tick(ctx); err != nil {
		p.logger.Error("Reminder poll tick failed", zap.Error(err))
	}
}

// Tick 手动执行一次扫描，返回本次触发的提醒数
func (p *ReminderPoller) Tick(ctx context.Context) (int, error) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	return p.tick(ctx)
}

func (p *ReminderPoller) tick(ctx context.Context) (int, error) {
	startTime := time.Now()
	now := p.now()

	pending, err := p.source.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending reminders: %w", err)
	}

	p.mu.Lock()
	onTrigger := p.onTrigger
	p.mu.Unlock()

	fired := 0
	for _, r := range pending {
		if !IsDue(r, now, p.tolerance) {
			continue
		}

		// 先落库再回调，回调失败也不会重复触发
		flipped, err := p.source.MarkTriggered(ctx, r.ID)
		if err != nil {
			if errors.Is(err, errors.ReminderNotFound) {
				continue
			}
			p.logger.Warn("Failed to mark reminder triggered",
				zap.String("reminder_id", r.ID),
				zap.Error(err),
			)
			continue
		}
		if !flipped {
			continue
		}
		fired++

		r.Triggered = true
		r.Status = model.ReminderStatusTriggered
		p.fire(ctx, onTrigger, r)
	}

	metrics.GetMetrics().RecordReminderTick(ctx, fired, time.Since(startTime).Seconds())
	if fired > 0 {
		p.logger.Info("Reminder poll tick completed",
			zap.Int("pending", len(pending)),
			zap.Int("triggered", fired),
		)
	}
	return fired, nil
}

func (p *ReminderPoller) fire(ctx context.Context, onTrigger TriggerFunc, r model.Reminder) {
	if onTrigger == nil {
		p.logger.Warn("Reminder due but no trigger callback registered", zap.String("reminder_id", r.ID))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("Reminder trigger callback panicked",
				zap.String("reminder_id", r.ID),
				zap.Any("panic", rec),
			)
		}
	}()

	if err := onTrigger(ctx, r); err != nil {
		p.logger.Warn("Reminder trigger callback failed",
			zap.String("reminder_id", r.ID),
			zap.Error(err),
		)
	}
}

// IsDue now-tolerance <= scheduledAt <= now，只对可触发的提醒成立
func IsDue(r model.Reminder, now time.Time, tolerance time.Duration) bool {
	if !r.Actionable() {
		return false
	}
	return !r.ScheduledAt.Before(now.Add(-tolerance)) && !r.ScheduledAt.After(now)
}
