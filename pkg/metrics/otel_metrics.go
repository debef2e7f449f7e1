package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics OpenTelemetry 指标集合
type OTelMetrics struct {
	// 调度相关指标
	NotificationScheduledTotal metric.Int64Counter
	NotificationCancelledTotal metric.Int64Counter
	TriggerFiredTotal          metric.Int64Counter

	// 提醒轮询
	ReminderTriggeredTotal metric.Int64Counter
	ReminderTickDuration   metric.Float64Histogram

	// 路由与导航
	NotificationRoutedTotal metric.Int64Counter
	NavigationWaitDuration  metric.Float64Histogram
}

var (
	// 全局指标实例
	metrics *OTelMetrics
	// meter 用于创建指标
	meter = otel.Meter("crmnotify")
)

// InitMetrics 初始化 OpenTelemetry 指标
func InitMetrics() error {
	var err error

	m := &OTelMetrics{}

	m.NotificationScheduledTotal, err = meter.Int64Counter(
		"notification_scheduled_total",
		metric.WithDescription("Total number of local notification schedule attempts"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return err
	}

	m.NotificationCancelledTotal, err = meter.Int64Counter(
		"notification_cancelled_total",
		metric.WithDescription("Total number of cancelled local notifications"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return err
	}

	m.TriggerFiredTotal, err = meter.Int64Counter(
		"notification_trigger_fired_total",
		metric.WithDescription("Total number of trigger notifications that reached their firing time"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return err
	}

	m.ReminderTriggeredTotal, err = meter.Int64Counter(
		"reminder_triggered_total",
		metric.WithDescription("Total number of reminders surfaced by the poller"),
		metric.WithUnit("{reminder}"),
	)
	if err != nil {
		return err
	}

	m.ReminderTickDuration, err = meter.Float64Histogram(
		"reminder_tick_duration_seconds",
		metric.WithDescription("Time spent in one reminder poll tick"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	m.NotificationRoutedTotal, err = meter.Int64Counter(
		"notification_routed_total",
		metric.WithDescription("Notification deliveries by source and outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	m.NavigationWaitDuration, err = meter.Float64Histogram(
		"navigation_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for the navigation runtime"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	metrics = m
	return nil
}

// GetMetrics 获取全局指标实例，未初始化时为 nil
func GetMetrics() *OTelMetrics {
	return metrics
}

func (m *OTelMetrics) RecordScheduled(ctx context.Context, kind, result string) {
	if m == nil {
		return
	}
	m.NotificationScheduledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

func (m *OTelMetrics) RecordCancelled(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.NotificationCancelledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTriggerFired stale 表示已被取消或被重新调度覆盖的触发
func (m *OTelMetrics) RecordTriggerFired(ctx context.Context, kind string, stale bool) {
	if m == nil {
		return
	}
	m.TriggerFiredTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("stale", stale),
	))
}

func (m *OTelMetrics) RecordReminderTick(ctx context.Context, triggered int, seconds float64) {
	if m == nil {
		return
	}
	if triggered > 0 {
		m.ReminderTriggeredTotal.Add(ctx, int64(triggered))
	}
	m.ReminderTickDuration.Record(ctx, seconds)
}

func (m *OTelMetrics) RecordRoute(ctx context.Context, kind, source, outcome string) {
	if m == nil {
		return
	}
	m.NotificationRoutedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func (m *OTelMetrics) RecordNavigationWait(ctx context.Context, ready bool, seconds float64) {
	if m == nil {
		return
	}
	m.NavigationWaitDuration.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("ready", ready)))
}
