package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/config"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// httpInstruments 接口层指标。未初始化时为 nil，中间件只打 span
type httpInstruments struct {
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	inflight    metric.Int64UpDownCounter
	rateLimited metric.Int64Counter
}

var httpMetrics *httpInstruments

// toValidUTF8 设备头、路径都来自客户端，写进 span 前先清洗
func toValidUTF8(val string) string {
	return strings.ToValidUTF8(val, "")
}

// InitMetrics 注册接口层指标；长轮询接口会挂满 wait，桶上限放到 30s
func InitMetrics(meter metric.Meter) error {
	m := &httpInstruments{}
	var err error

	if m.requests, err = meter.Int64Counter(
		"crmnotify.http.requests",
		metric.WithDescription("HTTP requests handled, by route and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if m.duration, err = meter.Float64Histogram(
		"crmnotify.http.duration",
		metric.WithDescription("HTTP handling time including long-poll waits"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30),
	); err != nil {
		return err
	}
	if m.inflight, err = meter.Int64UpDownCounter(
		"crmnotify.http.inflight",
		metric.WithDescription("Requests in progress, long polls included"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if m.rateLimited, err = meter.Int64Counter(
		"crmnotify.http.rate_limited",
		metric.WithDescription("Event reports rejected by the per-device limiter"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	httpMetrics = m
	return nil
}

func recordRateLimited(ctx context.Context, route string) {
	if httpMetrics == nil {
		return
	}
	httpMetrics.rateLimited.Add(ctx, 1, metric.WithAttributes(semconv.HTTPRoute(route)))
}

// OpenTelemetryMiddleware 创建 OpenTelemetry 中间件
func OpenTelemetryMiddleware() app.HandlerFunc {
	tracer := otel.Tracer("crmnotify.http")

	return func(ctx context.Context, c *app.RequestContext) {
		startTime := time.Now()

		m := httpMetrics
		if m != nil {
			m.inflight.Add(ctx, 1)
			defer m.inflight.Add(ctx, -1)
		}

		method := toValidUTF8(string(c.Method()))
		path := toValidUTF8(string(c.Path()))
		uri := toValidUTF8(c.Request.URI().String())
		scheme := toValidUTF8(string(c.Request.URI().Scheme()))
		host := toValidUTF8(string(c.Host()))
		ua := toValidUTF8(string(c.UserAgent()))

		// 路由模板做 span 名和标签，避免 id 打散基数
		route := toValidUTF8(c.FullPath())
		if route == "" {
			route = path
		}
		spanCtx, span := tracer.Start(ctx, method+" "+route, trace.WithAttributes(
			semconv.HTTPMethod(method),
			semconv.HTTPRoute(route),
			semconv.HTTPURL(uri),
			semconv.HTTPScheme(scheme),
			attribute.String("http.host", host),
			attribute.String("http.user_agent", ua),
		))
		defer span.End()

		// 设备标识，用于串起同一台设备的事件上报
		if deviceID := c.GetHeader("X-Device-ID"); len(deviceID) > 0 {
			span.SetAttributes(attribute.String("device.id", toValidUTF8(string(deviceID))))
		}

		if id := requestID(c); id != "" {
			span.SetAttributes(attribute.String("http.request_id", toValidUTF8(id)))
		}

		c.Next(spanCtx)

		duration := time.Since(startTime).Seconds()
		statusCode := int(c.Response.StatusCode())

		span.SetAttributes(
			semconv.HTTPStatusCode(statusCode),
			attribute.Float64("http.duration", duration),
		)

		// 根据状态码设置 Span 状态
		if statusCode >= 400 {
			span.SetStatus(codes.Error, "HTTP error")
			if statusCode >= 500 {
				if lastErr := c.Errors.Last(); lastErr != nil {
					span.RecordError(lastErr)
				}
			}
		} else {
			span.SetStatus(codes.Ok, "HTTP success")
		}

		if m == nil {
			return
		}
		attrs := metric.WithAttributes(
			semconv.HTTPMethod(method),
			semconv.HTTPRoute(route),
			semconv.HTTPStatusCode(statusCode),
		)
		m.requests.Add(ctx, 1, attrs)
		m.duration.Record(ctx, duration, attrs)
	}
}

// NewServerTracerConfig 创建 Hertz Server 的追踪配置
// 返回用于初始化 Hertz server 的配置选项和追踪中间件
func NewServerTracerConfig(opts ...hertztracing.Option) (config.Option, app.HandlerFunc) {
	tracer, cfg := hertztracing.NewServerTracer(opts...)
	return tracer, hertztracing.ServerMiddleware(cfg)
}
