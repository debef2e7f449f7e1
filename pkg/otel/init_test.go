package otel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGRPCEndpoint(t *testing.T) {
	assert.Equal(t, "collector:4317", grpcEndpoint("http://collector:4317"))
	assert.Equal(t, "collector:4317", grpcEndpoint("https://collector:4317"))
	assert.Equal(t, "collector:4317", grpcEndpoint("collector:4317"))
}

func TestConfigNormalize(t *testing.T) {
	c := Config{Environment: "production", SampleRatio: 0}.normalize()
	assert.Equal(t, 0.1, c.SampleRatio)
	assert.Equal(t, "server", c.Role)
	assert.Equal(t, 10*time.Second, c.NavigationReadyTimeout)

	c = Config{Environment: "production", SampleRatio: 0.5, Role: "worker"}.normalize()
	assert.Equal(t, 0.5, c.SampleRatio)
	assert.Equal(t, "worker", c.Role)

	// 开发环境全量采样
	c = Config{SampleRatio: 0.2}.normalize()
	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, 1.0, c.SampleRatio)
}

func TestResourceAttributesCarryRole(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "crmnotify", Role: "worker"}.normalize())
	found := false
	for _, kv := range attrs {
		if string(kv.Key) == "crmnotify.role" {
			found = true
			assert.Equal(t, "worker", kv.Value.AsString())
		}
	}
	assert.True(t, found)
}

func TestHistogramViewsEndAtReadyTimeout(t *testing.T) {
	assert.Len(t, histogramViews(Config{NavigationReadyTimeout: 10 * time.Second}), 2)
	assert.Equal(t, []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 4, 8, 10}, waitBuckets(10*time.Second))
	assert.Equal(t, []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 3}, waitBuckets(3*time.Second))
	assert.Equal(t, []float64{0.05, 0.1, 0.3, 0.5, 1}, waitBuckets(time.Second))
}
