package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageHeaderCarrier(t *testing.T) {
	carrier := &MessageHeaderCarrier{}
	carrier.Set("traceparent", "00-abc-def-01")

	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, "", carrier.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent"}, carrier.Keys())

	carrier.Headers["x-delay"] = int64(5)
	assert.Equal(t, "", carrier.Get("x-delay"))
	assert.Len(t, carrier.Keys(), 2)
}
