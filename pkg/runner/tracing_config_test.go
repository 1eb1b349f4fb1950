package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracingConfig_ToInternal(t *testing.T) {
	cfg := DefaultTracingConfig("conduit")
	cfg.Pipeline = "orders"
	cfg.InstanceID = "worker-2"
	cfg.URLPath = "/custom"
	cfg.Headers = map[string]string{"authorization": "Bearer t"}
	cfg.SampleRatio = 0.5

	in := cfg.toInternalConfig()
	assert.Equal(t, "conduit", in.ServiceName)
	assert.Equal(t, "orders", in.Pipeline)
	assert.Equal(t, "worker-2", in.InstanceID)
	assert.Equal(t, "127.0.0.1:4318", in.Endpoint)
	assert.Equal(t, "/custom", in.URLPath)
	assert.True(t, in.Insecure)
	assert.Equal(t, "Bearer t", in.Headers["authorization"])
	assert.Equal(t, 0.5, in.SampleRatio)
	assert.Nil(t, in.Exporter)
}
