package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Registry: reg, ConstLabels: prometheus.Labels{"tap": "t1"}})

	m.FramesIn.Inc()
	m.EngineErrors.WithLabelValues("CONNECTION_RESET").Add(2)
	m.Sockets.WithLabelValues("stream").Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesIn))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EngineErrors.WithLabelValues("CONNECTION_RESET")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["vnetsock_frames_in_total"])
	assert.True(t, names["vnetsock_sockets"])
}

func TestPrivateRegistryPerInstance(t *testing.T) {
	assert.NotPanics(t, func() {
		New(Config{})
		New(Config{})
	})
}
