package debugsrv

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vnetsock/pkg/metrics"
	"vnetsock/pkg/vtap"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	infos []vtap.SocketInfo
	up    bool
}

func (f fakeSource) Snapshot() []vtap.SocketInfo { return f.infos }
func (f fakeSource) Enabled() bool               { return f.up }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Config{Registry: reg})
	m.FramesIn.Add(3)
	src := fakeSource{up: true, infos: []vtap.SocketInfo{
		{ID: 1, Type: "stream", State: "LISTENING", Local: "10.0.0.1:80"},
		{ID: 2, Type: "stream", State: "CONNECTED", Peer: "10.0.0.2:40000", Parent: 1},
	}}
	r := Router(src, reg)

	rec := get(t, r, "/sockets")
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []vtap.SocketInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	assert.Equal(t, src.infos, infos)

	rec = get(t, r, "/sockets/2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"peer": "10.0.0.2:40000"`)
	assert.Equal(t, http.StatusNotFound, get(t, r, "/sockets/9").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, r, "/sockets/x").Code)

	rec = get(t, r, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "vnetsock_frames_in_total 3"))

	assert.Equal(t, http.StatusOK, get(t, r, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, Router(fakeSource{}, reg), "/healthz").Code)
}
