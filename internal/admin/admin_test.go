package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pgproxy/internal/metrics"
	"github.com/ocx/pgproxy/internal/registry"
	"github.com/ocx/pgproxy/internal/watchdog/fsm"
)

func testRegistry() *registry.Registry {
	return registry.New([]registry.BackendDescriptor{
		{NodeID: 0, Role: registry.RolePrimary, Status: registry.StatusUp},
		{NodeID: 1, Role: registry.RoleStandby, Status: registry.StatusUp},
	})
}

func TestHealthzReportsOK(t *testing.T) {
	s := New(testRegistry(), nil, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusReportsRegistryAndWatchdogState(t *testing.T) {
	reg := testRegistry()
	m := fsm.New(10, nil, nil)
	require.NoError(t, m.Start())

	s := New(reg, m, nil, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 0, out.MasterNodeID)
	assert.Len(t, out.Backends, 2)
	assert.Equal(t, "loading", out.WatchdogState)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	rec := metrics.New()
	rec.SetConnCounter(3)
	s := New(testRegistry(), nil, rec, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatchStreamsPublishedEvents(t *testing.T) {
	s := New(testRegistry(), nil, nil, nil)
	stop := make(chan struct{})
	go s.Run(stop)
	defer close(stop)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.PublishBackendTransition(1, "up", "down")

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "backend_status", ev.Type)
	assert.Equal(t, "down", ev.Data["to"])
}
