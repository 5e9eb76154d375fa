package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/care-relay/backend/internal/metrics"
)

func TestMetricsSkipsDurationForUpgradedRequests(t *testing.T) {
	upgrader := websocket.Upgrader{}

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/metrics-test/upgrade", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	})
	r.Get("/metrics-test/plain", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(r)
	defer server.Close()

	upgraded := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/metrics-test/upgrade", "101")
	before := testutil.CollectAndCount(metrics.HTTPRequestDuration)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/metrics-test/upgrade", nil)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(upgraded) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, before, testutil.CollectAndCount(metrics.HTTPRequestDuration))

	resp, err = http.Get(server.URL + "/metrics-test/plain")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/metrics-test/plain", "204")))
	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.HTTPRequestDuration))
}
