package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestBoolGauge(t *testing.T) {
	BoolGauge(SessionRunning, true)
	assert.Contains(t, scrape(t), "watchpost_session_running 1")

	BoolGauge(SessionRunning, false)
	assert.Contains(t, scrape(t), "watchpost_session_running 0")
}

func TestHandler_ExposesPipelineCounters(t *testing.T) {
	TicksProcessed.Inc()
	ProviderRuns.WithLabelValues("http").Inc()

	body := scrape(t)
	assert.Contains(t, body, "watchpost_ticks_total")
	assert.Contains(t, body, `watchpost_provider_runs_total{provider="http"}`)
}
