package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	CommandsTotal.Reset()
	CommandsTotal.WithLabelValues("STAT", "ok").Add(3)
	CircuitBreakerState.WithLabelValues("s3").Set(2)

	status, body := scrape(t, promhttp.Handler())
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `popd_commands_total{command="STAT",status="ok"} 3`)
	assert.Contains(t, body, `popd_circuit_breaker_state{name="s3"} 2`)
	assert.Contains(t, body, "popd_connections_total")
}

func TestCommandDurationObservations(t *testing.T) {
	CommandDuration.Reset()
	obs := CommandDuration.WithLabelValues("RETR")
	obs.Observe(0.002)
	obs.Observe(0.2)

	m := &dto.Metric{}
	require.NoError(t, obs.(prometheus.Metric).Write(m))
	h := m.GetHistogram()
	require.NotNil(t, h)
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 0.202, h.GetSampleSum(), 1e-9)
}

type errorGatherer struct{}

func (errorGatherer) Gather() ([]*dto.MetricFamily, error) {
	return nil, errors.New("gather failed")
}

func TestMetricsEndpointGatherError(t *testing.T) {
	h := promhttp.HandlerFor(errorGatherer{}, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})
	status, _ := scrape(t, h)
	assert.Equal(t, http.StatusInternalServerError, status)
}
