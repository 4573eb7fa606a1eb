package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NowakAdmin/ScaleAgent/internal/metrics"
	"github.com/NowakAdmin/ScaleAgent/internal/scale"
)

type source struct {
	devices  []string
	monitors int
}

func (s source) Devices() []string   { return s.devices }
func (s source) ActiveMonitors() int { return s.monitors }

func TestObserveRead(t *testing.T) {
	m := metrics.New()

	m.ObserveRead(scale.BrandToledo, 1, nil)
	m.ObserveRead(scale.BrandToledo, 3, scale.ErrUnstableWeight)
	m.ObserveRead(scale.BrandUrano, 1, errors.New("port vanished"))

	expected := `
# HELP scale_agent_read_errors_total Failed weight reads by brand and error type.
# TYPE scale_agent_read_errors_total counter
scale_agent_read_errors_total{brand="toledo",type="unstable_weight"} 1
scale_agent_read_errors_total{brand="urano",type="serial_connection"} 1
# HELP scale_agent_reads_total Weight reads by brand and outcome.
# TYPE scale_agent_reads_total counter
scale_agent_reads_total{brand="toledo",result="error"} 1
scale_agent_reads_total{brand="toledo",result="ok"} 1
scale_agent_reads_total{brand="urano",result="error"} 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"scale_agent_reads_total", "scale_agent_read_errors_total")
	require.NoError(t, err)
}

func TestGauges(t *testing.T) {
	m := metrics.New()
	m.Track(source{devices: []string{"COM3", "COM4"}, monitors: 1})

	expected := `
# HELP scale_agent_active_monitors Monitoring loops currently running.
# TYPE scale_agent_active_monitors gauge
scale_agent_active_monitors 1
# HELP scale_agent_connected_scales Scales currently connected.
# TYPE scale_agent_connected_scales gauge
scale_agent_connected_scales 2
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"scale_agent_active_monitors", "scale_agent_connected_scales")
	require.NoError(t, err)
}

func TestHandler(t *testing.T) {
	m := metrics.New()
	m.ObserveRead(scale.BrandFilizola, 2, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `scale_agent_read_attempts_count{brand="filizola"} 1`)
}
