package metrics_test

import (
	"net/http/httptest"
	"testing"

	"wisefido-bin-monitor/internal/metrics"
	"wisefido-bin-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestDerive(t *testing.T) {
	view := map[string]models.Device{
		"a": {ID: "a", Online: true, FillPct: intPtr(97), BinFull: true},
		"b": {ID: "b", Online: true, Flooded: true},
		"c": {ID: "c", Online: false},
	}

	totals := metrics.Derive(view)
	assert.Equal(t, 3, totals.Devices)
	assert.Equal(t, 2, totals.Active)
	assert.Equal(t, 1, totals.FullBins)
	assert.Equal(t, 1, totals.Flooded)
}

func TestDerive_EmptyView(t *testing.T) {
	totals := metrics.Derive(nil)
	assert.Equal(t, metrics.Totals{}, totals)
}

func TestMetrics_HandlerExposesGauges(t *testing.T) {
	m := metrics.New()
	m.SetTotals(metrics.Totals{Devices: 5, Active: 3, FullBins: 2, Flooded: 1})
	m.IncBusMessage()
	m.IncAlert("bin_full")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "bin_monitor_known_devices 5")
	assert.Contains(t, body, "bin_monitor_active_devices 3")
	assert.Contains(t, body, "bin_monitor_full_bins 2")
	assert.Contains(t, body, "bin_monitor_flooded_devices 1")
	assert.Contains(t, body, "bin_monitor_bus_messages_total 1")
	assert.Contains(t, body, `bin_monitor_alerts_fired_total{kind="bin_full"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	m.SetTotals(metrics.Totals{})
	m.IncBusMessage()
	m.IncDroppedMessage()
	m.IncAlert("flood")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 503, rec.Code)
}
