package metrics

import (
	"net/http"

	"wisefido-bin-monitor/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Totals aggregate counts derived from the unified device view.
type Totals struct {
	Devices  int `json:"devices"`
	Active   int `json:"active"`
	FullBins int `json:"full_bins"`
	Flooded  int `json:"flooded"`
}

// Derive recomputes the aggregate counts wholesale from the view.
// The dataset is small; no incremental maintenance.
func Derive(view map[string]models.Device) Totals {
	t := Totals{Devices: len(view)}
	for _, dev := range view {
		if dev.Online {
			t.Active++
		}
		if dev.BinFull {
			t.FullBins++
		}
		if dev.Flooded {
			t.Flooded++
		}
	}
	return t
}

// Metrics exposes application metrics for Prometheus scraping.
type Metrics struct {
	registry *prometheus.Registry

	knownDevices   prometheus.Gauge
	activeDevices  prometheus.Gauge
	fullBins       prometheus.Gauge
	floodedDevices prometheus.Gauge

	busMessages     prometheus.Counter
	droppedMessages prometheus.Counter
	alertsFired     *prometheus.CounterVec
}

// New creates a fresh registry with all bin-monitor metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	knownDevices := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bin_monitor",
		Name:      "known_devices",
		Help:      "Number of devices in the unified view",
	})
	activeDevices := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bin_monitor",
		Name:      "active_devices",
		Help:      "Number of devices currently online",
	})
	fullBins := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bin_monitor",
		Name:      "full_bins",
		Help:      "Number of bins at or above the full threshold",
	})
	floodedDevices := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bin_monitor",
		Name:      "flooded_devices",
		Help:      "Number of devices reporting flood",
	})
	busMessages := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bin_monitor",
		Name:      "bus_messages_total",
		Help:      "Total telemetry bus messages received",
	})
	droppedMessages := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bin_monitor",
		Name:      "dropped_messages_total",
		Help:      "Bus messages dropped for lack of a resolvable device id",
	})
	alertsFired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bin_monitor",
		Name:      "alerts_fired_total",
		Help:      "Alert events raised, by kind",
	}, []string{"kind"})

	registry.MustRegister(
		knownDevices,
		activeDevices,
		fullBins,
		floodedDevices,
		busMessages,
		droppedMessages,
		alertsFired,
	)

	return &Metrics{
		registry:        registry,
		knownDevices:    knownDevices,
		activeDevices:   activeDevices,
		fullBins:        fullBins,
		floodedDevices:  floodedDevices,
		busMessages:     busMessages,
		droppedMessages: droppedMessages,
		alertsFired:     alertsFired,
	}
}

// SetTotals publishes derived counts as gauges.
func (m *Metrics) SetTotals(t Totals) {
	if m == nil {
		return
	}
	m.knownDevices.Set(float64(t.Devices))
	m.activeDevices.Set(float64(t.Active))
	m.fullBins.Set(float64(t.FullBins))
	m.floodedDevices.Set(float64(t.Flooded))
}

// IncBusMessage counts one received bus message.
func (m *Metrics) IncBusMessage() {
	if m == nil {
		return
	}
	m.busMessages.Inc()
}

// IncDroppedMessage counts one dropped bus message.
func (m *Metrics) IncDroppedMessage() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}

// IncAlert counts one raised alert event.
func (m *Metrics) IncAlert(kind string) {
	if m == nil {
		return
	}
	m.alertsFired.WithLabelValues(kind).Inc()
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
