package devicesync

import "github.com/prometheus/client_golang/prometheus"

//Metrics counts the outcome of every reconciled device
type Metrics struct {
	devices *prometheus.CounterVec
}

//NewMetrics creates the sync counters and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		devices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devusage",
			Subsystem: "devicesync",
			Name:      "devices_total",
			Help:      "Number of reconciled devices by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.devices)
	}

	return m
}

func (m *Metrics) observe(r Result) {
	if m == nil {
		return
	}
	m.devices.WithLabelValues("updated").Add(float64(r.Updated))
	m.devices.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.devices.WithLabelValues("missing").Add(float64(r.Missing))
	m.devices.WithLabelValues("failed").Add(float64(r.Failed))
}
