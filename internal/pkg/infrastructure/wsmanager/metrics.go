package wsmanager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

//Metrics holds the connection manager instruments
type Metrics struct {
	connects    *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	received    *prometheus.CounterVec
	sent        *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	errors      *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

func counter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devusage",
		Subsystem: "wsmanager",
		Name:      name,
		Help:      help,
	}, []string{"vendor"})
}

//NewMetrics creates the instruments and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connects:    counter("connects_total", "Number of established connections."),
		reconnects:  counter("reconnects_total", "Number of reconnect attempts."),
		disconnects: counter("disconnects_total", "Number of requested disconnects."),
		received:    counter("messages_received_total", "Number of received frames."),
		sent:        counter("messages_sent_total", "Number of sent frames."),
		dropped:     counter("messages_dropped_total", "Number of queued frames dropped on overflow."),
		errors:      counter("errors_total", "Number of dial, read and write failures."),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devusage",
			Subsystem: "wsmanager",
			Name:      "connections",
			Help:      "Number of connections by state.",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(m.connects, m.reconnects, m.disconnects, m.received, m.sent, m.dropped, m.errors, m.connections)
	}

	return m
}

func (m *Metrics) inc(vec *prometheus.CounterVec, vendor string) {
	if m == nil {
		return
	}
	vec.WithLabelValues(vendor).Inc()
}

func (m *Metrics) transition(from, to domain.ConnectionStatus) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(string(from)).Dec()
	}
	m.connections.WithLabelValues(string(to)).Inc()
}
