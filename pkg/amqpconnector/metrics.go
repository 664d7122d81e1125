package amqpconnector

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors that mirror the session counters
// described in spec §3 (sent_messages, recv_messages, active,
// session_fetched) plus Supervisor restart counts. One metrics instance is
// shared across the lifetime of a Connector, surviving session rebuilds.
type metrics struct {
	sentMessages   prometheus.Counter
	recvMessages   prometheus.Counter
	active         prometheus.Gauge
	sessionFetched prometheus.Counter
	restarts       prometheus.Counter
	faults         *prometheus.CounterVec
}

func newMetrics(namespace string, reg prometheus.Registerer) *metrics {
	if namespace == "" {
		namespace = "amqpconnector"
	}
	m := &metrics{
		sentMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sent_messages_total",
			Help: "Messages published to the broker by this connector.",
		}),
		recvMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recv_messages_total",
			Help: "Messages fetched or delivered from the broker by this connector.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_tasks",
			Help: "Tasks fetched from the broker but not yet published back out.",
		}),
		sessionFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_fetched_total",
			Help: "Cumulative messages pushed onto the local inbound queue, across all sessions of this connector.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "supervisor_restarts_total",
			Help: "Number of times the Supervisor rebuilt the Broker Session after a fault.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "faults_total",
			Help: "Faults observed by the Supervisor, partitioned by class.",
		}, []string{"class"}),
	}
	if reg != nil {
		reg.MustRegister(m.sentMessages, m.recvMessages, m.active, m.sessionFetched, m.restarts, m.faults)
	}
	return m
}
