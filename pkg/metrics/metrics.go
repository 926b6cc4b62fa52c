// Package metrics exposes an internal/stats.Snapshot as Prometheus
// collectors, so a jsock server's per-client statistics can be scraped
// alongside everything else an operator already monitors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cpiekarski/jsockd/internal/stats"
)

// Collectors holds every Prometheus collector this package registers.
type Collectors struct {
	ClientsConnected prometheus.Gauge
	MessagesIn       prometheus.Counter
	MessagesOut      prometheus.Counter
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
	Failures         *prometheus.CounterVec
}

// register registers c, or returns the collector already registered
// under the same descriptor — safe to call repeatedly across test runs
// or multiple server instances sharing one process-wide registry.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(T)
		}
	}
	return c
}

// Init registers and returns the collector set, namespaced under
// namespace (e.g. "jsockd").
func Init(namespace string) *Collectors {
	c := &Collectors{}

	c.ClientsConnected = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_connected",
		Help:      "Number of currently connected clients.",
	}))
	c.MessagesIn = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_in_total",
		Help:      "Total number of inbound messages across all clients.",
	}))
	c.MessagesOut = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_out_total",
		Help:      "Total number of outbound messages across all clients.",
	}))
	c.BytesIn = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_in_total",
		Help:      "Total inbound payload bytes across all clients.",
	}))
	c.BytesOut = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_out_total",
		Help:      "Total outbound payload bytes across all clients.",
	}))
	c.Failures = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failures_total",
		Help:      "Total failures recorded by the statistics subsystem, by kind.",
	}, []string{"kind"}))

	return c
}

// lastObserved tracks the previous snapshot's cumulative totals so
// Observe can hand Prometheus counters (which only go up by deltas)
// the right increment, since stats.Snapshot itself is a point-in-time
// total, not a delta.
type lastObserved struct {
	messagesIn  uint64
	messagesOut uint64
	bytesIn     uint64
	bytesOut    uint64
	failures    map[stats.FailureKind]uint64
}

// Observer adapts repeated stats.Snapshot calls into Prometheus
// counter increments.
type Observer struct {
	c    *Collectors
	prev lastObserved
}

// NewObserver creates an Observer bound to c.
func NewObserver(c *Collectors) *Observer {
	return &Observer{c: c, prev: lastObserved{failures: map[stats.FailureKind]uint64{}}}
}

// Observe folds snap's cumulative totals into the Prometheus
// collectors, advancing each counter by the delta since the previous
// call.
func (o *Observer) Observe(snap stats.Snapshot) {
	var messagesIn, messagesOut, bytesIn, bytesOut uint64
	failures := make(map[stats.FailureKind]uint64)

	for _, client := range snap.Clients {
		messagesIn += client.MessagesIn
		messagesOut += client.MessagesOut
		bytesIn += client.BytesIn
		bytesOut += client.BytesOut
		for kind, n := range client.Failures {
			failures[kind] += n
		}
	}

	o.c.ClientsConnected.Set(float64(snap.ConnectedClients))
	addDelta(o.c.MessagesIn, messagesIn, o.prev.messagesIn)
	addDelta(o.c.MessagesOut, messagesOut, o.prev.messagesOut)
	addDelta(o.c.BytesIn, bytesIn, o.prev.bytesIn)
	addDelta(o.c.BytesOut, bytesOut, o.prev.bytesOut)
	for kind, n := range failures {
		addDelta(o.c.Failures.WithLabelValues(string(kind)), n, o.prev.failures[kind])
	}

	o.prev = lastObserved{
		messagesIn:  messagesIn,
		messagesOut: messagesOut,
		bytesIn:     bytesIn,
		bytesOut:    bytesOut,
		failures:    failures,
	}
}

func addDelta(c prometheus.Counter, total, prev uint64) {
	if total > prev {
		c.Add(float64(total - prev))
	}
}
