package callstack

import "github.com/prometheus/client_golang/prometheus"

// Metrics are shared by all stores of a process, so they are created once and handed to
// each store with WithMetrics.
type Metrics struct {
	uniqueCallstacks prometheus.Counter
	eventsAdded      prometheus.Counter
	eventsFiltered   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uniqueCallstacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sampling",
			Subsystem: "callstack_store",
			Name:      "unique_callstacks_added_total",
			Help:      "Number of unique callstacks added to callstack stores.",
		}),
		eventsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sampling",
			Subsystem: "callstack_store",
			Name:      "events_added_total",
			Help:      "Number of callstack events added to callstack stores.",
		}),
		eventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sampling",
			Subsystem: "callstack_store",
			Name:      "events_filtered_total",
			Help:      "Number of callstack events dropped by the majority outermost frame filter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.uniqueCallstacks, m.eventsAdded, m.eventsFiltered)
	}
	return m
}
