// ABOUTME: Prometheus counters for postbox operations
// ABOUTME: A nil *Metrics is valid and records nothing

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "postbox"

// Metrics holds the counters exported by the postbox core.
type Metrics struct {
	messagesCommitted    prometheus.Counter
	messagesWiped        prometheus.Counter
	transitions          *prometheus.CounterVec
	illegalTransitions   prometheus.Counter
	filePuts             *prometheus.CounterVec
	filesEvicted         prometheus.Counter
	notificationsDropped prometheus.Counter
}

// New creates the counters and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on promhttp.Handler().
//
// Every counter is registered whether or not the caller wires the component
// that moves it. The message and delivery counters only move in a process
// that passes this *Metrics to message.New; `postbox run` does not commit
// messages, so there they stay at zero.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_committed_total",
			Help:      "Messages committed to a conversation.",
		}),
		messagesWiped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_wiped_total",
			Help:      "Message rows removed by wipe.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_transitions_total",
			Help:      "Accepted delivery state transitions by target state.",
		}, []string{"state"}),
		illegalTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_illegal_transitions_total",
			Help:      "Rejected delivery state transitions.",
		}),
		filePuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filecache_puts_total",
			Help:      "File cache puts by outcome (stored or deduplicated).",
		}, []string{"result"}),
		filesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filecache_evictions_total",
			Help:      "Cached files removed by sweep.",
		}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Failure notifications discarded because a subscriber fell behind.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesCommitted,
			m.messagesWiped,
			m.transitions,
			m.illegalTransitions,
			m.filePuts,
			m.filesEvicted,
			m.notificationsDropped,
		)
	}
	return m
}

func (m *Metrics) MessageCommitted() {
	if m == nil {
		return
	}
	m.messagesCommitted.Inc()
}

func (m *Metrics) MessagesWiped(n int) {
	if m == nil {
		return
	}
	m.messagesWiped.Add(float64(n))
}

// Transition counts an accepted move into state.
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) IllegalTransition() {
	if m == nil {
		return
	}
	m.illegalTransitions.Inc()
}

// FilePut counts a cache put; created is false when the bytes were already cached.
func (m *Metrics) FilePut(created bool) {
	if m == nil {
		return
	}
	result := "dedup"
	if created {
		result = "stored"
	}
	m.filePuts.WithLabelValues(result).Inc()
}

func (m *Metrics) FilesEvicted(n int) {
	if m == nil {
		return
	}
	m.filesEvicted.Add(float64(n))
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDropped.Inc()
}
