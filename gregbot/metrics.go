package gregbot

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "greg"

// metrics holds the bot's prometheus collectors. A nil *metrics is
// valid and records nothing.
type metrics struct {
	registry          *prometheus.Registry
	messagesSeen      *prometheus.CounterVec
	completions       *prometheus.CounterVec
	completionLatency prometheus.Histogram
	repliesSent       prometheus.Counter
	configMutations   *prometheus.CounterVec
	commands          *prometheus.CounterVec
	apiRequests       *prometheus.CounterVec
}

// newMetrics returns metrics registered on a new registry, along with
// the go runtime and process collectors
func newMetrics() (*metrics, error) {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		messagesSeen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_total",
				Help:      "Inbound guild messages, by dispatch outcome.",
			}, []string{"outcome"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "completions_total",
				Help:      "Completion requests, by result.",
			}, []string{"result"},
		),
		completionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "completion_duration_seconds",
				Help:      "Latency of completion requests.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		repliesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replies_total",
				Help:      "Replies delivered to discord.",
			},
		),
		configMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "config_mutations_total",
				Help:      "Persisted guild config changes, by operation.",
			}, []string{"op"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Prefix commands received, by command and result.",
			}, []string{"command", "result"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "api_requests_total",
				Help:      "Operator API requests, by method, route and status.",
			}, []string{"method", "route", "status"},
		),
	}
	toRegister := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSeen,
		m.completions,
		m.completionLatency,
		m.repliesSent,
		m.configMutations,
		m.commands,
		m.apiRequests,
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) messageOutcome(state DispatchState) {
	if m == nil {
		return
	}
	m.messagesSeen.WithLabelValues(state.String()).Inc()
}

func (m *metrics) completion(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(result).Inc()
	m.completionLatency.Observe(elapsed.Seconds())
}

func (m *metrics) replySent() {
	if m == nil {
		return
	}
	m.repliesSent.Inc()
}

func (m *metrics) configMutation(op string) {
	if m == nil {
		return
	}
	m.configMutations.WithLabelValues(op).Inc()
}

func (m *metrics) command(name string, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, result).Inc()
}

func (m *metrics) apiRequest(method string, route string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
