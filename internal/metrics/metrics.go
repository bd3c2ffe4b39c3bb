package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the intake counters. A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	commands    *prometheus.CounterVec
	changes     prometheus.Counter
	patchSets   prometheus.Counter
	autoClosed  prometheus.Counter
	replication *prometheus.CounterVec
}

// New registers the intake collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitreview",
			Name:      "receive_commands_total",
			Help:      "Ref update commands by classification and result.",
		}, []string{"kind", "result"}),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitreview",
			Name:      "changes_created_total",
			Help:      "Changes created from pushes for review.",
		}),
		patchSets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitreview",
			Name:      "patch_sets_replaced_total",
			Help:      "Replacement patch sets created.",
		}),
		autoClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitreview",
			Name:      "changes_merged_by_push_total",
			Help:      "Changes closed because their commit reached a branch directly.",
		}),
		replication: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitreview",
			Name:      "replication_requests_total",
			Help:      "Replication requests by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.commands, m.changes, m.patchSets, m.autoClosed, m.replication)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CommandResult(kind, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ChangeCreated() {
	if m == nil {
		return
	}
	m.changes.Inc()
}

func (m *Metrics) PatchSetReplaced() {
	if m == nil {
		return
	}
	m.patchSets.Inc()
}

func (m *Metrics) MergedByPush() {
	if m == nil {
		return
	}
	m.autoClosed.Inc()
}

// Replication outcomes.
const (
	ReplicationQueued  = "queued"
	ReplicationDropped = "dropped"
	ReplicationPushed  = "pushed"
	ReplicationFailed  = "failed"
)

func (m *Metrics) Replication(outcome string) {
	if m == nil {
		return
	}
	m.replication.WithLabelValues(outcome).Inc()
}
