package revwalk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Filter outcome labels.
const (
	OutcomeTruePositive  = "true_positive"
	OutcomeFalsePositive = "false_positive"
	OutcomeNegative      = "negative"
)

// Metrics exports walk counters. A nil *Metrics records nothing.
type Metrics struct {
	// ChangedPathFilter counts changed-path filter consultations by outcome.
	ChangedPathFilter *prometheus.CounterVec
	// CommitsWalked counts commits popped from the pending queue.
	CommitsWalked prometheus.Counter
	// GraphParsed counts commits whose headers came from the commit graph.
	GraphParsed prometheus.Counter
}

// NewMetrics registers the walk metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ChangedPathFilter: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "odb_revwalk_changed_path_filter_total",
				Help: "Changed-path filter consultations by outcome",
			},
			[]string{"outcome"},
		),
		CommitsWalked: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "odb_revwalk_commits_walked_total",
				Help: "Commits taken from the pending queue",
			},
		),
		GraphParsed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "odb_revwalk_graph_parsed_total",
				Help: "Commits parsed from the commit graph instead of object data",
			},
		),
	}
}

func (m *Metrics) filterOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ChangedPathFilter.WithLabelValues(outcome).Inc()
}

func (m *Metrics) walked() {
	if m == nil {
		return
	}
	m.CommitsWalked.Inc()
}

func (m *Metrics) graphParsed() {
	if m == nil {
		return
	}
	m.GraphParsed.Inc()
}
