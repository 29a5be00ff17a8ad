package telemetry

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink records telemetry events as Prometheus metrics.
type PrometheusSink struct {
	Registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	journalDuration    prometheus.Histogram
	effectDuration     *prometheus.HistogramVec
	effectFailures     *prometheus.CounterVec
}

// NewPrometheusSink creates a sink with its own registry labelled by service.
func NewPrometheusSink(service string) *PrometheusSink {
	if service == "" {
		service = "velox"
	}
	registry := prometheus.NewRegistry()
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, registry)

	return &PrometheusSink{
		Registry: registry,
		eventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "velox_telemetry_events_total",
			Help: "Telemetry events by topic",
		}, []string{"topic"}),
		transitionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "velox_fsm_transition_duration_seconds",
			Help:    "Transition step duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		journalDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "velox_journal_append_duration_seconds",
			Help:    "Journal append duration",
			Buckets: prometheus.DefBuckets,
		}),
		effectDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "velox_effect_duration_seconds",
			Help:    "Effect execution duration by effect type",
			Buckets: prometheus.DefBuckets,
		}, []string{"effect_type"}),
		effectFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "velox_effect_failures_total",
			Help: "Failed, timed out and cancelled effects",
		}, []string{"reason"}),
	}
}

func (s *PrometheusSink) Emit(ev Event) {
	s.eventsTotal.WithLabelValues(ev.Topic).Inc()

	switch ev.Topic {
	case TopicTransition:
		kind, _ := ev.Fields["kind"].(string)
		s.transitionDuration.WithLabelValues(kind).Observe(microsToSeconds(ev.Fields["duration_us"]))
	case TopicJournalAppend:
		s.journalDuration.Observe(microsToSeconds(ev.Fields["duration_us"]))
	case TopicEffectCompleted:
		s.effectDuration.WithLabelValues(effectType(ev)).Observe(microsToSeconds(ev.Fields["duration_us"]))
	case TopicEffectFailed:
		s.effectFailures.WithLabelValues("failed").Inc()
	case TopicEffectTimeout:
		s.effectFailures.WithLabelValues("timeout").Inc()
	case TopicEffectCancelled:
		s.effectFailures.WithLabelValues("cancelled").Inc()
	}
}

func effectType(ev Event) string {
	t, _ := ev.Fields["effect_type"].(string)
	return strings.ToLower(t)
}

func microsToSeconds(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n) / 1e6
	case float64:
		return n / 1e6
	case int:
		return float64(n) / 1e6
	default:
		return 0
	}
}
