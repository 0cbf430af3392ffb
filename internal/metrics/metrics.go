// Package metrics exposes Prometheus instrumentation for admission decisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Shivanand-hulikatti/career-day/internal/admission"
)

// Namespace prefixes every metric of the service.
const Namespace = "careerday"

// Admission records the outcome and latency of admission operations.
type Admission struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewAdmission creates the admission collectors and registers them with reg.
func NewAdmission(reg prometheus.Registerer) *Admission {
	a := &Admission{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "admission",
			Name:      "duration_seconds",
			Help:      "Latency of admission operations, including store round trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	reg.MustRegister(a.decisions, a.duration)
	return a
}

// Observe records one operation that started at start and ended with err.
// A nil receiver is a no-op.
func (a *Admission) Observe(operation string, start time.Time, err error) {
	if a == nil {
		return
	}
	a.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	a.decisions.WithLabelValues(operation, Outcome(err)).Inc()
}

// Outcome maps an operation result to its metric label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return admission.KindOf(err).String()
}
