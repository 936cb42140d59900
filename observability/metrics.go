package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyrmi",
			Subsystem: "conn",
			Name:      "frames_total",
			Help:      "Frames sent and received, by message type.",
		},
		[]string{"role", "direction", "type"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyrmi",
			Subsystem: "conn",
			Name:      "frame_bytes_total",
			Help:      "Frame body bytes sent and received.",
		},
		[]string{"role", "direction"},
	)
	openConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "proxyrmi",
			Subsystem: "conn",
			Name:      "open",
			Help:      "Currently open connections.",
		},
		[]string{"role"},
	)
	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyrmi",
			Subsystem: "node",
			Name:      "invocations_total",
			Help:      "Inbound invocations performed locally, by outcome.",
		},
		[]string{"role", "outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proxyrmi",
			Subsystem: "node",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of inbound invocations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role"},
	)
	exportedObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "proxyrmi",
			Subsystem: "node",
			Name:      "exported_objects",
			Help:      "Entries in the exported-object tables.",
		},
		[]string{"role"},
	)
	releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyrmi",
			Subsystem: "node",
			Name:      "releases_total",
			Help:      "Release messages received, by form.",
		},
		[]string{"role", "form"},
	)
)

// RegisterMetrics registers the collectors with the default registry. It is
// safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, frameBytes, openConns, invocations,
			invocationDuration, exportedObjects, releases)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordFrame(role, direction, msgType string, size int) {
	framesTotal.WithLabelValues(role, direction, msgType).Inc()
	frameBytes.WithLabelValues(role, direction).Add(float64(size))
}

func ConnOpened(role string) { openConns.WithLabelValues(role).Inc() }

func ConnClosed(role string) { openConns.WithLabelValues(role).Dec() }

// Invocation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeSecurity = "security"
	OutcomeNoReturn = "noreturn"
)

func RecordInvocation(role, outcome string, duration time.Duration) {
	invocations.WithLabelValues(role, outcome).Inc()
	invocationDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func AddExported(role string, delta int) {
	exportedObjects.WithLabelValues(role).Add(float64(delta))
}

func RecordRelease(role string, all bool) {
	form := "one"
	if all {
		form = "all"
	}
	releases.WithLabelValues(role, form).Inc()
}
