package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Object outcomes recorded on ObjectsTotal.
const (
	OutcomeEmitted    = "emitted"
	OutcomeEmpty      = "empty"
	OutcomeAbsent     = "absent"
	OutcomeUndecoded  = "undecodable"
	OutcomeListFailed = "list_failed"
)

// Metrics holds all s3stream Prometheus metrics.
type Metrics struct {
	PollTotal        *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	ObjectsTotal     *prometheus.CounterVec
	RecordsEmitted   *prometheus.CounterVec
	RecordsDelivered *prometheus.CounterVec
	DeliveryErrors   *prometheus.CounterVec
	CursorCommits    *prometheus.CounterVec
}

// NewMetrics creates and registers all s3stream metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PollTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s3stream_poll_total",
			Help: "Poll cycles by connector and result.",
		}, []string{"connector", "status"}),

		PollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "s3stream_poll_duration_seconds",
			Help:    "Wall time of one poll cycle, delivery and commit included.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"connector"}),

		ObjectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s3stream_objects_total",
			Help: "Listed objects by processing outcome.",
		}, []string{"connector", "prefix", "outcome"}),

		RecordsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s3stream_records_emitted_total",
			Help: "Records built from decoded objects.",
		}, []string{"connector", "prefix"}),

		RecordsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s3stream_records_delivered_total",
			Help: "Records acknowledged by Kafka.",
		}, []string{"connector"}),

		DeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s3stream_delivery_errors_total",
			Help: "Records Kafka failed to acknowledge.",
		}, []string{"connector"}),

		CursorCommits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "s3stream_cursor_commits_total",
			Help: "Cursor values written to the offset store.",
		}, []string{"connector", "prefix"}),
	}
}
