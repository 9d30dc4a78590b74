package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_submissions_total",
		Help: "Total number of ingress submissions by outcome.",
	}, []string{"outcome"})
	SubmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_submission_duration_seconds",
		Help:    "Duration of ingress submission handling.",
		Buckets: prometheus.DefBuckets,
	})
	ClientLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_client_lookups_total",
		Help: "Total number of client fingerprint lookups by result.",
	}, []string{"result"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_queue_depth",
		Help: "Number of messages waiting in the delivery queue.",
	})
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_deliveries_total",
		Help: "Total number of worker delivery attempts by outcome.",
	}, []string{"outcome"})
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_delivery_duration_seconds",
		Help:    "Duration of provider delivery calls.",
		Buckets: prometheus.DefBuckets,
	})
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_workers_busy",
		Help: "Number of workers currently delivering a message.",
	})
	MessagesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_swept_total",
		Help: "Total number of stuck queued messages re-enqueued by the sweeper.",
	})
	MessagesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_purged_total",
		Help: "Total number of finalized messages removed by retention.",
	})
	CertificatesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_certificates_issued_total",
		Help: "Total number of client certificates issued.",
	})
	CertificatesRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_certificates_revoked_total",
		Help: "Total number of client certificates revoked.",
	})
	PortalLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_portal_logins_total",
		Help: "Total number of portal login attempts by outcome.",
	}, []string{"outcome"})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_rate_limited_total",
		Help: "Total number of submissions rejected by the per-client rate limit.",
	})
)

// Submission outcomes.
const (
	OutcomeAccepted   = "accepted"
	OutcomeValidation = "rejected_validation"
	OutcomeAuth       = "rejected_auth"
	OutcomeRateLimit  = "rejected_rate_limit"
	OutcomeReplay     = "rejected_replay"
	OutcomeError      = "error"
)

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeRequeued  = "requeued"
	OutcomeFailed    = "failed"
	OutcomeMissing   = "missing"
)
