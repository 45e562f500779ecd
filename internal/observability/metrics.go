package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Rides accepted for dispatch"})
	RideTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"}, []string{"status"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of drivers with a live realtime session"})

	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Driver accept attempts by outcome"},
		[]string{"result"},
	)
	DispatchRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_rounds_total", Help: "Dispatch job outcomes"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time to run one dispatch round"})
	DiscoveryRadius = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "discovery_radius_meters",
		Help:      "Radius at which discovery found drivers",
		Buckets:   []float64{3000, 6000, 9000, 12000, 15000, 20000, 30000},
	})

	QueueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "queue_jobs_total", Help: "Dispatch queue job events"},
		[]string{"result"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Fan-out notifications by event and delivery"},
		[]string{"event", "delivered"},
	)
	ReconcileCorrections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reconcile_corrections_total", Help: "Driver busy flag corrections"},
		[]string{"reason"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
