package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics

	// PoolJobsAdmitted tracks jobs accepted by a pool
	PoolJobsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "jobs_admitted_total",
			Help:      "Total jobs admitted by dispatch pool",
		},
		[]string{"pool_code"},
	)

	// PoolJobsProcessed tracks completed dispatch attempts by result and failure kind
	PoolJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "jobs_processed_total",
			Help:      "Total dispatch attempts by pool, result and failure kind",
		},
		[]string{"pool_code", "result", "kind"},
	)

	// PoolJobsRejected tracks jobs returned to the queue without an attempt
	PoolJobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "jobs_rejected_total",
			Help:      "Total jobs returned to the queue without a dispatch attempt",
		},
		[]string{"pool_code", "reason"}, // reason: capacity, closing
	)

	// PoolProcessingDuration tracks dispatch attempt duration
	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to dispatch a job",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	// PoolInFlight tracks held concurrency permits
	PoolInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "in_flight",
			Help:      "Number of dispatches currently in flight",
		},
		[]string{"pool_code"},
	)

	// PoolConcurrency tracks the configured concurrency
	PoolConcurrency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "concurrency",
			Help:      "Configured concurrency of the pool",
		},
		[]string{"pool_code"},
	)

	// PoolUtilization tracks in-flight / concurrency
	PoolUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "utilization_ratio",
			Help:      "Held permits divided by configured concurrency",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth tracks jobs held by the pool and not yet dispatched
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of jobs pending in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolRateLimitWaits tracks jobs deferred by the rate gate
	PoolRateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "rate_limit_waits_total",
			Help:      "Total jobs deferred by the pool rate limit",
		},
		[]string{"pool_code"},
	)

	// PoolMessageGroupCount tracks live message groups
	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of live message groups in the pool",
		},
		[]string{"pool_code"},
	)

	// Message group metrics

	// GroupQueueDepth tracks pending jobs per message group
	GroupQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "group",
			Name:      "queue_depth",
			Help:      "Number of jobs pending in a message group",
		},
		[]string{"pool_code", "group"},
	)

	// GroupsBlocked tracks blocked message groups per pool
	GroupsBlocked = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "group",
			Name:      "blocked",
			Help:      "Number of blocked message groups",
		},
		[]string{"pool_code"},
	)

	// Mediator metrics

	// MediatorHTTPRequests tracks HTTP requests made by the mediator
	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the mediator",
		},
		[]string{"status_code", "method"},
	)

	// MediatorHTTPDuration tracks HTTP request duration
	MediatorHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"target"},
	)

	// Circuit breaker metrics

	// CircuitBreakerState tracks circuit breaker state per target
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// CircuitBreakerTransitions tracks state transitions
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total circuit breaker state transitions",
		},
		[]string{"target", "to"},
	)

	// CircuitBreakerRejections tracks calls refused without a downstream request
	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Total calls rejected by an open circuit breaker",
		},
		[]string{"target"},
	)

	// Queue metrics

	// QueueMessagesPublished tracks messages published to queue
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to queue",
		},
		[]string{"queue_type"}, // memory, nats, sqs
	)

	// QueueMessagesConsumed tracks messages consumed from queue
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from queue",
		},
		[]string{"queue_type"},
	)

	// QueuePublishErrors tracks queue publish errors
	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	// QueueBacklog tracks messages waiting in the source queue
	QueueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "backlog",
			Help:      "Messages waiting in the source queue",
		},
	)

	// Pipeline metrics

	// PipelineMapSize tracks the size of the in-pipeline map
	PipelineMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "map_size",
			Help:      "Number of jobs currently in the dispatch pipeline",
		},
	)

	// PipelineRedeliveries tracks redelivered copies of jobs already in the pipeline
	PipelineRedeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "redeliveries_total",
			Help:      "Total redelivered messages whose job was already in the pipeline",
		},
	)

	// PipelineUndecodable tracks messages that could not be decoded
	PipelineUndecodable = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "undecodable_total",
			Help:      "Total queue messages that could not be decoded into a job",
		},
	)

	// PipelineTotalCapacity tracks total pool concurrency
	PipelineTotalCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "total_capacity",
			Help:      "Total concurrency across all dispatch pools",
		},
	)

	// Warning metrics

	// WarningsRaised tracks warnings by category and severity
	WarningsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "warnings",
			Name:      "raised_total",
			Help:      "Total operational warnings raised",
		},
		[]string{"category", "severity"},
	)

	// Standby metrics

	// StandbyPrimary is 1 while this instance holds the leader lock
	StandbyPrimary = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "standby",
			Name:      "primary",
			Help:      "Whether this instance is primary (1) or standby (0)",
		},
	)

	// Registry store metrics

	// StoreLookups counts registry store operations by result
	StoreLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Registry store operations by collection, operation and result",
		},
		[]string{"collection", "operation", "result"},
	)

	// StoreLatency tracks registry store round trips
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Registry store operation duration",
			Buckets:   []float64{0.002, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"collection", "operation"},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
