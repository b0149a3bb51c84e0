package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/parleyhq/parley"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Job lifecycle metrics
	JobsEnqueuedTotal  metric.Int64Counter
	JobsLeasedTotal    metric.Int64Counter
	JobsCompletedTotal metric.Int64Counter
	JobsFailedTotal    metric.Int64Counter
	JobsRetriedTotal   metric.Int64Counter
	JobsStalledTotal   metric.Int64Counter
	JobsPurgedTotal    metric.Int64Counter

	// Notification metrics
	EventsPublishedTotal metric.Int64Counter
	EventsDroppedTotal   metric.Int64Counter

	// Gateway metrics
	GatewayConnections   metric.Int64UpDownCounter
	GatewaySubscriptions metric.Int64UpDownCounter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.JobsEnqueuedTotal, _ = meter.Int64Counter(
		"parley.jobs.enqueued.total",
		metric.WithDescription("Total number of jobs enqueued"),
		metric.WithUnit("{job}"),
	)

	m.JobsLeasedTotal, _ = meter.Int64Counter(
		"parley.jobs.leased.total",
		metric.WithDescription("Total number of job leases granted"),
		metric.WithUnit("{job}"),
	)

	m.JobsCompletedTotal, _ = meter.Int64Counter(
		"parley.jobs.completed.total",
		metric.WithDescription("Total number of jobs completed"),
		metric.WithUnit("{job}"),
	)

	m.JobsFailedTotal, _ = meter.Int64Counter(
		"parley.jobs.failed.total",
		metric.WithDescription("Total number of jobs permanently failed"),
		metric.WithUnit("{job}"),
	)

	m.JobsRetriedTotal, _ = meter.Int64Counter(
		"parley.jobs.retried.total",
		metric.WithDescription("Total number of retryable job failures scheduled for backoff"),
		metric.WithUnit("{job}"),
	)

	m.JobsStalledTotal, _ = meter.Int64Counter(
		"parley.jobs.stalled.total",
		metric.WithDescription("Total number of jobs recovered after a lease expired"),
		metric.WithUnit("{job}"),
	)

	m.JobsPurgedTotal, _ = meter.Int64Counter(
		"parley.jobs.purged.total",
		metric.WithDescription("Total number of terminal jobs removed by retention sweeps"),
		metric.WithUnit("{job}"),
	)

	m.EventsPublishedTotal, _ = meter.Int64Counter(
		"parley.events.published.total",
		metric.WithDescription("Total number of notification events published"),
		metric.WithUnit("{event}"),
	)

	m.EventsDroppedTotal, _ = meter.Int64Counter(
		"parley.events.dropped.total",
		metric.WithDescription("Total number of notification events dropped for slow subscribers"),
		metric.WithUnit("{event}"),
	)

	m.GatewayConnections, _ = meter.Int64UpDownCounter(
		"parley.gateway.connections",
		metric.WithDescription("Number of open WebSocket connections"),
		metric.WithUnit("{connection}"),
	)

	m.GatewaySubscriptions, _ = meter.Int64UpDownCounter(
		"parley.gateway.subscriptions",
		metric.WithDescription("Number of active conversation subscriptions"),
		metric.WithUnit("{subscription}"),
	)

	return m
}
