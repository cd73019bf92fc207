package monitor

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/dispatchd/internal/monitor"

// monitorMetrics holds the monitoring loop instruments.
type monitorMetrics struct {
	meter              metric.Meter
	logger             *zap.Logger
	interventionsTotal metric.Int64Counter
	alertsTotal        metric.Int64Counter
	staleTasks         metric.Int64Gauge
	activeWorkers      metric.Int64Gauge
	stuckTickets       metric.Int64Gauge
	cycleDuration      metric.Float64Histogram
}

func newMonitorMetrics(logger *zap.Logger) *monitorMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &monitorMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *monitorMetrics) init() {
	var err error

	m.interventionsTotal, err = m.meter.Int64Counter(
		"dispatchd.monitor.interventions_total",
		metric.WithDescription("Guardian interventions labeled by action (nudge, fail, escalate)."),
		metric.WithUnit("{intervention}"),
	)
	if err != nil {
		m.logger.Warn("failed to create interventions counter", zap.Error(err))
	}

	m.alertsTotal, err = m.meter.Int64Counter(
		"dispatchd.monitor.alerts_total",
		metric.WithDescription("Conductor alerts labeled by kind."),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		m.logger.Warn("failed to create alerts counter", zap.Error(err))
	}

	m.staleTasks, err = m.meter.Int64Gauge(
		"dispatchd.monitor.stale_tasks",
		metric.WithDescription("Held tasks with no fresh heartbeat at the last guardian cycle."),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		m.logger.Warn("failed to create stale tasks gauge", zap.Error(err))
	}

	m.activeWorkers, err = m.meter.Int64Gauge(
		"dispatchd.monitor.active_workers",
		metric.WithDescription("Distinct workers holding tasks at the last conductor cycle."),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active workers gauge", zap.Error(err))
	}

	m.stuckTickets, err = m.meter.Int64Gauge(
		"dispatchd.monitor.stuck_tickets",
		metric.WithDescription("Active tickets exceeding their phase timeout at the last conductor cycle."),
		metric.WithUnit("{ticket}"),
	)
	if err != nil {
		m.logger.Warn("failed to create stuck tickets gauge", zap.Error(err))
	}

	m.cycleDuration, err = m.meter.Float64Histogram(
		"dispatchd.monitor.cycle_duration_seconds",
		metric.WithDescription("Monitoring cycle duration in seconds, labeled by loop (guardian, conductor)."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create cycle duration histogram", zap.Error(err))
	}
}
