package monitor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/event"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/phase"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// ConductorConfig tunes the health sweep.
type ConductorConfig struct {
	// MaxActiveWorkers alerts when more distinct workers hold tasks.
	// Zero disables the check.
	MaxActiveWorkers int
	// BudgetLimit alerts when estimated usage reaches it. Zero
	// disables the check.
	BudgetLimit float64
	// TaskUnitCost is the estimated cost of one task execution.
	TaskUnitCost float64
}

// HealthSummary is the conductor's view of one cycle.
type HealthSummary struct {
	Timestamp     time.Time            `json:"timestamp"`
	TasksByStatus map[string]int       `json:"tasks_by_status"`
	ActiveWorkers int                  `json:"active_workers"`
	StuckTickets  []string             `json:"stuck_tickets,omitempty"`
	BudgetUsage   float64              `json:"budget_usage"`
	Alerts        []event.AlertPayload `json:"alerts,omitempty"`
}

// Conductor sweeps system health on a long interval. It only observes
// and emits alerts; corrective action stays with the guardian and with
// humans.
type Conductor struct {
	store    *store.Store
	registry *phase.Registry
	bus      event.Bus
	log      *logging.Logger
	metrics  *monitorMetrics
	cfg      ConductorConfig
}

// NewConductor wires the conductor.
func NewConductor(st *store.Store, reg *phase.Registry, bus event.Bus, log *logging.Logger, cfg ConductorConfig) *Conductor {
	return &Conductor{
		store:    st,
		registry: reg,
		bus:      bus,
		log:      log.Named("conductor"),
		metrics:  newMonitorMetrics(log.Zap()),
		cfg:      cfg,
	}
}

// RunOnce executes one health sweep and returns its summary.
func (c *Conductor) RunOnce(ctx context.Context) (HealthSummary, error) {
	start := time.Now()
	summary := HealthSummary{Timestamp: start.UTC()}

	byStatus, err := c.store.CountTasksByStatus(ctx)
	if err != nil {
		return summary, err
	}
	summary.TasksByStatus = byStatus

	summary.ActiveWorkers, err = c.store.CountActiveWorkers(ctx)
	if err != nil {
		return summary, err
	}
	if c.metrics.activeWorkers != nil {
		c.metrics.activeWorkers.Record(ctx, int64(summary.ActiveWorkers))
	}
	if c.cfg.MaxActiveWorkers > 0 && summary.ActiveWorkers > c.cfg.MaxActiveWorkers {
		c.alert(ctx, &summary, "worker_ceiling", "",
			fmt.Sprintf("%d active workers exceed the configured ceiling of %d", summary.ActiveWorkers, c.cfg.MaxActiveWorkers))
	}

	// Per-phase load versus wip limits.
	for _, def := range c.registry.Definitions() {
		if def.Config.WIPLimit <= 0 {
			continue
		}
		running, err := c.store.CountRunningByPhase(ctx, def.ID)
		if err != nil {
			return summary, err
		}
		if running > def.Config.WIPLimit {
			c.alert(ctx, &summary, "wip_limit_exceeded", def.ID,
				fmt.Sprintf("phase %s holds %d tasks over its limit of %d", def.ID, running, def.Config.WIPLimit))
		}
	}

	if err := c.sweepStuckTickets(ctx, &summary); err != nil {
		return summary, err
	}

	// Budget is informational: counts times a flat unit cost.
	if c.cfg.TaskUnitCost > 0 {
		executed := byStatus[store.TaskCompleted] + byStatus[store.TaskFailed] + byStatus[store.TaskRunning]
		summary.BudgetUsage = float64(executed) * c.cfg.TaskUnitCost
		if c.cfg.BudgetLimit > 0 && summary.BudgetUsage >= c.cfg.BudgetLimit {
			c.alert(ctx, &summary, "budget_threshold", "",
				fmt.Sprintf("estimated usage %.2f reached the limit %.2f", summary.BudgetUsage, c.cfg.BudgetLimit))
		}
	}

	c.log.Info(ctx, "health sweep complete",
		zap.Int("active_workers", summary.ActiveWorkers),
		zap.Int("stuck_tickets", len(summary.StuckTickets)),
		zap.Int("alerts", len(summary.Alerts)))
	if c.metrics.cycleDuration != nil {
		c.metrics.cycleDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("loop", "conductor")))
	}
	return summary, nil
}

// sweepStuckTickets flags active tickets sitting in a phase beyond the
// phase's configured timeout.
func (c *Conductor) sweepStuckTickets(ctx context.Context, summary *HealthSummary) error {
	minTimeout := time.Duration(0)
	for _, def := range c.registry.Definitions() {
		if def.Config.Timeout > 0 && (minTimeout == 0 || def.Config.Timeout < minTimeout) {
			minTimeout = def.Config.Timeout
		}
	}
	if minTimeout == 0 {
		return nil
	}
	candidates, err := c.store.ListTicketsInPhaseLongerThan(ctx, time.Now().Add(-minTimeout))
	if err != nil {
		return err
	}
	for _, tk := range candidates {
		def, err := c.registry.Get(tk.PhaseID)
		if err != nil || def.Config.Timeout <= 0 {
			continue
		}
		inPhase := time.Since(tk.PhaseEnteredAt)
		if inPhase < def.Config.Timeout {
			continue
		}
		summary.StuckTickets = append(summary.StuckTickets, tk.ID)
		c.alert(logging.WithTicket(ctx, tk.ID), summary, "ticket_stuck", tk.ID,
			fmt.Sprintf("ticket in phase %s for %s, timeout is %s", tk.PhaseID, inPhase.Round(time.Second), def.Config.Timeout))
	}
	if c.metrics.stuckTickets != nil {
		c.metrics.stuckTickets.Record(ctx, int64(len(summary.StuckTickets)))
	}
	return nil
}

func (c *Conductor) alert(ctx context.Context, summary *HealthSummary, kind, subject, detail string) {
	p := event.AlertPayload{Kind: kind, Subject: subject, Detail: detail}
	summary.Alerts = append(summary.Alerts, p)
	c.log.Warn(ctx, "conductor alert", zap.String("kind", kind), zap.String("detail", detail))
	if c.metrics.alertsTotal != nil {
		c.metrics.alertsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	e, err := event.New(event.ConductorAlert, p)
	if err != nil {
		c.log.Warn(ctx, "event build failed", zap.Error(err))
		return
	}
	if err := c.bus.Publish(ctx, e); err != nil {
		c.log.Warn(ctx, "event publish failed", zap.Error(err))
	}
}
