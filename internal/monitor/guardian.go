// Package monitor hosts the background loops watching over workers and
// system health: the guardian intervenes on stalled tasks, the
// conductor reports without ever correcting.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/event"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// GuardianConfig tunes the intervention ladder.
type GuardianConfig struct {
	// StaleAfter is how long a held task may go without a heartbeat
	// before the guardian nudges its worker.
	StaleAfter time.Duration
	// NudgeGrace is how long after a nudge the worker has to show a
	// fresh heartbeat before the task is force-failed.
	NudgeGrace time.Duration
}

// Guardian watches held tasks and escalates in two steps: first a
// nudge to the worker, then a forced failure with a retry. The
// MarkIntervened guard makes interventions idempotent per heartbeat
// epoch, so overlapping cycles act at most once.
type Guardian struct {
	store     *store.Store
	queue     *queue.Service
	messenger Messenger
	bus       event.Bus
	log       *logging.Logger
	metrics   *monitorMetrics
	cfg       GuardianConfig
}

// NewGuardian wires the guardian.
func NewGuardian(st *store.Store, q *queue.Service, m Messenger, bus event.Bus, log *logging.Logger, cfg GuardianConfig) *Guardian {
	return &Guardian{
		store:     st,
		queue:     q,
		messenger: m,
		bus:       bus,
		log:       log.Named("guardian"),
		metrics:   newMonitorMetrics(log.Zap()),
		cfg:       cfg,
	}
}

// RunOnce executes one guardian cycle.
func (g *Guardian) RunOnce(ctx context.Context) error {
	start := time.Now()
	stale, err := g.store.ListStaleRunning(ctx, time.Now().Add(-g.cfg.StaleAfter))
	if err != nil {
		return err
	}
	if g.metrics.staleTasks != nil {
		g.metrics.staleTasks.Record(ctx, int64(len(stale)))
	}
	for _, task := range stale {
		if err := g.handleStale(ctx, task); err != nil {
			g.log.Error(logging.WithTask(ctx, task.ID), "intervention failed", zap.Error(err))
		}
	}
	if g.metrics.cycleDuration != nil {
		g.metrics.cycleDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("loop", "guardian")))
	}
	return nil
}

func (g *Guardian) handleStale(ctx context.Context, task store.Task) error {
	ctx = logging.WithTask(ctx, task.ID)
	if task.Worker != nil {
		ctx = logging.WithWorker(ctx, task.Worker.String())
	}

	// Already nudged this epoch: either the grace is still running, or
	// it elapsed and the worker is presumed dead.
	if task.IntervenedAt != nil && !heartbeatAfter(task) {
		if time.Since(*task.IntervenedAt) < g.cfg.NudgeGrace {
			return nil
		}
		return g.forceFail(ctx, task)
	}
	return g.nudge(ctx, task)
}

// heartbeatAfter reports whether the task heartbeated after its last
// intervention, opening a new epoch.
func heartbeatAfter(task store.Task) bool {
	return task.HeartbeatAt != nil && task.IntervenedAt != nil && task.HeartbeatAt.After(*task.IntervenedAt)
}

func (g *Guardian) nudge(ctx context.Context, task store.Task) error {
	if err := g.store.MarkIntervened(ctx, task.ID, time.Now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another cycle intervened first.
			return nil
		}
		return err
	}
	g.log.Warn(ctx, "nudging stale worker", zap.String("task_type", task.Type))
	g.recordIntervention(ctx, task, store.ActionNudge, "no heartbeat within threshold")

	if task.Worker != nil {
		msg := Message{Kind: "nudge", TaskID: task.ID, Text: "no heartbeat received, report status or release the task"}
		if err := g.messenger.Send(ctx, *task.Worker, msg); err != nil {
			g.log.Warn(ctx, "nudge delivery failed", zap.Error(err))
		}
	}
	g.publish(ctx, event.GuardianNudge, task, store.ActionNudge, "no heartbeat within threshold")
	return nil
}

func (g *Guardian) forceFail(ctx context.Context, task store.Task) error {
	if err := g.store.TransitionTask(ctx, task.ID, task.Status, store.TaskFailed, nil, "guardian: worker unresponsive"); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The task moved on between listing and acting.
			return nil
		}
		return err
	}
	g.log.Warn(ctx, "force-failed unresponsive task", zap.String("task_type", task.Type))
	g.recordIntervention(ctx, task, store.ActionFail, "nudge grace elapsed with no heartbeat")
	g.publish(ctx, event.GuardianIntervened, task, store.ActionFail, "nudge grace elapsed with no heartbeat")

	_, err := g.queue.Retry(ctx, task.ID)
	if errors.Is(err, queue.ErrRetriesExhausted) {
		g.recordIntervention(ctx, task, store.ActionEscalate, "retries exhausted after forced failure")
		return nil
	}
	return err
}

func (g *Guardian) recordIntervention(ctx context.Context, task store.Task, action, reason string) {
	iv := store.Intervention{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Action:      action,
		Reason:      reason,
		HeartbeatAt: task.HeartbeatAt,
		CreatedAt:   time.Now().UTC(),
	}
	if task.Worker != nil {
		iv.WorkerRef = task.Worker.String()
	}
	if err := g.store.CreateIntervention(ctx, iv); err != nil {
		g.log.Error(ctx, "intervention audit write failed", zap.Error(err))
	}
	if g.metrics.interventionsTotal != nil {
		g.metrics.interventionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

func (g *Guardian) publish(ctx context.Context, eventType string, task store.Task, action, reason string) {
	p := event.InterventionPayload{TaskID: task.ID, Action: action, Reason: reason}
	if task.Worker != nil {
		p.WorkerRef = task.Worker.String()
	}
	e, err := event.New(eventType, p)
	if err != nil {
		g.log.Warn(ctx, "event build failed", zap.Error(err))
		return
	}
	if err := g.bus.Publish(ctx, e); err != nil {
		g.log.Warn(ctx, "event publish failed", zap.Error(err))
	}
}
