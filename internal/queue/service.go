// Package queue implements the task queue: creation with dependency
// validation, race-free claiming, status transitions and bounded
// retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/event"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/phase"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// claimScanLimit bounds how many candidates a single ClaimNext pass
// inspects before giving up.
const claimScanLimit = 50

// Service is the queue front door. All writes go through the store's
// conditional updates, so any number of Service instances can run
// against one database.
type Service struct {
	store    *store.Store
	registry *phase.Registry
	bus      event.Bus
	log      *logging.Logger
}

// NewService wires the queue service.
func NewService(st *store.Store, reg *phase.Registry, bus event.Bus, log *logging.Logger) *Service {
	return &Service{store: st, registry: reg, bus: bus, log: log.Named("queue")}
}

// CreateRequest describes a task to enqueue. ID is optional; when
// empty a UUID is generated.
type CreateRequest struct {
	ID           string   `json:"id,omitempty"`
	TicketID     string   `json:"ticket_id,omitempty"`
	PhaseID      string   `json:"phase_id"`
	Type         string   `json:"type"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Create validates and enqueues a pending task. Unknown dependencies
// and dependency cycles are rejected.
func (s *Service) Create(ctx context.Context, req CreateRequest) (store.Task, error) {
	if req.Type == "" {
		return store.Task{}, &ValidationError{Field: "type", Msg: "required"}
	}
	if _, err := s.registry.Get(req.PhaseID); err != nil {
		return store.Task{}, &ValidationError{Field: "phase_id", Msg: err.Error()}
	}
	if req.TicketID != "" {
		if _, err := s.store.GetTicket(ctx, req.TicketID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Task{}, &ValidationError{Field: "ticket_id", Msg: "unknown ticket " + req.TicketID}
			}
			return store.Task{}, err
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	for _, dep := range req.Dependencies {
		if dep == id {
			return store.Task{}, &ValidationError{Field: "dependencies", Msg: "task cannot depend on itself"}
		}
		if _, err := s.store.GetTask(ctx, dep); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Task{}, &ValidationError{Field: "dependencies", Msg: "unknown task " + dep}
			}
			return store.Task{}, err
		}
	}
	if err := s.checkCycle(ctx, id, req.Dependencies); err != nil {
		return store.Task{}, err
	}

	now := time.Now().UTC()
	task := store.Task{
		ID:           id,
		TicketID:     req.TicketID,
		PhaseID:      req.PhaseID,
		Type:         req.Type,
		Title:        req.Title,
		Description:  req.Description,
		Priority:     req.Priority,
		Status:       store.TaskPending,
		Dependencies: req.Dependencies,
		Capabilities: req.Capabilities,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return store.Task{}, fmt.Errorf("create task: %w", err)
	}
	ctx = logging.WithTask(ctx, task.ID)
	s.log.Info(ctx, "task created",
		zap.String("task_type", task.Type), zap.String("phase", task.PhaseID))
	s.publish(ctx, event.TaskCreated, taskPayload(task))
	return task, nil
}

// checkCycle walks the stored dependency graph depth-first from each
// declared dependency; reaching id again means the request closes a
// cycle.
func (s *Service) checkCycle(ctx context.Context, id string, deps []string) error {
	visited := map[string]bool{}
	var walk func(cur string) error
	walk = func(cur string) error {
		if cur == id {
			return &ValidationError{Field: "dependencies", Msg: "dependency cycle through " + cur}
		}
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		t, err := s.store.GetTask(ctx, cur)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		for _, next := range t.Dependencies {
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range deps {
		if err := walk(dep); err != nil {
			return err
		}
	}
	return nil
}

// AddDependency links an existing pending or blocked task to another
// task it must wait for. The edge is rejected if it would close a
// dependency cycle.
func (s *Service) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.TaskPending && task.Status != store.TaskBlocked {
		return &InvalidTransitionError{TaskID: taskID, From: task.Status, To: task.Status}
	}
	if dependsOn == taskID {
		return &ValidationError{Field: "dependencies", Msg: "task cannot depend on itself"}
	}
	if _, err := s.store.GetTask(ctx, dependsOn); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &ValidationError{Field: "dependencies", Msg: "unknown task " + dependsOn}
		}
		return err
	}
	if err := s.checkCycle(ctx, taskID, []string{dependsOn}); err != nil {
		return err
	}
	return s.store.AddTaskDependency(ctx, taskID, dependsOn)
}

// Get loads one task.
func (s *Service) Get(ctx context.Context, id string) (store.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ClaimNext assigns the best eligible task to ref, or returns nil when
// nothing is claimable. Eligibility: pending, dependencies completed,
// backoff elapsed, capabilities covered by the worker, and the phase's
// wip limit not already reached. Races between claimers are settled by
// the per-row conditional update; a lost race just moves to the next
// candidate.
func (s *Service) ClaimNext(ctx context.Context, ref store.WorkerRef, capabilities []string) (*store.Task, error) {
	ctx = logging.WithWorker(ctx, ref.String())
	candidates, err := s.store.ListClaimable(ctx, time.Now(), claimScanLimit)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		have[c] = true
	}
	wipFull := map[string]bool{}
	for _, task := range candidates {
		if !covers(have, task.Capabilities) {
			continue
		}
		if full, checked := wipFull[task.PhaseID]; checked && full {
			continue
		} else if !checked {
			def, err := s.registry.Get(task.PhaseID)
			if err != nil {
				return nil, err
			}
			if def.Config.WIPLimit > 0 {
				running, err := s.store.CountRunningByPhase(ctx, task.PhaseID)
				if err != nil {
					return nil, err
				}
				wipFull[task.PhaseID] = running >= def.Config.WIPLimit
				if wipFull[task.PhaseID] {
					continue
				}
			} else {
				wipFull[task.PhaseID] = false
			}
		}
		err := s.store.ClaimTask(ctx, task.ID, ref)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		claimed, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		ctx = logging.WithTask(ctx, claimed.ID)
		s.log.Info(ctx, "task claimed", zap.String("task_type", claimed.Type), zap.String("phase", claimed.PhaseID))
		s.publish(ctx, event.TaskAssigned, taskPayload(claimed))
		return &claimed, nil
	}
	return nil, nil
}

func covers(have map[string]bool, need []string) bool {
	for _, c := range need {
		if !have[c] {
			return false
		}
	}
	return true
}

// The status transition table. Claiming (pending -> assigned) goes
// through ClaimNext, not here.
var transitions = map[string]map[string]bool{
	store.TaskPending:  {store.TaskBlocked: true},
	store.TaskBlocked:  {store.TaskPending: true},
	store.TaskAssigned: {store.TaskRunning: true, store.TaskFailed: true},
	store.TaskRunning:  {store.TaskCompleted: true, store.TaskFailed: true},
}

// UpdateResult carries the terminal output of a task.
type UpdateResult struct {
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Artifacts []store.Artifact `json:"artifacts,omitempty"`
	Context   map[string]any   `json:"context,omitempty"`
}

// UpdateStatus applies one step of the transition table. On
// completion, artifacts and context updates from the result are
// recorded on the ticket before the completion event goes out, so gate
// evaluation triggered by the event sees them.
func (s *Service) UpdateStatus(ctx context.Context, id, status string, res UpdateResult) (store.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	ctx = logging.WithTask(ctx, id)
	if !transitions[task.Status][status] {
		return store.Task{}, &InvalidTransitionError{TaskID: id, From: task.Status, To: status}
	}
	if err := s.store.TransitionTask(ctx, id, task.Status, status, res.Result, res.Error); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Task{}, &InvalidTransitionError{TaskID: id, From: task.Status, To: status}
		}
		return store.Task{}, err
	}

	if status == store.TaskCompleted && task.TicketID != "" {
		for _, a := range res.Artifacts {
			if err := s.store.AddArtifact(ctx, task.TicketID, a); err != nil {
				return store.Task{}, err
			}
		}
		if len(res.Context) > 0 {
			if err := s.store.MergeTicketContext(ctx, task.TicketID, res.Context); err != nil {
				return store.Task{}, err
			}
		}
	}

	updated, err := s.store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	s.log.Info(ctx, "task status updated",
		zap.String("from", task.Status), zap.String("to", status), zap.String("task_type", task.Type))
	eventType := "task." + status
	if status == store.TaskRunning {
		eventType = event.TaskStarted
	}
	s.publish(ctx, eventType, taskPayload(updated))
	return updated, nil
}

// Retry returns a failed task to the pending pool, bounded by the
// phase's retry budget. The backoff strategy delays the next claim;
// exhaustion leaves the task failed and escalates.
func (s *Service) Retry(ctx context.Context, id string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	ctx = logging.WithTask(ctx, id)
	if task.Status != store.TaskFailed {
		return store.Task{}, &InvalidTransitionError{TaskID: id, From: task.Status, To: store.TaskPending}
	}
	def, err := s.registry.Get(task.PhaseID)
	if err != nil {
		return store.Task{}, err
	}
	if task.RetryCount >= def.Config.MaxRetries {
		s.log.Warn(ctx, "retries exhausted",
			zap.Int("retry_count", task.RetryCount), zap.Int("max_retries", def.Config.MaxRetries))
		s.publish(ctx, event.TaskEscalated, taskPayload(task))
		return task, ErrRetriesExhausted
	}
	if task.Error != "" && !IsRetryable(task.Error) {
		s.log.Warn(ctx, "permanent failure, not retrying", zap.String("task_error", task.Error))
		s.publish(ctx, event.TaskEscalated, taskPayload(task))
		return task, ErrRetriesExhausted
	}

	var notBefore *time.Time
	if delay := backoff(def.Config, task.RetryCount); delay > 0 {
		at := time.Now().Add(delay).UTC()
		notBefore = &at
	}
	if err := s.store.ResetTaskForRetry(ctx, id, notBefore); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Task{}, &InvalidTransitionError{TaskID: id, From: task.Status, To: store.TaskPending}
		}
		return store.Task{}, err
	}
	updated, err := s.store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	s.log.Info(ctx, "task queued for retry", zap.Int("retry_count", updated.RetryCount))
	s.publish(ctx, event.TaskRetried, taskPayload(updated))
	return updated, nil
}

// backoff computes the delay before attempt retryCount+1.
func backoff(cfg phase.Config, retryCount int) time.Duration {
	base := cfg.RetryBaseDelay
	switch cfg.RetryStrategy {
	case phase.RetryLinear:
		return base * time.Duration(retryCount+1)
	case phase.RetryExponential:
		return base * time.Duration(1<<retryCount)
	default:
		return 0
	}
}

// ListByPhase groups a ticket's tasks by phase id.
func (s *Service) ListByPhase(ctx context.Context, ticketID string) (map[string][]store.Task, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{TicketID: ticketID})
	if err != nil {
		return nil, err
	}
	out := map[string][]store.Task{}
	for _, t := range tasks {
		out[t.PhaseID] = append(out[t.PhaseID], t)
	}
	return out, nil
}

// Heartbeat records liveness from the worker holding the task. A
// heartbeat from a worker that does not hold the task is rejected.
func (s *Service) Heartbeat(ctx context.Context, id string, ref store.WorkerRef) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Worker == nil || *task.Worker != ref {
		return &ValidationError{Field: "worker", Msg: "task not held by " + ref.String()}
	}
	if err := s.store.RecordHeartbeat(ctx, id, time.Now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &InvalidTransitionError{TaskID: id, From: task.Status, To: task.Status}
		}
		return err
	}
	return nil
}

func taskPayload(t store.Task) event.TaskPayload {
	p := event.TaskPayload{
		TaskID:   t.ID,
		TicketID: t.TicketID,
		PhaseID:  t.PhaseID,
		TaskType: t.Type,
		Status:   t.Status,
		Error:    t.Error,
	}
	if t.Worker != nil {
		p.WorkerRef = t.Worker.String()
	}
	return p
}

func (s *Service) publish(ctx context.Context, eventType string, payload event.TaskPayload) {
	e, err := event.New(eventType, payload)
	if err != nil {
		s.log.Warn(ctx, "event build failed", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Warn(ctx, "event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
