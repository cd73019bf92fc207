package phase

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
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// TerminalPhaseError is returned when a caller tries to advance a
// ticket out of a terminal phase.
type TerminalPhaseError struct {
	PhaseID string
}

func (e *TerminalPhaseError) Error() string {
	return fmt.Sprintf("phase %s is terminal", e.PhaseID)
}

// Service drives ticket progression. Phase changes happen only here:
// either automatically when a phase's tasks complete and its gate
// passes, or explicitly via Advance/ForceAdvance.
type Service struct {
	store    *store.Store
	registry *Registry
	bus      event.Bus
	log      *logging.Logger
}

// NewService wires the progression service.
func NewService(st *store.Store, reg *Registry, bus event.Bus, log *logging.Logger) *Service {
	return &Service{store: st, registry: reg, bus: bus, log: log.Named("phase")}
}

// Attach subscribes the completion hook to the bus. Duplicate
// deliveries are harmless: every handler re-reads the store and all
// writes are conditional.
func (s *Service) Attach(bus event.Bus) error {
	_, err := bus.Subscribe(event.TaskCompleted, func(ctx context.Context, e event.Event) {
		var p event.TaskPayload
		if err := e.Decode(&p); err != nil {
			s.log.Warn(ctx, "undecodable task.completed event", zap.Error(err))
			return
		}
		if err := s.HandleTaskCompleted(ctx, p.TaskID); err != nil {
			s.log.Error(ctx, "completion hook failed", zap.Error(err))
		}
	})
	return err
}

// CreateTicketRequest creates a ticket in the registry's entry phase.
type CreateTicketRequest struct {
	Title       string
	Description string
	Context     map[string]any
}

// CreateTicket inserts the ticket into the initial phase and spawns
// that phase's tasks. Creation is phase entry.
func (s *Service) CreateTicket(ctx context.Context, req CreateTicketRequest) (store.Ticket, error) {
	if req.Title == "" {
		return store.Ticket{}, fmt.Errorf("ticket title required")
	}
	initial := s.registry.Initial()
	now := time.Now().UTC()
	tk := store.Ticket{
		ID:             uuid.NewString(),
		Title:          req.Title,
		Description:    req.Description,
		PhaseID:        initial.ID,
		Status:         store.TicketActive,
		Context:        req.Context,
		PhaseEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateTicket(ctx, tk); err != nil {
		return store.Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	ctx = logging.WithTicket(ctx, tk.ID)
	s.log.Info(ctx, "ticket created", zap.String("phase", initial.ID))
	s.publish(ctx, event.TicketCreated, event.TicketPayload{TicketID: tk.ID, ToPhase: initial.ID})

	if err := s.HandleTicketEntered(ctx, tk.ID); err != nil {
		return tk, err
	}
	return s.store.GetTicket(ctx, tk.ID)
}

// Gate evaluates the ticket's current phase gate without acting on it.
func (s *Service) Gate(ctx context.Context, ticketID string) (GateEvaluation, error) {
	tk, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return GateEvaluation{}, err
	}
	def, err := s.registry.Get(tk.PhaseID)
	if err != nil {
		return GateEvaluation{}, err
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{TicketID: tk.ID, PhaseID: tk.PhaseID})
	if err != nil {
		return GateEvaluation{}, err
	}
	return EvaluateGate(tk, def, tasks), nil
}

// HandleTaskCompleted is the automatic progression hook. It re-reads
// the ticket's tasks from the store rather than trusting the event
// snapshot, and advances the ticket iff every task in the phase is
// completed and the gate passes.
func (s *Service) HandleTaskCompleted(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.TicketID == "" {
		return nil
	}
	ctx = logging.WithTicket(logging.WithTask(ctx, task.ID), task.TicketID)

	tk, err := s.store.GetTicket(ctx, task.TicketID)
	if err != nil {
		return err
	}
	if tk.PhaseID != task.PhaseID {
		// The ticket moved on; this completion belongs to history.
		return nil
	}
	def, err := s.registry.Get(tk.PhaseID)
	if err != nil {
		return err
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{TicketID: tk.ID, PhaseID: tk.PhaseID})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != store.TaskCompleted {
			return nil
		}
	}

	ev := EvaluateGate(tk, def, tasks)
	if !ev.Passed {
		s.log.Info(ctx, "gate not passed", zap.String("phase", def.ID), zap.Strings("missing", ev.Missing))
		s.publish(ctx, event.GateFailed, event.GatePayload{TicketID: tk.ID, PhaseID: def.ID, Missing: ev.Missing})
		return nil
	}

	if def.Terminal {
		if err := s.store.SetTicketStatus(ctx, tk.ID, store.TicketDone); err != nil {
			return err
		}
		s.log.Info(ctx, "ticket done", zap.String("phase", def.ID))
		return nil
	}

	target, ok := s.chooseTarget(ctx, tk, def, task.Result)
	if !ok {
		return nil
	}
	return s.advance(ctx, tk, def, target, false, "all tasks completed and gate passed")
}

// chooseTarget resolves the next phase. Multi-transition phases require
// the completing task to name next_phase in its result; the service
// never guesses.
func (s *Service) chooseTarget(ctx context.Context, tk store.Ticket, def Definition, result json.RawMessage) (string, bool) {
	if len(def.Transitions) == 1 {
		return def.Transitions[0], true
	}
	var m map[string]any
	if len(result) > 0 {
		_ = json.Unmarshal(result, &m)
	}
	next, _ := m["next_phase"].(string)
	for _, t := range def.Transitions {
		if t == next {
			return next, true
		}
	}
	detail := fmt.Sprintf("phase %s has %d transitions but task result named %q", def.ID, len(def.Transitions), next)
	s.log.Warn(ctx, "cannot choose next phase", zap.String("detail", detail))
	s.publish(ctx, event.ConductorAlert, event.AlertPayload{Kind: "configuration_error", Subject: tk.ID, Detail: detail})
	return "", false
}

// Advance performs a gate-checked manual advance, for recovery when a
// completion event was missed.
func (s *Service) Advance(ctx context.Context, ticketID string) (GateEvaluation, error) {
	tk, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return GateEvaluation{}, err
	}
	ctx = logging.WithTicket(ctx, tk.ID)
	def, err := s.registry.Get(tk.PhaseID)
	if err != nil {
		return GateEvaluation{}, err
	}
	if def.Terminal {
		return GateEvaluation{}, &TerminalPhaseError{PhaseID: def.ID}
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{TicketID: tk.ID, PhaseID: tk.PhaseID})
	if err != nil {
		return GateEvaluation{}, err
	}
	ev := EvaluateGate(tk, def, tasks)
	if !ev.Passed {
		s.publish(ctx, event.GateFailed, event.GatePayload{TicketID: tk.ID, PhaseID: def.ID, Missing: ev.Missing})
		return ev, nil
	}
	target, ok := s.chooseTarget(ctx, tk, def, nil)
	if !ok {
		return ev, fmt.Errorf("phase %s: ambiguous transition, use force advance with a target", def.ID)
	}
	return ev, s.advance(ctx, tk, def, target, false, "manual advance")
}

// ForceAdvance bypasses the gate. The bypass is always logged and a
// note is recorded in the ticket context.
func (s *Service) ForceAdvance(ctx context.Context, ticketID, target, reason string) error {
	if reason == "" {
		return fmt.Errorf("force advance requires a reason")
	}
	tk, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	ctx = logging.WithTicket(ctx, tk.ID)
	def, err := s.registry.Get(tk.PhaseID)
	if err != nil {
		return err
	}
	if def.Terminal {
		return &TerminalPhaseError{PhaseID: def.ID}
	}
	if _, err := s.registry.Get(target); err != nil {
		return err
	}
	s.log.Warn(ctx, "gate bypassed by force advance",
		zap.String("from", def.ID), zap.String("to", target), zap.String("reason", reason))
	if err := s.store.MergeTicketContext(ctx, tk.ID, map[string]any{
		"force_advance_note": fmt.Sprintf("%s -> %s: %s", def.ID, target, reason),
	}); err != nil {
		return err
	}
	return s.advanceTo(ctx, tk, def.ID, target, true, reason)
}

func (s *Service) advance(ctx context.Context, tk store.Ticket, def Definition, target string, forced bool, reason string) error {
	return s.advanceTo(ctx, tk, def.ID, target, forced, reason)
}

func (s *Service) advanceTo(ctx context.Context, tk store.Ticket, from, target string, forced bool, reason string) error {
	if err := s.store.SetTicketPhase(ctx, tk.ID, from, target); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent decision already moved the ticket.
			s.log.Debug(ctx, "phase transition lost race", zap.String("from", from), zap.String("to", target))
			return nil
		}
		return err
	}
	s.log.Info(ctx, "ticket phase transitioned",
		zap.String("from", from), zap.String("to", target), zap.String("reason", reason))
	s.publish(ctx, event.TicketPhaseTransitioned, event.TicketPayload{
		TicketID: tk.ID, FromPhase: from, ToPhase: target, Reason: reason, Forced: forced,
	})
	return s.HandleTicketEntered(ctx, tk.ID)
}

// HandleTicketEntered is the spawn hook: on phase entry it creates the
// phase's declared initial tasks plus any planned tasks carried in the
// ticket context. Spawning is idempotent per (ticket, phase, type), so
// duplicate events or overlapping advances create each task once.
func (s *Service) HandleTicketEntered(ctx context.Context, ticketID string) error {
	tk, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	ctx = logging.WithTicket(ctx, tk.ID)
	def, err := s.registry.Get(tk.PhaseID)
	if err != nil {
		return err
	}

	specs := append([]TaskSpec{}, def.Initial...)
	specs = append(specs, plannedTasks(tk.Context)...)

	existing, err := s.store.ListTasks(ctx, store.TaskFilter{TicketID: tk.ID, PhaseID: def.ID})
	if err != nil {
		return err
	}
	idByType := make(map[string]string, len(existing))
	for _, t := range existing {
		idByType[t.Type] = t.ID
	}

	spawned := 0
	now := time.Now().UTC()
	for _, spec := range specs {
		if _, ok := idByType[spec.Type]; ok {
			continue
		}
		var deps []string
		for _, depType := range spec.DependsOn {
			id, ok := idByType[depType]
			if !ok {
				s.log.Warn(ctx, "planned task dependency not found",
					zap.String("task_type", spec.Type), zap.String("depends_on", depType))
				continue
			}
			deps = append(deps, id)
		}
		task := store.Task{
			ID:           uuid.NewString(),
			TicketID:     tk.ID,
			PhaseID:      def.ID,
			Type:         spec.Type,
			Title:        spec.Title,
			Priority:     spec.Priority,
			Status:       store.TaskPending,
			Dependencies: deps,
			Capabilities: spec.Capabilities,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("spawn %s: %w", spec.Type, err)
		}
		idByType[spec.Type] = task.ID
		spawned++
		s.publish(ctx, event.TaskCreated, event.TaskPayload{
			TaskID: task.ID, TicketID: tk.ID, PhaseID: def.ID, TaskType: task.Type, Status: task.Status,
		})
	}
	if spawned > 0 {
		s.log.Info(ctx, "phase tasks spawned", zap.String("phase", def.ID), zap.Int("count", spawned))
	}

	if def.Terminal && len(idByType) == 0 {
		// Nothing left to do in a terminal phase.
		if err := s.store.SetTicketStatus(ctx, tk.ID, store.TicketDone); err != nil {
			return err
		}
		s.log.Info(ctx, "ticket done", zap.String("phase", def.ID))
	}
	return nil
}

// plannedTasks extracts ticket-declared task specs from the context key
// "planned_tasks".
func plannedTasks(ticketContext map[string]any) []TaskSpec {
	raw, ok := ticketContext["planned_tasks"].([]any)
	if !ok {
		return nil
	}
	var specs []TaskSpec
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		taskType, _ := m["type"].(string)
		if taskType == "" {
			continue
		}
		spec := TaskSpec{Type: taskType}
		spec.Title, _ = m["title"].(string)
		if p, ok := m["priority"].(float64); ok {
			spec.Priority = int(p)
		}
		if deps, ok := m["depends_on"].([]any); ok {
			for _, d := range deps {
				if ds, ok := d.(string); ok {
					spec.DependsOn = append(spec.DependsOn, ds)
				}
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	e, err := event.New(eventType, payload)
	if err != nil {
		s.log.Warn(ctx, "event build failed", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Warn(ctx, "event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
