// Package event provides the typed publish/subscribe bus that decouples
// the orchestration engine's components.
//
// Events are fire-and-forget notifications, not the source of truth: the
// task/ticket store remains authoritative, and every subscriber must be
// able to re-derive its decision from the store. Delivery is at-least-once
// per subscriber, so handlers must be idempotent. Ordering is preserved
// within a single event type from a single publisher; nothing is
// guaranteed across types.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type constants. Types are dotted subjects so transports with
// hierarchical routing (NATS) can map them directly.
const (
	TaskCreated   = "task.created"
	TaskAssigned  = "task.assigned"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskBlocked   = "task.blocked"
	TaskRetried   = "task.retried"
	TaskEscalated = "task.escalated"

	TicketCreated           = "ticket.created"
	TicketPhaseTransitioned = "ticket.phase_transitioned"

	GateFailed = "gate.failed"

	GuardianNudge      = "guardian.nudge"
	GuardianIntervened = "guardian.intervened"
	ConductorAlert     = "conductor.alert"
)

// Event is a single notification.
type Event struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds an Event with the payload marshaled to JSON and the
// occurrence time stamped.
func New(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, out)
}

// TaskPayload accompanies every task.* event.
type TaskPayload struct {
	TaskID    string `json:"task_id"`
	TicketID  string `json:"ticket_id,omitempty"`
	PhaseID   string `json:"phase_id"`
	TaskType  string `json:"task_type"`
	Status    string `json:"status"`
	WorkerRef string `json:"worker_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TicketPayload accompanies ticket.* events.
type TicketPayload struct {
	TicketID  string `json:"ticket_id"`
	FromPhase string `json:"from_phase,omitempty"`
	ToPhase   string `json:"to_phase"`
	Reason    string `json:"reason,omitempty"`
	Forced    bool   `json:"forced,omitempty"`
}

// GatePayload accompanies gate.failed events and names exactly what is
// missing, so a human or planner can address the gap without guessing.
type GatePayload struct {
	TicketID string   `json:"ticket_id"`
	PhaseID  string   `json:"phase_id"`
	Missing  []string `json:"missing"`
}

// InterventionPayload accompanies guardian.* events.
type InterventionPayload struct {
	TaskID    string `json:"task_id"`
	WorkerRef string `json:"worker_ref,omitempty"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
}

// AlertPayload accompanies conductor.alert events.
type AlertPayload struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail"`
}
