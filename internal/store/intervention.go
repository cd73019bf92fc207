package store

import (
	"context"
	"database/sql"
	"time"
)

// Intervention actions.
const (
	ActionNudge    = "nudge"
	ActionFail     = "fail"
	ActionEscalate = "escalate"
)

// Intervention is an audit record of a monitor acting on a task. Rows
// are append-only and survive restarts.
type Intervention struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	WorkerRef   string     `json:"worker_ref,omitempty"`
	Action      string     `json:"action"`
	Reason      string     `json:"reason,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateIntervention appends an audit row.
func (s *Store) CreateIntervention(ctx context.Context, iv Intervention) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interventions(id,task_id,worker_ref,action,reason,heartbeat_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		iv.ID, iv.TaskID, nullable(iv.WorkerRef), iv.Action, iv.Reason, fmtTimePtr(iv.HeartbeatAt), fmtTime(iv.CreatedAt))
	return err
}

// ListInterventions returns the audit trail for a task, oldest first.
func (s *Store) ListInterventions(ctx context.Context, taskID string) ([]Intervention, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,task_id,worker_ref,action,reason,heartbeat_at,created_at FROM interventions WHERE task_id=? ORDER BY created_at ASC, id ASC`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Intervention
	for rows.Next() {
		var iv Intervention
		var workerRef, heartbeatAt sql.NullString
		var createdAt string
		if err := rows.Scan(&iv.ID, &iv.TaskID, &workerRef, &iv.Action, &iv.Reason, &heartbeatAt, &createdAt); err != nil {
			return nil, err
		}
		iv.WorkerRef = workerRef.String
		if iv.HeartbeatAt, err = parseTimePtr(heartbeatAt); err != nil {
			return nil, err
		}
		if iv.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, iv)
	}
	return res, rows.Err()
}
