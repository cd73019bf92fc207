package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task statuses. Transitions between them are enforced by the queue
// service; the store only guarantees each transition is atomic.
const (
	TaskPending   = "pending"
	TaskAssigned  = "assigned"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskBlocked   = "blocked"
)

// Worker kinds. A task is held by exactly one worker identity at a
// time: either an ephemeral sandbox or a stable agent.
const (
	WorkerAgent   = "agent"
	WorkerSandbox = "sandbox"
)

// WorkerRef identifies the worker holding a task.
type WorkerRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// String renders the ref as "kind:id".
func (w WorkerRef) String() string {
	return w.Kind + ":" + w.ID
}

// ParseWorkerRef parses "agent:planner-1" or "sandbox:sbx-42". A bare
// id with no kind prefix is treated as an agent.
func ParseWorkerRef(s string) (WorkerRef, error) {
	kind, id, found := strings.Cut(s, ":")
	if !found {
		if s == "" {
			return WorkerRef{}, fmt.Errorf("empty worker ref")
		}
		return WorkerRef{Kind: WorkerAgent, ID: s}, nil
	}
	if kind != WorkerAgent && kind != WorkerSandbox {
		return WorkerRef{}, fmt.Errorf("unknown worker kind %q", kind)
	}
	if id == "" {
		return WorkerRef{}, fmt.Errorf("worker ref %q has empty id", s)
	}
	return WorkerRef{Kind: kind, ID: id}, nil
}

// Task is a unit of work claimable by exactly one worker.
type Task struct {
	ID           string          `json:"id"`
	TicketID     string          `json:"ticket_id,omitempty"`
	PhaseID      string          `json:"phase_id"`
	Type         string          `json:"type"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Priority     int             `json:"priority"`
	Status       string          `json:"status"`
	Worker       *WorkerRef      `json:"worker,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	RetryCount   int             `json:"retry_count"`
	NotBefore    *time.Time      `json:"not_before,omitempty"`
	HeartbeatAt  *time.Time      `json:"heartbeat_at,omitempty"`
	IntervenedAt *time.Time      `json:"intervened_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

const taskColumns = `id,ticket_id,phase_id,type,title,description,priority,status,agent_id,sandbox_id,capabilities_json,result_json,error,retry_count,not_before,heartbeat_at,intervened_at,created_at,updated_at,started_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var ticketID, title, desc, agentID, sandboxID, caps, result, errMsg sql.NullString
	var notBefore, heartbeatAt, intervenedAt, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &ticketID, &t.PhaseID, &t.Type, &title, &desc, &t.Priority, &t.Status,
		&agentID, &sandboxID, &caps, &result, &errMsg, &t.RetryCount,
		&notBefore, &heartbeatAt, &intervenedAt, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.TicketID = ticketID.String
	t.Title = title.String
	t.Description = desc.String
	t.Error = errMsg.String
	switch {
	case agentID.Valid:
		t.Worker = &WorkerRef{Kind: WorkerAgent, ID: agentID.String}
	case sandboxID.Valid:
		t.Worker = &WorkerRef{Kind: WorkerSandbox, ID: sandboxID.String}
	}
	if caps.Valid {
		if err := json.Unmarshal([]byte(caps.String), &t.Capabilities); err != nil {
			return t, fmt.Errorf("task %s capabilities: %w", t.ID, err)
		}
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	for _, p := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{notBefore, &t.NotBefore},
		{heartbeatAt, &t.HeartbeatAt},
		{intervenedAt, &t.IntervenedAt},
		{startedAt, &t.StartedAt},
		{completedAt, &t.CompletedAt},
	} {
		v, err := parseTimePtr(p.src)
		if err != nil {
			return t, err
		}
		*p.dst = v
	}
	return t, nil
}

func workerColumns(w *WorkerRef) (agentID, sandboxID any) {
	if w == nil {
		return nil, nil
	}
	switch w.Kind {
	case WorkerSandbox:
		return nil, w.ID
	default:
		return w.ID, nil
	}
}

// CreateTask inserts t as a new row, including its dependency edges.
// The task's status must be pending or blocked.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	var caps any
	if len(t.Capabilities) > 0 {
		data, err := json.Marshal(t.Capabilities)
		if err != nil {
			return err
		}
		caps = string(data)
	}
	agentID, sandboxID := workerColumns(t.Worker)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.TicketID), t.PhaseID, t.Type, nullable(t.Title), nullable(t.Description), t.Priority, t.Status,
		agentID, sandboxID, caps, nil, nullable(t.Error), t.RetryCount,
		fmtTimePtr(t.NotBefore), fmtTimePtr(t.HeartbeatAt), fmtTimePtr(t.IntervenedAt),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt))
	if err != nil {
		return err
	}
	for _, dep := range t.Dependencies {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, t.ID, dep); err != nil {
			return fmt.Errorf("dependency %s: %w", dep, err)
		}
	}
	return tx.Commit()
}

// AddTaskDependency inserts a dependency edge. Duplicate edges are
// ignored.
func (s *Store) AddTaskDependency(ctx context.Context, taskID, dependsOn string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, dependsOn)
	return err
}

// GetTask loads a task with its dependency list.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.Dependencies, err = s.listDependencies(ctx, id)
	return t, err
}

func (s *Store) listDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	TicketID string
	PhaseID  string
	Statuses []string
	Limit    int
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var clauses []string
	var args []any
	if f.TicketID != "" {
		clauses = append(clauses, "ticket_id=?")
		args = append(args, f.TicketID)
	}
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(f.Statuses))
		clauses = append(clauses, "status IN ("+placeholders[:len(placeholders)-1]+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListClaimable returns pending tasks whose dependencies are all
// completed and whose retry backoff has elapsed, highest priority first.
// Dependency lists are populated so callers can log them.
func (s *Store) ListClaimable(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status=?
		AND (not_before IS NULL OR not_before <= ?)
		AND NOT EXISTS (
			SELECT 1 FROM task_deps d
			JOIN tasks dep ON dep.id=d.depends_on_task_id
			WHERE d.task_id=tasks.id AND dep.status != ?
		)
		ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`,
		TaskPending, fmtTime(now), TaskCompleted, limit)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Dependencies, err = s.listDependencies(ctx, tasks[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// ClaimTask atomically assigns a pending, unheld task to ref. Returns
// ErrConflict when another worker won the row.
func (s *Store) ClaimTask(ctx context.Context, id string, ref WorkerRef) error {
	agentID, sandboxID := workerColumns(&ref)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks
		SET status=?, agent_id=?, sandbox_id=?, updated_at=?
		WHERE id=? AND status=? AND agent_id IS NULL AND sandbox_id IS NULL`,
		TaskAssigned, agentID, sandboxID, fmtTime(time.Now()), id, TaskPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// TransitionTask moves a task from one status to another atomically.
// Result and errMsg are recorded on terminal transitions; started_at
// and completed_at are stamped as the task crosses those states.
func (s *Store) TransitionTask(ctx context.Context, id, from, to string, result json.RawMessage, errMsg string) error {
	now := fmtTime(time.Now())
	sets := []string{"status=?", "updated_at=?"}
	args := []any{to, now}
	switch to {
	case TaskRunning:
		sets = append(sets, "started_at=COALESCE(started_at, ?)", "heartbeat_at=?")
		args = append(args, now, now)
	case TaskCompleted, TaskFailed:
		sets = append(sets, "completed_at=?")
		args = append(args, now)
	}
	if result != nil {
		sets = append(sets, "result_json=?")
		args = append(args, string(result))
	}
	if errMsg != "" {
		sets = append(sets, "error=?")
		args = append(args, errMsg)
	}
	args = append(args, id, from)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ResetTaskForRetry returns a failed task to the pending pool: worker,
// heartbeat and intervention state are cleared, the retry counter
// advances, and notBefore (if set) delays the next claim.
func (s *Store) ResetTaskForRetry(ctx context.Context, id string, notBefore *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks
		SET status=?, agent_id=NULL, sandbox_id=NULL, heartbeat_at=NULL, intervened_at=NULL,
		    error=NULL, completed_at=NULL, retry_count=retry_count+1, not_before=?, updated_at=?
		WHERE id=? AND status=?`,
		TaskPending, fmtTimePtr(notBefore), fmtTime(time.Now()), id, TaskFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// RecordHeartbeat stamps worker liveness on a held task.
func (s *Store) RecordHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET heartbeat_at=?, updated_at=?
		WHERE id=? AND status IN (?, ?)`,
		fmtTime(at), fmtTime(time.Now()), id, TaskAssigned, TaskRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkIntervened stamps an intervention on a task, at most once per
// heartbeat epoch: it succeeds only when the task has never been
// intervened on, or has heartbeated since the last intervention.
// Overlapping monitor cycles therefore cannot double-intervene.
func (s *Store) MarkIntervened(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET intervened_at=?, updated_at=?
		WHERE id=? AND (intervened_at IS NULL OR (heartbeat_at IS NOT NULL AND intervened_at < heartbeat_at))`,
		fmtTime(at), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ListStaleRunning returns held tasks whose last sign of life predates
// cutoff. Tasks that never heartbeated fall back to their start or
// update time.
func (s *Store) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND COALESCE(heartbeat_at, started_at, updated_at) < ?
		ORDER BY created_at ASC`,
		TaskAssigned, TaskRunning, fmtTime(cutoff))
}

// CountRunningByPhase counts held tasks in a phase, for wip limits.
func (s *Store) CountRunningByPhase(ctx context.Context, phaseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE phase_id=? AND status IN (?, ?)`,
		phaseID, TaskAssigned, TaskRunning).Scan(&n)
	return n, err
}

// CountTasksByStatus returns a status histogram across all tasks.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// CountActiveWorkers counts distinct worker identities currently
// holding a task.
func (s *Store) CountActiveWorkers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT COALESCE('agent:'||agent_id, 'sandbox:'||sandbox_id))
		FROM tasks WHERE status IN (?, ?) AND (agent_id IS NOT NULL OR sandbox_id IS NOT NULL)`,
		TaskAssigned, TaskRunning).Scan(&n)
	return n, err
}

// LatestActiveTaskForWorker returns the most recently updated task held
// by ref that has not reached a terminal status, or ErrNotFound.
func (s *Store) LatestActiveTaskForWorker(ctx context.Context, ref WorkerRef) (Task, error) {
	col := "agent_id"
	if ref.Kind == WorkerSandbox {
		col = "sandbox_id"
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE `+col+`=? AND status IN (?, ?)
		ORDER BY updated_at DESC, id DESC LIMIT 1`,
		ref.ID, TaskAssigned, TaskRunning))
	if err != nil {
		return t, err
	}
	t.Dependencies, err = s.listDependencies(ctx, t.ID)
	return t, err
}
