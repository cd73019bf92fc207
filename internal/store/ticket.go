package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Ticket statuses.
const (
	TicketActive  = "active"
	TicketBlocked = "blocked"
	TicketDone    = "done"
)

// Artifact is a named output recorded against a ticket by a completing
// task, later matched by phase gates.
type Artifact struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	Ref  string `json:"ref,omitempty"`
}

// Ticket is a unit of delivery moving through phases.
type Ticket struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	PhaseID        string         `json:"phase_id"`
	Status         string         `json:"status"`
	Context        map[string]any `json:"context,omitempty"`
	Artifacts      []Artifact     `json:"artifacts,omitempty"`
	PhaseEnteredAt time.Time      `json:"phase_entered_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

const ticketColumns = `id,title,description,phase_id,status,context_json,artifacts_json,phase_entered_at,created_at,updated_at`

func scanTicket(row rowScanner) (Ticket, error) {
	var tk Ticket
	var desc, contextJSON, artifactsJSON sql.NullString
	var phaseEnteredAt, createdAt, updatedAt string
	err := row.Scan(&tk.ID, &tk.Title, &desc, &tk.PhaseID, &tk.Status, &contextJSON, &artifactsJSON,
		&phaseEnteredAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return tk, ErrNotFound
	}
	if err != nil {
		return tk, err
	}
	tk.Description = desc.String
	if contextJSON.Valid {
		if err := json.Unmarshal([]byte(contextJSON.String), &tk.Context); err != nil {
			return tk, fmt.Errorf("ticket %s context: %w", tk.ID, err)
		}
	}
	if artifactsJSON.Valid {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &tk.Artifacts); err != nil {
			return tk, fmt.Errorf("ticket %s artifacts: %w", tk.ID, err)
		}
	}
	if tk.PhaseEnteredAt, err = parseTime(phaseEnteredAt); err != nil {
		return tk, err
	}
	if tk.CreatedAt, err = parseTime(createdAt); err != nil {
		return tk, err
	}
	tk.UpdatedAt, err = parseTime(updatedAt)
	return tk, err
}

func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// CreateTicket inserts tk.
func (s *Store) CreateTicket(ctx context.Context, tk Ticket) error {
	contextJSON, err := marshalNullable(tk.Context, len(tk.Context) == 0)
	if err != nil {
		return err
	}
	artifactsJSON, err := marshalNullable(tk.Artifacts, len(tk.Artifacts) == 0)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tickets(`+ticketColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		tk.ID, tk.Title, nullable(tk.Description), tk.PhaseID, tk.Status, contextJSON, artifactsJSON,
		fmtTime(tk.PhaseEnteredAt), fmtTime(tk.CreatedAt), fmtTime(tk.UpdatedAt))
	return err
}

// GetTicket loads one ticket.
func (s *Store) GetTicket(ctx context.Context, id string) (Ticket, error) {
	return scanTicket(s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
}

// ListTickets returns tickets, optionally filtered by status, newest
// first.
func (s *Store) ListTickets(ctx context.Context, status string) ([]Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tk)
	}
	return res, rows.Err()
}

// SetTicketPhase moves a ticket between phases atomically: the update
// applies only if the ticket is still in the expected phase, so
// duplicate progression decisions collapse to one winner.
func (s *Store) SetTicketPhase(ctx context.Context, id, from, to string) error {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET phase_id=?, phase_entered_at=?, updated_at=?
		WHERE id=? AND phase_id=?`, to, now, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetTicketStatus updates the lifecycle status.
func (s *Store) SetTicketStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET status=?, updated_at=? WHERE id=?`,
		status, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeTicketContext applies patch keys over the ticket's context map
// inside a transaction. Existing keys not named in patch survive.
func (s *Store) MergeTicketContext(ctx context.Context, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tk, err := scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
	if err != nil {
		return err
	}
	if tk.Context == nil {
		tk.Context = map[string]any{}
	}
	for k, v := range patch {
		tk.Context[k] = v
	}
	data, err := json.Marshal(tk.Context)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET context_json=?, updated_at=? WHERE id=?`,
		string(data), fmtTime(time.Now()), id); err != nil {
		return err
	}
	return tx.Commit()
}

// AddArtifact appends an artifact to the ticket's record. Duplicate
// names are replaced so re-runs do not accumulate copies.
func (s *Store) AddArtifact(ctx context.Context, id string, a Artifact) error {
	if a.Name == "" {
		return fmt.Errorf("artifact name required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tk, err := scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
	if err != nil {
		return err
	}
	replaced := false
	for i := range tk.Artifacts {
		if tk.Artifacts[i].Name == a.Name {
			tk.Artifacts[i] = a
			replaced = true
			break
		}
	}
	if !replaced {
		tk.Artifacts = append(tk.Artifacts, a)
	}
	data, err := json.Marshal(tk.Artifacts)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET artifacts_json=?, updated_at=? WHERE id=?`,
		string(data), fmtTime(time.Now()), id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListTicketsInPhaseLongerThan returns active tickets whose current
// phase entry predates cutoff, for stuck-ticket detection.
func (s *Store) ListTicketsInPhaseLongerThan(ctx context.Context, cutoff time.Time) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE status=? AND phase_entered_at < ? ORDER BY phase_entered_at ASC`,
		TicketActive, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tk)
	}
	return res, rows.Err()
}
