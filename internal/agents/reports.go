package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrReportNotFound is returned when acknowledging an unknown report.
var ErrReportNotFound = errors.New("report not found")

const defaultReportLimit = 50

// Report is an entry in the operator's inbox, posted by an agent hook.
type Report struct {
	ID           int64           `json:"id"`
	AgentID      string          `json:"agent_id"`
	AgentName    string          `json:"agent_name"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Summary      string          `json:"summary"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewReport holds the hook-supplied fields for Store.AddReport.
type NewReport struct {
	AgentID   string          `json:"agent_id"`
	AgentName string          `json:"agent_name"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (n NewReport) Validate() error {
	if n.AgentID == "" || n.AgentName == "" || n.Type == "" || n.Title == "" || n.Summary == "" {
		return errors.New("missing required fields: agent_id, agent_name, type, title, summary")
	}
	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

const reportColumns = `id, agent_id, agent_name, type, title, summary, payload, acknowledged, created_at`

func scanReport(row rowScanner) (*Report, error) {
	var r Report
	var payload sql.NullString
	var acked int
	var created string
	if err := row.Scan(&r.ID, &r.AgentID, &r.AgentName, &r.Type, &r.Title, &r.Summary, &payload, &acked, &created); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" && payload.String != "null" {
		r.Payload = json.RawMessage(payload.String)
	}
	r.Acknowledged = acked != 0
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

func (s *Store) AddReport(ctx context.Context, n NewReport) (*Report, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	var payload any
	if len(n.Payload) > 0 && string(n.Payload) != "null" {
		payload = string(n.Payload)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (agent_id, agent_name, type, title, summary, payload, acknowledged, created_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		n.AgentID, n.AgentName, n.Type, n.Title, n.Summary, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inserting report: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if err != nil {
		return nil, fmt.Errorf("loading report %d: %w", id, err)
	}
	return r, nil
}

// ListReports returns the newest reports first. A nil acknowledged returns
// both kinds; limit <= 0 means the default of 50.
func (s *Store) ListReports(ctx context.Context, acknowledged *bool, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = defaultReportLimit
	}
	query := `SELECT ` + reportColumns + ` FROM reports`
	args := []any{}
	if acknowledged != nil {
		query += ` WHERE acknowledged = ?`
		args = append(args, boolInt(*acknowledged))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	out := []*Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UnacknowledgedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE acknowledged = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting reports: %w", err)
	}
	return n, nil
}

func (s *Store) AcknowledgeReport(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("report %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("report %d: %w", id, err)
	}
	if n == 0 {
		return ErrReportNotFound
	}
	return nil
}

// AcknowledgeAllReports marks every pending report read and returns how
// many changed.
func (s *Store) AcknowledgeAllReports(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET acknowledged = 1 WHERE acknowledged = 0`)
	if err != nil {
		return 0, fmt.Errorf("acknowledging reports: %w", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
