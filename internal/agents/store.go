package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	emoji         TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT 'sonnet',
	cwd           TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'worker',
	status        TEXT NOT NULL DEFAULT 'offline',
	notification  TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id     TEXT NOT NULL,
	agent_name   TEXT NOT NULL,
	type         TEXT NOT NULL,
	title        TEXT NOT NULL,
	summary      TEXT NOT NULL,
	payload      TEXT,
	acknowledged INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS reports_acknowledged ON reports (acknowledged);`

const agentColumns = `id, name, display_name, emoji, model, cwd, system_prompt, role, status, notification, created_at`

// Store is the SQLite-backed agent directory.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// SQLite allows one writer; serializing here avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var role, status, notification, created string
	err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Emoji, &a.Model, &a.Cwd,
		&a.SystemPrompt, &role, &status, &notification, &created)
	if err != nil {
		return nil, err
	}
	a.Role = Role(role)
	a.Status = Status(status)
	a.Notification = Notification(notification)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

func (s *Store) Create(ctx context.Context, n NewAgent) (*Agent, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.DisplayName == "" {
		n.DisplayName = n.Name
	}
	if n.Emoji == "" {
		n.Emoji = "🤖"
	}
	if n.Model == "" {
		n.Model = "sonnet"
	}
	if n.Role == "" {
		n.Role = RoleWorker
	}

	id := uuid.NewString()[:8]
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, n.Name, n.DisplayName, n.Emoji, n.Model, n.Cwd, n.SystemPrompt,
		string(n.Role), string(StatusOffline), "", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting agent: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) List(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Patch lists the editable fields; nil fields are left unchanged.
type Patch struct {
	Name         *string `json:"name"`
	DisplayName  *string `json:"display_name"`
	Emoji        *string `json:"emoji"`
	Model        *string `json:"model"`
	Cwd          *string `json:"cwd"`
	SystemPrompt *string `json:"system_prompt"`
	Role         *Role   `json:"role"`
}

func (s *Store) Update(ctx context.Context, id string, p Patch) (*Agent, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&a.Name, p.Name)
	set(&a.DisplayName, p.DisplayName)
	set(&a.Emoji, p.Emoji)
	set(&a.Model, p.Model)
	set(&a.Cwd, p.Cwd)
	set(&a.SystemPrompt, p.SystemPrompt)
	if p.Role != nil {
		a.Role = *p.Role
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, display_name = ?, emoji = ?, model = ?, cwd = ?, system_prompt = ?, role = ? WHERE id = ?`,
		a.Name, a.DisplayName, a.Emoji, a.Model, a.Cwd, a.SystemPrompt, string(a.Role), id)
	if err != nil {
		return nil, fmt.Errorf("updating agent %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, id, `DELETE FROM agents WHERE id = ?`, id)
}

func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.exec(ctx, id, `UPDATE agents SET status = ? WHERE id = ?`, string(status), id)
}

func (s *Store) SetNotification(ctx context.Context, id string, n Notification) error {
	return s.exec(ctx, id, `UPDATE agents SET notification = ? WHERE id = ?`, string(n), id)
}

func (s *Store) ClearNotification(ctx context.Context, id string) error {
	return s.SetNotification(ctx, id, NotifyNone)
}

// ResetStatuses marks every agent offline and clears notifications. It runs
// at startup since no session survives a restart.
func (s *Store) ResetStatuses(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, notification = ''`, string(StatusOffline))
	if err != nil {
		return fmt.Errorf("resetting statuses: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("agent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agent %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
