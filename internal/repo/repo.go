package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Key normalizes a project identifier for storage addressing. The session
// record and the op-log are addressed by the lower-cased project id.
func Key(projectID string) string {
	return strings.ToLower(strings.TrimSpace(projectID))
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.exec(tx)(ctx, `INSERT INTO projects(id,status,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

// exec routes writes through the transaction when one is supplied.
func (r Repo) exec(tx *sql.Tx) func(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext
	}
	return r.DB.ExecContext
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, Key(id)).
		Scan(&p.ID, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetProjectStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.exec(tx)(ctx, `UPDATE projects SET status=? WHERE id=?`, status, Key(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession loads the persisted session for a project.
func (r Repo) GetSession(ctx context.Context, projectID string) (domain.Session, error) {
	var s domain.Session
	var remote sql.NullString
	var participants, allocations, snapshot string
	var closed int
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,session_id,remote_session_id,participants_json,allocations_json,state_version,snapshot_json,closed,created_at,updated_at
FROM sessions WHERE project_id=?`, Key(projectID)).
		Scan(&s.ProjectID, &s.SessionID, &remote, &participants, &allocations, &s.StateVersion, &snapshot, &closed, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if remote.Valid {
		s.RemoteSessionID = &remote.String
	}
	s.Closed = closed != 0
	if err := json.Unmarshal([]byte(participants), &s.Participants); err != nil {
		return s, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(allocations), &s.Allocations); err != nil {
		return s, fmt.Errorf("decode allocations: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &s.Snapshot); err != nil {
		return s, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// PutSession upserts the full session record.
func (r Repo) PutSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	allocations, err := json.Marshal(s.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	snapshot, err := json.Marshal(s.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	closed := 0
	if s.Closed {
		closed = 1
	}
	_, err = r.exec(tx)(ctx, `INSERT INTO sessions(project_id,session_id,remote_session_id,participants_json,allocations_json,state_version,snapshot_json,closed,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET
  remote_session_id=excluded.remote_session_id,
  allocations_json=excluded.allocations_json,
  state_version=excluded.state_version,
  snapshot_json=excluded.snapshot_json,
  closed=excluded.closed,
  updated_at=excluded.updated_at`,
		Key(s.ProjectID), s.SessionID, nullableStringPtr(s.RemoteSessionID), string(participants), string(allocations),
		s.StateVersion, string(snapshot), closed, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) DeleteSession(ctx context.Context, projectID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE project_id=?`, Key(projectID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
