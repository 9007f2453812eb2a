package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

// UpsertMirror writes a milestone's durable mirror record. The mirror is the
// tie-breaking source of truth read by dependency checks and settlement.
func (r Repo) UpsertMirror(ctx context.Context, tx *sql.Tx, m domain.MirrorRecord) error {
	_, err := r.exec(tx)(ctx, `INSERT INTO milestone_mirror(project_id,milestone_id,status,work_proof_hash,feedback,revision_count,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,milestone_id) DO UPDATE SET
  status=excluded.status,
  work_proof_hash=excluded.work_proof_hash,
  feedback=excluded.feedback,
  revision_count=excluded.revision_count,
  updated_at=excluded.updated_at`,
		Key(m.ProjectID), m.MilestoneID, string(m.Status), nullableStringPtr(m.WorkProofHash), nullableStringPtr(m.Feedback), m.RevisionCount, m.UpdatedAt)
	return err
}

func (r Repo) GetMirror(ctx context.Context, projectID, milestoneID string) (domain.MirrorRecord, error) {
	var m domain.MirrorRecord
	var proof, feedback sql.NullString
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,milestone_id,status,work_proof_hash,feedback,revision_count,updated_at
FROM milestone_mirror WHERE project_id=? AND milestone_id=?`, Key(projectID), milestoneID).
		Scan(&m.ProjectID, &m.MilestoneID, &status, &proof, &feedback, &m.RevisionCount, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.Status(status)
	if proof.Valid {
		m.WorkProofHash = &proof.String
	}
	if feedback.Valid {
		m.Feedback = &feedback.String
	}
	return m, nil
}

// ListMirror returns all mirror records for a project keyed by milestone id.
func (r Repo) ListMirror(ctx context.Context, projectID string) (map[string]domain.MirrorRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,milestone_id,status,work_proof_hash,feedback,revision_count,updated_at
FROM milestone_mirror WHERE project_id=?`, Key(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.MirrorRecord{}
	for rows.Next() {
		var m domain.MirrorRecord
		var proof, feedback sql.NullString
		var status string
		if err := rows.Scan(&m.ProjectID, &m.MilestoneID, &status, &proof, &feedback, &m.RevisionCount, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Status = domain.Status(status)
		if proof.Valid {
			m.WorkProofHash = &proof.String
		}
		if feedback.Valid {
			m.Feedback = &feedback.String
		}
		res[m.MilestoneID] = m
	}
	return res, rows.Err()
}

// MirrorDispute is a row in the external dispute table. The admin
// resolution flow writes here without touching the off-chain session.
type MirrorDispute struct {
	ProjectID   string  `json:"project_id"`
	MilestoneID string  `json:"milestone_id"`
	DisputeID   string  `json:"dispute_id"`
	Type        string  `json:"type,omitempty"`
	RaisedBy    string  `json:"raised_by,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	State       string  `json:"state"`
	CreatedAt   string  `json:"created_at"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

func (r Repo) UpsertMirrorDispute(ctx context.Context, tx *sql.Tx, d MirrorDispute) error {
	_, err := r.exec(tx)(ctx, `INSERT INTO mirror_disputes(project_id,milestone_id,dispute_id,type,raised_by,reason,state,created_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,milestone_id,dispute_id) DO UPDATE SET
  state=excluded.state,
  resolved_at=excluded.resolved_at`,
		Key(d.ProjectID), d.MilestoneID, d.DisputeID, nullable(d.Type), nullable(d.RaisedBy), nullable(d.Reason), d.State, d.CreatedAt, nullableStringPtr(d.ResolvedAt))
	return err
}

func (r Repo) ListMirrorDisputes(ctx context.Context, projectID string) ([]MirrorDispute, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,milestone_id,dispute_id,COALESCE(type,''),COALESCE(raised_by,''),COALESCE(reason,''),state,created_at,resolved_at
FROM mirror_disputes WHERE project_id=? ORDER BY created_at ASC`, Key(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MirrorDispute
	for rows.Next() {
		var d MirrorDispute
		var resolved sql.NullString
		if err := rows.Scan(&d.ProjectID, &d.MilestoneID, &d.DisputeID, &d.Type, &d.RaisedBy, &d.Reason, &d.State, &d.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		if resolved.Valid {
			d.ResolvedAt = &resolved.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ResolveMirrorDispute records an externally-applied resolution and mirrors
// the implied milestone status, all in one transaction.
func (r Repo) ResolveMirrorDispute(ctx context.Context, projectID, milestoneID, disputeID, state, now string) error {
	implied := domain.StatusFromMirrorDispute(state)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE mirror_disputes SET state=?, resolved_at=? WHERE project_id=? AND milestone_id=? AND dispute_id=?`,
		state, now, Key(projectID), milestoneID, disputeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if implied != "" {
		rec := domain.MirrorRecord{
			ProjectID:   projectID,
			MilestoneID: milestoneID,
			Status:      implied,
			UpdatedAt:   now,
		}
		if existing, err := r.GetMirror(ctx, projectID, milestoneID); err == nil {
			rec.WorkProofHash = existing.WorkProofHash
			rec.Feedback = existing.Feedback
			rec.RevisionCount = existing.RevisionCount
		}
		if err := r.UpsertMirror(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}
