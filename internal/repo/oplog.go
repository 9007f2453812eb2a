package repo

import (
	"context"
	"database/sql"
	"strings"

	"escrowline/internal/domain"
)

type OpLogFilters struct {
	ProjectID   string
	Type        string
	MilestoneID string
	Status      string
	Limit       int
	Cursor      int64
}

// ListOpLog returns op-log entries newest first.
func (r Repo) ListOpLog(ctx context.Context, f OpLogFilters) ([]domain.OpLogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, Key(f.ProjectID))
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.MilestoneID != "" {
		clauses = append(clauses, "milestone_id=?")
		args = append(args, f.MilestoneID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,project_id,type,ts,milestone_id,dispute_id,status,resulting_version,signer,proof_id,gas_saved,payload_json,verified_at,verification_json
FROM oplog WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryOpLog(ctx, query, args...)
}

// OpLogAfter returns entries with IDs greater than the cursor, ascending.
func (r Repo) OpLogAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.OpLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, Key(projectID))
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,project_id,type,ts,milestone_id,dispute_id,status,resulting_version,signer,proof_id,gas_saved,payload_json,verified_at,verification_json
FROM oplog WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryOpLog(ctx, query, args...)
}

// LatestOpLogID returns the most recent op-log ID for a project.
func (r Repo) LatestOpLogID(ctx context.Context, projectID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM oplog WHERE project_id=?`, Key(projectID)).Scan(&id)
	return id, err
}

// GasSavedTotal sums the gas-saved estimates of successful operations.
func (r Repo) GasSavedTotal(ctx context.Context, projectID string) (int64, error) {
	var total int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(gas_saved),0) FROM oplog WHERE project_id=? AND status='success'`, Key(projectID)).Scan(&total)
	return total, err
}

// AttachVerification annotates a finalized entry with verification metadata.
// The original record fields are never rewritten.
func (r Repo) AttachVerification(ctx context.Context, id int64, verifiedAt, verificationJSON string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE oplog SET verified_at=?, verification_json=? WHERE id=? AND status IN ('success','failed')`,
		verifiedAt, nullable(verificationJSON), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) queryOpLog(ctx context.Context, query string, args ...any) ([]domain.OpLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OpLogEntry
	for rows.Next() {
		var e domain.OpLogEntry
		var milestoneID, disputeID, signer, proofID, payload, verifiedAt, verification sql.NullString
		var status string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Type, &e.TS, &milestoneID, &disputeID, &status, &e.ResultingVersion,
			&signer, &proofID, &e.GasSavedEstimate, &payload, &verifiedAt, &verification); err != nil {
			return nil, err
		}
		e.Status = domain.OpStatus(status)
		if milestoneID.Valid {
			e.MilestoneID = &milestoneID.String
		}
		if disputeID.Valid {
			e.DisputeID = &disputeID.String
		}
		if signer.Valid {
			e.Signer = signer.String
		}
		if proofID.Valid {
			e.ProofID = proofID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		if verifiedAt.Valid {
			e.VerifiedAt = &verifiedAt.String
		}
		if verification.Valid {
			e.VerificationJSON = &verification.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
