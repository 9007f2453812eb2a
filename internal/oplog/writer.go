package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Writer appends operation-log entries. Entries are written inside the same
// transaction as the state change they record, so the log and the session
// snapshot never diverge.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Entry carries the append parameters for one recorded operation.
type Entry struct {
	ProjectID        string
	Type             string
	MilestoneID      string
	DisputeID        string
	Status           string
	ResultingVersion int64
	Signer           string
	ProofID          string
	GasSaved         int64
	Payload          Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal op payload: %w", err)
	}
	exec := tx.ExecContext
	if tx == nil {
		exec = w.DB.ExecContext
	}
	res, err := exec(ctx, `INSERT INTO oplog(project_id,type,ts,milestone_id,dispute_id,status,resulting_version,signer,proof_id,gas_saved,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		strings.ToLower(e.ProjectID), e.Type, ts, nullable(e.MilestoneID), nullable(e.DisputeID), e.Status,
		e.ResultingVersion, nullable(e.Signer), nullable(e.ProofID), e.GasSaved, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
