package server

import (
	"encoding/json"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

// Request payloads

type MilestoneSpecRequest struct {
	ID            string   `json:"id"`
	Worker        string   `json:"worker"`
	Amount        int64    `json:"amount" minimum:"1"`
	RevisionLimit int      `json:"revision_limit,omitempty" minimum:"0"`
	Dependencies  []string `json:"dependencies,omitempty"`
}

type CreateSessionRequest struct {
	ProjectID   string                 `json:"project_id"`
	Client      string                 `json:"client"`
	Workers     []string               `json:"workers,omitempty"`
	Milestones  []MilestoneSpecRequest `json:"milestones"`
	Description string                 `json:"description,omitempty"`
}

type CloseSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SubmitWorkRequest struct {
	WorkProofHash string `json:"work_proof_hash"`
}

type RequestRevisionRequest struct {
	Feedback string `json:"feedback"`
}

type RaiseDisputeRequest struct {
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution" enum:"client,worker,split"`
}

type CreateDeviceKeyRequest struct {
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty" format:"date-time"`
}

type AttachVerificationRequest struct {
	Verification map[string]any `json:"verification"`
}

// Response payloads

type SessionResponse struct {
	SessionID       string               `json:"session_id"`
	ProjectID       string               `json:"project_id"`
	RemoteSessionID *string              `json:"remote_session_id,omitempty"`
	Participants    []domain.Participant `json:"participants"`
	Allocations     map[string]int       `json:"allocations"`
	StateVersion    int64                `json:"state_version"`
	Snapshot        domain.Snapshot      `json:"snapshot"`
	Closed          bool                 `json:"closed"`
	CreatedAt       string               `json:"created_at" format:"date-time"`
	UpdatedAt       string               `json:"updated_at" format:"date-time"`
}

func toSessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		SessionID:       s.SessionID,
		ProjectID:       s.ProjectID,
		RemoteSessionID: s.RemoteSessionID,
		Participants:    s.Participants,
		Allocations:     s.Allocations,
		StateVersion:    s.StateVersion,
		Snapshot:        s.Snapshot,
		Closed:          s.Closed,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

type DisputeRaisedResponse struct {
	DisputeID string          `json:"dispute_id"`
	Session   SessionResponse `json:"session"`
}

type OpLogEntryResponse struct {
	ID               int64           `json:"id"`
	ProjectID        string          `json:"project_id"`
	Type             string          `json:"type"`
	TS               string          `json:"ts" format:"date-time"`
	MilestoneID      *string         `json:"milestone_id,omitempty"`
	DisputeID        *string         `json:"dispute_id,omitempty"`
	Status           string          `json:"status" enum:"pending,success,failed"`
	ResultingVersion int64           `json:"resulting_version"`
	Signer           string          `json:"signer,omitempty"`
	ProofID          string          `json:"proof_id,omitempty"`
	GasSaved         int64           `json:"gas_saved"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	VerifiedAt       *string         `json:"verified_at,omitempty" format:"date-time"`
	Verification     json.RawMessage `json:"verification,omitempty"`
}

func toOpLogResponse(e domain.OpLogEntry) OpLogEntryResponse {
	out := OpLogEntryResponse{
		ID:               e.ID,
		ProjectID:        e.ProjectID,
		Type:             e.Type,
		TS:               e.TS,
		MilestoneID:      e.MilestoneID,
		DisputeID:        e.DisputeID,
		Status:           string(e.Status),
		ResultingVersion: e.ResultingVersion,
		Signer:           e.Signer,
		ProofID:          e.ProofID,
		GasSaved:         e.GasSavedEstimate,
		VerifiedAt:       e.VerifiedAt,
	}
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		out.Payload = json.RawMessage(e.Payload)
	}
	if e.VerificationJSON != nil && json.Valid([]byte(*e.VerificationJSON)) {
		out.Verification = json.RawMessage(*e.VerificationJSON)
	}
	return out
}

type MirrorResponse struct {
	Milestones map[string]domain.MirrorRecord `json:"milestones"`
	Disputes   []repo.MirrorDispute           `json:"disputes,omitempty"`
}

type ProjectStatusResponse struct {
	ProjectID     string `json:"project_id"`
	Status        string `json:"status" enum:"active,settling,settled"`
	StateVersion  int64  `json:"state_version,omitempty"`
	SessionClosed bool   `json:"session_closed,omitempty"`
	GasSaved      int64  `json:"gas_saved"`
}

func specsFromRequest(reqs []MilestoneSpecRequest) []engine.MilestoneSpec {
	specs := make([]engine.MilestoneSpec, 0, len(reqs))
	for _, r := range reqs {
		specs = append(specs, engine.MilestoneSpec{
			ID:            r.ID,
			Worker:        r.Worker,
			Amount:        r.Amount,
			RevisionLimit: r.RevisionLimit,
			Dependencies:  r.Dependencies,
		})
	}
	return specs
}
