package domain

// Role of a session participant.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
)

// Status is the canonical milestone lifecycle status. The on-chain enum and
// the mirror's string statuses are mapped to and from this type at the
// boundaries (see status.go); nothing else in the codebase handles the
// external representations directly.
type Status string

const (
	StatusPending       Status = "pending"
	StatusSubmitted     Status = "submitted"
	StatusUnderRevision Status = "under_revision"
	StatusApproved      Status = "approved"
	StatusPaid          Status = "paid"
	StatusDisputed      Status = "disputed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether dependency checks consider a milestone done.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusPaid || s == StatusCancelled
}

type Participant struct {
	Address string `json:"address"`
	Role    Role   `json:"role" enum:"client,worker"`
	// MilestoneScope restricts a worker to a subset of milestone ids.
	// Empty means all milestones.
	MilestoneScope []string `json:"milestone_scope,omitempty"`
}

type Milestone struct {
	ID            string          `json:"id"`
	Worker        string          `json:"worker"`
	Amount        int64           `json:"amount"`
	Status        Status          `json:"status" enum:"pending,submitted,under_revision,approved,paid,disputed,cancelled"`
	WorkProofHash *string         `json:"work_proof_hash,omitempty"`
	SubmittedAt   *string         `json:"submitted_at,omitempty" format:"date-time"`
	Approvals     map[Role]bool   `json:"approvals,omitempty"`
	RevisionCount int             `json:"revision_count"`
	RevisionLimit int             `json:"revision_limit"`
	Feedback      *string         `json:"feedback,omitempty"`
	Dependencies  []string        `json:"dependencies,omitempty"`
}

type DisputeStatus string

const (
	DisputePending  DisputeStatus = "pending"
	DisputeResolved DisputeStatus = "resolved"
)

type Resolution string

const (
	ResolutionClient Resolution = "client"
	ResolutionWorker Resolution = "worker"
	ResolutionSplit  Resolution = "split"
)

type Dispute struct {
	ID          string        `json:"id"`
	MilestoneID string        `json:"milestone_id"`
	Type        string        `json:"type"`
	RaisedBy    string        `json:"raised_by"`
	Reason      string        `json:"reason"`
	Status      DisputeStatus `json:"status" enum:"pending,resolved"`
	Resolution  *Resolution   `json:"resolution,omitempty" enum:"client,worker,split"`
	// PriorStatus is the milestone status held immediately before the
	// dispute was raised, restored on cancellation.
	PriorStatus Status  `json:"prior_status"`
	RaisedAt    string  `json:"raised_at" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Snapshot is the full materialized milestone/dispute state at a version.
type Snapshot struct {
	Milestones []Milestone `json:"milestones"`
	Disputes   []Dispute   `json:"disputes,omitempty"`
}

// Session is one project's off-chain coordination channel.
type Session struct {
	SessionID       string           `json:"session_id"`
	ProjectID       string           `json:"project_id"`
	RemoteSessionID *string          `json:"remote_session_id,omitempty"`
	Participants    []Participant    `json:"participants"`
	Allocations     map[string]int   `json:"allocations"`
	StateVersion    int64            `json:"state_version"`
	Snapshot        Snapshot         `json:"snapshot"`
	Closed          bool             `json:"closed"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	UpdatedAt       string           `json:"updated_at" format:"date-time"`
}

// Milestone returns a pointer into the snapshot, or nil.
func (s *Snapshot) Milestone(id string) *Milestone {
	for i := range s.Milestones {
		if s.Milestones[i].ID == id {
			return &s.Milestones[i]
		}
	}
	return nil
}

// OpenDispute returns the unresolved dispute for a milestone, or nil.
func (s *Snapshot) OpenDispute(milestoneID string) *Dispute {
	for i := range s.Disputes {
		if s.Disputes[i].MilestoneID == milestoneID && s.Disputes[i].Status == DisputePending {
			return &s.Disputes[i]
		}
	}
	return nil
}

// Dispute returns a dispute by id, or nil.
func (s *Snapshot) Dispute(id string) *Dispute {
	for i := range s.Disputes {
		if s.Disputes[i].ID == id {
			return &s.Disputes[i]
		}
	}
	return nil
}

// Clone deep-copies the snapshot so transitions never mutate committed state.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Milestones: make([]Milestone, len(s.Milestones)),
		Disputes:   make([]Dispute, len(s.Disputes)),
	}
	copy(out.Disputes, s.Disputes)
	for i, m := range s.Milestones {
		c := m
		if m.WorkProofHash != nil {
			v := *m.WorkProofHash
			c.WorkProofHash = &v
		}
		if m.SubmittedAt != nil {
			v := *m.SubmittedAt
			c.SubmittedAt = &v
		}
		if m.Feedback != nil {
			v := *m.Feedback
			c.Feedback = &v
		}
		if m.Approvals != nil {
			c.Approvals = make(map[Role]bool, len(m.Approvals))
			for k, v := range m.Approvals {
				c.Approvals[k] = v
			}
		}
		if m.Dependencies != nil {
			c.Dependencies = append([]string(nil), m.Dependencies...)
		}
		out.Milestones[i] = c
	}
	for i, d := range s.Disputes {
		if d.Resolution != nil {
			v := *d.Resolution
			out.Disputes[i].Resolution = &v
		}
		if d.ResolvedAt != nil {
			v := *d.ResolvedAt
			out.Disputes[i].ResolvedAt = &v
		}
	}
	return out
}

// Client returns the client participant's address.
func (s Session) Client() string {
	for _, p := range s.Participants {
		if p.Role == RoleClient {
			return p.Address
		}
	}
	return ""
}

// OpStatus is the state of an operation-log entry.
type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpSuccess OpStatus = "success"
	OpFailed  OpStatus = "failed"
)

// OpLogEntry is an immutable record of an off-chain operation. After a
// success/failed status is recorded the entry only changes to attach
// verification metadata that arrives asynchronously.
type OpLogEntry struct {
	ID               int64    `json:"id"`
	ProjectID        string   `json:"project_id"`
	Type             string   `json:"type"`
	TS               string   `json:"ts" format:"date-time"`
	MilestoneID      *string  `json:"milestone_id,omitempty"`
	DisputeID        *string  `json:"dispute_id,omitempty"`
	Status           OpStatus `json:"status" enum:"pending,success,failed"`
	ResultingVersion int64    `json:"resulting_version"`
	Signer           string   `json:"signer,omitempty"`
	ProofID          string   `json:"proof_id,omitempty"`
	GasSavedEstimate int64    `json:"gas_saved_estimate"`
	Payload          string   `json:"payload_json,omitempty"`
	VerifiedAt       *string  `json:"verified_at,omitempty" format:"date-time"`
	VerificationJSON *string  `json:"verification_json,omitempty"`
}

// MirrorRecord is the durable mirror's per-milestone row, the tie-breaking
// source of truth consulted by dependency checks and settlement.
type MirrorRecord struct {
	ProjectID     string  `json:"project_id"`
	MilestoneID   string  `json:"milestone_id"`
	Status        Status  `json:"status"`
	WorkProofHash *string `json:"work_proof_hash,omitempty"`
	Feedback      *string `json:"feedback,omitempty"`
	RevisionCount int     `json:"revision_count"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// PaymentDetail is one leg of the settlement batch.
type PaymentDetail struct {
	MilestoneID string `json:"milestone_id"`
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	Kind        string `json:"kind" enum:"payout,refund"`
}

// SettlementReceipt is the structured result of a settle() call.
type SettlementReceipt struct {
	ProjectID       string          `json:"project_id"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	ApprovedIDs     []string        `json:"approved_ids"`
	CancelledIDs    []string        `json:"cancelled_ids"`
	Payments        []PaymentDetail `json:"payments"`
	TotalToWorkers  int64           `json:"total_to_workers"`
	TotalToClient   int64           `json:"total_to_client"`
	PlatformFee     int64           `json:"platform_fee"`
	SettledAt       string          `json:"settled_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status" enum:"active,settling,settled"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// DeviceKey is a registered per-device signing identity bound to a wallet.
type DeviceKey struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}
