package chain

import (
	"context"

	"escrowline/internal/domain"
)

// Milestone is the contract's view of one escrow milestone.
type Milestone struct {
	ID            string   `json:"id"`
	Worker        string   `json:"worker"`
	Amount        int64    `json:"amount"`
	Deadline      int64    `json:"deadline"`
	RevisionLimit int      `json:"revision_limit"`
	RevisionCount int      `json:"revision_count"`
	Status        int      `json:"status"`
	Dependencies  []string `json:"dependencies,omitempty"`
}

// CanonicalStatus maps the contract enum to the canonical status type.
func (m Milestone) CanonicalStatus() (domain.Status, error) {
	return domain.StatusFromChain(m.Status)
}

// SettleParams drives the single batch settlement transaction.
type SettleParams struct {
	ProjectID      string   `json:"project_id"`
	ApprovedIDs    []string `json:"approved_ids"`
	CancelledIDs   []string `json:"cancelled_ids"`
	AuditSessionID string   `json:"audit_session_id"`
	AttachedFee    int64    `json:"attached_fee"`
}

// Escrow is the on-chain collaborator. The off-chain layer exists to avoid
// its per-milestone operations; only reads and the batch settlement are
// used here.
type Escrow interface {
	Milestones(ctx context.Context, projectID string) ([]Milestone, error)
	BatchSettle(ctx context.Context, params SettleParams) (txHash string, err error)
}
