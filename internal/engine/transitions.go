package engine

import (
	"fmt"

	"escrowline/internal/domain"
)

// Guard violations are rejected before any signature is requested. Each is
// a typed error so callers (CLI, HTTP) can map them without string matching.

type TransitionError struct {
	MilestoneID string
	From        domain.Status
	Op          string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("milestone %s: cannot %s from status %s", e.MilestoneID, e.Op, e.From)
}

type DependencyError struct {
	MilestoneID  string
	DependencyID string
	Status       domain.Status
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("milestone %s: dependency %s not terminal (status %s)", e.MilestoneID, e.DependencyID, e.Status)
}

type RevisionLimitError struct {
	MilestoneID string
	Limit       int
}

func (e RevisionLimitError) Error() string {
	return fmt.Sprintf("milestone %s: revision limit %d reached", e.MilestoneID, e.Limit)
}

type DisputeExistsError struct {
	MilestoneID string
}

func (e DisputeExistsError) Error() string {
	return fmt.Sprintf("milestone %s: unresolved dispute exists", e.MilestoneID)
}

type MilestoneNotFoundError struct {
	MilestoneID string
}

func (e MilestoneNotFoundError) Error() string {
	return fmt.Sprintf("milestone %s not found in session", e.MilestoneID)
}

type DisputeNotFoundError struct {
	DisputeID string
}

func (e DisputeNotFoundError) Error() string {
	return fmt.Sprintf("dispute %s not found or already resolved", e.DisputeID)
}

type ScopeError struct {
	Actor       string
	MilestoneID string
	Reason      string
}

func (e ScopeError) Error() string {
	if e.MilestoneID != "" {
		return fmt.Sprintf("actor %s on milestone %s: %s", e.Actor, e.MilestoneID, e.Reason)
	}
	return fmt.Sprintf("actor %s: %s", e.Actor, e.Reason)
}

// statusResolver reports the effective status of a milestone for dependency
// checks: the durable mirror's status when a record exists, the snapshot's
// otherwise.
type statusResolver func(milestoneID string) domain.Status

// The transition functions below are pure: they mutate only the snapshot
// copy they are given and perform no I/O, so the state machine is directly
// unit-testable.

func applySubmit(snap *domain.Snapshot, milestoneID, proofHash, now string, effective statusResolver) error {
	m := snap.Milestone(milestoneID)
	if m == nil {
		return MilestoneNotFoundError{MilestoneID: milestoneID}
	}
	if d := snap.OpenDispute(milestoneID); d != nil {
		return DisputeExistsError{MilestoneID: milestoneID}
	}
	if m.Status != domain.StatusPending && m.Status != domain.StatusUnderRevision {
		return TransitionError{MilestoneID: milestoneID, From: m.Status, Op: "submit"}
	}
	for _, dep := range m.Dependencies {
		if st := effective(dep); !st.Terminal() {
			return DependencyError{MilestoneID: milestoneID, DependencyID: dep, Status: st}
		}
	}
	m.Status = domain.StatusSubmitted
	m.WorkProofHash = &proofHash
	m.SubmittedAt = &now
	return nil
}

func applyApprove(snap *domain.Snapshot, milestoneID string) error {
	m := snap.Milestone(milestoneID)
	if m == nil {
		return MilestoneNotFoundError{MilestoneID: milestoneID}
	}
	if d := snap.OpenDispute(milestoneID); d != nil {
		return DisputeExistsError{MilestoneID: milestoneID}
	}
	if m.Status != domain.StatusSubmitted {
		return TransitionError{MilestoneID: milestoneID, From: m.Status, Op: "approve"}
	}
	if m.Approvals == nil {
		m.Approvals = map[domain.Role]bool{}
	}
	// Client approval alone is sufficient in this design.
	m.Approvals[domain.RoleClient] = true
	m.Status = domain.StatusApproved
	return nil
}

func applyRequestRevision(snap *domain.Snapshot, milestoneID, feedback string) error {
	m := snap.Milestone(milestoneID)
	if m == nil {
		return MilestoneNotFoundError{MilestoneID: milestoneID}
	}
	if d := snap.OpenDispute(milestoneID); d != nil {
		return DisputeExistsError{MilestoneID: milestoneID}
	}
	if m.Status != domain.StatusSubmitted {
		return TransitionError{MilestoneID: milestoneID, From: m.Status, Op: "request_revision"}
	}
	if m.RevisionCount >= m.RevisionLimit {
		return RevisionLimitError{MilestoneID: milestoneID, Limit: m.RevisionLimit}
	}
	m.Status = domain.StatusUnderRevision
	m.RevisionCount++
	m.Feedback = &feedback
	return nil
}

func applyRaiseDispute(snap *domain.Snapshot, d domain.Dispute) error {
	m := snap.Milestone(d.MilestoneID)
	if m == nil {
		return MilestoneNotFoundError{MilestoneID: d.MilestoneID}
	}
	if existing := snap.OpenDispute(d.MilestoneID); existing != nil {
		return DisputeExistsError{MilestoneID: d.MilestoneID}
	}
	switch m.Status {
	case domain.StatusPending, domain.StatusSubmitted, domain.StatusUnderRevision:
	default:
		return TransitionError{MilestoneID: d.MilestoneID, From: m.Status, Op: "raise_dispute"}
	}
	d.Status = domain.DisputePending
	d.PriorStatus = m.Status
	m.Status = domain.StatusDisputed
	snap.Disputes = append(snap.Disputes, d)
	return nil
}

func applyResolveDispute(snap *domain.Snapshot, disputeID string, resolution domain.Resolution, now string) error {
	d := snap.Dispute(disputeID)
	if d == nil || d.Status != domain.DisputePending {
		return DisputeNotFoundError{DisputeID: disputeID}
	}
	m := snap.Milestone(d.MilestoneID)
	if m == nil {
		return MilestoneNotFoundError{MilestoneID: d.MilestoneID}
	}
	switch resolution {
	case domain.ResolutionClient:
		m.Status = domain.StatusCancelled
	case domain.ResolutionWorker, domain.ResolutionSplit:
		m.Status = domain.StatusApproved
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	res := resolution
	d.Resolution = &res
	d.Status = domain.DisputeResolved
	d.ResolvedAt = &now
	return nil
}

func applyCancelDispute(snap *domain.Snapshot, disputeID, now string) error {
	d := snap.Dispute(disputeID)
	if d == nil || d.Status != domain.DisputePending {
		return DisputeNotFoundError{DisputeID: disputeID}
	}
	m := snap.Milestone(d.MilestoneID)
	if m == nil {
		return MilestoneNotFoundError{MilestoneID: d.MilestoneID}
	}
	m.Status = d.PriorStatus
	d.Status = domain.DisputeResolved
	d.ResolvedAt = &now
	return nil
}

// ensureAcyclicDependencies rejects self-references and cycles in the
// milestone dependency graph at session creation.
func ensureAcyclicDependencies(milestones []domain.Milestone) error {
	adj := make(map[string][]string, len(milestones))
	known := make(map[string]bool, len(milestones))
	for _, m := range milestones {
		known[m.ID] = true
	}
	for _, m := range milestones {
		for _, dep := range m.Dependencies {
			if dep == m.ID {
				return fmt.Errorf("milestone %s depends on itself", m.ID)
			}
			if !known[dep] {
				return fmt.Errorf("milestone %s depends on unknown milestone %s", m.ID, dep)
			}
			adj[m.ID] = append(adj[m.ID], dep)
		}
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("milestone dependency cycle through %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range adj[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, m := range milestones {
		if err := visit(m.ID); err != nil {
			return err
		}
	}
	return nil
}
