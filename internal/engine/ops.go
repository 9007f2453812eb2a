package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/ledger"
	"escrowline/internal/oplog"
	"escrowline/internal/repo"
)

// operation describes one milestone state change running through the signed
// protocol: guard and apply the transition on a snapshot copy, then submit
// the proposed version to the ledger before anything is persisted.
type operation struct {
	Type        string
	MilestoneID string
	DisputeID   string
	Payload     oplog.Payload
	Apply       func(s domain.Session, snap *domain.Snapshot, now string) error
	// Mirror runs in the commit transaction after the ledger ack, for
	// side tables that track the milestone beyond the session snapshot.
	Mirror func(ctx context.Context, tx *sql.Tx, s domain.Session, now string) error
}

// SubmitWork marks a milestone as submitted with the given work proof hash.
// All declared dependencies must already be terminal.
func (e Engine) SubmitWork(ctx context.Context, projectID, milestoneID, actor, proofHash string) (domain.Session, error) {
	return e.applySigned(ctx, projectID, operation{
		Type:        "milestone.submit",
		MilestoneID: milestoneID,
		Payload:     oplog.Payload{"work_proof_hash": proofHash, "actor": actor},
		Apply: func(s domain.Session, snap *domain.Snapshot, now string) error {
			if err := requireScope(s, milestoneID, actor, domain.RoleWorker); err != nil {
				return err
			}
			return applySubmit(snap, milestoneID, proofHash, now, e.mirrorResolver(ctx, s.ProjectID, snap))
		},
		Mirror: e.mirrorStatus(milestoneID, domain.StatusSubmitted),
	})
}

// ApproveMilestone records the client's approval of submitted work.
func (e Engine) ApproveMilestone(ctx context.Context, projectID, milestoneID, actor string) (domain.Session, error) {
	return e.applySigned(ctx, projectID, operation{
		Type:        "milestone.approve",
		MilestoneID: milestoneID,
		Payload:     oplog.Payload{"actor": actor},
		Apply: func(s domain.Session, snap *domain.Snapshot, now string) error {
			if err := requireScope(s, milestoneID, actor, domain.RoleClient); err != nil {
				return err
			}
			return applyApprove(snap, milestoneID)
		},
		Mirror: e.mirrorStatus(milestoneID, domain.StatusApproved),
	})
}

// RequestRevision sends submitted work back to the worker with feedback,
// consuming one revision from the milestone's limit.
func (e Engine) RequestRevision(ctx context.Context, projectID, milestoneID, actor, feedback string) (domain.Session, error) {
	return e.applySigned(ctx, projectID, operation{
		Type:        "milestone.revise",
		MilestoneID: milestoneID,
		Payload:     oplog.Payload{"feedback": feedback, "actor": actor},
		Apply: func(s domain.Session, snap *domain.Snapshot, now string) error {
			if err := requireScope(s, milestoneID, actor, domain.RoleClient); err != nil {
				return err
			}
			return applyRequestRevision(snap, milestoneID, feedback)
		},
		Mirror: e.mirrorStatus(milestoneID, domain.StatusUnderRevision),
	})
}

// RaiseDispute opens a dispute on a non-terminal milestone. Either side may
// raise one; at most one dispute per milestone can be unresolved.
func (e Engine) RaiseDispute(ctx context.Context, projectID, milestoneID, actor, disputeType, reason string) (domain.Session, string, error) {
	disputeID := uuid.New().String()
	s, err := e.applySigned(ctx, projectID, operation{
		Type:        "dispute.raise",
		MilestoneID: milestoneID,
		DisputeID:   disputeID,
		Payload:     oplog.Payload{"reason": reason, "actor": actor, "dispute_type": disputeType},
		Apply: func(s domain.Session, snap *domain.Snapshot, now string) error {
			if err := requireParticipant(s, actor); err != nil {
				return err
			}
			return applyRaiseDispute(snap, domain.Dispute{
				ID:          disputeID,
				MilestoneID: milestoneID,
				Type:        disputeType,
				RaisedBy:    actor,
				Reason:      reason,
				RaisedAt:    now,
			})
		},
		Mirror: func(ctx context.Context, tx *sql.Tx, s domain.Session, now string) error {
			if err := e.Repo.UpsertMirrorDispute(ctx, tx, repo.MirrorDispute{
				ProjectID:   s.ProjectID,
				MilestoneID: milestoneID,
				DisputeID:   disputeID,
				Type:        disputeType,
				RaisedBy:    actor,
				Reason:      reason,
				State:       domain.MirrorDisputePending,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
			return e.mirrorStatus(milestoneID, domain.StatusDisputed)(ctx, tx, s, now)
		},
	})
	if err != nil {
		return s, "", err
	}
	return s, disputeID, nil
}

// ResolveDispute settles an open dispute. A client resolution cancels the
// milestone; worker and split resolutions approve it.
func (e Engine) ResolveDispute(ctx context.Context, projectID, milestoneID, disputeID, actor string, res domain.Resolution) (domain.Session, error) {
	return e.applySigned(ctx, projectID, operation{
		Type:        "dispute.resolve",
		MilestoneID: milestoneID,
		DisputeID:   disputeID,
		Payload:     oplog.Payload{"resolution": string(res), "actor": actor},
		Apply: func(s domain.Session, snap *domain.Snapshot, now string) error {
			if err := requireParticipant(s, actor); err != nil {
				return err
			}
			return applyResolveDispute(snap, disputeID, res, now)
		},
		Mirror: func(ctx context.Context, tx *sql.Tx, s domain.Session, now string) error {
			m := s.Snapshot.Milestone(milestoneID)
			if m == nil {
				return MilestoneNotFoundError{MilestoneID: milestoneID}
			}
			if err := e.Repo.UpsertMirrorDispute(ctx, tx, repo.MirrorDispute{
				ProjectID:   s.ProjectID,
				MilestoneID: milestoneID,
				DisputeID:   disputeID,
				State:       mirrorDisputeState(res),
				CreatedAt:   now,
				ResolvedAt:  &now,
			}); err != nil {
				return err
			}
			return e.mirrorStatus(milestoneID, m.Status)(ctx, tx, s, now)
		},
	})
}

// CancelDispute withdraws an open dispute and restores the milestone to the
// status it held when the dispute was raised.
func (e Engine) CancelDispute(ctx context.Context, projectID, milestoneID, disputeID, actor string) (domain.Session, error) {
	return e.applySigned(ctx, projectID, operation{
		Type:        "dispute.cancel",
		MilestoneID: milestoneID,
		DisputeID:   disputeID,
		Payload:     oplog.Payload{"actor": actor},
		Apply: func(s domain.Session, snap *domain.Snapshot, now string) error {
			if err := requireParticipant(s, actor); err != nil {
				return err
			}
			return applyCancelDispute(snap, disputeID, now)
		},
		Mirror: func(ctx context.Context, tx *sql.Tx, s domain.Session, now string) error {
			m := s.Snapshot.Milestone(milestoneID)
			if m == nil {
				return MilestoneNotFoundError{MilestoneID: milestoneID}
			}
			if err := e.Repo.UpsertMirrorDispute(ctx, tx, repo.MirrorDispute{
				ProjectID:   s.ProjectID,
				MilestoneID: milestoneID,
				DisputeID:   disputeID,
				State:       domain.MirrorDisputeCancelled,
				CreatedAt:   now,
				ResolvedAt:  &now,
			}); err != nil {
				return err
			}
			return e.mirrorStatus(milestoneID, m.Status)(ctx, tx, s, now)
		},
	})
}

// applySigned runs one operation through the whole protocol. Guard failures
// surface as typed errors with no op-log trace; failures after the guards
// pass leave a single failed entry; only a ledger ack of exactly the
// proposed version commits the new state.
func (e Engine) applySigned(ctx context.Context, projectID string, op operation) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, projectID)
	if err != nil {
		if err == repo.ErrNotFound {
			return s, ErrNoSession
		}
		return s, err
	}
	if s.Closed {
		return s, fmt.Errorf("session for %s is closed", projectID)
	}

	now := e.nowRFC3339()
	next := s
	next.Snapshot = s.Snapshot.Clone()
	if err := op.Apply(s, &next.Snapshot, now); err != nil {
		return s, err
	}
	next.StateVersion = s.StateVersion + 1
	next.UpdatedAt = now

	identity, err := e.Gate.EnsureAuthenticated(ctx)
	if err != nil {
		e.logFailed(ctx, s.ProjectID, op.Type, op.MilestoneID, op.DisputeID, "", err)
		return s, err
	}
	signer := identity.Signer.Address()

	remote := s.SessionID
	if s.RemoteSessionID != nil {
		remote = *s.RemoteSessionID
	}
	body := ledger.StateBody{
		Operation:   op.Type,
		MilestoneID: op.MilestoneID,
		DisputeID:   op.DisputeID,
		Snapshot:    next.Snapshot,
	}
	msg, err := ledger.Sign(identity.Signer, ledger.KindStateUpdate, s.ProjectID, remote, next.StateVersion, body)
	if err != nil {
		e.logFailed(ctx, s.ProjectID, op.Type, op.MilestoneID, op.DisputeID, signer, err)
		return s, err
	}
	resp, err := e.Ledger.SendSigned(ctx, msg)
	if err != nil {
		e.logFailed(ctx, s.ProjectID, op.Type, op.MilestoneID, op.DisputeID, signer, err)
		return s, err
	}
	if resp.AcceptedVersion != next.StateVersion {
		err := fmt.Errorf("%w: proposed %d, accepted %d", ErrVersionMismatch, next.StateVersion, resp.AcceptedVersion)
		e.logFailed(ctx, s.ProjectID, op.Type, op.MilestoneID, op.DisputeID, signer, err)
		return s, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.PutSession(ctx, tx, next); err != nil {
		return s, err
	}
	if op.Mirror != nil {
		if err := op.Mirror(ctx, tx, next, now); err != nil {
			return s, err
		}
	}
	if _, err := e.Log.Append(ctx, tx, oplog.Entry{
		ProjectID:        next.ProjectID,
		Type:             op.Type,
		MilestoneID:      op.MilestoneID,
		DisputeID:        op.DisputeID,
		Status:           string(domain.OpSuccess),
		ResultingVersion: next.StateVersion,
		Signer:           signer,
		ProofID:          resp.ProofID,
		GasSaved:         e.Config.GasFor(op.Type),
		Payload:          op.Payload,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return next, nil
}

// mirrorResolver prefers the mirror table's view of a milestone over the
// session snapshot when checking dependency gates.
func (e Engine) mirrorResolver(ctx context.Context, projectID string, snap *domain.Snapshot) statusResolver {
	return func(milestoneID string) domain.Status {
		if rec, err := e.Repo.GetMirror(ctx, projectID, milestoneID); err == nil {
			return rec.Status
		}
		if m := snap.Milestone(milestoneID); m != nil {
			return m.Status
		}
		return ""
	}
}

func (e Engine) mirrorStatus(milestoneID string, status domain.Status) func(ctx context.Context, tx *sql.Tx, s domain.Session, now string) error {
	return func(ctx context.Context, tx *sql.Tx, s domain.Session, now string) error {
		rec := domain.MirrorRecord{
			ProjectID:   s.ProjectID,
			MilestoneID: milestoneID,
			Status:      status,
			UpdatedAt:   now,
		}
		if m := s.Snapshot.Milestone(milestoneID); m != nil {
			rec.WorkProofHash = m.WorkProofHash
			rec.Feedback = m.Feedback
			rec.RevisionCount = m.RevisionCount
		}
		return e.Repo.UpsertMirror(ctx, tx, rec)
	}
}

func requireParticipant(s domain.Session, actor string) error {
	if actor == "" {
		return nil
	}
	for _, p := range s.Participants {
		if strings.EqualFold(p.Address, actor) {
			return nil
		}
	}
	return ScopeError{Actor: actor, Reason: "not a session participant"}
}

// requireScope enforces role and per-milestone scope for an acting address.
// An empty actor means the local wallet acts for itself and is trusted.
func requireScope(s domain.Session, milestoneID, actor string, role domain.Role) error {
	if actor == "" {
		return nil
	}
	for _, p := range s.Participants {
		if !strings.EqualFold(p.Address, actor) {
			continue
		}
		if p.Role != role {
			return ScopeError{Actor: actor, MilestoneID: milestoneID, Reason: fmt.Sprintf("requires role %s", role)}
		}
		if role == domain.RoleWorker && len(p.MilestoneScope) > 0 {
			for _, id := range p.MilestoneScope {
				if id == milestoneID {
					return nil
				}
			}
			return ScopeError{Actor: actor, MilestoneID: milestoneID, Reason: "milestone outside scope"}
		}
		return nil
	}
	return ScopeError{Actor: actor, Reason: "not a session participant"}
}

func mirrorDisputeState(res domain.Resolution) string {
	switch res {
	case domain.ResolutionClient:
		return domain.MirrorDisputeResolvedClient
	case domain.ResolutionSplit:
		return domain.MirrorDisputeResolvedSplit
	default:
		return domain.MirrorDisputeResolvedWorker
	}
}
