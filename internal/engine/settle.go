package engine

import (
	"context"
	"errors"
	"fmt"

	"escrowline/internal/chain"
	"escrowline/internal/domain"
	"escrowline/internal/oplog"
	"escrowline/internal/repo"
)

func chainSettleParams(projectID string, r domain.SettlementReceipt, auditSessionID string) chain.SettleParams {
	return chain.SettleParams{
		ProjectID:      projectID,
		ApprovedIDs:    r.ApprovedIDs,
		CancelledIDs:   r.CancelledIDs,
		AuditSessionID: auditSessionID,
		AttachedFee:    r.PlatformFee,
	}
}

// ErrAlreadySettled is returned when settlement is requested for a project
// whose record is already terminal.
var ErrAlreadySettled = errors.New("project already settled")

// RefreshMirror folds externally-recorded dispute resolutions into the
// per-milestone mirror. The admin dispute flow writes to the dispute table
// directly, without producing an off-chain session operation, so the mirror
// must be reconciled from it before any dependency check or settlement.
func (e Engine) RefreshMirror(ctx context.Context, projectID string) error {
	projectID = repo.Key(projectID)
	disputes, err := e.Repo.ListMirrorDisputes(ctx, projectID)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	for _, d := range disputes {
		implied := domain.StatusFromMirrorDispute(d.State)
		if implied == "" {
			continue
		}
		rec, err := e.Repo.GetMirror(ctx, projectID, d.MilestoneID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		// Never downgrade a milestone the chain already paid out.
		if err == nil && rec.Status == domain.StatusPaid {
			continue
		}
		if err == nil && rec.Status == implied {
			continue
		}
		next := domain.MirrorRecord{
			ProjectID:   projectID,
			MilestoneID: d.MilestoneID,
			Status:      implied,
			UpdatedAt:   now,
		}
		if err == nil {
			next.WorkProofHash = rec.WorkProofHash
			next.Feedback = rec.Feedback
			next.RevisionCount = rec.RevisionCount
		}
		if err := e.Repo.UpsertMirror(ctx, nil, next); err != nil {
			return err
		}
	}
	return nil
}

// Settle reconciles every milestone across the on-chain contract, the
// durable mirror and the off-chain session, then executes one batch
// settlement transaction covering all matured milestones.
//
// Effective status precedence per milestone: the on-chain status when it is
// already terminal (paid or cancelled on the contract means the transfer
// happened, skip it); otherwise the mirror status; otherwise the session
// snapshot as a last resort. Milestones that are not yet approved or
// cancelled under that precedence stay out of the batch and can be settled
// by a later call.
func (e Engine) Settle(ctx context.Context, projectID string) (domain.SettlementReceipt, error) {
	var receipt domain.SettlementReceipt
	s, err := e.Repo.GetSession(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return receipt, ErrNoSession
	}
	if err != nil {
		return receipt, err
	}
	if p, err := e.Repo.GetProject(ctx, s.ProjectID); err == nil && p.Status == "settled" {
		return receipt, ErrAlreadySettled
	}

	if err := e.RefreshMirror(ctx, s.ProjectID); err != nil {
		return receipt, fmt.Errorf("refresh mirror: %w", err)
	}
	mirror, err := e.Repo.ListMirror(ctx, s.ProjectID)
	if err != nil {
		return receipt, err
	}
	onchain := map[string]domain.Status{}
	if chainMilestones, err := e.Escrow.Milestones(ctx, s.ProjectID); err == nil {
		for _, cm := range chainMilestones {
			if st, err := cm.CanonicalStatus(); err == nil {
				onchain[cm.ID] = st
			}
		}
	} else {
		return receipt, fmt.Errorf("read on-chain milestones: %w", err)
	}

	client := s.Client()
	receipt = domain.SettlementReceipt{
		ProjectID:    s.ProjectID,
		ApprovedIDs:  []string{},
		CancelledIDs: []string{},
		Payments:     []domain.PaymentDetail{},
	}
	var totalValue int64
	pendingLeft := false
	for i := range s.Snapshot.Milestones {
		m := &s.Snapshot.Milestones[i]
		totalValue += m.Amount

		if st, ok := onchain[m.ID]; ok && (st == domain.StatusPaid || st == domain.StatusCancelled) {
			continue
		}
		effective := m.Status
		if rec, ok := mirror[m.ID]; ok {
			effective = rec.Status
		}
		switch effective {
		case domain.StatusApproved, domain.StatusPaid:
			receipt.ApprovedIDs = append(receipt.ApprovedIDs, m.ID)
			receipt.TotalToWorkers += m.Amount
			receipt.Payments = append(receipt.Payments, domain.PaymentDetail{
				MilestoneID: m.ID,
				Recipient:   m.Worker,
				Amount:      m.Amount,
				Kind:        "payout",
			})
		case domain.StatusCancelled:
			receipt.CancelledIDs = append(receipt.CancelledIDs, m.ID)
			receipt.TotalToClient += m.Amount
			receipt.Payments = append(receipt.Payments, domain.PaymentDetail{
				MilestoneID: m.ID,
				Recipient:   client,
				Amount:      m.Amount,
				Kind:        "refund",
			})
		default:
			pendingLeft = true
		}
	}

	// The platform fee is attached by the client on top of the batch call,
	// not deducted from worker payouts. Integer truncation only.
	feePermille := int64(25)
	if e.Config != nil && e.Config.Settlement.FeePermille > 0 {
		feePermille = int64(e.Config.Settlement.FeePermille)
	}
	receipt.PlatformFee = receipt.TotalToWorkers * feePermille / 1000

	if len(receipt.ApprovedIDs) > 0 || len(receipt.CancelledIDs) > 0 {
		audit := s.SessionID
		if s.RemoteSessionID != nil {
			audit = *s.RemoteSessionID
		}
		txHash, err := e.Escrow.BatchSettle(ctx, chainSettleParams(s.ProjectID, receipt, audit))
		if err != nil {
			e.logFailed(ctx, s.ProjectID, "session.settle", "", "", "", err)
			return domain.SettlementReceipt{}, fmt.Errorf("batch settle: %w", err)
		}
		receipt.TransactionHash = txHash
	}
	receipt.SettledAt = e.nowRFC3339()

	if err := e.commitSettlement(ctx, s, receipt, totalValue, pendingLeft); err != nil {
		return domain.SettlementReceipt{}, err
	}
	// A partial settlement leaves the session open for the remaining
	// milestones, so the ledger session must stay alive too.
	if !pendingLeft {
		_ = e.CloseSession(ctx, s.ProjectID, "settled")
	}
	return receipt, nil
}

// commitSettlement persists the post-settlement state in one transaction:
// terminal mirror statuses, shifted allocations, the closed session, the
// project record and the audit log entry.
func (e Engine) commitSettlement(ctx context.Context, s domain.Session, receipt domain.SettlementReceipt, totalValue int64, pendingLeft bool) error {
	now := receipt.SettledAt
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	client := s.Client()
	for _, id := range receipt.ApprovedIDs {
		m := s.Snapshot.Milestone(id)
		if m == nil {
			continue
		}
		m.Status = domain.StatusPaid
		if err := e.Repo.UpsertMirror(ctx, tx, domain.MirrorRecord{
			ProjectID: s.ProjectID, MilestoneID: id, Status: domain.StatusPaid,
			WorkProofHash: m.WorkProofHash, Feedback: m.Feedback, RevisionCount: m.RevisionCount,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		if totalValue > 0 {
			share := int(100 * m.Amount / totalValue)
			s.Allocations[m.Worker] += share
			s.Allocations[client] -= share
		}
	}
	for _, id := range receipt.CancelledIDs {
		rec := domain.MirrorRecord{
			ProjectID: s.ProjectID, MilestoneID: id, Status: domain.StatusCancelled, UpdatedAt: now,
		}
		if m := s.Snapshot.Milestone(id); m != nil {
			m.Status = domain.StatusCancelled
			rec.WorkProofHash = m.WorkProofHash
			rec.Feedback = m.Feedback
			rec.RevisionCount = m.RevisionCount
		}
		if err := e.Repo.UpsertMirror(ctx, tx, rec); err != nil {
			return err
		}
	}

	if !pendingLeft {
		s.Closed = true
		if err := e.Repo.SetProjectStatus(ctx, tx, s.ProjectID, "settled"); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	s.UpdatedAt = now
	if err := e.Repo.PutSession(ctx, tx, s); err != nil {
		return err
	}

	if _, err := e.Log.Append(ctx, tx, oplog.Entry{
		ProjectID:        s.ProjectID,
		Type:             "session.settle",
		Status:           string(domain.OpSuccess),
		ResultingVersion: s.StateVersion,
		Signer:           client,
		ProofID:          receipt.TransactionHash,
		Payload: oplog.Payload{
			"transaction_hash": receipt.TransactionHash,
			"approved_ids":     receipt.ApprovedIDs,
			"cancelled_ids":    receipt.CancelledIDs,
			"total_to_workers": receipt.TotalToWorkers,
			"total_to_client":  receipt.TotalToClient,
			"platform_fee":     receipt.PlatformFee,
		},
	}); err != nil {
		return err
	}
	return tx.Commit()
}
