package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"escrowline/internal/chain"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/ledger"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
)

type fakeSigner struct {
	addr    string
	decline bool
}

func (f *fakeSigner) Address() string { return f.addr }

func (f *fakeSigner) SignHash(digest []byte) ([]byte, error) {
	if f.decline {
		return nil, ledger.ErrSignatureDeclined
	}
	return append([]byte("sig:"), digest...), nil
}

type fakeWallet struct{ signer *fakeSigner }

func (f fakeWallet) Current(ctx context.Context) (ledger.Signer, error) { return f.signer, nil }

type fakeLedger struct {
	connected bool
	sent      []ledger.SignedMessage
	authCalls int
	sendErr   error
}

func (f *fakeLedger) Connected() bool { return f.connected }

func (f *fakeLedger) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeLedger) Authenticate(ctx context.Context, signer ledger.Signer) (ledger.AuthResult, error) {
	f.authCalls++
	return ledger.AuthResult{
		Address:    signer.Address(),
		SigningKey: "key-1",
		ExpiresAt:  "2031-01-01T00:00:00Z",
	}, nil
}

func (f *fakeLedger) SendSigned(ctx context.Context, msg ledger.SignedMessage) (ledger.Response, error) {
	if f.sendErr != nil {
		return ledger.Response{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	resp := ledger.Response{OK: true, AcceptedVersion: msg.Version, ProofID: fmt.Sprintf("proof-%d", len(f.sent))}
	if msg.Kind == ledger.KindSessionCreate {
		resp.RemoteSessionID = "remote-1"
	}
	return resp, nil
}

func (f *fakeLedger) SendRPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

type fakeEscrow struct {
	milestones []chain.Milestone
	settled    []chain.SettleParams
	err        error
}

func (f *fakeEscrow) Milestones(ctx context.Context, projectID string) ([]chain.Milestone, error) {
	return f.milestones, nil
}

func (f *fakeEscrow) BatchSettle(ctx context.Context, p chain.SettleParams) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.settled = append(f.settled, p)
	return "0xsettle", nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Signer *fakeSigner
	Ledger *fakeLedger
	Escrow *fakeEscrow
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	signer := &fakeSigner{addr: "0xClient"}
	transport := &fakeLedger{}
	escrow := &fakeEscrow{}
	gate := &auth.Gate{Transport: transport, Wallet: fakeWallet{signer: signer}, Now: now}
	eng := engine.New(conn, config.Default("proj-1"), gate, transport, escrow)
	eng.Now = now
	return testEnv{Engine: eng, Ctx: context.Background(), Signer: signer, Ledger: transport, Escrow: escrow}
}

func (env testEnv) createSession(t *testing.T, specs ...engine.MilestoneSpec) domain.Session {
	t.Helper()
	if len(specs) == 0 {
		specs = []engine.MilestoneSpec{{ID: "m1", Worker: "0xWorker", Amount: 1000}}
	}
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectID:  "Proj-1",
		Client:     "0xClient",
		Milestones: specs,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (env testEnv) closeSends() int {
	n := 0
	for _, msg := range env.Ledger.sent {
		if msg.Kind == ledger.KindSessionClose {
			n++
		}
	}
	return n
}

func (env testEnv) logEntries(t *testing.T, status string) []domain.OpLogEntry {
	t.Helper()
	entries, err := env.Engine.Repo.ListOpLog(env.Ctx, repo.OpLogFilters{ProjectID: "proj-1", Status: status})
	if err != nil {
		t.Fatalf("list oplog: %v", err)
	}
	return entries
}

func TestCreateSessionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.createSession(t)
	if s1.StateVersion != 1 {
		t.Fatalf("fresh session version = %d, want 1", s1.StateVersion)
	}
	if s1.ProjectID != "proj-1" {
		t.Fatalf("project id not lower-cased: %q", s1.ProjectID)
	}
	if s1.RemoteSessionID == nil || *s1.RemoteSessionID != "remote-1" {
		t.Fatalf("missing remote session handle")
	}
	if s1.Allocations["0xClient"] != 100 {
		t.Fatalf("initial allocation to client = %d, want 100", s1.Allocations["0xClient"])
	}

	sends := len(env.Ledger.sent)
	s2, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectID: "PROJ-1",
		Client:    "0xClient",
		Milestones: []engine.MilestoneSpec{
			{ID: "other", Worker: "0xOther", Amount: 5},
		},
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if s2.SessionID != s1.SessionID || s2.StateVersion != s1.StateVersion {
		t.Fatalf("second create did not reuse existing session")
	}
	if len(env.Ledger.sent) != sends {
		t.Fatalf("idempotent create must not re-contact the ledger")
	}
}

func TestWorkerDeduplicationPreservesCasing(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectID: "proj-1",
		Client:    "0xClient",
		Workers:   []string{"0xAbCd", "0xABCD", "0xabcd"},
		Milestones: []engine.MilestoneSpec{
			{ID: "m1", Worker: "0xAbCd", Amount: 100},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(s.Participants) != 2 {
		t.Fatalf("participants = %d, want client + one worker", len(s.Participants))
	}
	if s.Participants[1].Address != "0xAbCd" {
		t.Fatalf("worker casing not preserved: %q", s.Participants[1].Address)
	}
}

func TestVersionMonotonicity(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	s, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "sha256:proof")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if s.StateVersion != 2 {
		t.Fatalf("after submit version = %d, want 2", s.StateVersion)
	}
	s, err = env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if s.StateVersion != 3 {
		t.Fatalf("after approve version = %d, want 3", s.StateVersion)
	}
	// Every state.update message carries exactly version+1.
	var versions []int64
	for _, msg := range env.Ledger.sent {
		if msg.Kind == ledger.KindStateUpdate {
			versions = append(versions, msg.Version)
		}
	}
	for i, v := range versions {
		if v != int64(i)+2 {
			t.Fatalf("sent versions %v not consecutive from 2", versions)
		}
	}
}

func TestSubmitRecordsProofAndMirror(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	s, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "0xWorker", "sha256:proof")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	m := s.Snapshot.Milestone("m1")
	if m.Status != domain.StatusSubmitted || m.WorkProofHash == nil || *m.WorkProofHash != "sha256:proof" {
		t.Fatalf("milestone after submit: %+v", m)
	}
	rec, err := env.Engine.Repo.GetMirror(env.Ctx, "proj-1", "m1")
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if rec.Status != domain.StatusSubmitted || rec.WorkProofHash == nil {
		t.Fatalf("mirror not updated: %+v", rec)
	}
}

func TestDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t,
		engine.MilestoneSpec{ID: "m1", Worker: "0xWorker", Amount: 500},
		engine.MilestoneSpec{ID: "m2", Worker: "0xWorker", Amount: 500, Dependencies: []string{"m1"}},
	)

	_, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m2", "", "p2")
	var depErr engine.DependencyError
	if !errors.As(err, &depErr) || depErr.DependencyID != "m1" {
		t.Fatalf("expected dependency error on m1, got %v", err)
	}
	// Guard violations must not reach the ledger or bump the version.
	s, _ := env.Engine.ResumeSession(env.Ctx, "proj-1")
	if s.StateVersion != 1 {
		t.Fatalf("version bumped by rejected submit: %d", s.StateVersion)
	}

	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p1"); err != nil {
		t.Fatalf("submit m1: %v", err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", ""); err != nil {
		t.Fatalf("approve m1: %v", err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m2", "", "p2"); err != nil {
		t.Fatalf("submit m2 after dependency terminal: %v", err)
	}
}

func TestDependencyCycleRejectedAtCreation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectID: "proj-1",
		Client:    "0xClient",
		Milestones: []engine.MilestoneSpec{
			{ID: "a", Worker: "0xWorker", Amount: 1, Dependencies: []string{"b"}},
			{ID: "b", Worker: "0xWorker", Amount: 1, Dependencies: []string{"a"}},
		},
	})
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
}

func TestRevisionLimit(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, engine.MilestoneSpec{ID: "m1", Worker: "0xWorker", Amount: 100, RevisionLimit: 1})

	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p1"); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.RequestRevision(env.Ctx, "proj-1", "m1", "", "tighter")
	if err != nil {
		t.Fatalf("first revision: %v", err)
	}
	if m := s.Snapshot.Milestone("m1"); m.RevisionCount != 1 || m.Status != domain.StatusUnderRevision {
		t.Fatalf("after revision: %+v", m)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p1b"); err != nil {
		t.Fatal(err)
	}

	before := s.StateVersion
	_, err = env.Engine.RequestRevision(env.Ctx, "proj-1", "m1", "", "again")
	var limitErr engine.RevisionLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected revision limit error, got %v", err)
	}
	s, _ = env.Engine.ResumeSession(env.Ctx, "proj-1")
	if s.StateVersion != before+1 {
		// one version for the re-submit, none for the rejected revision
		t.Fatalf("version after rejected revision = %d, want %d", s.StateVersion, before+1)
	}
}

func TestSingleOpenDisputePerMilestone(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	_, id, err := env.Engine.RaiseDispute(env.Ctx, "proj-1", "m1", "0xClient", "quality", "not as agreed")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	_, _, err = env.Engine.RaiseDispute(env.Ctx, "proj-1", "m1", "0xClient", "quality", "second")
	var dup engine.DisputeExistsError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate dispute rejection, got %v", err)
	}

	s, err := env.Engine.CancelDispute(env.Ctx, "proj-1", "m1", id, "0xClient")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if m := s.Snapshot.Milestone("m1"); m.Status != domain.StatusPending {
		t.Fatalf("cancel did not restore prior status: %s", m.Status)
	}
	if _, _, err := env.Engine.RaiseDispute(env.Ctx, "proj-1", "m1", "0xClient", "quality", "third"); err != nil {
		t.Fatalf("raise after cancel: %v", err)
	}
}

func TestDisputeResolutionOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t,
		engine.MilestoneSpec{ID: "m1", Worker: "0xWorker", Amount: 100},
		engine.MilestoneSpec{ID: "m2", Worker: "0xWorker", Amount: 100},
	)

	_, d1, err := env.Engine.RaiseDispute(env.Ctx, "proj-1", "m1", "0xClient", "scope", "r")
	if err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.ResolveDispute(env.Ctx, "proj-1", "m1", d1, "0xClient", domain.ResolutionClient)
	if err != nil {
		t.Fatal(err)
	}
	if m := s.Snapshot.Milestone("m1"); m.Status != domain.StatusCancelled {
		t.Fatalf("client resolution should cancel, got %s", m.Status)
	}

	_, d2, err := env.Engine.RaiseDispute(env.Ctx, "proj-1", "m2", "0xClient", "scope", "r")
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.ResolveDispute(env.Ctx, "proj-1", "m2", d2, "0xClient", domain.ResolutionWorker)
	if err != nil {
		t.Fatal(err)
	}
	if m := s.Snapshot.Milestone("m2"); m.Status != domain.StatusApproved {
		t.Fatalf("worker resolution should approve, got %s", m.Status)
	}
}

func TestDeclinedSignatureAbortsCleanly(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p"); err != nil {
		t.Fatal(err)
	}

	env.Signer.decline = true
	env.Engine.Gate.Invalidate()
	_, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", "")
	if !errors.Is(err, ledger.ErrSignatureDeclined) {
		t.Fatalf("expected declined signature, got %v", err)
	}

	s, _ := env.Engine.ResumeSession(env.Ctx, "proj-1")
	if s.StateVersion != 2 {
		t.Fatalf("version changed on declined signature: %d", s.StateVersion)
	}
	if m := s.Snapshot.Milestone("m1"); m.Status != domain.StatusSubmitted {
		t.Fatalf("status changed on declined signature: %s", m.Status)
	}
	failed := env.logEntries(t, "failed")
	if len(failed) != 1 {
		t.Fatalf("failed entries = %d, want exactly 1", len(failed))
	}
}

func TestSettleApprovedMilestone(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", ""); err != nil {
		t.Fatal(err)
	}

	receipt, err := env.Engine.Settle(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(receipt.ApprovedIDs) != 1 || receipt.ApprovedIDs[0] != "m1" {
		t.Fatalf("approved ids: %v", receipt.ApprovedIDs)
	}
	if len(receipt.CancelledIDs) != 0 {
		t.Fatalf("cancelled ids: %v", receipt.CancelledIDs)
	}
	if receipt.TotalToWorkers != 1000 || receipt.PlatformFee != 25 {
		t.Fatalf("totals: workers=%d fee=%d", receipt.TotalToWorkers, receipt.PlatformFee)
	}
	if receipt.TransactionHash != "0xsettle" {
		t.Fatalf("missing tx hash")
	}
	if len(env.Escrow.settled) != 1 || env.Escrow.settled[0].AttachedFee != 25 {
		t.Fatalf("batch settle params: %+v", env.Escrow.settled)
	}

	rec, err := env.Engine.Repo.GetMirror(env.Ctx, "proj-1", "m1")
	if err != nil || rec.Status != domain.StatusPaid {
		t.Fatalf("mirror after settle: %+v err=%v", rec, err)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil || p.Status != "settled" {
		t.Fatalf("project after settle: %+v err=%v", p, err)
	}
}

func TestSettleCancelledMilestoneRefundsClient(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)
	_, id, err := env.Engine.RaiseDispute(env.Ctx, "proj-1", "m1", "0xClient", "quality", "bad")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, "proj-1", "m1", id, "0xClient", domain.ResolutionClient); err != nil {
		t.Fatal(err)
	}

	receipt, err := env.Engine.Settle(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(receipt.CancelledIDs) != 1 || receipt.CancelledIDs[0] != "m1" {
		t.Fatalf("cancelled ids: %v", receipt.CancelledIDs)
	}
	if receipt.TotalToClient != 1000 || receipt.TotalToWorkers != 0 || receipt.PlatformFee != 0 {
		t.Fatalf("totals: client=%d workers=%d fee=%d", receipt.TotalToClient, receipt.TotalToWorkers, receipt.PlatformFee)
	}
	if len(receipt.Payments) != 1 || receipt.Payments[0].Kind != "refund" || receipt.Payments[0].Recipient != "0xClient" {
		t.Fatalf("payments: %+v", receipt.Payments)
	}
}

func TestSettlePrecedenceMirrorOverSession(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	// Admin flow resolved a dispute directly in the mirror tables; the
	// off-chain session still says pending.
	now := "2026-01-02T00:00:00Z"
	if err := env.Engine.Repo.UpsertMirrorDispute(env.Ctx, nil, repo.MirrorDispute{
		ProjectID: "proj-1", MilestoneID: "m1", DisputeID: "ext-1",
		State: domain.MirrorDisputeResolvedWorker, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	receipt, err := env.Engine.Settle(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(receipt.ApprovedIDs) != 1 || receipt.ApprovedIDs[0] != "m1" {
		t.Fatalf("mirror resolution not honored: %+v", receipt)
	}
}

func TestSettlePrecedenceChainTerminalSkips(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", ""); err != nil {
		t.Fatal(err)
	}
	// Already paid on-chain by an earlier settlement attempt.
	env.Escrow.milestones = []chain.Milestone{{ID: "m1", Worker: "0xWorker", Amount: 1000, Status: domain.ChainPaid}}

	receipt, err := env.Engine.Settle(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(receipt.ApprovedIDs) != 0 || len(receipt.CancelledIDs) != 0 {
		t.Fatalf("already-settled milestone re-entered batch: %+v", receipt)
	}
	if len(env.Escrow.settled) != 0 {
		t.Fatalf("vacuous settlement must skip the chain call")
	}
}

func TestSettleFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", ""); err != nil {
		t.Fatal(err)
	}
	env.Escrow.err = errors.New("execution reverted")

	if _, err := env.Engine.Settle(env.Ctx, "proj-1"); err == nil {
		t.Fatalf("expected settle error")
	}
	rec, err := env.Engine.Repo.GetMirror(env.Ctx, "proj-1", "m1")
	if err != nil || rec.Status != domain.StatusApproved {
		t.Fatalf("mirror mutated on failed settle: %+v", rec)
	}
	s, _ := env.Engine.ResumeSession(env.Ctx, "proj-1")
	if s.Closed {
		t.Fatalf("session closed on failed settle")
	}

	// retryable
	env.Escrow.err = nil
	if _, err := env.Engine.Settle(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("retry after revert: %v", err)
	}
}

func TestSettlePartitionCompleteness(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t,
		engine.MilestoneSpec{ID: "done", Worker: "0xWorker", Amount: 300},
		engine.MilestoneSpec{ID: "dropped", Worker: "0xWorker", Amount: 200},
		engine.MilestoneSpec{ID: "open", Worker: "0xWorker", Amount: 500},
	)
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "done", "", "p"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "done", ""); err != nil {
		t.Fatal(err)
	}
	_, id, err := env.Engine.RaiseDispute(env.Ctx, "proj-1", "dropped", "0xClient", "scope", "r")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, "proj-1", "dropped", id, "0xClient", domain.ResolutionClient); err != nil {
		t.Fatal(err)
	}

	receipt, err := env.Engine.Settle(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	seen := map[string]int{}
	for _, id := range receipt.ApprovedIDs {
		seen[id]++
	}
	for _, id := range receipt.CancelledIDs {
		seen[id]++
	}
	if seen["done"] != 1 || seen["dropped"] != 1 || seen["open"] != 0 {
		t.Fatalf("partition: %v", seen)
	}
	if receipt.TotalToWorkers != 300 || receipt.TotalToClient != 200 {
		t.Fatalf("totals: %+v", receipt)
	}
	// "open" stays pending; the project is not yet terminal.
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil || p.Status == "settled" {
		t.Fatalf("project settled with pending milestones: %+v", p)
	}
	s, _ := env.Engine.ResumeSession(env.Ctx, "proj-1")
	if s.Closed {
		t.Fatalf("session closed with pending milestones")
	}
}

func TestPartialSettlementKeepsLedgerSessionOpen(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t,
		engine.MilestoneSpec{ID: "m1", Worker: "0xWorker", Amount: 400},
		engine.MilestoneSpec{ID: "m2", Worker: "0xWorker", Amount: 600},
	)
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Settle(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("partial settle: %v", err)
	}
	if n := env.closeSends(); n != 0 {
		t.Fatalf("partial settlement notified the ledger of a close %d time(s)", n)
	}
	s, _ := env.Engine.ResumeSession(env.Ctx, "proj-1")
	if s.Closed {
		t.Fatalf("session closed with a milestone still pending")
	}

	// The remaining milestone keeps flowing over the same ledger session.
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m2", "", "p2"); err != nil {
		t.Fatalf("submit after partial settle: %v", err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m2", ""); err != nil {
		t.Fatal(err)
	}
	// The first batch has landed on-chain by now.
	env.Escrow.milestones = []chain.Milestone{{ID: "m1", Worker: "0xWorker", Amount: 400, Status: domain.ChainPaid}}

	if _, err := env.Engine.Settle(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("final settle: %v", err)
	}
	if n := env.closeSends(); n != 1 {
		t.Fatalf("final settlement sent %d close messages, want 1", n)
	}
	s, _ = env.Engine.ResumeSession(env.Ctx, "proj-1")
	if !s.Closed {
		t.Fatalf("session still open after full settlement")
	}
}

func TestCloseSessionBestEffort(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	env.Ledger.sendErr = errors.New("ledger unreachable")
	if err := env.Engine.CloseSession(env.Ctx, "proj-1", "done"); err != nil {
		t.Fatalf("transport failure must not surface: %v", err)
	}
	env.Ledger.sendErr = nil

	// Without a remote handle closing is a local no-op.
	s, _ := env.Engine.ResumeSession(env.Ctx, "proj-1")
	s.RemoteSessionID = nil
	if err := env.Engine.Repo.PutSession(env.Ctx, nil, s); err != nil {
		t.Fatal(err)
	}
	before := len(env.Ledger.sent)
	if err := env.Engine.CloseSession(env.Ctx, "proj-1", "done"); err != nil {
		t.Fatalf("close without remote handle: %v", err)
	}
	if len(env.Ledger.sent) != before {
		t.Fatalf("close without remote handle contacted the ledger")
	}

	if err := env.Engine.CloseSession(env.Ctx, "no-such-project", "done"); err != nil {
		t.Fatalf("close without session: %v", err)
	}
}

func TestScopeEnforcement(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t,
		engine.MilestoneSpec{ID: "m1", Worker: "0xWorkerA", Amount: 100},
		engine.MilestoneSpec{ID: "m2", Worker: "0xWorkerB", Amount: 100},
	)

	var scopeErr engine.ScopeError
	_, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m2", "0xWorkerA", "p")
	if !errors.As(err, &scopeErr) {
		t.Fatalf("expected scope rejection, got %v", err)
	}
	_, err = env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", "0xWorkerA")
	if !errors.As(err, &scopeErr) {
		t.Fatalf("worker approving should be rejected, got %v", err)
	}
	_, err = env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "0xOutsider", "p")
	if !errors.As(err, &scopeErr) {
		t.Fatalf("outsider should be rejected, got %v", err)
	}
}

func TestGasSavedAccumulates(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)
	if _, err := env.Engine.SubmitWork(env.Ctx, "proj-1", "m1", "", "p"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, "proj-1", "m1", ""); err != nil {
		t.Fatal(err)
	}
	total, err := env.Engine.GasSaved(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("gas saved: %v", err)
	}
	cfg := env.Engine.Config
	want := cfg.GasFor("session.create") + cfg.GasFor("milestone.submit") + cfg.GasFor("milestone.approve")
	if total != want {
		t.Fatalf("gas saved = %d, want %d", total, want)
	}
}
