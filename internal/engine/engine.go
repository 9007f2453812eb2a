package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/chain"
	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/ledger"
	"escrowline/internal/oplog"
	"escrowline/internal/repo"
)

// Engine coordinates the off-chain session lifecycle, the milestone state
// machine and settlement. All I/O is injected: the ledger transport, the
// on-chain escrow, the wallet-bound auth gate and the SQLite-backed store.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Log    oplog.Writer
	Config *config.Config
	Gate   *auth.Gate
	Ledger ledger.Transport
	Escrow chain.Escrow
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gate *auth.Gate, transport ledger.Transport, escrow chain.Escrow) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Log:    oplog.Writer{DB: db},
		Config: cfg,
		Gate:   gate,
		Ledger: transport,
		Escrow: escrow,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

var ErrNoSession = errors.New("no active session for project")

// ErrVersionMismatch indicates the ledger accepted a version other than the
// one we proposed; the operation must not be treated as committed locally.
var ErrVersionMismatch = errors.New("ledger accepted unexpected state version")

// MilestoneSpec describes one milestone at session creation.
type MilestoneSpec struct {
	ID            string
	Worker        string
	Amount        int64
	RevisionLimit int
	Dependencies  []string
}

// SessionCreateOptions are parameters for creating a session.
type SessionCreateOptions struct {
	ProjectID   string
	Client      string
	Workers     []string
	Milestones  []MilestoneSpec
	Description string
}

// CreateSession creates the off-chain session for a project, idempotently:
// a session already persisted for the project is loaded and reused, never
// recreated, since the ledger rejects duplicate sessions for one project.
func (e Engine) CreateSession(ctx context.Context, opts SessionCreateOptions) (domain.Session, error) {
	if opts.ProjectID == "" {
		return domain.Session{}, errors.New("project is required")
	}
	if existing, err := e.Repo.GetSession(ctx, opts.ProjectID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, err
	}
	if opts.Client == "" {
		return domain.Session{}, errors.New("client address is required")
	}
	if len(opts.Milestones) == 0 {
		return domain.Session{}, errors.New("at least one milestone is required")
	}

	participants := buildParticipants(opts)
	milestones := make([]domain.Milestone, 0, len(opts.Milestones))
	for _, spec := range opts.Milestones {
		if spec.ID == "" {
			return domain.Session{}, errors.New("milestone id is required")
		}
		if spec.Amount <= 0 {
			return domain.Session{}, fmt.Errorf("milestone %s: amount must be positive", spec.ID)
		}
		limit := spec.RevisionLimit
		if limit == 0 && e.Config != nil {
			limit = e.Config.Milestones.DefaultRevisionLimit
		}
		milestones = append(milestones, domain.Milestone{
			ID:            spec.ID,
			Worker:        spec.Worker,
			Amount:        spec.Amount,
			Status:        domain.StatusPending,
			RevisionLimit: limit,
			Dependencies:  append([]string(nil), spec.Dependencies...),
		})
	}
	if err := ensureAcyclicDependencies(milestones); err != nil {
		return domain.Session{}, err
	}

	weight := 100 / len(participants)
	weights := make(map[string]int, len(participants))
	allocations := make(map[string]int, len(participants))
	addresses := make([]string, 0, len(participants))
	for _, p := range participants {
		weights[p.Address] = weight
		allocations[p.Address] = 0
		addresses = append(addresses, p.Address)
	}
	allocations[opts.Client] = 100

	identity, err := e.Gate.EnsureAuthenticated(ctx)
	if err != nil {
		return domain.Session{}, fmt.Errorf("authenticate: %w", err)
	}

	now := e.nowRFC3339()
	s := domain.Session{
		SessionID:    sessionID(repo.Key(opts.ProjectID)),
		ProjectID:    repo.Key(opts.ProjectID),
		Participants: participants,
		Allocations:  allocations,
		StateVersion: 1,
		Snapshot:     domain.Snapshot{Milestones: milestones},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	body := ledger.SessionBody{
		Participants: addresses,
		Weights:      weights,
		Quorum:       weight,
		Allocations:  allocations,
	}
	msg, err := ledger.Sign(identity.Signer, ledger.KindSessionCreate, s.ProjectID, s.SessionID, s.StateVersion, body)
	if err != nil {
		e.logFailed(ctx, s.ProjectID, "session.create", "", "", identity.Signer.Address(), err)
		return domain.Session{}, err
	}
	resp, err := e.Ledger.SendSigned(ctx, msg)
	if err != nil {
		e.logFailed(ctx, s.ProjectID, "session.create", "", "", identity.Signer.Address(), err)
		return domain.Session{}, err
	}
	if resp.RemoteSessionID == "" {
		err := errors.New("ledger did not return a session handle")
		e.logFailed(ctx, s.ProjectID, "session.create", "", "", identity.Signer.Address(), err)
		return domain.Session{}, err
	}
	s.RemoteSessionID = &resp.RemoteSessionID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, s.ProjectID); errors.Is(err, repo.ErrNotFound) {
		p := domain.Project{ID: s.ProjectID, Status: "active", Description: opts.Description, CreatedAt: now}
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return domain.Session{}, fmt.Errorf("insert project: %w", err)
		}
	} else if err != nil {
		return domain.Session{}, err
	}
	if err := e.Repo.PutSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("persist session: %w", err)
	}
	for _, m := range milestones {
		if err := e.Repo.UpsertMirror(ctx, tx, domain.MirrorRecord{
			ProjectID:   s.ProjectID,
			MilestoneID: m.ID,
			Status:      m.Status,
			UpdatedAt:   now,
		}); err != nil {
			return domain.Session{}, fmt.Errorf("mirror milestone %s: %w", m.ID, err)
		}
	}
	if _, err := e.Log.Append(ctx, tx, oplog.Entry{
		ProjectID:        s.ProjectID,
		Type:             "session.create",
		Status:           string(domain.OpSuccess),
		ResultingVersion: s.StateVersion,
		Signer:           identity.Signer.Address(),
		ProofID:          resp.ProofID,
		GasSaved:         e.Config.GasFor("session.create"),
		Payload: oplog.Payload{
			"remote_session_id": resp.RemoteSessionID,
			"participants":      addresses,
			"quorum":            weight,
		},
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func sessionID(projectID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("session|"+projectID)).String()
}

// buildParticipants orders the client first and deduplicates workers
// case-insensitively while preserving original casing, which downstream
// signature verification depends on.
func buildParticipants(opts SessionCreateOptions) []domain.Participant {
	participants := []domain.Participant{{Address: opts.Client, Role: domain.RoleClient}}
	seen := map[string]bool{strings.ToLower(opts.Client): true}
	scope := map[string][]string{}
	for _, spec := range opts.Milestones {
		if spec.Worker != "" {
			key := strings.ToLower(spec.Worker)
			scope[key] = append(scope[key], spec.ID)
		}
	}
	addWorker := func(addr string) {
		key := strings.ToLower(addr)
		if addr == "" || seen[key] {
			return
		}
		seen[key] = true
		participants = append(participants, domain.Participant{
			Address:        addr,
			Role:           domain.RoleWorker,
			MilestoneScope: scope[key],
		})
	}
	for _, w := range opts.Workers {
		addWorker(w)
	}
	for _, spec := range opts.Milestones {
		addWorker(spec.Worker)
	}
	return participants
}

// ResumeSession rehydrates the persisted session for a project.
func (e Engine) ResumeSession(ctx context.Context, projectID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, ErrNoSession
	}
	return s, err
}

// CloseSession notifies the ledger that the session is finished. Failures
// here never block settlement: the final on-chain transaction is the source
// of correctness, so transport errors are logged and swallowed.
func (e Engine) CloseSession(ctx context.Context, projectID, reason string) error {
	s, err := e.Repo.GetSession(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.RemoteSessionID == nil {
		return nil
	}
	identity, err := e.Gate.EnsureAuthenticated(ctx)
	if err != nil {
		log.Printf("close session %s: auth failed (ignored): %v", projectID, err)
		return nil
	}
	msg, err := ledger.Sign(identity.Signer, ledger.KindSessionClose, s.ProjectID, *s.RemoteSessionID, s.StateVersion, ledger.CloseBody{Reason: reason})
	if err != nil {
		log.Printf("close session %s: sign failed (ignored): %v", projectID, err)
		return nil
	}
	if _, err := e.Ledger.SendSigned(ctx, msg); err != nil {
		log.Printf("close session %s: notify failed (ignored): %v", projectID, err)
	}
	return nil
}

// GasSaved reports the cumulative gas-saved estimate for a project.
func (e Engine) GasSaved(ctx context.Context, projectID string) (int64, error) {
	return e.Repo.GasSavedTotal(ctx, projectID)
}

// logFailed appends a failed op-log marker outside any transaction; the
// session snapshot and version are left untouched.
func (e Engine) logFailed(ctx context.Context, projectID, opType, milestoneID, disputeID, signer string, cause error) {
	if _, err := e.Log.Append(ctx, nil, oplog.Entry{
		ProjectID:   projectID,
		Type:        opType,
		MilestoneID: milestoneID,
		DisputeID:   disputeID,
		Status:      string(domain.OpFailed),
		Signer:      signer,
		Payload:     oplog.Payload{"error": cause.Error()},
	}); err != nil {
		log.Printf("append failed op entry for %s/%s: %v", projectID, opType, err)
	}
}
