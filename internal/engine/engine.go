// Package engine implements the agreement lifecycle, milestone and KPI
// trackers, the escrow ledger, the clause rule engine and the dispute
// manager. Every mutation runs in a single transaction that also appends to
// the event log; the per-agreement version counter serializes writers.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pactline/internal/cas"
	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/events"
	"pactline/internal/ledger"
	"pactline/internal/notify"
	"pactline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Ledger   ledger.Client
	Notifier notify.Notifier
	Content  *cas.Store
	Logger   *log.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, workspace string) Engine {
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Notifier: &notify.LogNotifier{},
		Content:  cas.New(filepath.Join(workspace, ".pactline", cfg.Workspace.ContentDir)),
		Now:      time.Now,
	}
	if cfg.Ledger.Endpoint != "" {
		e.Ledger = ledger.NewHTTPClient(cfg.Ledger.Endpoint, cfg.Ledger.APIToken, ledger.RetryPolicy{
			MaxAttempts: cfg.Ledger.MaxAttempts,
			BackoffBase: time.Duration(cfg.Ledger.BackoffBaseMS) * time.Millisecond,
		}, time.Duration(cfg.Ledger.TimeoutMS)*time.Millisecond)
	}
	return e
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

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func newID() string { return uuid.NewString() }

// idempotencyKey derives a stable UUID from a fund-movement identity so that
// retries reach the ledger with the same key.
func idempotencyKey(parts ...string) string {
	name := ""
	for _, p := range parts {
		name += p + "\x00"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (e Engine) notify(ctx context.Context, msgType, agreementID, entityKind, entityID string, payload events.EventPayload) {
	if e.Notifier == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	e.Notifier.Notify(ctx, notify.Message{
		Type:        msgType,
		AgreementID: agreementID,
		EntityKind:  entityKind,
		EntityID:    entityID,
		Payload:     raw,
		At:          e.nowRFC3339(),
	})
}

// touchAgreementTx bumps the agreement version inside the caller's
// transaction. Child-entity writes go through here so that concurrent writers
// on the same agreement serialize on the version counter.
func (e Engine) touchAgreementTx(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	a.UpdatedAt = e.nowRFC3339()
	return e.Repo.UpdateAgreement(ctx, tx, a)
}

// AgreementCreateOptions are parameters for creating an agreement draft.
type AgreementCreateOptions struct {
	ID             string
	IssuerID       string
	CounterpartyID string
	Title          string
	Currency       string
	TotalFunding   int64
	StartsAt       string
	EndsAt         string
	NoticeDays     int
	Compensation   string
	ActorID        string
}

func (e Engine) CreateAgreement(ctx context.Context, opts AgreementCreateOptions) (domain.Agreement, error) {
	if opts.IssuerID == "" || opts.CounterpartyID == "" {
		return domain.Agreement{}, errors.New("issuer and counterparty are required")
	}
	if opts.IssuerID == opts.CounterpartyID {
		return domain.Agreement{}, errors.New("issuer and counterparty must differ")
	}
	if opts.Title == "" {
		return domain.Agreement{}, errors.New("title is required")
	}
	if opts.TotalFunding < 0 {
		return domain.Agreement{}, errors.New("total funding must not be negative")
	}
	if opts.Currency == "" {
		opts.Currency = e.Config.Workspace.DefaultCurrency
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	a := domain.Agreement{
		ID:             opts.ID,
		IssuerID:       opts.IssuerID,
		CounterpartyID: opts.CounterpartyID,
		Title:          opts.Title,
		Status:         "draft",
		Version:        1,
		Currency:       opts.Currency,
		TotalFunding:   opts.TotalFunding,
		StartsAt:       opts.StartsAt,
		EndsAt:         opts.EndsAt,
		NoticeDays:     opts.NoticeDays,
		Compensation:   opts.Compensation,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertAgreement(ctx, tx, a); err != nil {
		return domain.Agreement{}, fmt.Errorf("insert agreement: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeAgreementCreated, a.ID, "agreement", a.ID, opts.ActorID, events.EventPayload{"title": a.Title, "total_funding": a.TotalFunding}); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	return a, nil
}

func ensureAgreementTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "draft":
		if newStatus == "pending_signatures" || newStatus == "terminated" {
			return nil
		}
	case "pending_signatures":
		if newStatus == "active" || newStatus == "terminated" {
			return nil
		}
	case "active":
		if newStatus == "disputed" || newStatus == "completed" || newStatus == "terminated" {
			return nil
		}
	case "disputed":
		if newStatus == "active" {
			return nil
		}
	}
	return invalidTransition("agreement", oldStatus, newStatus)
}

// RecordSignature upserts one party's signature. The first signature moves a
// draft to pending_signatures; once issuer and counterparty have both signed
// and escrow is fully funded the agreement activates in the same call.
func (e Engine) RecordSignature(ctx context.Context, agreementID, signerID, role, signatureHash, actorID string) (domain.Agreement, error) {
	switch role {
	case "issuer", "counterparty", "witness":
	default:
		return domain.Agreement{}, fmt.Errorf("unknown signature role %q", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if a.Status != "draft" && a.Status != "pending_signatures" {
		return domain.Agreement{}, invalidTransition("agreement", a.Status, "pending_signatures")
	}
	switch role {
	case "issuer":
		if signerID != a.IssuerID {
			return domain.Agreement{}, fmt.Errorf("signer %s is not the issuer", signerID)
		}
	case "counterparty":
		if signerID != a.CounterpartyID {
			return domain.Agreement{}, fmt.Errorf("signer %s is not the counterparty", signerID)
		}
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpsertSignature(ctx, tx, domain.Signature{
		AgreementID:   agreementID,
		SignerID:      signerID,
		Role:          role,
		SignatureHash: signatureHash,
		SignedAt:      now,
	}); err != nil {
		return domain.Agreement{}, fmt.Errorf("record signature: %w", err)
	}
	if a.Status == "draft" {
		a.Status = "pending_signatures"
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeAgreementSigned, a.ID, "agreement", a.ID, actorID, events.EventPayload{"role": role, "signer_id": signerID}); err != nil {
		return domain.Agreement{}, err
	}
	activated, err := e.tryActivateTx(ctx, tx, &a, actorID)
	if err != nil && !errors.Is(err, ErrFundingIncomplete) {
		return domain.Agreement{}, err
	}
	a.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return domain.Agreement{}, err
	}
	a.Version++
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	if activated {
		e.notify(ctx, events.TypeAgreementActivated, a.ID, "agreement", a.ID, nil)
	}
	return a, nil
}

// Activate explicitly attempts pending_signatures -> active. Unlike the
// attempt piggybacked on RecordSignature, incomplete funding is an error
// here.
func (e Engine) Activate(ctx context.Context, agreementID, actorID string) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if err := ensureAgreementTransition(a.Status, "active"); err != nil {
		return domain.Agreement{}, err
	}
	activated, err := e.tryActivateTx(ctx, tx, &a, actorID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if !activated {
		roles, err := e.Repo.SignedRolesTx(ctx, tx, agreementID)
		if err != nil {
			return domain.Agreement{}, err
		}
		return domain.Agreement{}, fmt.Errorf("missing signatures (issuer=%t counterparty=%t): %w",
			roles["issuer"], roles["counterparty"], ErrInvalidTransition)
	}
	a.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return domain.Agreement{}, err
	}
	a.Version++
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	e.notify(ctx, events.TypeAgreementActivated, a.ID, "agreement", a.ID, nil)
	return a, nil
}

// termsSnapshot is the document frozen into the content store at activation.
type termsSnapshot struct {
	Agreement  domain.Agreement          `json:"agreement"`
	Milestones []domain.Milestone        `json:"milestones"`
	KPIs       []domain.KPIDefinition    `json:"kpis"`
	Conditions []domain.ReleaseCondition `json:"conditions"`
	Clauses    []domain.Clause           `json:"clauses"`
	FrozenAt   string                    `json:"frozen_at"`
}

// tryActivateTx activates in place when both principal signatures exist and
// funding is complete. Returns ErrFundingIncomplete when only funding blocks.
func (e Engine) tryActivateTx(ctx context.Context, tx *sql.Tx, a *domain.Agreement, actorID string) (bool, error) {
	if a.Status != "pending_signatures" {
		return false, nil
	}
	roles, err := e.Repo.SignedRolesTx(ctx, tx, a.ID)
	if err != nil {
		return false, err
	}
	if !roles["issuer"] || !roles["counterparty"] {
		return false, nil
	}
	if a.FundedAmount < a.TotalFunding {
		return false, fmt.Errorf("funded %d of %d: %w", a.FundedAmount, a.TotalFunding, ErrFundingIncomplete)
	}
	ref, err := e.snapshotTerms(ctx, *a)
	if err != nil {
		return false, fmt.Errorf("snapshot terms: %w", err)
	}
	now := e.nowRFC3339()
	a.Status = "active"
	a.TermsRef = &ref
	a.ActivatedAt = &now
	if _, err := e.Events.Append(ctx, tx, events.TypeAgreementActivated, a.ID, "agreement", a.ID, actorID, events.EventPayload{"terms_ref": ref}); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) snapshotTerms(ctx context.Context, a domain.Agreement) (string, error) {
	milestones, err := e.Repo.ListMilestones(ctx, a.ID)
	if err != nil {
		return "", err
	}
	kpis, err := e.Repo.ListKPIDefinitions(ctx, a.ID)
	if err != nil {
		return "", err
	}
	conditions, err := e.Repo.ListReleaseConditions(ctx, a.ID)
	if err != nil {
		return "", err
	}
	clauses, err := e.Repo.ListClauses(ctx, a.ID, false)
	if err != nil {
		return "", err
	}
	doc, err := json.MarshalIndent(termsSnapshot{
		Agreement:  a,
		Milestones: milestones,
		KPIs:       kpis,
		Conditions: conditions,
		Clauses:    clauses,
		FrozenAt:   e.nowRFC3339(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return e.Content.Put(doc)
}

// Fund accumulates escrow funding. Overfunding past total_funding is
// rejected; reaching the total while both signatures are present activates.
func (e Engine) Fund(ctx context.Context, agreementID string, amount int64, actorID string) (domain.Agreement, error) {
	if amount <= 0 {
		return domain.Agreement{}, errors.New("funding amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	switch a.Status {
	case "draft", "pending_signatures":
	default:
		return domain.Agreement{}, fmt.Errorf("cannot fund agreement in status %s: %w", a.Status, ErrInvalidTransition)
	}
	if a.FundedAmount+amount > a.TotalFunding {
		return domain.Agreement{}, fmt.Errorf("funding %d would exceed total %d (already %d)", amount, a.TotalFunding, a.FundedAmount)
	}
	a.FundedAmount += amount
	if _, err := e.Events.Append(ctx, tx, events.TypeEscrowFunded, a.ID, "agreement", a.ID, actorID, events.EventPayload{"amount": amount, "funded": a.FundedAmount}); err != nil {
		return domain.Agreement{}, err
	}
	activated, err := e.tryActivateTx(ctx, tx, &a, actorID)
	if err != nil && !errors.Is(err, ErrFundingIncomplete) {
		return domain.Agreement{}, err
	}
	a.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return domain.Agreement{}, err
	}
	a.Version++
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	if activated {
		e.notify(ctx, events.TypeAgreementActivated, a.ID, "agreement", a.ID, nil)
	}
	return a, nil
}

// Complete closes an active agreement. Every milestone must be completed or
// cancelled, and there must be no unresolved dispute or pending clause
// approval.
func (e Engine) Complete(ctx context.Context, agreementID, actorID string) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if err := ensureAgreementTransition(a.Status, "completed"); err != nil {
		return domain.Agreement{}, err
	}
	open, err := e.Repo.CountOpenMilestonesTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if open > 0 {
		return domain.Agreement{}, fmt.Errorf("%d milestones still open: %w", open, ErrInvalidTransition)
	}
	disputes, err := e.Repo.CountUnresolvedDisputesTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if disputes > 0 {
		return domain.Agreement{}, fmt.Errorf("%d disputes unresolved: %w", disputes, ErrInvalidTransition)
	}
	approvals, err := e.Repo.CountPendingApprovalsTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if approvals > 0 {
		return domain.Agreement{}, fmt.Errorf("%d clause approvals pending: %w", approvals, ErrInvalidTransition)
	}
	now := e.nowRFC3339()
	a.Status = "completed"
	a.ClosedAt = &now
	a.UpdatedAt = now
	if _, err := e.Events.Append(ctx, tx, events.TypeAgreementCompleted, a.ID, "agreement", a.ID, actorID, nil); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return domain.Agreement{}, err
	}
	a.Version++
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	e.notify(ctx, events.TypeAgreementCompleted, a.ID, "agreement", a.ID, nil)
	return a, nil
}

// Terminate ends the agreement early and cancels every non-executed release
// condition. An agreement under a dispute freeze cannot be terminated until
// the dispute resolves.
func (e Engine) Terminate(ctx context.Context, agreementID, reason, actorID string) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if err := ensureAgreementTransition(a.Status, "terminated"); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.Repo.CancelPendingConditions(ctx, tx, agreementID); err != nil {
		return domain.Agreement{}, fmt.Errorf("cancel pending conditions: %w", err)
	}
	now := e.nowRFC3339()
	a.Status = "terminated"
	a.ClosedAt = &now
	a.UpdatedAt = now
	if _, err := e.Events.Append(ctx, tx, events.TypeAgreementTerminated, a.ID, "agreement", a.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return domain.Agreement{}, err
	}
	a.Version++
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	e.notify(ctx, events.TypeAgreementTerminated, a.ID, "agreement", a.ID, events.EventPayload{"reason": reason})
	return a, nil
}
