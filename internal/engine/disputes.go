package engine

import (
	"context"
	"errors"
	"fmt"

	"pactline/internal/domain"
	"pactline/internal/events"
)

// DisputeOptions are parameters for opening a dispute.
type DisputeOptions struct {
	ID          string
	AgreementID string
	Type        string
	Description string
	Amount      int64
	InitiatorID string
}

// OpenDispute freezes the disputed amount and moves the agreement to
// disputed. A claim may exceed the current releasable balance up to the
// total already released; the excess is recorded as a claim against paid
// funds and only the escrow-backed remainder is frozen.
func (e Engine) OpenDispute(ctx context.Context, opts DisputeOptions) (domain.Dispute, error) {
	if opts.Amount <= 0 {
		return domain.Dispute{}, fmt.Errorf("dispute amount must be positive: %w", ErrInvalidDisputeAmount)
	}
	if opts.InitiatorID == "" {
		return domain.Dispute{}, errors.New("initiator is required")
	}
	if opts.Type == "" {
		opts.Type = "general"
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, opts.AgreementID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if a.Status != "active" && a.Status != "disputed" {
		return domain.Dispute{}, fmt.Errorf("agreement is %s: %w", a.Status, ErrInvalidTransition)
	}
	released, err := e.Repo.ReleasedTotalTx(ctx, tx, a.ID)
	if err != nil {
		return domain.Dispute{}, err
	}
	frozen, err := e.Repo.FrozenTotalTx(ctx, tx, a.ID)
	if err != nil {
		return domain.Dispute{}, err
	}
	releasable := a.FundedAmount - released - frozen
	if opts.Amount > releasable+released {
		return domain.Dispute{}, fmt.Errorf("amount %d exceeds releasable %d plus released %d: %w",
			opts.Amount, releasable, released, ErrInvalidDisputeAmount)
	}
	var paidAdjustment int64
	if opts.Amount > releasable {
		paidAdjustment = opts.Amount - releasable
	}
	now := e.nowRFC3339()
	d := domain.Dispute{
		ID:             opts.ID,
		AgreementID:    a.ID,
		Type:           opts.Type,
		InitiatorID:    opts.InitiatorID,
		Description:    opts.Description,
		Amount:         opts.Amount,
		PaidAdjustment: paidAdjustment,
		Status:         "open",
		CreatedAt:      now,
	}
	if err := e.Repo.InsertDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, fmt.Errorf("insert dispute: %w", err)
	}
	if a.Status == "active" {
		a.Status = "disputed"
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeDisputeOpened, a.ID, "dispute", d.ID, opts.InitiatorID, events.EventPayload{
		"amount": d.Amount, "type": d.Type,
	}); err != nil {
		return domain.Dispute{}, err
	}
	a.UpdatedAt = now
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	e.notify(ctx, events.TypeDisputeOpened, a.ID, "dispute", d.ID, events.EventPayload{"amount": d.Amount})
	return d, nil
}

func ensureDisputeTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "open":
		if newStatus == "under_review" || newStatus == "escalated" || newStatus == "resolved" {
			return nil
		}
	case "under_review":
		if newStatus == "escalated" || newStatus == "resolved" {
			return nil
		}
	case "escalated":
		if newStatus == "resolved" {
			return nil
		}
	}
	return invalidTransition("dispute", oldStatus, newStatus)
}

// ReviewDispute marks a dispute as being examined. The freeze is unchanged.
func (e Engine) ReviewDispute(ctx context.Context, disputeID, actorID string) (domain.Dispute, error) {
	return e.moveDispute(ctx, disputeID, "under_review")
}

// EscalateDispute hands the dispute to an external process. The freeze holds
// with no timeout until a resolution lands.
func (e Engine) EscalateDispute(ctx context.Context, disputeID, actorID string) (domain.Dispute, error) {
	return e.moveDispute(ctx, disputeID, "escalated")
}

func (e Engine) moveDispute(ctx context.Context, disputeID, newStatus string) (domain.Dispute, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := ensureDisputeTransition(d.Status, newStatus); err != nil {
		return domain.Dispute{}, err
	}
	d.Status = newStatus
	if err := e.Repo.SetDisputeStatus(ctx, tx, d.ID, newStatus); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// AddEvidence stores supporting material in the content store and links it
// to the dispute. Evidence is append-only.
func (e Engine) AddEvidence(ctx context.Context, disputeID, kind string, content []byte, note, actorID string) (domain.Evidence, error) {
	d, err := e.Repo.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.Evidence{}, err
	}
	if d.Status == "resolved" {
		return domain.Evidence{}, fmt.Errorf("dispute %s already resolved: %w", d.ID, ErrInvalidTransition)
	}
	ref := ""
	if len(content) > 0 {
		ref, err = e.Content.Put(content)
		if err != nil {
			return domain.Evidence{}, fmt.Errorf("store evidence: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evidence{}, err
	}
	defer tx.Rollback()

	ev := domain.Evidence{
		ID:         newID(),
		DisputeID:  d.ID,
		ActorID:    actorID,
		Kind:       kind,
		ContentRef: ref,
		Note:       note,
		TS:         e.nowRFC3339(),
	}
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return domain.Evidence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evidence{}, err
	}
	return ev, nil
}

// ResolveDispute splits the disputed amount: toIssuer and toCounterparty are
// paid out through the release executor, toEscrow simply unfreezes. The
// split must sum to the disputed amount, and escrow-backed payouts cannot
// exceed the frozen part; claims against already-paid funds settle off
// ledger per the resolution text.
func (e Engine) ResolveDispute(ctx context.Context, disputeID string, toIssuer, toCounterparty, toEscrow int64, resolution, actorID string) (domain.Dispute, error) {
	if toIssuer < 0 || toCounterparty < 0 || toEscrow < 0 {
		return domain.Dispute{}, fmt.Errorf("split amounts must not be negative: %w", ErrInvalidDisputeAmount)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := ensureDisputeTransition(d.Status, "resolved"); err != nil {
		return domain.Dispute{}, err
	}
	if toIssuer+toCounterparty+toEscrow != d.Amount {
		return domain.Dispute{}, fmt.Errorf("split %d+%d+%d does not equal disputed %d: %w",
			toIssuer, toCounterparty, toEscrow, d.Amount, ErrInvalidDisputeAmount)
	}
	if toIssuer+toCounterparty > d.Amount-d.PaidAdjustment {
		return domain.Dispute{}, fmt.Errorf("payouts %d exceed frozen escrow %d: %w",
			toIssuer+toCounterparty, d.Amount-d.PaidAdjustment, ErrInvalidDisputeAmount)
	}
	a, err := e.Repo.GetAgreementTx(ctx, tx, d.AgreementID)
	if err != nil {
		return domain.Dispute{}, err
	}
	now := e.nowRFC3339()
	d.Status = "resolved"
	d.ToIssuer = toIssuer
	d.ToCounterparty = toCounterparty
	d.ToEscrow = toEscrow
	d.Resolution = resolution
	d.ResolvedAt = &now
	if err := e.Repo.ResolveDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	var payouts []domain.Release
	for _, leg := range []struct {
		party     string
		recipient string
		amount    int64
	}{
		{"issuer", a.IssuerID, toIssuer},
		{"counterparty", a.CounterpartyID, toCounterparty},
	} {
		if leg.amount == 0 {
			continue
		}
		rel := domain.Release{
			ID:             newID(),
			AgreementID:    a.ID,
			DisputeID:      &d.ID,
			RecipientID:    leg.recipient,
			Amount:         leg.amount,
			IdempotencyKey: idempotencyKey("dispute", d.ID, leg.party),
			Status:         "requested",
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertRelease(ctx, tx, rel); err != nil {
			return domain.Dispute{}, err
		}
		if _, err := e.Events.Append(ctx, tx, events.TypeReleaseRequested, a.ID, "release", rel.ID, actorID, events.EventPayload{
			"dispute_id": d.ID, "recipient_id": leg.recipient, "amount": leg.amount,
		}); err != nil {
			return domain.Dispute{}, err
		}
		payouts = append(payouts, rel)
	}
	remaining, err := e.Repo.CountUnresolvedDisputesTx(ctx, tx, a.ID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if remaining == 0 && a.Status == "disputed" {
		a.Status = "active"
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeDisputeResolved, a.ID, "dispute", d.ID, actorID, events.EventPayload{
		"to_issuer": toIssuer, "to_counterparty": toCounterparty, "to_escrow": toEscrow,
	}); err != nil {
		return domain.Dispute{}, err
	}
	a.UpdatedAt = now
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	for _, rel := range payouts {
		e.settleRelease(ctx, rel, a.Currency)
	}
	e.notify(ctx, events.TypeDisputeResolved, a.ID, "dispute", d.ID, events.EventPayload{"resolution": resolution})
	e.react(ctx, a.ID)
	return d, nil
}
