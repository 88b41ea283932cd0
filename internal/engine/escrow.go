package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pactline/internal/domain"
	"pactline/internal/events"
)

// ConditionCreateOptions are parameters for attaching a release condition.
// The criteria fields form a closed union keyed by Type.
type ConditionCreateOptions struct {
	ID           string
	AgreementID  string
	Type         string
	MilestoneID  string
	ReleaseAt    string
	KPIID        string
	KPIThreshold *float64
	DisputeID    string
	RecipientID  string
	Bps          int
	Automated    bool
	ActorID      string
}

func (e Engine) AddReleaseCondition(ctx context.Context, opts ConditionCreateOptions) (domain.ReleaseCondition, error) {
	if opts.Bps <= 0 || opts.Bps > 10000 {
		return domain.ReleaseCondition{}, fmt.Errorf("bps %d out of range (1..10000)", opts.Bps)
	}
	if opts.RecipientID == "" {
		return domain.ReleaseCondition{}, errors.New("recipient is required")
	}
	c := domain.ReleaseCondition{
		ID:          opts.ID,
		AgreementID: opts.AgreementID,
		Type:        opts.Type,
		RecipientID: opts.RecipientID,
		Bps:         opts.Bps,
		Automated:   opts.Automated,
	}
	if c.ID == "" {
		c.ID = newID()
	}
	switch opts.Type {
	case "milestone_completion":
		if opts.MilestoneID == "" {
			return domain.ReleaseCondition{}, errors.New("milestone_completion requires a milestone")
		}
		c.MilestoneID = &opts.MilestoneID
	case "time_based":
		if opts.ReleaseAt == "" {
			return domain.ReleaseCondition{}, errors.New("time_based requires release_at")
		}
		c.ReleaseAt = &opts.ReleaseAt
	case "performance_target":
		if opts.KPIID == "" || opts.KPIThreshold == nil {
			return domain.ReleaseCondition{}, errors.New("performance_target requires kpi and threshold")
		}
		c.KPIID = &opts.KPIID
		c.KPIThreshold = opts.KPIThreshold
	case "mutual_agreement":
		// both parties must confirm against the condition id
	case "dispute_resolution":
		if opts.DisputeID == "" {
			return domain.ReleaseCondition{}, errors.New("dispute_resolution requires a dispute")
		}
		c.DisputeID = &opts.DisputeID
	default:
		return domain.ReleaseCondition{}, fmt.Errorf("unknown condition type %q", opts.Type)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReleaseCondition{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, opts.AgreementID)
	if err != nil {
		return domain.ReleaseCondition{}, err
	}
	if a.Status == "completed" || a.Status == "terminated" {
		return domain.ReleaseCondition{}, fmt.Errorf("agreement is %s: %w", a.Status, ErrInvalidTransition)
	}
	if c.MilestoneID != nil {
		m, err := e.Repo.GetMilestoneTx(ctx, tx, *c.MilestoneID)
		if err != nil {
			return domain.ReleaseCondition{}, err
		}
		if m.AgreementID != a.ID {
			return domain.ReleaseCondition{}, fmt.Errorf("milestone %s not in agreement %s", m.ID, a.ID)
		}
	}
	pending, err := e.Repo.PendingBpsTx(ctx, tx, a.ID)
	if err != nil {
		return domain.ReleaseCondition{}, err
	}
	if pending+c.Bps > 10000 {
		return domain.ReleaseCondition{}, fmt.Errorf("pending conditions already cover %d bps; adding %d exceeds 10000", pending, c.Bps)
	}
	c.CreatedAt = e.nowRFC3339()
	if err := e.Repo.InsertReleaseCondition(ctx, tx, c); err != nil {
		return domain.ReleaseCondition{}, fmt.Errorf("insert condition: %w", err)
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.ReleaseCondition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReleaseCondition{}, err
	}
	return c, nil
}

// EscrowStatus derives the balances from first principles. Nothing here is
// cached; the numbers always reconcile with the release and dispute tables.
func (e Engine) EscrowStatus(ctx context.Context, agreementID string) (domain.EscrowStatus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscrowStatus{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.EscrowStatus{}, err
	}
	released, err := e.Repo.ReleasedTotalTx(ctx, tx, agreementID)
	if err != nil {
		return domain.EscrowStatus{}, err
	}
	frozen, err := e.Repo.FrozenTotalTx(ctx, tx, agreementID)
	if err != nil {
		return domain.EscrowStatus{}, err
	}
	pendingBps, err := e.Repo.PendingBpsTx(ctx, tx, agreementID)
	if err != nil {
		return domain.EscrowStatus{}, err
	}
	return domain.EscrowStatus{
		AgreementID:  agreementID,
		Currency:     a.Currency,
		TotalFunding: a.TotalFunding,
		Funded:       a.FundedAmount,
		Released:     released,
		Frozen:       frozen,
		Releasable:   a.FundedAmount - released - frozen,
		PendingBps:   pendingBps,
	}, nil
}

// EvaluateEscrow executes every pending condition whose criteria hold and
// whose amount fits the releasable balance. The condition is marked executed
// and the release row written in one transaction; the ledger submission
// happens after commit and is reconciled by idempotency key if interrupted.
func (e Engine) EvaluateEscrow(ctx context.Context, agreementID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return 0, err
	}
	if a.Status != "active" && a.Status != "disputed" {
		return 0, nil
	}
	conditions, err := e.Repo.PendingConditionsTx(ctx, tx, agreementID)
	if err != nil {
		return 0, err
	}
	if len(conditions) == 0 {
		return 0, nil
	}
	released, err := e.Repo.ReleasedTotalTx(ctx, tx, agreementID)
	if err != nil {
		return 0, err
	}
	frozen, err := e.Repo.FrozenTotalTx(ctx, tx, agreementID)
	if err != nil {
		return 0, err
	}
	releasable := a.FundedAmount - released - frozen

	var pending []domain.Release
	for _, c := range conditions {
		met, err := e.conditionMetTx(ctx, tx, c)
		if err != nil {
			return 0, err
		}
		if !met {
			continue
		}
		amount := a.FundedAmount * int64(c.Bps) / 10000
		if amount > releasable {
			// not enough unfrozen funds; the condition stays pending
			continue
		}
		now := e.nowRFC3339()
		if err := e.Repo.MarkConditionExecuted(ctx, tx, c.ID, now); err != nil {
			return 0, err
		}
		rel := domain.Release{
			ID:             newID(),
			AgreementID:    agreementID,
			ConditionID:    &c.ID,
			RecipientID:    c.RecipientID,
			Amount:         amount,
			IdempotencyKey: idempotencyKey("condition", c.ID),
			Status:         "requested",
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertRelease(ctx, tx, rel); err != nil {
			return 0, err
		}
		if _, err := e.Events.Append(ctx, tx, events.TypeReleaseRequested, agreementID, "release", rel.ID, "engine", events.EventPayload{
			"condition_id": c.ID, "recipient_id": c.RecipientID, "amount": amount,
		}); err != nil {
			return 0, err
		}
		releasable -= amount
		pending = append(pending, rel)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, rel := range pending {
		e.settleRelease(ctx, rel, a.Currency)
	}
	return len(pending), nil
}

func (e Engine) conditionMetTx(ctx context.Context, tx *sql.Tx, c domain.ReleaseCondition) (bool, error) {
	switch c.Type {
	case "milestone_completion":
		m, err := e.Repo.GetMilestoneTx(ctx, tx, *c.MilestoneID)
		if err != nil {
			return false, err
		}
		return m.Status == "completed", nil
	case "time_based":
		at, err := time.Parse(time.RFC3339, *c.ReleaseAt)
		if err != nil {
			return false, fmt.Errorf("condition %s release_at: %w", c.ID, err)
		}
		return !e.now().UTC().Before(at), nil
	case "performance_target":
		def, err := e.Repo.GetKPIDefinition(ctx, *c.KPIID)
		if err != nil {
			return false, err
		}
		value, ok, err := e.Repo.KPIValueTx(ctx, tx, def.ID, def.Method)
		if err != nil {
			return false, err
		}
		return ok && value >= *c.KPIThreshold, nil
	case "mutual_agreement":
		parties, err := e.Repo.ConfirmedPartiesTx(ctx, tx, "condition", c.ID)
		if err != nil {
			return false, err
		}
		return parties["issuer"] != "" && parties["counterparty"] != "", nil
	case "dispute_resolution":
		d, err := e.Repo.GetDisputeTx(ctx, tx, *c.DisputeID)
		if err != nil {
			return false, err
		}
		return d.Status == "resolved", nil
	}
	return false, fmt.Errorf("unknown condition type %q", c.Type)
}

// settleRelease pushes one requested release to the settlement ledger. With
// no ledger configured the release settles locally. Submission failures
// leave the row in requested for Reconcile to pick up; the funds stay
// reserved either way.
func (e Engine) settleRelease(ctx context.Context, rel domain.Release, currency string) {
	now := e.nowRFC3339()
	if e.Ledger == nil {
		if err := e.Repo.SetReleaseResult(ctx, rel.ID, "local:"+rel.IdempotencyKey, "confirmed", now); err != nil {
			e.logger().Printf("engine: settle release %s: %v", rel.ID, err)
		}
		return
	}
	sub, err := e.Ledger.Submit(ctx, rel.IdempotencyKey, rel.RecipientID, rel.Amount, currency)
	if err != nil {
		e.logger().Printf("engine: ledger submit release %s: %v", rel.ID, err)
		return
	}
	status := "submitted"
	if sub.Status == "confirmed" {
		status = "confirmed"
	}
	if err := e.Repo.SetReleaseResult(ctx, rel.ID, sub.TxRef, status, now); err != nil {
		e.logger().Printf("engine: record release result %s: %v", rel.ID, err)
		return
	}
	e.notify(ctx, events.TypeReleaseSettled, rel.AgreementID, "release", rel.ID, events.EventPayload{
		"tx_ref": sub.TxRef, "status": status, "amount": rel.Amount,
	})
}

// Reconcile resubmits releases stuck between the local mark and a confirmed
// ledger transaction. Submission is idempotent on the key, so a release that
// did reach the ledger comes back with its original tx ref.
func (e Engine) Reconcile(ctx context.Context, agreementID string) (int, error) {
	a, err := e.Repo.GetAgreement(ctx, agreementID)
	if err != nil {
		return 0, err
	}
	stuck, err := e.Repo.PendingLedgerReleases(ctx, agreementID)
	if err != nil {
		return 0, err
	}
	for _, rel := range stuck {
		e.settleRelease(ctx, rel, a.Currency)
	}
	return len(stuck), nil
}
