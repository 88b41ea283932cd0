package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pactline/internal/domain"
	"pactline/internal/events"
	"pactline/internal/repo"
)

// ClauseCreateOptions are parameters for attaching an automated clause. The
// trigger and action fields are closed unions keyed by TriggerType and
// ActionType.
type ClauseCreateOptions struct {
	ID          string
	AgreementID string
	Name        string

	TriggerType  string
	ScheduleAt   string
	EverySeconds int
	MilestoneID  string
	KPIID        string
	Comparator   string
	Threshold    *float64
	EventName    string

	ActionType  string
	RecipientID string
	Amount      *int64
	Message     string
	ParamsJSON  string

	RequiresApproval bool
	Reversible       bool
	ActorID          string
}

func (e Engine) AddClause(ctx context.Context, opts ClauseCreateOptions) (domain.Clause, error) {
	if opts.Name == "" {
		return domain.Clause{}, errors.New("name is required")
	}
	c := domain.Clause{
		ID:               opts.ID,
		AgreementID:      opts.AgreementID,
		Name:             opts.Name,
		TriggerType:      opts.TriggerType,
		ActionType:       opts.ActionType,
		RequiresApproval: opts.RequiresApproval,
		Reversible:       opts.Reversible,
		Active:           true,
	}
	if c.ID == "" {
		c.ID = newID()
	}
	switch opts.TriggerType {
	case "time_based":
		if opts.ScheduleAt == "" && opts.EverySeconds <= 0 {
			return domain.Clause{}, errors.New("time_based requires schedule_at or every_seconds")
		}
		if opts.ScheduleAt != "" {
			if _, err := time.Parse(time.RFC3339, opts.ScheduleAt); err != nil {
				return domain.Clause{}, fmt.Errorf("schedule_at: %w", err)
			}
			c.ScheduleAt = &opts.ScheduleAt
		}
		if opts.EverySeconds > 0 {
			c.EverySeconds = &opts.EverySeconds
		}
	case "milestone_completion":
		if opts.MilestoneID == "" {
			return domain.Clause{}, errors.New("milestone_completion requires a milestone")
		}
		c.MilestoneID = &opts.MilestoneID
	case "performance_threshold":
		if opts.KPIID == "" || opts.Threshold == nil {
			return domain.Clause{}, errors.New("performance_threshold requires kpi and threshold")
		}
		if opts.Comparator != "gte" && opts.Comparator != "lte" {
			return domain.Clause{}, fmt.Errorf("unknown comparator %q", opts.Comparator)
		}
		c.KPIID = &opts.KPIID
		c.Comparator = &opts.Comparator
		c.Threshold = opts.Threshold
	case "external_event":
		if opts.EventName == "" {
			return domain.Clause{}, errors.New("external_event requires an event name")
		}
		c.EventName = &opts.EventName
	case "mutual_agreement":
		// fires on the confirmation completing the pair
	default:
		return domain.Clause{}, fmt.Errorf("unknown trigger type %q", opts.TriggerType)
	}
	switch opts.ActionType {
	case "payment":
		if opts.RecipientID == "" || opts.Amount == nil || *opts.Amount <= 0 {
			return domain.Clause{}, errors.New("payment requires recipient and a positive amount")
		}
		c.RecipientID = &opts.RecipientID
		c.Amount = opts.Amount
	case "notification":
		if opts.Message == "" {
			return domain.Clause{}, errors.New("notification requires a message")
		}
		c.Message = &opts.Message
	case "milestone_creation", "contract_amendment":
		if opts.ParamsJSON == "" || !json.Valid([]byte(opts.ParamsJSON)) {
			return domain.Clause{}, fmt.Errorf("%s requires valid params json", opts.ActionType)
		}
		c.ParamsJSON = &opts.ParamsJSON
	case "dispute_initiation":
		if opts.Message == "" {
			return domain.Clause{}, errors.New("dispute_initiation requires a description message")
		}
		c.Message = &opts.Message
		if opts.Amount != nil {
			c.Amount = opts.Amount
		}
	case "contract_termination":
		if opts.Message != "" {
			c.Message = &opts.Message
		}
	default:
		return domain.Clause{}, fmt.Errorf("unknown action type %q", opts.ActionType)
	}
	if c.TriggerType == "time_based" {
		next := opts.ScheduleAt
		if next == "" {
			next = e.now().UTC().Add(time.Duration(opts.EverySeconds) * time.Second).Format(time.RFC3339)
		}
		c.NextFireAt = &next
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Clause{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, opts.AgreementID)
	if err != nil {
		return domain.Clause{}, err
	}
	if a.Status == "completed" || a.Status == "terminated" {
		return domain.Clause{}, fmt.Errorf("agreement is %s: %w", a.Status, ErrInvalidTransition)
	}
	c.CreatedAt = e.nowRFC3339()
	if err := e.Repo.InsertClause(ctx, tx, c); err != nil {
		return domain.Clause{}, fmt.Errorf("insert clause: %w", err)
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.Clause{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Clause{}, err
	}
	return c, nil
}

// SetClauseActive enables or disables a clause without touching its history.
func (e Engine) SetClauseActive(ctx context.Context, clauseID string, active bool, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetClauseActive(ctx, tx, clauseID, active); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordExternalEvent appends a named fact from outside the engine to the
// agreement's log, where external_event clauses can match it.
func (e Engine) RecordExternalEvent(ctx context.Context, agreementID, name string, payload map[string]any, actorID string) error {
	if name == "" {
		return errors.New("event name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if a.Status != "active" && a.Status != "disputed" {
		return fmt.Errorf("agreement is %s: %w", a.Status, ErrInvalidTransition)
	}
	p := events.EventPayload{}
	for k, v := range payload {
		p[k] = v
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeExternal, agreementID, "external", name, actorID, p); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.react(ctx, agreementID)
	return nil
}

// Confirm records one party's half of a mutual-agreement clause or condition.
// Once both parties have confirmed, the stored pair of confirmation ids forms
// the trigger fact, so repeating a confirmation replays the same fact instead
// of minting a new one.
func (e Engine) Confirm(ctx context.Context, subjectKind, subjectID, actorID string) error {
	var agreementID string
	switch subjectKind {
	case "clause":
		c, err := e.Repo.GetClause(ctx, subjectID)
		if err != nil {
			return err
		}
		agreementID = c.AgreementID
	case "condition":
		c, err := e.Repo.GetReleaseCondition(ctx, subjectID)
		if err != nil {
			return err
		}
		agreementID = c.AgreementID
	default:
		return fmt.Errorf("unknown confirmation subject %q", subjectKind)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	var party string
	switch actorID {
	case a.IssuerID:
		party = "issuer"
	case a.CounterpartyID:
		party = "counterparty"
	default:
		return fmt.Errorf("actor %s is not a party to agreement %s", actorID, a.ID)
	}
	conf := domain.Confirmation{
		ID:          newID(),
		AgreementID: a.ID,
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
		Party:       party,
		ActorID:     actorID,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.UpsertConfirmation(ctx, tx, conf); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeConfirmation, a.ID, subjectKind, subjectID, actorID, events.EventPayload{"party": party}); err != nil {
		return err
	}
	both, err := e.Repo.ConfirmedPartiesTx(ctx, tx, subjectKind, subjectID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if both["issuer"] != "" && both["counterparty"] != "" {
		if subjectKind == "clause" {
			c, err := e.Repo.GetClause(ctx, subjectID)
			if err != nil {
				return err
			}
			if c.Active && c.TriggerType == "mutual_agreement" {
				factID := "m:" + both["issuer"] + ":" + both["counterparty"]
				if err := e.fireClause(ctx, c, factID); err != nil {
					e.logger().Printf("engine: fire mutual clause %s: %v", c.ID, err)
				}
			}
		}
		e.react(ctx, agreementID)
	}
	return nil
}

// EvaluateClauses runs one evaluation pass for an agreement: due time-based
// clauses first, then the event log from the clause cursor in id order.
// Returns the number of clause fire attempts.
func (e Engine) EvaluateClauses(ctx context.Context, agreementID string) (int, error) {
	a, err := e.Repo.GetAgreement(ctx, agreementID)
	if err != nil {
		return 0, err
	}
	if a.Status != "active" && a.Status != "disputed" {
		return 0, nil
	}
	fired := 0
	n, err := e.evaluateTimeClauses(ctx, agreementID)
	if err != nil {
		return fired, err
	}
	fired += n
	n, err = e.consumeEvents(ctx, a)
	if err != nil {
		return fired, err
	}
	fired += n
	return fired, nil
}

// evaluateTimeClauses fires every clause whose next_fire_at has passed. The
// trigger fact is the scheduled time itself, so a late tick fires the missed
// time exactly once; recurring clauses advance one period per attempt and
// replay the remaining missed periods on later passes.
func (e Engine) evaluateTimeClauses(ctx context.Context, agreementID string) (int, error) {
	now := e.now().UTC()
	due, err := e.Repo.DueClauses(ctx, now.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, c := range due {
		if c.AgreementID != agreementID || c.NextFireAt == nil {
			continue
		}
		scheduled := *c.NextFireAt
		fireErr := e.fireClause(ctx, c, "t:"+scheduled)
		if fireErr != nil {
			e.logger().Printf("engine: fire clause %s at %s: %v", c.ID, scheduled, fireErr)
		}
		fired++
		if !fireRecorded(fireErr) {
			// No execution or approval row exists; keep next_fire_at so the
			// next pass retries this scheduled time.
			continue
		}
		var next *string
		if c.EverySeconds != nil {
			at, err := time.Parse(time.RFC3339, scheduled)
			if err != nil {
				at = now
			}
			n := at.Add(time.Duration(*c.EverySeconds) * time.Second).Format(time.RFC3339)
			next = &n
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return fired, err
		}
		if err := e.Repo.SetClauseNextFire(ctx, tx, c.ID, next); err != nil {
			tx.Rollback()
			return fired, err
		}
		if err := tx.Commit(); err != nil {
			return fired, err
		}
	}
	return fired, nil
}

// consumeEvents advances the per-agreement clause cursor over the event log,
// matching event-driven triggers in id order.
func (e Engine) consumeEvents(ctx context.Context, a domain.Agreement) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	cursor, err := e.Repo.ClauseCursorTx(ctx, tx, a.ID)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	tx.Rollback()

	log, err := e.Repo.EventsAfter(ctx, 200, cursor, a.ID)
	if err != nil {
		return 0, err
	}
	if len(log) == 0 {
		return 0, nil
	}
	clauses, err := e.Repo.ListClauses(ctx, a.ID, true)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, evt := range log {
		for _, c := range clauses {
			match, err := e.triggerMatches(ctx, c, evt)
			if err != nil {
				e.logger().Printf("engine: match clause %s event %d: %v", c.ID, evt.ID, err)
				continue
			}
			if !match {
				continue
			}
			factID := fmt.Sprintf("e:%d", evt.ID)
			fireErr := e.fireClause(ctx, c, factID)
			if fireErr != nil {
				e.logger().Printf("engine: fire clause %s event %d: %v", c.ID, evt.ID, fireErr)
			}
			fired++
			if !fireRecorded(fireErr) {
				// Leave the cursor behind this event so the next pass
				// replays it instead of skipping the fire.
				return fired, fireErr
			}
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return fired, err
		}
		if err := e.Repo.SetClauseCursor(ctx, tx, a.ID, evt.ID); err != nil {
			tx.Rollback()
			return fired, err
		}
		if err := tx.Commit(); err != nil {
			return fired, err
		}
	}
	return fired, nil
}

func (e Engine) triggerMatches(ctx context.Context, c domain.Clause, evt domain.Event) (bool, error) {
	switch c.TriggerType {
	case "milestone_completion":
		return evt.Type == events.TypeMilestoneCompleted && c.MilestoneID != nil && evt.EntityID == *c.MilestoneID, nil
	case "external_event":
		return evt.Type == events.TypeExternal && c.EventName != nil && evt.EntityID == *c.EventName, nil
	case "performance_threshold":
		if evt.Type != events.TypeMetricUpdated || c.KPIID == nil || evt.EntityID != *c.KPIID {
			return false, nil
		}
		def, err := e.Repo.GetKPIDefinition(ctx, *c.KPIID)
		if err != nil {
			return false, err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
		value, ok, err := e.Repo.KPIValueTx(ctx, tx, def.ID, def.Method)
		if err != nil || !ok {
			return false, err
		}
		if *c.Comparator == "lte" {
			return value <= *c.Threshold, nil
		}
		return value >= *c.Threshold, nil
	}
	return false, nil
}

// fireClause runs one clause for one trigger fact. A prior success for the
// same fact makes this a no-op; requires_approval clauses park a pending
// approval instead of acting. Every actual attempt leaves an execution
// record.
func (e Engine) fireClause(ctx context.Context, c domain.Clause, factID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	done, err := e.Repo.HasSuccessExecutionTx(ctx, tx, c.ID, factID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if done {
		tx.Rollback()
		return nil
	}
	if c.RequiresApproval {
		ap := domain.ClauseApproval{
			ID:          newID(),
			ClauseID:    c.ID,
			AgreementID: c.AgreementID,
			FactID:      factID,
			Status:      "pending",
			CreatedAt:   e.nowRFC3339(),
		}
		if err := e.Repo.InsertApproval(ctx, tx, ap); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := e.Events.Append(ctx, tx, events.TypeApprovalRequested, c.AgreementID, "clause", c.ID, "engine", events.EventPayload{"fact_id": factID}); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		e.notify(ctx, events.TypeApprovalRequested, c.AgreementID, "clause", c.ID, events.EventPayload{"fact_id": factID})
		return nil
	}
	tx.Rollback()
	return e.executeClause(ctx, c, factID)
}

// fireRecorded reports whether a fireClause attempt left a durable trail: a
// success or failure execution, a parked approval, or a prior success found
// by the dedup check. Fires without a trail must be replayed, not skipped.
func fireRecorded(err error) bool {
	if err == nil || errors.Is(err, ErrDuplicateExecution) {
		return true
	}
	var actionErr *ClauseActionError
	return errors.As(err, &actionErr)
}

// ApprovePending decides a parked approval. An approved decision executes
// the clause with the approval id as the fact, per at-most-once semantics on
// the approval itself.
func (e Engine) ApprovePending(ctx context.Context, approvalID string, approve bool, decidedBy string) error {
	ap, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if ap.Status != "pending" {
		return fmt.Errorf("approval %s already %s: %w", ap.ID, ap.Status, ErrInvalidTransition)
	}
	status := "rejected"
	if approve {
		status = "approved"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := e.Repo.DecideApproval(ctx, tx, ap.ID, status, decidedBy, e.nowRFC3339()); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if !approve {
		return nil
	}
	c, err := e.Repo.GetClause(ctx, ap.ClauseID)
	if err != nil {
		return err
	}
	return e.executeClause(ctx, c, ap.ID)
}

// RetryExecution re-runs a failed execution under a fresh operator-issued
// fact. It never re-fires the original fact.
func (e Engine) RetryExecution(ctx context.Context, executionID, actorID string) error {
	ex, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Outcome == "success" {
		return fmt.Errorf("execution %s already succeeded: %w", ex.ID, ErrInvalidTransition)
	}
	c, err := e.Repo.GetClause(ctx, ex.ClauseID)
	if err != nil {
		return err
	}
	return e.executeClause(ctx, c, "retry:"+ex.ID)
}

// executeClause performs the action and appends the execution record. The
// partial unique index on success rows is the idempotency backstop; a
// violation means another writer won the race and this attempt becomes a
// no-op.
func (e Engine) executeClause(ctx context.Context, c domain.Clause, factID string) error {
	outcome := "success"
	detail := ""
	var txRef *string

	ref, err := e.runAction(ctx, c, factID)
	if err != nil {
		outcome = "failure"
		detail = err.Error()
	}
	if ref != "" {
		txRef = &ref
	}
	tx, txErr := e.DB.BeginTx(ctx, nil)
	if txErr != nil {
		return txErr
	}
	defer tx.Rollback()
	ex := domain.ClauseExecution{
		ID:          newID(),
		ClauseID:    c.ID,
		AgreementID: c.AgreementID,
		FactID:      factID,
		Outcome:     outcome,
		TxRef:       txRef,
		Detail:      detail,
		CreatedAt:   e.nowRFC3339(),
	}
	if insErr := e.Repo.InsertExecution(ctx, tx, ex); insErr != nil {
		if repo.IsDuplicateExecution(insErr) {
			e.logger().Printf("engine: CRITICAL duplicate success for clause %s fact %s", c.ID, factID)
			return ErrDuplicateExecution
		}
		return insErr
	}
	if _, evErr := e.Events.Append(ctx, tx, events.TypeClauseExecuted, c.AgreementID, "clause", c.ID, "engine", events.EventPayload{
		"fact_id": factID, "outcome": outcome,
	}); evErr != nil {
		return evErr
	}
	if cmErr := tx.Commit(); cmErr != nil {
		return cmErr
	}
	if err != nil {
		return &ClauseActionError{ClauseID: c.ID, Action: c.ActionType, Err: err}
	}
	return nil
}

type milestoneParams struct {
	Title     string `json:"title"`
	DueAt     string `json:"due_at"`
	PayoutBps *int   `json:"payout_bps"`
}

type amendmentParams struct {
	TotalFunding *int64  `json:"total_funding"`
	EndsAt       *string `json:"ends_at"`
	NoticeDays   *int    `json:"notice_days"`
}

func (e Engine) runAction(ctx context.Context, c domain.Clause, factID string) (txRef string, err error) {
	switch c.ActionType {
	case "payment":
		return e.payClause(ctx, c, factID)
	case "notification":
		e.notify(ctx, "clause.notification", c.AgreementID, "clause", c.ID, events.EventPayload{"message": *c.Message})
		return "", nil
	case "milestone_creation":
		var p milestoneParams
		if err := json.Unmarshal([]byte(*c.ParamsJSON), &p); err != nil {
			return "", fmt.Errorf("milestone params: %w", err)
		}
		_, err := e.AddMilestone(ctx, MilestoneCreateOptions{
			AgreementID: c.AgreementID,
			Title:       p.Title,
			DueAt:       p.DueAt,
			PayoutBps:   p.PayoutBps,
			ActorID:     "clause:" + c.ID,
		})
		return "", err
	case "contract_amendment":
		var p amendmentParams
		if err := json.Unmarshal([]byte(*c.ParamsJSON), &p); err != nil {
			return "", fmt.Errorf("amendment params: %w", err)
		}
		return "", e.amendAgreement(ctx, c.AgreementID, p)
	case "dispute_initiation":
		var amount int64
		if c.Amount != nil {
			amount = *c.Amount
		}
		_, err := e.OpenDispute(ctx, DisputeOptions{
			AgreementID: c.AgreementID,
			Type:        "clause",
			Description: *c.Message,
			Amount:      amount,
			InitiatorID: "clause:" + c.ID,
		})
		return "", err
	case "contract_termination":
		reason := ""
		if c.Message != nil {
			reason = *c.Message
		}
		_, err := e.Terminate(ctx, c.AgreementID, reason, "clause:"+c.ID)
		return "", err
	}
	return "", fmt.Errorf("unknown action type %q", c.ActionType)
}

// payClause moves a fixed amount from releasable escrow to the recipient.
// The release row and the success execution share one transaction, so a
// crash cannot pay without recording or record without reserving.
func (e Engine) payClause(ctx context.Context, c domain.Clause, factID string) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, c.AgreementID)
	if err != nil {
		return "", err
	}
	released, err := e.Repo.ReleasedTotalTx(ctx, tx, a.ID)
	if err != nil {
		return "", err
	}
	frozen, err := e.Repo.FrozenTotalTx(ctx, tx, a.ID)
	if err != nil {
		return "", err
	}
	amount := *c.Amount
	if releasable := a.FundedAmount - released - frozen; amount > releasable {
		return "", fmt.Errorf("payment %d exceeds releasable %d", amount, releasable)
	}
	now := e.nowRFC3339()
	rel := domain.Release{
		ID:             newID(),
		AgreementID:    a.ID,
		RecipientID:    *c.RecipientID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey("clause", c.ID, factID),
		Status:         "requested",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertRelease(ctx, tx, rel); err != nil {
		return "", err
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeReleaseRequested, a.ID, "release", rel.ID, "clause:"+c.ID, events.EventPayload{
		"recipient_id": rel.RecipientID, "amount": amount,
	}); err != nil {
		return "", err
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	e.settleRelease(ctx, rel, a.Currency)
	settled, err := e.Repo.GetRelease(ctx, rel.ID)
	if err != nil {
		// The release is committed; only the tx ref readback failed.
		e.logger().Printf("engine: read release %s after settle: %v", rel.ID, err)
		return "", nil
	}
	if settled.TxRef != nil {
		return *settled.TxRef, nil
	}
	return "", nil
}

func (e Engine) amendAgreement(ctx context.Context, agreementID string, p amendmentParams) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if p.TotalFunding != nil {
		if *p.TotalFunding < a.FundedAmount {
			return fmt.Errorf("total funding %d below funded %d", *p.TotalFunding, a.FundedAmount)
		}
		a.TotalFunding = *p.TotalFunding
	}
	if p.EndsAt != nil {
		a.EndsAt = *p.EndsAt
	}
	if p.NoticeDays != nil {
		a.NoticeDays = *p.NoticeDays
	}
	a.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateAgreement(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}
