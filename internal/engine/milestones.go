package engine

import (
	"context"
	"errors"
	"fmt"

	"pactline/internal/domain"
	"pactline/internal/events"
)

func ensureMilestoneTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "in_progress" || newStatus == "overdue" || newStatus == "cancelled" || newStatus == "completed" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "overdue" || newStatus == "cancelled" {
			return nil
		}
	case "overdue":
		if newStatus == "in_progress" || newStatus == "completed" || newStatus == "cancelled" {
			return nil
		}
	}
	return invalidTransition("milestone", oldStatus, newStatus)
}

// MilestoneCreateOptions are parameters for adding a milestone.
type MilestoneCreateOptions struct {
	ID           string
	AgreementID  string
	Title        string
	Description  string
	DueAt        string
	PayoutBps    *int
	Deliverables []string
	ActorID      string
}

func (e Engine) AddMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if opts.Title == "" {
		return domain.Milestone{}, errors.New("title is required")
	}
	if opts.PayoutBps != nil && (*opts.PayoutBps < 0 || *opts.PayoutBps > 10000) {
		return domain.Milestone{}, fmt.Errorf("payout_bps %d out of range", *opts.PayoutBps)
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgreementTx(ctx, tx, opts.AgreementID)
	if err != nil {
		return domain.Milestone{}, err
	}
	switch a.Status {
	case "draft", "pending_signatures", "active":
	default:
		return domain.Milestone{}, fmt.Errorf("cannot add milestone in status %s: %w", a.Status, ErrInvalidTransition)
	}
	now := e.nowRFC3339()
	m := domain.Milestone{
		ID:          opts.ID,
		AgreementID: opts.AgreementID,
		Title:       opts.Title,
		Description: opts.Description,
		DueAt:       opts.DueAt,
		Status:      "pending",
		PayoutBps:   opts.PayoutBps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, fmt.Errorf("insert milestone: %w", err)
	}
	for i, title := range opts.Deliverables {
		if err := e.Repo.InsertDeliverable(ctx, tx, domain.Deliverable{
			ID:          newID(),
			MilestoneID: m.ID,
			Seq:         i + 1,
			Title:       title,
		}); err != nil {
			return domain.Milestone{}, fmt.Errorf("insert deliverable: %w", err)
		}
	}
	// A payout share backs the milestone with an automated completion
	// condition, so approving the milestone moves the funds.
	if opts.PayoutBps != nil && *opts.PayoutBps > 0 {
		pending, err := e.Repo.PendingBpsTx(ctx, tx, a.ID)
		if err != nil {
			return domain.Milestone{}, err
		}
		if pending+*opts.PayoutBps > 10000 {
			return domain.Milestone{}, fmt.Errorf("pending conditions already cover %d bps; adding %d exceeds 10000", pending, *opts.PayoutBps)
		}
		cond := domain.ReleaseCondition{
			ID:          newID(),
			AgreementID: a.ID,
			Type:        "milestone_completion",
			MilestoneID: &m.ID,
			RecipientID: a.CounterpartyID,
			Bps:         *opts.PayoutBps,
			Automated:   true,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertReleaseCondition(ctx, tx, cond); err != nil {
			return domain.Milestone{}, fmt.Errorf("insert payout condition: %w", err)
		}
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeMilestoneCreated, a.ID, "milestone", m.ID, opts.ActorID, events.EventPayload{"title": m.Title}); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// AddDeliverable appends a deliverable to an existing milestone.
func (e Engine) AddDeliverable(ctx context.Context, milestoneID, title string, acceptance []string, actorID string) (domain.Deliverable, error) {
	if title == "" {
		return domain.Deliverable{}, errors.New("title is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	if m.Status == "completed" || m.Status == "cancelled" {
		return domain.Deliverable{}, fmt.Errorf("milestone %s is %s: %w", m.ID, m.Status, ErrInvalidTransition)
	}
	existing, err := e.Repo.ListDeliverables(ctx, milestoneID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	d := domain.Deliverable{
		ID:          newID(),
		MilestoneID: milestoneID,
		Seq:         len(existing) + 1,
		Title:       title,
		Acceptance:  acceptance,
	}
	if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
		return domain.Deliverable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, err
	}
	return d, nil
}

// SubmitDeliverable stores the submitted content in the content store and
// records the ref on the deliverable. The first submission moves the
// milestone from pending to in_progress.
func (e Engine) SubmitDeliverable(ctx context.Context, deliverableID string, content []byte, actorID string) (domain.Deliverable, error) {
	if len(content) == 0 {
		return domain.Deliverable{}, errors.New("submission content is empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDeliverableTx(ctx, tx, deliverableID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, d.MilestoneID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	a, err := e.Repo.GetAgreementTx(ctx, tx, m.AgreementID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	if a.Status != "active" && a.Status != "disputed" {
		return domain.Deliverable{}, fmt.Errorf("agreement is %s: %w", a.Status, ErrInvalidTransition)
	}
	if m.Status == "completed" || m.Status == "cancelled" {
		return domain.Deliverable{}, fmt.Errorf("milestone %s is %s: %w", m.ID, m.Status, ErrInvalidTransition)
	}
	ref, err := e.Content.Put(content)
	if err != nil {
		return domain.Deliverable{}, fmt.Errorf("store submission: %w", err)
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateDeliverableSubmission(ctx, tx, d.ID, ref, now, actorID); err != nil {
		return domain.Deliverable{}, err
	}
	d.SubmissionRef = &ref
	d.SubmittedAt = &now
	d.SubmittedBy = &actorID
	if m.Status == "pending" {
		m.Status = "in_progress"
		m.UpdatedAt = now
		if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
			return domain.Deliverable{}, err
		}
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeDeliverableSubmit, a.ID, "deliverable", d.ID, actorID, events.EventPayload{"milestone_id": m.ID, "ref": ref}); err != nil {
		return domain.Deliverable{}, err
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.Deliverable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, err
	}
	return d, nil
}

// ApproveMilestone is the only path to completed. The status guard makes the
// milestone.completed event fire exactly once per milestone.
func (e Engine) ApproveMilestone(ctx context.Context, milestoneID, actorID string) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	a, err := e.Repo.GetAgreementTx(ctx, tx, m.AgreementID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if a.Status != "active" && a.Status != "disputed" {
		return domain.Milestone{}, fmt.Errorf("agreement is %s: %w", a.Status, ErrInvalidTransition)
	}
	if err := ensureMilestoneTransition(m.Status, "completed"); err != nil {
		return domain.Milestone{}, err
	}
	now := e.nowRFC3339()
	m.Status = "completed"
	m.CompletedAt = &now
	m.UpdatedAt = now
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeMilestoneCompleted, a.ID, "milestone", m.ID, actorID, events.EventPayload{"title": m.Title}); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	e.notify(ctx, events.TypeMilestoneCompleted, a.ID, "milestone", m.ID, events.EventPayload{"title": m.Title})
	e.react(ctx, a.ID)
	return m, nil
}

// RequestRevision reopens a milestone with a new deadline. Prior submissions
// stay on record.
func (e Engine) RequestRevision(ctx context.Context, milestoneID, deadline, note, actorID string) (domain.Revision, error) {
	if deadline == "" {
		return domain.Revision{}, errors.New("deadline is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Revision{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Revision{}, err
	}
	a, err := e.Repo.GetAgreementTx(ctx, tx, m.AgreementID)
	if err != nil {
		return domain.Revision{}, err
	}
	if m.Status != "in_progress" && m.Status != "overdue" {
		return domain.Revision{}, fmt.Errorf("milestone %s is %s: %w", m.ID, m.Status, ErrInvalidTransition)
	}
	now := e.nowRFC3339()
	rev := domain.Revision{
		ID:          newID(),
		MilestoneID: m.ID,
		Deadline:    deadline,
		Note:        note,
		RequestedBy: actorID,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertRevision(ctx, tx, rev); err != nil {
		return domain.Revision{}, err
	}
	m.Status = "in_progress"
	m.DueAt = deadline
	m.UpdatedAt = now
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Revision{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeRevisionRequested, a.ID, "milestone", m.ID, actorID, events.EventPayload{"deadline": deadline}); err != nil {
		return domain.Revision{}, err
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.Revision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Revision{}, err
	}
	return rev, nil
}

// CancelMilestone takes a milestone out of scope. Completed milestones stay
// completed.
func (e Engine) CancelMilestone(ctx context.Context, milestoneID, actorID string) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := ensureMilestoneTransition(m.Status, "cancelled"); err != nil {
		return domain.Milestone{}, err
	}
	a, err := e.Repo.GetAgreementTx(ctx, tx, m.AgreementID)
	if err != nil {
		return domain.Milestone{}, err
	}
	m.Status = "cancelled"
	m.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeMilestoneCancelled, a.ID, "milestone", m.ID, actorID, nil); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.touchAgreementTx(ctx, tx, a); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// MarkOverdueMilestones flags pending and in_progress milestones past their
// due date. Each milestone gets one overdue event; once flagged the query no
// longer matches it.
func (e Engine) MarkOverdueMilestones(ctx context.Context) (int, error) {
	due, err := e.Repo.OverdueMilestones(ctx, e.nowRFC3339())
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, m := range due {
		if err := e.markOverdue(ctx, m); err != nil {
			e.logger().Printf("engine: mark overdue %s: %v", m.ID, err)
			continue
		}
		marked++
		e.notify(ctx, events.TypeMilestoneOverdue, m.AgreementID, "milestone", m.ID, events.EventPayload{"title": m.Title})
	}
	return marked, nil
}

func (e Engine) markOverdue(ctx context.Context, m domain.Milestone) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetMilestoneTx(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	if cur.Status != "pending" && cur.Status != "in_progress" {
		return nil
	}
	cur.Status = "overdue"
	cur.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateMilestone(ctx, tx, cur); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, events.TypeMilestoneOverdue, cur.AgreementID, "milestone", cur.ID, "scheduler", events.EventPayload{"due_at": cur.DueAt}); err != nil {
		return err
	}
	return tx.Commit()
}

// react runs escrow and clause evaluation after a committed mutation.
// Failures are logged; the committed mutation stands and the next tick will
// evaluate again.
func (e Engine) react(ctx context.Context, agreementID string) {
	if _, err := e.EvaluateEscrow(ctx, agreementID); err != nil {
		e.logger().Printf("engine: evaluate escrow %s: %v", agreementID, err)
	}
	if _, err := e.EvaluateClauses(ctx, agreementID); err != nil {
		e.logger().Printf("engine: evaluate clauses %s: %v", agreementID, err)
	}
}
