package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine. Clause triggers key off these names.
const (
	TypeAgreementCreated    = "agreement.created"
	TypeAgreementSigned     = "agreement.signed"
	TypeAgreementActivated  = "agreement.activated"
	TypeAgreementCompleted  = "agreement.completed"
	TypeAgreementTerminated = "agreement.terminated"
	TypeEscrowFunded        = "escrow.funded"
	TypeMilestoneCreated    = "milestone.created"
	TypeMilestoneCompleted  = "milestone.completed"
	TypeMilestoneOverdue    = "milestone.overdue"
	TypeMilestoneCancelled  = "milestone.cancelled"
	TypeDeliverableSubmit   = "deliverable.submitted"
	TypeRevisionRequested   = "milestone.revision_requested"
	TypeClauseExecuted      = "clause.executed"
	TypeApprovalRequested   = "clause.approval_requested"
	TypeConfirmation        = "confirmation.recorded"
	TypeReleaseSettled      = "release.settled"
	TypeMetricUpdated       = "metric.updated"
	TypeReleaseRequested    = "release.requested"
	TypeDisputeOpened       = "dispute.opened"
	TypeDisputeResolved     = "dispute.resolved"
	TypeExternal            = "external"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside the caller's transaction and returns its id.
// The per-agreement id order is the order the clause engine consumes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, agreementID, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,agreement_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(agreementID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
