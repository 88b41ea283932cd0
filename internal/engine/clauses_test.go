package engine_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"pactline/internal/engine"
)

func addNotifyClause(t *testing.T, env testEnv, agreementID, eventName string) string {
	t.Helper()
	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: agreementID,
		Name:        "notify on " + eventName,
		TriggerType: "external_event",
		EventName:   eventName,
		ActionType:  "notification",
		Message:     "event received",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	return c.ID
}

func TestExternalEventClauseFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)
	clauseID := addNotifyClause(t, env, id, "shipment_arrived")

	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "shipment_arrived", map[string]any{"port": "rotterdam"}, "bob"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	exs, err := env.Engine.Repo.ListExecutions(env.Ctx, id, clauseID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(exs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(exs))
	}
	if exs[0].Outcome != "success" {
		t.Fatalf("expected success, got %s (%s)", exs[0].Outcome, exs[0].Detail)
	}

	// Re-running the evaluator must not replay the consumed event.
	fired, err := env.Engine.EvaluateClauses(env.Ctx, id)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 0 {
		t.Fatalf("expected no fires on re-evaluation, got %d", fired)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, clauseID)
	if len(exs) != 1 {
		t.Fatalf("expected still 1 execution, got %d", len(exs))
	}

	// A distinct occurrence is a new fact and fires again.
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "shipment_arrived", nil, "bob"); err != nil {
		t.Fatalf("second event: %v", err)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, clauseID)
	if len(exs) != 2 {
		t.Fatalf("expected 2 executions after second occurrence, got %d", len(exs))
	}
}

func TestExternalEventRequiresActiveAgreement(t *testing.T) {
	env := newTestEnv(t)
	id := newAgreement(t, env, 10000)
	err := env.Engine.RecordExternalEvent(env.Ctx, id, "go_live", nil, "acme")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on draft, got %v", err)
	}
}

func TestInactiveClauseDoesNotFire(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)
	clauseID := addNotifyClause(t, env, id, "audit_passed")

	if err := env.Engine.SetClauseActive(env.Ctx, clauseID, false, "acme"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "audit_passed", nil, "bob"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, clauseID)
	if len(exs) != 0 {
		t.Fatalf("inactive clause fired: %d executions", len(exs))
	}

	// Re-activation applies to future facts only; the consumed event stays
	// behind the cursor.
	if err := env.Engine.SetClauseActive(env.Ctx, clauseID, true, "acme"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := env.Engine.EvaluateClauses(env.Ctx, id); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, clauseID)
	if len(exs) != 0 {
		t.Fatalf("expected no backfill after reactivation, got %d", len(exs))
	}
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "audit_passed", nil, "bob"); err != nil {
		t.Fatalf("second event: %v", err)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, clauseID)
	if len(exs) != 1 {
		t.Fatalf("expected 1 execution after reactivation, got %d", len(exs))
	}
}

func TestTimeClauseOneShotAndRecurring(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	oneShot, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "go-live reminder",
		TriggerType: "time_based",
		ScheduleAt:  "2026-03-02T00:00:00Z",
		ActionType:  "notification",
		Message:     "go live",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add one-shot: %v", err)
	}
	recurring, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID:  id,
		Name:         "hourly ping",
		TriggerType:  "time_based",
		EverySeconds: 3600,
		ActionType:   "notification",
		Message:      "ping",
		ActorID:      "acme",
	})
	if err != nil {
		t.Fatalf("add recurring: %v", err)
	}

	fired, err := env.Engine.EvaluateClauses(env.Ctx, id)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 0 {
		t.Fatalf("nothing is due yet, got %d fires", fired)
	}

	env.Engine.Now = func() time.Time { return time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC) }

	if _, err := env.Engine.EvaluateClauses(env.Ctx, id); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	c, err := env.Engine.Repo.GetClause(env.Ctx, oneShot.ID)
	if err != nil {
		t.Fatalf("get one-shot: %v", err)
	}
	if c.NextFireAt != nil {
		t.Fatalf("one-shot should clear next fire, got %s", *c.NextFireAt)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, oneShot.ID)
	if len(exs) != 1 || exs[0].FactID != "t:2026-03-02T00:00:00Z" {
		t.Fatalf("unexpected one-shot executions: %+v", exs)
	}

	// The recurring clause advances one period per pass until it catches up.
	for i := 0; i < 40; i++ {
		n, err := env.Engine.EvaluateClauses(env.Ctx, id)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if n == 0 {
			break
		}
	}
	c, err = env.Engine.Repo.GetClause(env.Ctx, recurring.ID)
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	if c.NextFireAt == nil || *c.NextFireAt != "2026-03-02T15:00:00Z" {
		t.Fatalf("recurring should land on the next future slot, got %v", c.NextFireAt)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, recurring.ID)
	// First slot was 2026-03-01T13:00:00Z, last 2026-03-02T14:00:00Z.
	if len(exs) != 26 {
		t.Fatalf("expected 26 recurring fires, got %d", len(exs))
	}
	seen := map[string]bool{}
	for _, ex := range exs {
		if seen[ex.FactID] {
			t.Fatalf("duplicate fact %s", ex.FactID)
		}
		seen[ex.FactID] = true
	}
}

func TestPaymentClauseCreatesRelease(t *testing.T) {
	env := newTestEnv(t)
	led := newFakeLedger()
	id := activeAgreement(t, env, 10000)
	env.Engine.Ledger = led

	amount := int64(2000)
	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "arrival bonus",
		TriggerType: "external_event",
		EventName:   "cargo_delivered",
		ActionType:  "payment",
		RecipientID: "bob",
		Amount:      &amount,
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "cargo_delivered", nil, "bob"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	rels, err := env.Engine.Repo.ListReleases(env.Ctx, id)
	if err != nil {
		t.Fatalf("list releases: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 release, got %d", len(rels))
	}
	rel := rels[0]
	if rel.Amount != amount || rel.RecipientID != "bob" {
		t.Fatalf("unexpected release %+v", rel)
	}
	if rel.Status != "confirmed" || rel.TxRef == nil {
		t.Fatalf("release not settled: %+v", rel)
	}
	if got := led.count(rel.IdempotencyKey); got != 1 {
		t.Fatalf("expected exactly one ledger submission, got %d", got)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "success" || exs[0].TxRef == nil {
		t.Fatalf("unexpected executions: %+v", exs)
	}
	st, err := env.Engine.EscrowStatus(env.Ctx, id)
	if err != nil {
		t.Fatalf("escrow status: %v", err)
	}
	if st.Released != amount || st.Releasable != 10000-amount {
		t.Fatalf("escrow not debited: %+v", st)
	}
}

func TestPaymentClauseFailureAndRetry(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	amount := int64(12000)
	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "oversized payout",
		TriggerType: "external_event",
		EventName:   "done",
		ActionType:  "payment",
		RecipientID: "bob",
		Amount:      &amount,
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "done", nil, "bob"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "failure" {
		t.Fatalf("expected 1 failed execution, got %+v", exs)
	}
	rels, _ := env.Engine.Repo.ListReleases(env.Ctx, id)
	if len(rels) != 0 {
		t.Fatalf("failed payment must not leave a release, got %d", len(rels))
	}

	err = env.Engine.RetryExecution(env.Ctx, exs[0].ID, "acme")
	var actionErr *engine.ClauseActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("expected clause action error on retry, got %v", err)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 2 {
		t.Fatalf("retry should record its own attempt, got %d", len(exs))
	}
	var retried bool
	for _, ex := range exs {
		if ex.FactID == "retry:"+exs[1].ID || ex.FactID == "retry:"+exs[0].ID {
			retried = true
		}
	}
	if !retried {
		t.Fatalf("retry attempt missing retry fact: %+v", exs)
	}
}

func TestRetrySucceededExecutionRejected(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)
	clauseID := addNotifyClause(t, env, id, "ok")
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "ok", nil, "bob"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, clauseID)
	if len(exs) != 1 || exs[0].Outcome != "success" {
		t.Fatalf("expected 1 success, got %+v", exs)
	}
	err := env.Engine.RetryExecution(env.Ctx, exs[0].ID, "acme")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestApprovalGateParksAndExecutes(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	amount := int64(1500)
	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID:      id,
		Name:             "guarded payout",
		TriggerType:      "external_event",
		EventName:        "inspection_passed",
		ActionType:       "payment",
		RecipientID:      "bob",
		Amount:           &amount,
		RequiresApproval: true,
		ActorID:          "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "inspection_passed", nil, "bob"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 0 {
		t.Fatalf("gated clause must not execute before approval, got %d", len(exs))
	}
	aps, err := env.Engine.Repo.ListApprovals(env.Ctx, id, "pending")
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(aps) != 1 || aps[0].ClauseID != c.ID {
		t.Fatalf("expected 1 pending approval, got %+v", aps)
	}

	if err := env.Engine.ApprovePending(env.Ctx, aps[0].ID, true, "acme"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "success" || exs[0].FactID != aps[0].ID {
		t.Fatalf("unexpected executions after approval: %+v", exs)
	}
	rels, _ := env.Engine.Repo.ListReleases(env.Ctx, id)
	if len(rels) != 1 || rels[0].Amount != amount {
		t.Fatalf("expected one release of %d, got %+v", amount, rels)
	}

	// Deciding twice is a conflict.
	err = env.Engine.ApprovePending(env.Ctx, aps[0].ID, true, "acme")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on double decide, got %v", err)
	}
}

func TestApprovalRejectionSkipsExecution(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID:      id,
		Name:             "guarded notice",
		TriggerType:      "external_event",
		EventName:        "escalation",
		ActionType:       "notification",
		Message:          "escalated",
		RequiresApproval: true,
		ActorID:          "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "escalation", nil, "bob"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	aps, _ := env.Engine.Repo.ListApprovals(env.Ctx, id, "pending")
	if len(aps) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(aps))
	}
	if err := env.Engine.ApprovePending(env.Ctx, aps[0].ID, false, "acme"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 0 {
		t.Fatalf("rejected approval must not execute, got %d", len(exs))
	}
}

func TestMilestoneCompletionTrigger(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	m, err := env.Engine.AddMilestone(env.Ctx, engine.MilestoneCreateOptions{
		AgreementID: id,
		Title:       "Design handoff",
		DueAt:       "2026-04-01T00:00:00Z",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "handoff notice",
		TriggerType: "milestone_completion",
		MilestoneID: m.ID,
		ActionType:  "notification",
		Message:     "handoff complete",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, m.ID, "acme"); err != nil {
		t.Fatalf("approve milestone: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "success" {
		t.Fatalf("expected 1 success on milestone completion, got %+v", exs)
	}
}

func TestPerformanceThresholdTrigger(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	kpi, err := env.Engine.DefineKPI(env.Ctx, engine.KPICreateOptions{
		AgreementID: id,
		Name:        "uptime",
		Unit:        "%",
		Target:      99.5,
		Method:      "latest",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("define kpi: %v", err)
	}
	threshold := 99.5
	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "uptime met",
		TriggerType: "performance_threshold",
		KPIID:       kpi.ID,
		Comparator:  "gte",
		Threshold:   &threshold,
		ActionType:  "notification",
		Message:     "uptime target met",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}

	if _, err := env.Engine.RecordObservation(env.Ctx, engine.ObservationOptions{
		KPIID: kpi.ID, Value: 97.0, Verified: true, ActorID: "monitor",
	}); err != nil {
		t.Fatalf("record low observation: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 0 {
		t.Fatalf("below threshold must not fire, got %d", len(exs))
	}

	if _, err := env.Engine.RecordObservation(env.Ctx, engine.ObservationOptions{
		KPIID: kpi.ID, Value: 99.9, Verified: true, ActorID: "monitor",
	}); err != nil {
		t.Fatalf("record high observation: %v", err)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "success" {
		t.Fatalf("expected 1 fire at threshold, got %+v", exs)
	}
}

func TestMutualAgreementClause(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "joint sign-off",
		TriggerType: "mutual_agreement",
		ActionType:  "notification",
		Message:     "both parties signed off",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}

	if err := env.Engine.Confirm(env.Ctx, "clause", c.ID, "eve"); err == nil {
		t.Fatal("non-party confirmation must be rejected")
	}
	if err := env.Engine.Confirm(env.Ctx, "clause", c.ID, "acme"); err != nil {
		t.Fatalf("issuer confirm: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 0 {
		t.Fatalf("one confirmation must not fire, got %d", len(exs))
	}
	if err := env.Engine.Confirm(env.Ctx, "clause", c.ID, "bob"); err != nil {
		t.Fatalf("counterparty confirm: %v", err)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "success" {
		t.Fatalf("expected 1 fire after both confirmations, got %+v", exs)
	}
}

func TestMutualAgreementReconfirmPaysOnce(t *testing.T) {
	env := newTestEnv(t)
	led := newFakeLedger()
	id := activeAgreement(t, env, 10000)
	env.Engine.Ledger = led

	amount := int64(3000)
	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "settlement on sign-off",
		TriggerType: "mutual_agreement",
		ActionType:  "payment",
		RecipientID: "bob",
		Amount:      &amount,
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	if err := env.Engine.Confirm(env.Ctx, "clause", c.ID, "acme"); err != nil {
		t.Fatalf("issuer confirm: %v", err)
	}
	if err := env.Engine.Confirm(env.Ctx, "clause", c.ID, "bob"); err != nil {
		t.Fatalf("counterparty confirm: %v", err)
	}
	rels, err := env.Engine.Repo.ListReleases(env.Ctx, id)
	if err != nil {
		t.Fatalf("list releases: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 release, got %d", len(rels))
	}

	// Either party repeating their confirmation replays the completed pair,
	// not a fresh fact.
	if err := env.Engine.Confirm(env.Ctx, "clause", c.ID, "acme"); err != nil {
		t.Fatalf("issuer re-confirm: %v", err)
	}
	if err := env.Engine.Confirm(env.Ctx, "clause", c.ID, "bob"); err != nil {
		t.Fatalf("counterparty re-confirm: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "success" {
		t.Fatalf("expected 1 execution after re-confirms, got %+v", exs)
	}
	rels, _ = env.Engine.Repo.ListReleases(env.Ctx, id)
	if len(rels) != 1 {
		t.Fatalf("expected 1 release after re-confirms, got %d", len(rels))
	}
	if got := led.count(rels[0].IdempotencyKey); got != 1 {
		t.Fatalf("expected exactly one ledger submission, got %d", got)
	}
	st, err := env.Engine.EscrowStatus(env.Ctx, id)
	if err != nil {
		t.Fatalf("escrow status: %v", err)
	}
	if st.Released != amount {
		t.Fatalf("expected %d released, got %d", amount, st.Released)
	}
}

func TestTimeClauseFailedActionAdvancesOnce(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	amount := int64(20000)
	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "oversized scheduled payout",
		TriggerType: "time_based",
		ScheduleAt:  "2026-03-01T08:00:00Z",
		ActionType:  "payment",
		RecipientID: "bob",
		Amount:      &amount,
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	if _, err := env.Engine.EvaluateClauses(env.Ctx, id); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "failure" {
		t.Fatalf("expected 1 failed execution, got %+v", exs)
	}
	// A recorded failure is a durable attempt; the one-shot schedule clears
	// and the fact is not replayed.
	got, err := env.Engine.Repo.GetClause(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get clause: %v", err)
	}
	if got.NextFireAt != nil {
		t.Fatalf("failed one-shot should still clear next fire, got %s", *got.NextFireAt)
	}
	if _, err := env.Engine.EvaluateClauses(env.Ctx, id); err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	exs, _ = env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 {
		t.Fatalf("expected no replay of the failed fact, got %d executions", len(exs))
	}
}

func TestConcurrentEvaluationFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "due notice",
		TriggerType: "time_based",
		ScheduleAt:  "2026-03-01T09:00:00Z",
		ActionType:  "notification",
		Message:     "due",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}

	// Racing evaluators contend on the same scheduled fact; busy errors are
	// acceptable, a second success execution is not.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.Engine.EvaluateClauses(env.Ctx, id)
		}()
	}
	wg.Wait()
	if _, err := env.Engine.EvaluateClauses(env.Ctx, id); err != nil {
		t.Fatalf("settling pass: %v", err)
	}

	exs, err := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(exs) != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", len(exs))
	}
	if exs[0].Outcome != "success" || exs[0].FactID != "t:2026-03-01T09:00:00Z" {
		t.Fatalf("unexpected execution: %+v", exs[0])
	}
	got, err := env.Engine.Repo.GetClause(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get clause: %v", err)
	}
	if got.NextFireAt != nil {
		t.Fatalf("one-shot should clear next fire, got %s", *got.NextFireAt)
	}
}

func TestClauseMilestoneCreationAction(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	c, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "follow-up work",
		TriggerType: "external_event",
		EventName:   "phase_one_done",
		ActionType:  "milestone_creation",
		ParamsJSON:  `{"title":"Phase two","due_at":"2026-05-01T00:00:00Z"}`,
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add clause: %v", err)
	}
	if err := env.Engine.RecordExternalEvent(env.Ctx, id, "phase_one_done", nil, "bob"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	ms, err := env.Engine.Repo.ListMilestones(env.Ctx, id)
	if err != nil {
		t.Fatalf("list milestones: %v", err)
	}
	if len(ms) != 1 || ms[0].Title != "Phase two" {
		t.Fatalf("expected clause-created milestone, got %+v", ms)
	}
	exs, _ := env.Engine.Repo.ListExecutions(env.Ctx, id, c.ID)
	if len(exs) != 1 || exs[0].Outcome != "success" {
		t.Fatalf("unexpected executions: %+v", exs)
	}
}

func TestClauseValidation(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	cases := []engine.ClauseCreateOptions{
		{AgreementID: id, TriggerType: "external_event", EventName: "x", ActionType: "notification", Message: "m"},
		{AgreementID: id, Name: "n", TriggerType: "lunar_phase", ActionType: "notification", Message: "m"},
		{AgreementID: id, Name: "n", TriggerType: "external_event", ActionType: "notification", Message: "m", EventName: ""},
		{AgreementID: id, Name: "n", TriggerType: "external_event", EventName: "x", ActionType: "payment", RecipientID: "bob"},
		{AgreementID: id, Name: "n", TriggerType: "performance_threshold", KPIID: "k", Comparator: "eq", Threshold: new(float64), ActionType: "notification", Message: "m"},
		{AgreementID: id, Name: "n", TriggerType: "time_based", ActionType: "notification", Message: "m"},
		{AgreementID: id, Name: "n", TriggerType: "external_event", EventName: "x", ActionType: "milestone_creation", ParamsJSON: "{not json"},
	}
	for i, opts := range cases {
		opts.ActorID = "acme"
		if _, err := env.Engine.AddClause(env.Ctx, opts); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestClauseFrozenAfterClose(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)
	if _, err := env.Engine.Terminate(env.Ctx, id, "wind down", "acme"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	_, err := env.Engine.AddClause(env.Ctx, engine.ClauseCreateOptions{
		AgreementID: id,
		Name:        "late clause",
		TriggerType: "external_event",
		EventName:   "x",
		ActionType:  "notification",
		Message:     "m",
		ActorID:     "acme",
	})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
