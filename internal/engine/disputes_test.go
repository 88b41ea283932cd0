package engine_test

import (
	"bytes"
	"errors"
	"testing"

	"pactline/internal/engine"
)

func TestDisputeFreezesEscrow(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	_, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 0, Description: "empty", InitiatorID: "bob",
	})
	if !errors.Is(err, engine.ErrInvalidDisputeAmount) {
		t.Fatalf("expected invalid amount for zero, got %v", err)
	}

	d, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Type: "quality", Amount: 3000, Description: "late delivery", InitiatorID: "bob",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if d.PaidAdjustment != 0 {
		t.Fatalf("fully escrow-backed claim should carry no paid adjustment, got %d", d.PaidAdjustment)
	}
	a, err := env.Engine.Repo.GetAgreement(env.Ctx, id)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if a.Status != "disputed" {
		t.Fatalf("expected disputed, got %s", a.Status)
	}
	st, err := env.Engine.EscrowStatus(env.Ctx, id)
	if err != nil {
		t.Fatalf("escrow status: %v", err)
	}
	if st.Frozen != 3000 || st.Releasable != 7000 {
		t.Fatalf("unexpected escrow: %+v", st)
	}

	// A second claim cannot exceed what is left plus what was paid.
	_, err = env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 8000, Description: "too big", InitiatorID: "acme",
	})
	if !errors.Is(err, engine.ErrInvalidDisputeAmount) {
		t.Fatalf("expected invalid amount for oversized claim, got %v", err)
	}
}

func TestDisputedAgreementCannotClose(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)
	if _, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 1000, Description: "hold", InitiatorID: "bob",
	}); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, id, "acme"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected complete blocked, got %v", err)
	}
	if _, err := env.Engine.Terminate(env.Ctx, id, "give up", "acme"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected terminate blocked, got %v", err)
	}
}

func TestResolveSplitsFrozenAmount(t *testing.T) {
	env := newTestEnv(t)
	led := newFakeLedger()
	id := activeAgreement(t, env, 10000)
	env.Engine.Ledger = led

	d, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 4000, Description: "partial refund", InitiatorID: "acme",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	if _, err := env.Engine.ResolveDispute(env.Ctx, d.ID, 1000, 1000, 1000, "split", "arbiter"); !errors.Is(err, engine.ErrInvalidDisputeAmount) {
		t.Fatalf("expected split-sum mismatch, got %v", err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, d.ID, -1, 4001, 0, "bad", "arbiter"); !errors.Is(err, engine.ErrInvalidDisputeAmount) {
		t.Fatalf("expected negative leg rejected, got %v", err)
	}

	res, err := env.Engine.ResolveDispute(env.Ctx, d.ID, 2500, 1000, 500, "issuer refund", "arbiter")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Status != "resolved" || res.ToIssuer != 2500 || res.ToCounterparty != 1000 || res.ToEscrow != 500 {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	a, _ := env.Engine.Repo.GetAgreement(env.Ctx, id)
	if a.Status != "active" {
		t.Fatalf("expected active after last resolution, got %s", a.Status)
	}

	rels, err := env.Engine.Repo.ListReleases(env.Ctx, id)
	if err != nil {
		t.Fatalf("list releases: %v", err)
	}
	if len(rels) != 2 {
		t.Fatalf("expected one release per payout leg, got %d", len(rels))
	}
	byRecipient := map[string]int64{}
	for _, rel := range rels {
		if rel.Status != "confirmed" || rel.DisputeID == nil || *rel.DisputeID != d.ID {
			t.Fatalf("release not settled against dispute: %+v", rel)
		}
		byRecipient[rel.RecipientID] = rel.Amount
	}
	if byRecipient["acme"] != 2500 || byRecipient["bob"] != 1000 {
		t.Fatalf("unexpected payout split: %v", byRecipient)
	}

	st, err := env.Engine.EscrowStatus(env.Ctx, id)
	if err != nil {
		t.Fatalf("escrow status: %v", err)
	}
	if st.Frozen != 0 {
		t.Fatalf("freeze must lift on resolution, got %d", st.Frozen)
	}
	if st.Released != 3500 || st.Releasable != 6500 {
		t.Fatalf("unexpected balances after resolution: %+v", st)
	}
	if st.Funded != st.Released+st.Frozen+st.Releasable {
		t.Fatalf("escrow invariant broken: %+v", st)
	}

	// Re-resolving is a conflict.
	if _, err := env.Engine.ResolveDispute(env.Ctx, d.ID, 0, 0, 4000, "again", "arbiter"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on re-resolve, got %v", err)
	}
}

func TestPaidAdjustmentCapsPayouts(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	m, err := env.Engine.AddMilestone(env.Ctx, engine.MilestoneCreateOptions{
		AgreementID: id, Title: "Launch", DueAt: "2026-04-01T00:00:00Z", ActorID: "acme",
	})
	if err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	if _, err := env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id, Type: "milestone_completion", MilestoneID: m.ID,
		RecipientID: "bob", Bps: 4000, Automated: true, ActorID: "acme",
	}); err != nil {
		t.Fatalf("add condition: %v", err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, m.ID, "acme"); err != nil {
		t.Fatalf("approve milestone: %v", err)
	}
	st, _ := env.Engine.EscrowStatus(env.Ctx, id)
	if st.Released != 4000 || st.Releasable != 6000 {
		t.Fatalf("expected 4000 released before dispute, got %+v", st)
	}

	// 8000 claimed against 6000 releasable: 2000 is a claim on paid funds.
	d, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 8000, Description: "clawback", InitiatorID: "acme",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if d.PaidAdjustment != 2000 {
		t.Fatalf("expected paid adjustment 2000, got %d", d.PaidAdjustment)
	}
	st, _ = env.Engine.EscrowStatus(env.Ctx, id)
	if st.Frozen != 6000 || st.Releasable != 0 {
		t.Fatalf("only the escrow-backed part freezes: %+v", st)
	}

	// Payout legs cannot draw on the paid part.
	_, err = env.Engine.ResolveDispute(env.Ctx, d.ID, 7000, 1000, 0, "too much", "arbiter")
	if !errors.Is(err, engine.ErrInvalidDisputeAmount) {
		t.Fatalf("expected payout cap error, got %v", err)
	}
	res, err := env.Engine.ResolveDispute(env.Ctx, d.ID, 5000, 1000, 2000, "clawback settled off ledger", "arbiter")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Status != "resolved" {
		t.Fatalf("expected resolved, got %s", res.Status)
	}
	st, _ = env.Engine.EscrowStatus(env.Ctx, id)
	if st.Frozen != 0 || st.Released != 10000 || st.Releasable != 0 {
		t.Fatalf("unexpected balances after clawback: %+v", st)
	}
}

func TestDisputeLifecycleAndEvidence(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	d, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 2000, Description: "scope creep", InitiatorID: "bob",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	doc := []byte("signed statement of work, revision 3")
	ev, err := env.Engine.AddEvidence(env.Ctx, d.ID, "document", doc, "original scope", "bob")
	if err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	got, err := env.Engine.Content.Get(ev.ContentRef)
	if err != nil || !bytes.Equal(got, doc) {
		t.Fatalf("evidence content not retrievable: %v", err)
	}

	if _, err := env.Engine.ReviewDispute(env.Ctx, d.ID, "arbiter"); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := env.Engine.EscalateDispute(env.Ctx, d.ID, "arbiter"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if _, err := env.Engine.ReviewDispute(env.Ctx, d.ID, "arbiter"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("escalated cannot go back to review, got %v", err)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, d.ID, 0, 0, 2000, "withdrawn", "arbiter"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := env.Engine.AddEvidence(env.Ctx, d.ID, "note", nil, "late addition", "bob"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected evidence frozen after resolution, got %v", err)
	}
	evs, err := env.Engine.Repo.ListEvidence(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("list evidence: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 evidence item, got %d", len(evs))
	}
}

func TestMilestonePayoutThenDisputeSplit(t *testing.T) {
	env := newTestEnv(t)
	led := newFakeLedger()
	id := activeAgreement(t, env, 10000)
	env.Engine.Ledger = led

	m, err := env.Engine.AddMilestone(env.Ctx, engine.MilestoneCreateOptions{
		AgreementID: id, Title: "Beta release", DueAt: "2026-04-01T00:00:00Z", ActorID: "acme",
	})
	if err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	if _, err := env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id, Type: "milestone_completion", MilestoneID: m.ID,
		RecipientID: "bob", Bps: 4000, Automated: true, ActorID: "acme",
	}); err != nil {
		t.Fatalf("add condition: %v", err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, m.ID, "acme"); err != nil {
		t.Fatalf("approve milestone: %v", err)
	}

	d, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 2000, Description: "beta regressions", InitiatorID: "acme",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	st, _ := env.Engine.EscrowStatus(env.Ctx, id)
	if st.Released != 4000 || st.Frozen != 2000 || st.Releasable != 4000 {
		t.Fatalf("unexpected escrow while disputed: %+v", st)
	}

	if _, err := env.Engine.ResolveDispute(env.Ctx, d.ID, 1000, 1000, 0, "shared blame", "arbiter"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	a, _ := env.Engine.Repo.GetAgreement(env.Ctx, id)
	if a.Status != "active" {
		t.Fatalf("expected active, got %s", a.Status)
	}
	st, _ = env.Engine.EscrowStatus(env.Ctx, id)
	if st.Released != 6000 || st.Frozen != 0 || st.Releasable != 4000 {
		t.Fatalf("unexpected escrow after split: %+v", st)
	}
	if led.total() != 3 {
		t.Fatalf("expected 3 ledger submissions, got %d", led.total())
	}
}

func TestMultipleDisputesHoldState(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	d1, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 1000, Description: "first", InitiatorID: "bob",
	})
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	d2, err := env.Engine.OpenDispute(env.Ctx, engine.DisputeOptions{
		AgreementID: id, Amount: 2000, Description: "second", InitiatorID: "acme",
	})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	st, _ := env.Engine.EscrowStatus(env.Ctx, id)
	if st.Frozen != 3000 {
		t.Fatalf("freezes must stack, got %d", st.Frozen)
	}

	if _, err := env.Engine.ResolveDispute(env.Ctx, d1.ID, 0, 0, 1000, "dropped", "arbiter"); err != nil {
		t.Fatalf("resolve first: %v", err)
	}
	a, _ := env.Engine.Repo.GetAgreement(env.Ctx, id)
	if a.Status != "disputed" {
		t.Fatalf("agreement must stay disputed while one dispute remains, got %s", a.Status)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, d2.ID, 0, 0, 2000, "dropped", "arbiter"); err != nil {
		t.Fatalf("resolve second: %v", err)
	}
	a, _ = env.Engine.Repo.GetAgreement(env.Ctx, id)
	if a.Status != "active" {
		t.Fatalf("agreement must return to active, got %s", a.Status)
	}
	st, _ = env.Engine.EscrowStatus(env.Ctx, id)
	if st.Frozen != 0 || st.Releasable != 10000 {
		t.Fatalf("escrow must fully unfreeze, got %+v", st)
	}
}
