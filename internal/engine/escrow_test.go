package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactline/internal/engine"
)

func TestMilestoneConditionReleasesShare(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	m, err := env.Engine.AddMilestone(env.Ctx, engine.MilestoneCreateOptions{
		AgreementID: id,
		Title:       "Phase 1",
		ActorID:     "acme",
	})
	require.NoError(t, err)
	_, err = env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "milestone_completion",
		MilestoneID: m.ID,
		RecipientID: "bob",
		Bps:         4000,
		Automated:   true,
		ActorID:     "acme",
	})
	require.NoError(t, err)

	// nothing releases before the milestone completes
	n, err := env.Engine.EvaluateEscrow(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// approval reacts and executes the condition: 40% of 10000
	_, err = env.Engine.ApproveMilestone(env.Ctx, m.ID, "acme")
	require.NoError(t, err)

	releases, err := env.Engine.Repo.ListReleases(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, int64(4000), releases[0].Amount)
	assert.Equal(t, "bob", releases[0].RecipientID)
	// no ledger configured: settled locally
	assert.Equal(t, "confirmed", releases[0].Status)
	require.NotNil(t, releases[0].TxRef)

	es, err := env.Engine.EscrowStatus(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), es.Funded)
	assert.Equal(t, int64(4000), es.Released)
	assert.Equal(t, int64(6000), es.Releasable)
	assert.Equal(t, es.Funded, es.Released+es.Frozen+es.Releasable)

	// re-evaluation must not double-release the executed condition
	n, err = env.Engine.EvaluateEscrow(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	releases, _ = env.Engine.Repo.ListReleases(env.Ctx, id)
	assert.Len(t, releases, 1)
}

func TestMilestonePayoutShareMovesFunds(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	bps := 3000
	m, err := env.Engine.AddMilestone(env.Ctx, engine.MilestoneCreateOptions{
		AgreementID: id,
		Title:       "Phase 1",
		PayoutBps:   &bps,
		ActorID:     "acme",
	})
	require.NoError(t, err)

	// the payout share materializes as an automated completion condition
	conds, err := env.Engine.Repo.ListReleaseConditions(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Equal(t, "milestone_completion", conds[0].Type)
	require.NotNil(t, conds[0].MilestoneID)
	assert.Equal(t, m.ID, *conds[0].MilestoneID)
	assert.Equal(t, "bob", conds[0].RecipientID)
	assert.Equal(t, 3000, conds[0].Bps)
	assert.True(t, conds[0].Automated)

	// payout shares draw on the same 10000 bps budget as explicit conditions
	over := 8000
	_, err = env.Engine.AddMilestone(env.Ctx, engine.MilestoneCreateOptions{
		AgreementID: id,
		Title:       "Phase 2",
		PayoutBps:   &over,
		ActorID:     "acme",
	})
	assert.Error(t, err)

	_, err = env.Engine.ApproveMilestone(env.Ctx, m.ID, "acme")
	require.NoError(t, err)
	releases, err := env.Engine.Repo.ListReleases(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, int64(3000), releases[0].Amount)
	assert.Equal(t, "bob", releases[0].RecipientID)
}

func TestConditionBpsBudget(t *testing.T) {
	env := newTestEnv(t)
	id := newAgreement(t, env, 10000)

	_, err := env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "time_based",
		ReleaseAt:   "2026-03-02T00:00:00Z",
		RecipientID: "bob",
		Bps:         7000,
		ActorID:     "acme",
	})
	require.NoError(t, err)
	// 7000 + 4000 > 10000
	_, err = env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "time_based",
		ReleaseAt:   "2026-03-03T00:00:00Z",
		RecipientID: "bob",
		Bps:         4000,
		ActorID:     "acme",
	})
	assert.Error(t, err)
	// exactly up to the cap is fine
	_, err = env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "time_based",
		ReleaseAt:   "2026-03-03T00:00:00Z",
		RecipientID: "bob",
		Bps:         3000,
		ActorID:     "acme",
	})
	assert.NoError(t, err)

	_, err = env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "time_based",
		ReleaseAt:   "2026-03-03T00:00:00Z",
		RecipientID: "bob",
		Bps:         0,
		ActorID:     "acme",
	})
	assert.Error(t, err, "zero bps rejected")
}

func TestTimeConditionWaitsForClock(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	_, err := env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "time_based",
		ReleaseAt:   "2026-06-01T00:00:00Z",
		RecipientID: "bob",
		Bps:         10000,
		ActorID:     "acme",
	})
	require.NoError(t, err)

	n, err := env.Engine.EvaluateEscrow(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due at 2026-03-01")

	env.Engine.Now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 1, 0, time.UTC) }
	n, err = env.Engine.EvaluateEscrow(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLedgerSubmissionAndReconcile(t *testing.T) {
	env := newTestEnv(t)
	led := newFakeLedger()
	env.Engine.Ledger = led
	id := activeAgreement(t, env, 10000)

	m, err := env.Engine.AddMilestone(env.Ctx, engine.MilestoneCreateOptions{AgreementID: id, Title: "Phase", ActorID: "acme"})
	require.NoError(t, err)
	_, err = env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "milestone_completion",
		MilestoneID: m.ID,
		RecipientID: "bob",
		Bps:         5000,
		ActorID:     "acme",
	})
	require.NoError(t, err)

	// submission fails: condition executes, release stays requested
	led.fail = true
	_, err = env.Engine.ApproveMilestone(env.Ctx, m.ID, "acme")
	require.NoError(t, err)
	releases, _ := env.Engine.Repo.ListReleases(env.Ctx, id)
	require.Len(t, releases, 1)
	assert.Equal(t, "requested", releases[0].Status)

	// reserved even while unsettled
	es, err := env.Engine.EscrowStatus(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), es.Released)

	// reconcile resubmits with the same idempotency key
	led.fail = false
	n, err := env.Engine.Reconcile(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	releases, _ = env.Engine.Repo.ListReleases(env.Ctx, id)
	assert.Equal(t, "confirmed", releases[0].Status)
	assert.Equal(t, 1, led.count(releases[0].IdempotencyKey))

	// nothing left to reconcile
	n, err = env.Engine.Reconcile(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMutualAgreementCondition(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	c, err := env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "mutual_agreement",
		RecipientID: "bob",
		Bps:         2500,
		ActorID:     "acme",
	})
	require.NoError(t, err)

	require.NoError(t, env.Engine.Confirm(env.Ctx, "condition", c.ID, "acme"))
	n, err := env.Engine.EvaluateEscrow(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "one confirmation is not enough")

	require.NoError(t, env.Engine.Confirm(env.Ctx, "condition", c.ID, "bob"))
	releases, err := env.Engine.Repo.ListReleases(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, int64(2500), releases[0].Amount)
}
