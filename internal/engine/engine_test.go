package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/engine"
	"pactline/internal/ledger"
	"pactline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), dir)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// newAgreement creates a draft between acme and bob with the given funding.
func newAgreement(t *testing.T, env testEnv, totalFunding int64) string {
	t.Helper()
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		IssuerID:       "acme",
		CounterpartyID: "bob",
		Title:          "Website build",
		TotalFunding:   totalFunding,
		ActorID:        "acme",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return a.ID
}

// activeAgreement signs both parties and funds to total so the agreement
// activates.
func activeAgreement(t *testing.T, env testEnv, totalFunding int64) string {
	t.Helper()
	id := newAgreement(t, env, totalFunding)
	if _, err := env.Engine.RecordSignature(env.Ctx, id, "acme", "issuer", "h1", "acme"); err != nil {
		t.Fatalf("issuer sign: %v", err)
	}
	if _, err := env.Engine.RecordSignature(env.Ctx, id, "bob", "counterparty", "h2", "bob"); err != nil {
		t.Fatalf("counterparty sign: %v", err)
	}
	a, err := env.Engine.Fund(env.Ctx, id, totalFunding, "acme")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if a.Status != "active" {
		t.Fatalf("expected active after full funding, got %s", a.Status)
	}
	return id
}

// fakeLedger settles every submission immediately and counts submissions per
// idempotency key.
type fakeLedger struct {
	mu      sync.Mutex
	submits map[string]int
	fail    bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{submits: map[string]int{}}
}

func (f *fakeLedger) Submit(ctx context.Context, key, recipient string, amount int64, currency string) (ledger.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return ledger.Submission{}, errors.New("ledger unavailable")
	}
	f.submits[key]++
	return ledger.Submission{TxRef: "tx-" + key, Status: ledger.StatusConfirmed}, nil
}

func (f *fakeLedger) Status(ctx context.Context, txRef string) (string, error) {
	return ledger.StatusConfirmed, nil
}

func (f *fakeLedger) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[key]
}

func (f *fakeLedger) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.submits {
		n += c
	}
	return n
}

func TestAgreementLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := newAgreement(t, env, 10000)

	a, err := env.Engine.Repo.GetAgreement(env.Ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != "draft" || a.Version != 1 {
		t.Fatalf("expected draft v1, got %s v%d", a.Status, a.Version)
	}
	if a.Currency != "EUR" {
		t.Fatalf("expected default currency, got %s", a.Currency)
	}

	// first signature moves to pending_signatures
	a, err = env.Engine.RecordSignature(env.Ctx, id, "acme", "issuer", "h1", "acme")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if a.Status != "pending_signatures" {
		t.Fatalf("expected pending_signatures, got %s", a.Status)
	}

	// both signed but underfunded: stays pending, explicit activate errors
	if _, err := env.Engine.RecordSignature(env.Ctx, id, "bob", "counterparty", "h2", "bob"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := env.Engine.Activate(env.Ctx, id, "acme"); !errors.Is(err, engine.ErrFundingIncomplete) {
		t.Fatalf("expected funding incomplete, got %v", err)
	}

	// full funding triggers activation and freezes terms
	a, err = env.Engine.Fund(env.Ctx, id, 10000, "acme")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if a.Status != "active" {
		t.Fatalf("expected active, got %s", a.Status)
	}
	a, _ = env.Engine.Repo.GetAgreement(env.Ctx, id)
	if a.TermsRef == nil || *a.TermsRef == "" {
		t.Fatalf("expected terms snapshot ref")
	}
	if a.ActivatedAt == nil {
		t.Fatalf("expected activated_at")
	}
	if _, err := env.Engine.Content.Get(*a.TermsRef); err != nil {
		t.Fatalf("terms snapshot not readable: %v", err)
	}

	a, err = env.Engine.Complete(env.Ctx, id, "acme")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a.Status != "completed" {
		t.Fatalf("expected completed, got %s", a.Status)
	}
}

func TestSignatureValidation(t *testing.T) {
	env := newTestEnv(t)
	id := newAgreement(t, env, 1000)

	if _, err := env.Engine.RecordSignature(env.Ctx, id, "mallory", "issuer", "h", "mallory"); err == nil {
		t.Fatalf("expected issuer mismatch error")
	}
	if _, err := env.Engine.RecordSignature(env.Ctx, id, "acme", "ceo", "h", "acme"); err == nil {
		t.Fatalf("expected unknown role error")
	}
	// witness signatures are allowed for any signer
	if _, err := env.Engine.RecordSignature(env.Ctx, id, "notary-1", "witness", "h", "notary-1"); err != nil {
		t.Fatalf("witness sign: %v", err)
	}
}

func TestFundingRules(t *testing.T) {
	env := newTestEnv(t)
	id := newAgreement(t, env, 5000)

	if _, err := env.Engine.Fund(env.Ctx, id, 0, "acme"); err == nil {
		t.Fatalf("expected positive amount error")
	}
	a, err := env.Engine.Fund(env.Ctx, id, 3000, "acme")
	if err != nil {
		t.Fatalf("partial fund: %v", err)
	}
	if a.FundedAmount != 3000 {
		t.Fatalf("expected 3000 funded, got %d", a.FundedAmount)
	}
	if _, err := env.Engine.Fund(env.Ctx, id, 3000, "acme"); err == nil {
		t.Fatalf("expected overfund rejection")
	}

	// funding locked once active
	id2 := activeAgreement(t, env, 1000)
	if _, err := env.Engine.Fund(env.Ctx, id2, 100, "acme"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestInvalidAgreementTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := newAgreement(t, env, 1000)

	// draft cannot complete
	if _, err := env.Engine.Complete(env.Ctx, id, "acme"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	// terminated is terminal
	if _, err := env.Engine.Terminate(env.Ctx, id, "changed plans", "acme"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := env.Engine.RecordSignature(env.Ctx, id, "acme", "issuer", "h", "acme"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after terminate, got %v", err)
	}
}

func TestCompleteBlockedByOpenWork(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	m, err := env.Engine.AddMilestone(env.Ctx, engine.MilestoneCreateOptions{
		AgreementID: id,
		Title:       "Design",
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, id, "acme"); err == nil {
		t.Fatalf("expected completion blocked by open milestone")
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, m.ID, "acme"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, id, "acme"); err != nil {
		t.Fatalf("complete after milestone done: %v", err)
	}
}

func TestTerminateCancelsPendingConditions(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 10000)

	c, err := env.Engine.AddReleaseCondition(env.Ctx, engine.ConditionCreateOptions{
		AgreementID: id,
		Type:        "time_based",
		ReleaseAt:   "2030-01-01T00:00:00Z",
		RecipientID: "bob",
		Bps:         5000,
		Automated:   true,
		ActorID:     "acme",
	})
	if err != nil {
		t.Fatalf("add condition: %v", err)
	}
	if _, err := env.Engine.Terminate(env.Ctx, id, "notice served", "acme"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	got, err := env.Engine.Repo.GetReleaseCondition(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get condition: %v", err)
	}
	if !got.Cancelled {
		t.Fatalf("expected condition cancelled on termination")
	}
}

func TestEventLogAppends(t *testing.T) {
	env := newTestEnv(t)
	id := activeAgreement(t, env, 1000)

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, id, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"agreement.created", "agreement.signed", "escrow.funded", "agreement.activated"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
