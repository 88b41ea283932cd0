package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), workspace)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:     "test-secret",
			AllowDevLogin: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func devToken(t *testing.T, srv *testServer, actorID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": actorID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out TokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func TestAgreementLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	acme := devToken(t, srv, "acme")
	bob := devToken(t, srv, "bob")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements", map[string]any{
		"issuer_id":       "acme",
		"counterparty_id": "bob",
		"title":           "Website build",
		"total_funding":   10000,
	}, acme)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agreement status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Agreement
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal agreement: %v", err)
	}
	if created.Status != "draft" {
		t.Fatalf("expected draft, got %s", created.Status)
	}

	for _, sig := range []struct {
		headers map[string]string
		signer  string
		role    string
	}{
		{acme, "acme", "issuer"},
		{bob, "bob", "counterparty"},
	} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/signatures", map[string]any{
			"signer_id":      sig.signer,
			"role":           sig.role,
			"signature_hash": "h-" + sig.signer,
		}, sig.headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("signature %s status %d: %s", sig.signer, res.StatusCode, string(body))
		}
	}

	fundRes, fundBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/fund", map[string]any{
		"amount": 10000,
	}, acme)
	if fundRes.StatusCode != http.StatusOK {
		t.Fatalf("fund status %d: %s", fundRes.StatusCode, string(fundBody))
	}
	var funded domain.Agreement
	if err := json.Unmarshal(fundBody, &funded); err != nil {
		t.Fatalf("unmarshal funded: %v", err)
	}
	if funded.Status != "active" {
		t.Fatalf("expected active after full funding, got %s", funded.Status)
	}

	statusRes, statusBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/agreements/"+created.ID+"/status", nil, acme)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint %d: %s", statusRes.StatusCode, string(statusBody))
	}
	var summary AgreementStatusResponse
	if err := json.Unmarshal(statusBody, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Status != "active" || summary.OpenDisputes != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", healthRes.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/agreements", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}

	badRes, badData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/agreements", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", badRes.StatusCode, string(badData))
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	acme := devToken(t, srv, "acme")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements", map[string]any{
		"issuer_id":       "acme",
		"counterparty_id": "bob",
		"title":           "Doomed draft",
		"total_funding":   5000,
	}, acme)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agreement: %d %s", res.StatusCode, string(data))
	}
	var created domain.Agreement
	_ = json.Unmarshal(data, &created)

	compRes, compBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/complete", nil, acme)
	if compRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict completing a draft, got %d: %s", compRes.StatusCode, string(compBody))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(compBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %q", envelope.Error.Code)
	}
}

func TestWebhookDeliveryOrdered(t *testing.T) {
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), workspace)
	ctx := context.Background()

	a, err := e.CreateAgreement(ctx, engine.AgreementCreateOptions{
		IssuerID: "acme", CounterpartyID: "bob", Title: "Hooked", TotalFunding: 5000, ActorID: "acme",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if _, err := e.RecordSignature(ctx, a.ID, "acme", "issuer", "h1", "acme"); err != nil {
		t.Fatalf("sign issuer: %v", err)
	}
	if _, err := e.RecordSignature(ctx, a.ID, "bob", "counterparty", "h2", "bob"); err != nil {
		t.Fatalf("sign counterparty: %v", err)
	}
	if _, err := e.Fund(ctx, a.ID, 5000, "acme"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	var mu sync.Mutex
	var delivered []int64
	failFirst := true
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failFirst {
			failFirst = false
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		id, _ := strconv.ParseInt(r.Header.Get("X-Pactline-Delivery"), 10, 64)
		delivered = append(delivered, id)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	d := &webhookDispatcher{
		engine:   e,
		webhooks: []config.WebhookConfig{{URL: sink.URL}},
		client:   sink.Client(),
		cursors:  map[int]int64{0: 0},
	}
	// First pass hits the failing sink and must hold the cursor; the next
	// passes replay from the failed event onward with no gaps.
	d.dispatchAll()
	d.dispatchAll()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) == 0 {
		t.Fatal("expected deliveries after retry")
	}
	if delivered[0] != 1 {
		t.Fatalf("expected replay from the first event, got %d", delivered[0])
	}
	for i := 1; i < len(delivered); i++ {
		if delivered[i] != delivered[i-1]+1 {
			t.Fatalf("delivery gap at %d: %v", i, delivered)
		}
	}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	acme := devToken(t, srv, "acme")
	bob := devToken(t, srv, "bob")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements", map[string]any{
		"issuer_id":       "acme",
		"counterparty_id": "bob",
		"title":           "Disputed work",
		"total_funding":   10000,
	}, acme)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agreement: %d %s", res.StatusCode, string(data))
	}
	var created domain.Agreement
	_ = json.Unmarshal(data, &created)

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/signatures", map[string]any{
		"signer_id": "acme", "role": "issuer", "signature_hash": "h1",
	}, acme)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/signatures", map[string]any{
		"signer_id": "bob", "role": "counterparty", "signature_hash": "h2",
	}, bob)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/fund", map[string]any{
		"amount": 10000,
	}, acme)

	dispRes, dispBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/disputes", map[string]any{
		"type":        "quality",
		"description": "missing pages",
		"amount":      3000,
	}, bob)
	if dispRes.StatusCode != http.StatusCreated {
		t.Fatalf("open dispute: %d %s", dispRes.StatusCode, string(dispBody))
	}
	var dispute domain.Dispute
	if err := json.Unmarshal(dispBody, &dispute); err != nil {
		t.Fatalf("unmarshal dispute: %v", err)
	}

	// An oversized claim is rejected as unprocessable.
	overRes, overBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/disputes", map[string]any{
		"description": "everything",
		"amount":      50000,
	}, bob)
	if overRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for oversized claim, got %d: %s", overRes.StatusCode, string(overBody))
	}

	resolveRes, resolveBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/disputes/"+dispute.ID+"/resolve", map[string]any{
		"to_issuer":       1000,
		"to_counterparty": 1500,
		"to_escrow":       500,
		"resolution":      "partial refund",
	}, acme)
	if resolveRes.StatusCode != http.StatusOK {
		t.Fatalf("resolve dispute: %d %s", resolveRes.StatusCode, string(resolveBody))
	}
	var resolved domain.Dispute
	if err := json.Unmarshal(resolveBody, &resolved); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if resolved.Status != "resolved" {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}

	escRes, escBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/agreements/"+created.ID+"/escrow", nil, acme)
	if escRes.StatusCode != http.StatusOK {
		t.Fatalf("escrow status: %d %s", escRes.StatusCode, string(escBody))
	}
	var escrow domain.EscrowStatus
	if err := json.Unmarshal(escBody, &escrow); err != nil {
		t.Fatalf("unmarshal escrow: %v", err)
	}
	if escrow.Frozen != 0 || escrow.Released != 2500 {
		t.Fatalf("unexpected escrow after resolution: %+v", escrow)
	}
}
