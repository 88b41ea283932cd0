package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"pactline/internal/domain"
)

func TestZZDebugCreateThenGet(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	acme := devToken(t, srv, "acme")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements", map[string]any{
		"issuer_id":       "acme",
		"counterparty_id": "bob",
		"title":           "Website build",
		"total_funding":   10000,
	}, acme)
	t.Logf("create status=%d body=%s", res.StatusCode, string(data))
	var created domain.Agreement
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	t.Logf("created.ID=%q", created.ID)

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v1/agreements/"+created.ID, nil, acme)
	t.Logf("get status=%d body=%s", res2.StatusCode, string(data2))

	res3, data3 := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/signatures", map[string]any{
		"signer_id": "acme", "role": "issuer", "signature_hash": "h1",
	}, acme)
	t.Logf("sign status=%d body=%s", res3.StatusCode, string(data3))

	res4, data4 := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agreements/"+created.ID+"/signatures", map[string]any{
		"signer_id": "acme", "role": "bogus", "signature_hash": "h1",
	}, acme)
	t.Logf("bogus-role status=%d body=%s", res4.StatusCode, string(data4))
}
