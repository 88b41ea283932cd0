package pactlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pactline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agreement represents the API agreement model (partial).
type Agreement struct {
	ID             string `json:"id"`
	IssuerID       string `json:"issuer_id"`
	CounterpartyID string `json:"counterparty_id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	TotalFunding   int64  `json:"total_funding"`
	FundedAmount   int64  `json:"funded_amount"`
	Version        int64  `json:"version"`
}

// Milestone represents a tracked milestone.
type Milestone struct {
	ID          string `json:"id"`
	AgreementID string `json:"agreement_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	DueAt       string `json:"due_at,omitempty"`
	PayoutBps   *int   `json:"payout_bps,omitempty"`
}

// Release represents an escrow payout.
type Release struct {
	ID          string  `json:"id"`
	AgreementID string  `json:"agreement_id"`
	RecipientID string  `json:"recipient_id"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status"`
	TxRef       *string `json:"tx_ref,omitempty"`
}

// EscrowStatus mirrors the derived escrow balances.
type EscrowStatus struct {
	AgreementID  string `json:"agreement_id"`
	Currency     string `json:"currency"`
	TotalFunding int64  `json:"total_funding"`
	Funded       int64  `json:"funded"`
	Released     int64  `json:"released"`
	Frozen       int64  `json:"frozen"`
	Releasable   int64  `json:"releasable"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	AgreementID string `json:"agreement_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// Evaluation reports how many clauses fired and conditions released.
type Evaluation struct {
	ClauseFires       int `json:"clause_fires"`
	ConditionReleases int `json:"condition_releases"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAgreement creates a draft agreement.
func (c *Client) CreateAgreement(ctx context.Context, issuerID, counterpartyID, title string, totalFunding int64) (Agreement, error) {
	body := map[string]any{
		"issuer_id":       issuerID,
		"counterparty_id": counterpartyID,
		"title":           title,
		"total_funding":   totalFunding,
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "v1/agreements", body, &resp)
	return resp, err
}

// GetAgreement fetches an agreement by id.
func (c *Client) GetAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodGet, c.agreementPath(id, ""), nil, &resp)
	return resp, err
}

// Sign records a party signature.
func (c *Client) Sign(ctx context.Context, agreementID, signerID, role, signatureHash string) (Agreement, error) {
	body := map[string]any{
		"signer_id":      signerID,
		"role":           role,
		"signature_hash": signatureHash,
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(agreementID, "signatures"), body, &resp)
	return resp, err
}

// Fund deposits escrow funds.
func (c *Client) Fund(ctx context.Context, agreementID string, amount int64) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, c.agreementPath(agreementID, "fund"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Escrow returns derived escrow balances.
func (c *Client) Escrow(ctx context.Context, agreementID string) (EscrowStatus, error) {
	var resp EscrowStatus
	err := c.do(ctx, http.MethodGet, c.agreementPath(agreementID, "escrow"), nil, &resp)
	return resp, err
}

// Evaluate runs clause and condition evaluation once.
func (c *Client) Evaluate(ctx context.Context, agreementID string) (Evaluation, error) {
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, c.agreementPath(agreementID, "evaluate"), nil, &resp)
	return resp, err
}

// Milestones lists milestones for an agreement.
func (c *Client) Milestones(ctx context.Context, agreementID string) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, c.agreementPath(agreementID, "milestones"), nil, &resp)
	return resp, err
}

// ApproveMilestone marks a milestone completed.
func (c *Client) ApproveMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	var resp Milestone
	endpoint := fmt.Sprintf("v1/milestones/%s/approve", url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecordObservation appends a KPI data point.
func (c *Client) RecordObservation(ctx context.Context, kpiID string, value float64, verified bool) error {
	body := map[string]any{
		"value":    value,
		"verified": verified,
	}
	endpoint := fmt.Sprintf("v1/kpis/%s/observations", url.PathEscape(kpiID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// ExternalEvent records a named fact for event-driven clauses.
func (c *Client) ExternalEvent(ctx context.Context, agreementID, name string, payload map[string]any) error {
	body := map[string]any{
		"name":    name,
		"payload": payload,
	}
	return c.do(ctx, http.MethodPost, c.agreementPath(agreementID, "events/external"), body, nil)
}

// Releases lists releases for an agreement.
func (c *Client) Releases(ctx context.Context, agreementID string) ([]Release, error) {
	var resp []Release
	err := c.do(ctx, http.MethodGet, c.agreementPath(agreementID, "releases"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, agreementID string, limit int) ([]Event, error) {
	endpoint := c.agreementPath(agreementID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) agreementPath(id, p string) string {
	base := fmt.Sprintf("v1/agreements/%s", url.PathEscape(id))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
