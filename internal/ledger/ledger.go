// Package ledger is the client for the external settlement service. The
// service guarantees idempotent submission keyed by a caller-supplied
// idempotency key; submitting twice with the same key returns the original
// transaction.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

type Submission struct {
	TxRef  string `json:"tx_ref"`
	Status string `json:"status"`
}

// Client is the settlement contract. Submit must be safely retryable with the
// same idempotency key.
type Client interface {
	Submit(ctx context.Context, idempotencyKey, recipient string, amount int64, currency string) (Submission, error)
	Status(ctx context.Context, txRef string) (string, error)
}

// RetryPolicy bounds ledger retries; the caller records exhaustion as a
// failed execution rather than crashing.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 250 * time.Millisecond
	}
	return p
}

// HTTPClient talks to a ledger service over HTTP with exponential backoff.
type HTTPClient struct {
	Endpoint string
	APIToken string
	Retry    RetryPolicy
	HTTP     *http.Client
	Logger   *log.Logger
}

func NewHTTPClient(endpoint, apiToken string, retry RetryPolicy, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		APIToken: apiToken,
		Retry:    retry,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type submitRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Recipient      string `json:"recipient"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

func (c *HTTPClient) Submit(ctx context.Context, idempotencyKey, recipient string, amount int64, currency string) (Submission, error) {
	if c.Endpoint == "" {
		return Submission{}, errors.New("ledger endpoint not configured")
	}
	body, err := json.Marshal(submitRequest{
		IdempotencyKey: idempotencyKey,
		Recipient:      recipient,
		Amount:         amount,
		Currency:       currency,
	})
	if err != nil {
		return Submission{}, err
	}
	policy := c.Retry.orDefault()
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := policy.BackoffBase << (attempt - 1)
			c.logger().Printf("ledger: submit retry %d/%d for key %s after %s", attempt+1, policy.MaxAttempts, idempotencyKey, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Submission{}, ctx.Err()
			}
		}
		sub, err := c.submitOnce(ctx, body)
		if err == nil {
			return sub, nil
		}
		if !retryable(err) {
			return Submission{}, err
		}
		lastErr = err
	}
	return Submission{}, fmt.Errorf("ledger submit exhausted %d attempts: %w", policy.MaxAttempts, lastErr)
}

func (c *HTTPClient) submitOnce(ctx context.Context, body []byte) (Submission, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/transactions", bytes.NewReader(body))
	if err != nil {
		return Submission{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return Submission{}, &transientError{err}
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Submission{}, &transientError{fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Submission{}, fmt.Errorf("ledger rejected submission: status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var sub Submission
	if err := json.NewDecoder(res.Body).Decode(&sub); err != nil {
		return Submission{}, fmt.Errorf("decode ledger response: %w", err)
	}
	if sub.TxRef == "" {
		return Submission{}, errors.New("ledger response missing tx_ref")
	}
	return sub, nil
}

func (c *HTTPClient) Status(ctx context.Context, txRef string) (string, error) {
	if c.Endpoint == "" {
		return "", errors.New("ledger endpoint not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/transactions/"+txRef, nil)
	if err != nil {
		return "", err
	}
	if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("ledger status: status %d", res.StatusCode)
	}
	var sub Submission
	if err := json.NewDecoder(res.Body).Decode(&sub); err != nil {
		return "", err
	}
	return sub.Status, nil
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
