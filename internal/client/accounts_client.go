package client

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

	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-onboarding/internal/logger"
)

// IdempotencyHeader carries the per-step idempotency key to the accounts
// service.
const IdempotencyHeader = "Idempotency-Key"

// AccountsClient implements AccountProvisioner against the accounts service
// REST API. Calls go through a circuit breaker so a failing dependency
// surfaces quickly to the saga's retry loop.
type AccountsClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// NewAccountsClient creates a new accounts service client.
func NewAccountsClient(baseURL string, timeout time.Duration, log *logger.Logger) *AccountsClient {
	log = log.Component("accounts-client")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "accounts",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &AccountsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		log:     log,
	}
}

// IssueAPIKey issues the member's first API key.
func (c *AccountsClient) IssueAPIKey(ctx context.Context, idempotencyKey, memberID string) (*APIKey, error) {
	var resp APIKey
	if err := c.post(ctx, memberPath(memberID, "api-keys"), idempotencyKey, map[string]any{"label": "default"}, &resp); err != nil {
		return nil, fmt.Errorf("failed to issue api key: %w", err)
	}
	return &resp, nil
}

// CreateLedgers creates one ledger per asset.
func (c *AccountsClient) CreateLedgers(ctx context.Context, idempotencyKey, memberID string, assets []string) ([]Ledger, error) {
	var resp struct {
		Ledgers []Ledger `json:"ledgers"`
	}
	if err := c.post(ctx, memberPath(memberID, "ledgers"), idempotencyKey, map[string]any{"assets": assets}, &resp); err != nil {
		return nil, fmt.Errorf("failed to create ledgers: %w", err)
	}
	return resp.Ledgers, nil
}

// GenerateDepositAddresses generates one deposit address per asset.
func (c *AccountsClient) GenerateDepositAddresses(ctx context.Context, idempotencyKey, memberID string, assets []string) ([]DepositAddress, error) {
	var resp struct {
		Addresses []DepositAddress `json:"addresses"`
	}
	if err := c.post(ctx, memberPath(memberID, "deposit-addresses"), idempotencyKey, map[string]any{"assets": assets}, &resp); err != nil {
		return nil, fmt.Errorf("failed to generate deposit addresses: %w", err)
	}
	return resp.Addresses, nil
}

// RegisterWebhook registers the member's default webhook endpoint.
func (c *AccountsClient) RegisterWebhook(ctx context.Context, idempotencyKey, memberID string) (*Webhook, error) {
	var resp Webhook
	if err := c.post(ctx, memberPath(memberID, "webhooks"), idempotencyKey, map[string]any{}, &resp); err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}
	return &resp, nil
}

// InitializeLimits applies the default limit profile.
func (c *AccountsClient) InitializeLimits(ctx context.Context, idempotencyKey, memberID string) (*Limits, error) {
	var resp Limits
	if err := c.post(ctx, memberPath(memberID, "limits"), idempotencyKey, map[string]any{"profile": "default"}, &resp); err != nil {
		return nil, fmt.Errorf("failed to initialize limits: %w", err)
	}
	return &resp, nil
}

func memberPath(memberID, resource string) string {
	return fmt.Sprintf("/api/v1/members/%s/%s", url.PathEscape(memberID), resource)
}

// post sends a JSON request with the idempotency key and decodes the
// response into out.
func (c *AccountsClient) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyHeader, idempotencyKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if out == nil {
			return nil, nil
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		c.log.Debug().Err(err).Str("path", path).Str("idempotency_key", idempotencyKey).Msg("accounts request failed")
	}
	return err
}
