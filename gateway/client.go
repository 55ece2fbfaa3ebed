// Package gateway is a client for the payment gateway's contacts, fund
// accounts and payouts endpoints.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	contactsPath     = "contacts"
	fundAccountsPath = "fund_accounts"
	payoutsPath      = "payouts"

	idempotencyHeader = "X-Payout-Idempotency"
)

type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	// AccountNumber is the business account payouts are drawn from.
	AccountNumber string
	Timeout       time.Duration
}

// APIError is a non-2xx answer from the gateway. Its message is the
// gateway's own error description.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return fmt.Sprintf("payment gateway returned %d", e.StatusCode)
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With("component", "payment-gateway"),
	}
}

// AccountNumber is the configured payout source account.
func (c *Client) AccountNumber() string {
	return c.cfg.AccountNumber
}

func (c *Client) CreateContact(ctx context.Context, req ContactRequest) (*Contact, error) {
	var out Contact
	if err := c.post(ctx, contactsPath, req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateFundAccount(ctx context.Context, req FundAccountRequest) (*FundAccount, error) {
	var out FundAccount
	if err := c.post(ctx, fundAccountsPath, req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePayout sends money to a fund account. Repeating a call with the
// same idempotency key returns the original payout.
func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest, idempotencyKey string) (*Payout, error) {
	if req.AccountNumber == "" {
		req.AccountNumber = c.cfg.AccountNumber
	}
	headers := map[string]string{idempotencyHeader: idempotencyKey}
	var out Payout
	if err := c.post(ctx, payoutsPath, req, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorEnvelope struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, headers map[string]string, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}
	c.logger.Debug("gateway call", "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Description = env.Error.Description
		}
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", path, err)
	}
	return nil
}

// IsRetryable reports whether err is worth another attempt: transport
// failures and 5xx or 429 answers.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return err != nil
}
