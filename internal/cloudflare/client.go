// Package cloudflare implements a typed client for the Cloudflare v4 API
// surface tunneld depends on: accounts, Cloudflare Tunnel resources, zones,
// and DNS records.  All calls are bearer-token authenticated, quota-limited
// per (operation, account), and translate HTTP failures into the taxonomy
// in [domain].
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hostbound/tunneld/internal/domain"
)

// DefaultBaseURL is the production Cloudflare API endpoint.
const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

const requestTimeout = 30 * time.Second

// Client talks to the Cloudflare control plane on behalf of one account.
// It is safe for concurrent use after Authenticate has succeeded.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
	limiter *opLimiter

	token     string
	accountID string
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint; used by tests against httptest
// servers.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithQuota overrides the per-(operation, account) calls-per-minute quota.
func WithQuota(n int) Option {
	return func(c *Client) { c.limiter = newOpLimiter(n) }
}

// New creates an unauthenticated client.  Call [Client.Authenticate] before
// any other operation.
func New(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: requestTimeout},
		log:     logger,
		limiter: newOpLimiter(defaultQuotaPerMinute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Account is a Cloudflare account visible to the API token.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Authenticate verifies the token and resolves the working account: the
// caller's preference when it is visible to the token, otherwise the first
// visible account.  No visible account is a fatal authentication error.
func (c *Client) Authenticate(ctx context.Context, token, preferredAccount string) (Account, error) {
	c.token = strings.TrimSpace(token)
	if c.token == "" {
		return Account{}, domain.E(domain.CodeAuthFailed, "no control-plane API token configured")
	}

	var accounts []Account
	if err := c.do(ctx, "list_accounts", http.MethodGet, "/accounts", nil, &accounts); err != nil {
		return Account{}, err
	}
	if len(accounts) == 0 {
		return Account{}, domain.E(domain.CodeAuthFailed, "API token has no visible accounts")
	}

	if preferredAccount != "" {
		for _, a := range accounts {
			if a.ID == preferredAccount {
				c.accountID = a.ID
				return a, nil
			}
		}
		return Account{}, domain.E(domain.CodeAuthFailed, "requested account is not visible to the API token")
	}
	c.accountID = accounts[0].ID
	return accounts[0], nil
}

// AccountID returns the account resolved by Authenticate.
func (c *Client) AccountID() string {
	return c.accountID
}

// Account fetches details of the working account.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var out Account
	err := c.do(ctx, "get_account", http.MethodGet, "/accounts/"+c.accountID, nil, &out)
	return out, err
}

// apiEnvelope is the standard Cloudflare response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do performs one control-plane call.  op names the logical operation for
// quota accounting; out, when non-nil, receives the decoded result payload.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if retry, ok := c.limiter.allow(op + "|" + c.accountID); !ok {
		return &domain.Error{
			Code:       domain.CodeRateLimited,
			Message:    fmt.Sprintf("local quota for %s exhausted", op),
			RetryAfter: retry,
		}
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Wrap(err, domain.CodeRemoteUnavailable, "control plane unreachable")
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Wrap(err, domain.CodeRemoteUnavailable, "reading control-plane response failed")
	}

	if resp.StatusCode >= 400 {
		return translateHTTP(op, resp, raw)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Wrap(err, domain.CodeUnknown, "malformed control-plane response for %s", op)
	}
	if !env.Success {
		return &domain.Error{
			Code:    domain.CodeUnknown,
			Message: fmt.Sprintf("control plane reported failure for %s", op),
			Detail:  joinMessages(env.Errors),
		}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return domain.Wrap(err, domain.CodeUnknown, "decode %s result", op)
		}
	}
	return nil
}

func joinMessages(msgs []apiMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, fmt.Sprintf("%d: %s", m.Code, m.Message))
	}
	return strings.Join(parts, "; ")
}
