// Package remote pushes tenant snapshots to the compliance API.
//
// Every push is a full replacement: the request carries the complete tenant
// dataset under one resource ID. Expected failures (transport errors, non-2xx
// responses, unconfirmed 2xx bodies, token failures) are reported as an Outcome
// with OK=false. Only programming or local errors are returned as error.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/roach88/compsync/internal/config"
	"github.com/roach88/compsync/internal/model"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// FailureKind classifies an unsuccessful push.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureAuth      FailureKind = "auth"
	FailureTransport FailureKind = "transport"
	FailureHTTP      FailureKind = "http"
	FailureRejected  FailureKind = "rejected"
)

// Payload is the request body of a push.
type Payload struct {
	ResourceID string                  `json:"resourceId"`
	Resources  []model.FormattedRecord `json:"resources"`
}

// Outcome is the result of one push.
type Outcome struct {
	OK           bool
	Kind         FailureKind
	StatusCode   int
	RequestBody  []byte
	ResponseBody string
	Records      int
	Duration     time.Duration
	Err          error
}

// Error returns the failure message, or "" on success.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Client pushes snapshots and caches access tokens per tenant credential.
type Client struct {
	cfg       config.APIConfig
	transport http.RoundTripper
	limiter   *rate.Limiter

	mu     sync.Mutex
	tokens map[tokenKey]oauth2.TokenSource

	// largeMu serializes large pushes while the soft memory limit is raised.
	largeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the base HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// NewClient creates a push client.
func NewClient(cfg config.APIConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	c := &Client{
		cfg:       cfg,
		transport: defaultTransport(cfg.ConnectTimeout),
		limiter:   rate.NewLimiter(limit, burst),
		tokens:    make(map[tokenKey]oauth2.TokenSource),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultTransport(connectTimeout time.Duration) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		t.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
		t.TLSHandshakeTimeout = connectTimeout
	}
	return t
}

// tokenSource returns the cached, auto-refreshing token source for cred.
func (c *Client) tokenSource(tenantID int64, cred model.Credential) oauth2.TokenSource {
	key := newTokenKey(tenantID, cred)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.tokens[key]; ok {
		return ts
	}
	// Older credential versions of this tenant are never used again.
	for k := range c.tokens {
		if k.tenantID == tenantID {
			delete(c.tokens, k)
		}
	}
	src := &credentialTokenSource{
		httpClient: &http.Client{Transport: c.transport},
		tokenURL:   c.cfg.TokenURL,
		cred:       cred,
		maxTTL:     c.cfg.TokenTTL,
		timeout:    c.requestTimeout(false),
	}
	ts := oauth2.ReuseTokenSourceWithExpiry(nil, src, 30*time.Second)
	c.tokens[key] = ts
	return ts
}

// InvalidateToken drops every cached token of the tenant.
func (c *Client) InvalidateToken(tenantID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.tokens {
		if k.tenantID == tenantID {
			delete(c.tokens, k)
		}
	}
}

func (c *Client) requestTimeout(large bool) time.Duration {
	if large && c.cfg.LargePayloadTimeout > 0 {
		return c.cfg.LargePayloadTimeout
	}
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 60 * time.Second
}

// IsLarge reports whether n records exceed the large-payload threshold.
func (c *Client) IsLarge(n int) bool {
	return c.cfg.LargePayloadRecords > 0 && n > c.cfg.LargePayloadRecords
}

// Push replaces the tenant's remote dataset with records.
func (c *Client) Push(ctx context.Context, tenantID int64, cred model.Credential, resourceID string, records []model.FormattedRecord) (Outcome, error) {
	if records == nil {
		records = []model.FormattedRecord{}
	}
	body, err := json.Marshal(Payload{ResourceID: resourceID, Resources: records})
	if err != nil {
		return Outcome{}, fmt.Errorf("push tenant %d: marshal payload: %w", tenantID, err)
	}
	outcome := Outcome{RequestBody: body, Records: len(records)}

	large := c.IsLarge(len(records))
	if large {
		c.largeMu.Lock()
		defer c.largeMu.Unlock()
		restore := raiseMemoryLimit(int64(len(body)) * 4)
		defer restore()
		slog.Warn("large payload push",
			"tenant_id", tenantID,
			"records", len(records),
			"size", humanize.IBytes(uint64(len(body))))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		outcome.Kind = FailureTransport
		outcome.Err = fmt.Errorf("rate limiter: %w", err)
		return outcome, nil
	}

	ts := c.tokenSource(tenantID, cred)
	tok, err := ts.Token()
	if err != nil {
		c.InvalidateToken(tenantID)
		outcome.Kind = FailureAuth
		outcome.Err = fmt.Errorf("obtain token: %w", err)
		return outcome, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout(large))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.cfg.PushURL(), bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("push tenant %d: build request: %w", tenantID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: oauth2.StaticTokenSource(tok), Base: c.transport},
	}

	started := time.Now()
	resp, err := httpClient.Do(req)
	outcome.Duration = time.Since(started)
	if err != nil {
		outcome.Kind = FailureTransport
		outcome.Err = err
		return outcome, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	outcome.StatusCode = resp.StatusCode
	outcome.ResponseBody = string(data)
	if err != nil {
		outcome.Kind = FailureTransport
		outcome.Err = fmt.Errorf("read response: %w", err)
		return outcome, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.InvalidateToken(tenantID)
		}
		outcome.Kind = FailureHTTP
		outcome.Err = &HTTPError{StatusCode: resp.StatusCode, Body: outcome.ResponseBody}
		return outcome, nil
	}

	if !Confirmed(data) {
		outcome.Kind = FailureRejected
		outcome.Err = fmt.Errorf("%w: %s", ErrRejected, truncate(outcome.ResponseBody, 200))
		return outcome, nil
	}

	outcome.OK = true
	return outcome, nil
}

// Confirmed reports whether a 2xx body acknowledges the push: it must be a JSON
// object with a non-empty id or resourceId, or success set to true.
func Confirmed(body []byte) bool {
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	for _, key := range []string{"id", "resourceId"} {
		switch v := resp[key].(type) {
		case string:
			if v != "" {
				return true
			}
		case float64:
			return true
		}
	}
	success, ok := resp["success"].(bool)
	return ok && success
}

// raiseMemoryLimit lifts the Go soft memory limit by extra bytes and returns a
// function restoring the previous limit. Without a soft limit it is a no-op.
func raiseMemoryLimit(extra int64) func() {
	prev := debug.SetMemoryLimit(-1)
	if prev == math.MaxInt64 || extra <= 0 {
		return func() {}
	}
	next := prev + extra
	if next < prev {
		next = math.MaxInt64
	}
	debug.SetMemoryLimit(next)
	return func() { debug.SetMemoryLimit(prev) }
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsRejected reports whether err marks an unconfirmed 2xx response.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
