// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport implements Node Transport (C3): an authenticated HTTP
// client to peer nodes, with a pooled connection/auth cache keyed by
// (node, credential), a forwarded-header whitelist, and mandatory routing
// through the Circuit Breaker (C4).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaymesh/relay/pkg/breaker"
	"github.com/relaymesh/relay/pkg/httpclient"
	"github.com/relaymesh/relay/pkg/ratelimit"
)

// ForwardedHeaders is the literal allowlist of headers propagated on every
// outbound peer call: caller identity token, forwarded-from-node tag, trace
// id, locale. An explicit allowlist, not a blocklist, mirroring the rest of
// this codebase's style.
var ForwardedHeaders = []string{
	"Authorization",
	"X-Forwarded-From-Node",
	"X-Trace-Id",
	"X-Locale",
}

// NeverForwarded is the explicit deny set: even if present on the inbound
// request, these are stripped before a peer call.
var NeverForwarded = []string{"Cookie", "Host", "Content-Length"}

// CredentialProvider resolves and refreshes bearer credentials for a node.
type CredentialProvider interface {
	// Token returns the current cached bearer token for a node.
	Token(ctx context.Context, nodeSlug string) (string, error)

	// Refresh exchanges a refresh token for a new access token, the
	// transparent retry path after a 401.
	Refresh(ctx context.Context, nodeSlug string) (string, error)
}

// Response is the result of a forwarded call.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Config configures the pooled transport client.
type Config struct {
	MaxPerNode int
	TTL        time.Duration
	Breaker    breaker.Config

	// Timeout bounds each forwarded call. Default 30s.
	Timeout time.Duration

	// MaxRetries and RetryBaseDelay tune the pooled client's transport-
	// level retry. Defaults 3 and 1s.
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// pooledClient is one (node, credential) pool entry.
type pooledClient struct {
	client    *httpclient.Client
	createdAt time.Time
}

// Client is the pooled, breaker-wrapped, rate-limit-checked outbound
// client used for all node-to-node calls.
type Client struct {
	cfg     Config
	creds   CredentialProvider
	breaker *breaker.Breaker
	limiter *ratelimit.DefaultRateLimiter
	sf      singleflight.Group

	mu   sync.Mutex
	pool map[string]*pooledClient // key: node slug + "/" + credential id
}

// New creates a transport Client.
func New(cfg Config, creds CredentialProvider, limiter *ratelimit.DefaultRateLimiter) *Client {
	if cfg.MaxPerNode <= 0 {
		cfg.MaxPerNode = 4
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Client{
		cfg:     cfg,
		creds:   creds,
		breaker: breaker.New(cfg.Breaker, nil),
		limiter: limiter,
		pool:    make(map[string]*pooledClient),
	}
}

// BreakerProbe exposes the breaker for health reporting and the
// routed-session policy's reachability check.
func (c *Client) BreakerProbe() *breaker.Breaker {
	return c.breaker
}

// poolKey identifies a pool entry by node and credential token so rotated
// credentials get a fresh pooled client rather than reusing a stale one.
func poolKey(node, credential string) string {
	return node + "::" + credential
}

func (c *Client) pooled(node, credential string) *httpclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := poolKey(node, credential)
	if entry, ok := c.pool[key]; ok && time.Since(entry.createdAt) < c.cfg.TTL {
		return entry.client
	}

	hc := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: c.cfg.Timeout}),
		httpclient.WithMaxRetries(c.cfg.MaxRetries),
		httpclient.WithBaseDelay(c.cfg.RetryBaseDelay),
	)
	c.pool[key] = &pooledClient{client: hc, createdAt: time.Now()}

	// Bound the pool per node: evict the oldest entry for this node if the
	// per-node cap is exceeded.
	c.evictOldestIfOverCap(node)
	return hc
}

func (c *Client) evictOldestIfOverCap(node string) {
	prefix := node + "::"
	var keys []string
	for k := range c.pool {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	for len(keys) > c.cfg.MaxPerNode {
		oldestKey, oldestAt := "", time.Now()
		for _, k := range keys {
			if e := c.pool[k]; e.createdAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.createdAt
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.pool, oldestKey)
		keys = keys[:0]
		for k := range c.pool {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				keys = append(keys, k)
			}
		}
	}
}

// credential resolves the node's current token, single-flighting refresh
// attempts so only one refresh is in flight per node at a time.
func (c *Client) credential(ctx context.Context, node string) (string, error) {
	tok, err := c.creds.Token(ctx, node)
	if err == nil && tok != "" {
		return tok, nil
	}

	v, err, _ := c.sf.Do(node, func() (interface{}, error) {
		return c.creds.Refresh(ctx, node)
	})
	if err != nil {
		return "", fmt.Errorf("transport: refresh credential for %s: %w", node, err)
	}
	return v.(string), nil
}

// Forward sends an authenticated request to a node, always routed through
// the circuit breaker and rate-limited before pool acquisition.
//
// Failure semantics: network errors and 5xx are counted as breaker
// failures; 4xx are propagated verbatim without tripping the breaker; a
// successful refresh after a 401 is retried transparently exactly once.
func (c *Client) Forward(ctx context.Context, node, baseURL, path string, body any, headers http.Header) (*Response, error) {
	if c.limiter != nil {
		result, err := c.limiter.Check(ctx, ratelimit.ScopeNode, node)
		if err == nil && !result.Allowed {
			return nil, fmt.Errorf("transport: rate limit exceeded for node %q", node)
		}
	}

	if err := c.breaker.Allow(node); err != nil {
		return nil, err
	}

	resp, err := c.doForward(ctx, node, baseURL, path, body, headers, false)
	if err != nil {
		if isTransient(err) {
			c.breaker.RecordFailure(node)
		}
		return nil, err
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure(node)
		return resp, fmt.Errorf("transport: node %q returned %d", node, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Transparent retry once after a refresh.
		if _, err := c.creds.Refresh(ctx, node); err == nil {
			resp, err = c.doForward(ctx, node, baseURL, path, body, headers, true)
			if err != nil {
				return nil, err
			}
		}
	}

	c.breaker.RecordSuccess(node)
	return resp, nil
}

func (c *Client) doForward(ctx context.Context, node, baseURL, path string, body any, headers http.Header, forceRefresh bool) (*Response, error) {
	tok, err := c.credential(ctx, node)
	if err != nil {
		return nil, err
	}

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal body: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyForwardedHeaders(req.Header, headers)
	req.Header.Set("Authorization", "Bearer "+tok)

	hc := c.pooled(node, tok)
	httpResp, err := hc.Do(req)
	if err != nil && httpResp == nil {
		// Network-level failure; status-carrying errors fall through so
		// Forward can classify 4xx vs 5xx itself.
		return nil, fmt.Errorf("transport: forward to %q: %w", node, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response from %q: %w", node, err)
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: respBody, Header: httpResp.Header}, nil
}

// applyForwardedHeaders copies only the whitelisted headers, explicitly
// skipping anything on NeverForwarded even if the caller passed it.
func applyForwardedHeaders(dst, src http.Header) {
	if src == nil {
		return
	}
	allowed := make(map[string]bool, len(ForwardedHeaders))
	for _, h := range ForwardedHeaders {
		allowed[h] = true
	}
	denied := make(map[string]bool, len(NeverForwarded))
	for _, h := range NeverForwarded {
		denied[h] = true
	}
	for k, vv := range src {
		if denied[k] || !allowed[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// isTransient reports whether err represents a network-level failure that
// should count against the breaker (as opposed to an already-classified
// HTTP status handled by the caller).
func isTransient(err error) bool {
	return err != nil
}
