// Package supervisor is the orchestrator in front of the three engine agents.
// It routes tool calls to the agents over HTTP with per-call timeouts, turns
// every failure into an EngineError, and polls agent health on a fixed
// interval.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gami/protocol-engine/internal/metrics"
)

// maxDetail bounds the diagnostic payload carried by an EngineError.
const maxDetail = 500

// ErrorKind distinguishes a reachable engine refusing a call from an engine
// that could not be reached at all.
type ErrorKind string

const (
	KindRejected    ErrorKind = "rejected"
	KindUnreachable ErrorKind = "unreachable"
)

// EngineError is the single failure type for engine calls.
type EngineError struct {
	Engine     string
	Kind       ErrorKind
	StatusCode int // zero when unreachable
	Detail     string
}

func (e *EngineError) Error() string {
	if e.Kind == KindUnreachable {
		return fmt.Sprintf("%s engine unreachable: %s", e.Engine, e.Detail)
	}
	return fmt.Sprintf("%s engine rejected request (HTTP %d): %s", e.Engine, e.StatusCode, e.Detail)
}

// Timeouts bound the shared HTTP transport.
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
}

// NewHTTPClient builds the pooled client shared by every engine. Connect
// bounds dialing and TLS, Request bounds the whole exchange.
func NewHTTPClient(t Timeouts) *http.Client {
	if t.Connect <= 0 {
		t.Connect = 5 * time.Second
	}
	if t.Request <= 0 {
		t.Request = 20 * time.Second
	}
	return &http.Client{
		Timeout: t.Request,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   t.Connect,
			ResponseHeaderTimeout: t.Request,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Client calls one engine agent.
type Client struct {
	engine  string
	baseURL string
	http    *http.Client
}

// NewClient creates a client for engine at baseURL.
func NewClient(engine, baseURL string, hc *http.Client) *Client {
	return &Client{engine: engine, baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Engine returns the engine name.
func (c *Client) Engine() string {
	return c.engine
}

// Call sends a JSON request and returns the raw response body. body may be nil.
func (c *Client) Call(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := c.call(ctx, method, path, query, body)
	metrics.EngineCallDuration.WithLabelValues(c.engine).Observe(time.Since(start).Seconds())
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			metrics.EngineCallFailures.WithLabelValues(c.engine, string(ee.Kind)).Inc()
		}
		return nil, err
	}
	return raw, nil
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", c.engine, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", c.engine, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &EngineError{Engine: c.engine, Kind: KindUnreachable, Detail: truncate(err.Error())}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &EngineError{Engine: c.engine, Kind: KindUnreachable, Detail: truncate(err.Error())}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &EngineError{
			Engine:     c.engine,
			Kind:       KindRejected,
			StatusCode: resp.StatusCode,
			Detail:     truncate(string(data)),
		}
	}
	return json.RawMessage(data), nil
}

// Probe calls the agent's /health endpoint.
func (c *Client) Probe(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodGet, "/health", nil, nil)
}

func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	return s[:maxDetail]
}
