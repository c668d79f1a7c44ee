// Package tavily is the upstream HTTP client of the MCP bridge. It performs
// exactly one POST per tool invocation and folds every outcome (success, HTTP
// error, transport failure) into a Result. Nothing here ever surfaces as a
// protocol error.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tavily-local-proxy/tavily-mcp/internal/debuglog"
)

// Result is the normalized outcome of one upstream call.
type Result struct {
	Text    string // human-readable text handed back to the client
	IsError bool   // set for HTTP errors and transport failures
	Status  int    // HTTP status, 0 when no response was received
}

// Config holds configuration for the upstream client.
type Config struct {
	BaseURL string // joined with the tool path, no trailing slash
	APIKey  string

	// Timeout bounds one call. Zero means no timeout beyond the transport's own.
	Timeout time.Duration

	// BreakerFailures > 0 enables the circuit breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client posts tool payloads to the upstream search API.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *CircuitBreaker
	sink    *debuglog.Sink
}

// errServerStatus marks a 5xx response as a failure for the circuit breaker
// while the response itself is still delivered as a Result.
var errServerStatus = errors.New("upstream returned server error")

// NewClient creates a Client. A nil sink discards diagnostics.
func NewClient(cfg Config, sink *debuglog.Sink) *Client {
	if sink == nil {
		sink = debuglog.Discard()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{
		cfg:  cfg,
		http: httpClient,
		sink: sink,
	}
	if cfg.BreakerFailures > 0 {
		c.breaker = NewCircuitBreaker(BreakerConfig{
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
		}, sink)
	}
	return c
}

// Breaker returns the circuit breaker, or nil when it is disabled.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Post sends payload to path and returns the normalized Result. The call is not
// cancelled when ctx is; once issued it runs to completion.
func (c *Client) Post(ctx context.Context, path string, payload interface{}) Result {
	ctx = context.WithoutCancel(ctx)

	if c.breaker == nil {
		res, err := c.post(ctx, path, payload)
		if err != nil {
			return failure(err)
		}
		return res
	}

	var res Result
	err := c.breaker.Execute(ctx, func() error {
		var postErr error
		res, postErr = c.post(ctx, path, payload)
		if postErr != nil {
			return postErr
		}
		if res.Status >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})
	if err != nil && !errors.Is(err, errServerStatus) {
		if errors.Is(err, ErrCircuitOpen) {
			c.sink.Printf("postToTavily path=%s rejected circuit=open", path)
		}
		return failure(err)
	}
	return res
}

// post performs the HTTP exchange. A returned error means no complete response
// was received.
func (c *Client) post(ctx context.Context, path string, payload interface{}) (Result, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	c.sink.WithFields(logrus.Fields{
		"path":      path,
		"status":    resp.StatusCode,
		"elapsedMs": time.Since(started).Milliseconds(),
		"bodyBytes": len(raw),
	}).Debug("postToTavily")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := errorDetail(raw, statusPhrase(resp))
		return Result{
			Text:    fmt.Sprintf("Tavily API error (%d): %s", resp.StatusCode, detail),
			IsError: true,
			Status:  resp.StatusCode,
		}, nil
	}

	return Result{Text: successText(raw), Status: resp.StatusCode}, nil
}

func failure(err error) Result {
	return Result{
		Text:    "Tavily proxy request failed: " + err.Error(),
		IsError: true,
	}
}

// successText pretty-prints JSON bodies (two-space indent, key order kept),
// unwraps a JSON string body, and passes anything else through verbatim.
func successText(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return string(raw)
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// errorDetail picks the most useful text out of an error body: a "detail"
// field, then a "message" field, then the whole JSON body, then the raw text,
// then the HTTP status phrase.
func errorDetail(raw []byte, phrase string) string {
	fallback := phrase
	if fallback == "" {
		fallback = "Unknown error"
	}
	if len(raw) == 0 {
		return fallback
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return string(raw)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var parsed interface{}
	if err := dec.Decode(&parsed); err != nil {
		return string(raw)
	}

	switch v := parsed.(type) {
	case map[string]interface{}:
		if s, ok := truthyText(v["detail"]); ok {
			return s
		}
		if s, ok := truthyText(v["message"]); ok {
			return s
		}
		return compactJSON(trimmed)
	case []interface{}:
		return compactJSON(trimmed)
	}

	if s, ok := truthyText(parsed); ok {
		return s
	}
	return fallback
}

// truthyText renders v when it is a non-empty, non-zero, non-false value.
func truthyText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case bool:
		return "true", t
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return "", false
		}
		return t.String(), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func compactJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// statusPhrase returns the reason phrase of the status line, e.g. "Bad Gateway".
func statusPhrase(resp *http.Response) string {
	phrase := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if phrase == "" {
		phrase = http.StatusText(resp.StatusCode)
	}
	return phrase
}
