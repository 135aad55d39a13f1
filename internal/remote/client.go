// Package remote talks to the managed database over its REST interface.
package remote

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

	"github.com/matheus3301/chatsync/internal/errs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout = 15 * time.Second
	restPrefix     = "/rest/v1"
)

// Client is a REST client for the remote store.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
	timeout     time.Duration
	tracer      trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every request. A client passed with WithHTTPClient is
// copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithAccessToken sets the user session token sent as the bearer. Without
// one the API key is used.
func WithAccessToken(token string) Option {
	return func(c *Client) { c.accessToken = token }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		tracer:     otel.Tracer("github.com/matheus3301/chatsync/internal/remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

// APIError is the decoded error body of a non-2xx response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// classify maps an HTTP status onto the error taxonomy.
func classify(status int) errs.Kind {
	switch {
	case status == http.StatusConflict:
		return errs.Conflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Authorization
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return errs.Transient
	default:
		return errs.Permanent
	}
}

type request struct {
	op     string
	method string
	table  string
	query  url.Values
	body   any
	prefer string
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	ctx, span := c.tracer.Start(ctx, "remote."+r.op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", r.method),
		attribute.String("db.table", r.table),
	)

	err := c.roundTrip(ctx, r, out, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, r request, out any, span trace.Span) error {
	u := c.baseURL + restPrefix + "/" + r.table
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return errs.Wrap(errs.Permanent, r.op, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return errs.Wrap(errs.Permanent, r.op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	bearer := c.accessToken
	if bearer == "" {
		bearer = c.apiKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.Transient, r.op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.Transient, r.op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return errs.Wrap(classify(resp.StatusCode), r.op, apiErr)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Wrap(errs.Permanent, r.op, fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}
