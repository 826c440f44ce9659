// Package client provides an authenticated HTTP and GraphQL client for the
// Replit web API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/raphaelgruber/replexport/internal/metrics"
	"github.com/raphaelgruber/replexport/internal/resilience"
)

const (
	// DefaultBaseURL is the Replit web origin.
	DefaultBaseURL = "https://replit.com"

	// DefaultUserAgent identifies the exporter to the API.
	DefaultUserAgent = "replexport (+https://github.com/raphaelgruber/replexport)"

	// SessionCookie is the cookie carrying the session credential.
	SessionCookie = "connect.sid"

	graphQLPath = "/graphql"
)

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the origin requests are resolved against. Defaults to
	// DefaultBaseURL.
	BaseURL string

	// SessionID is the connect.sid session cookie value. Required.
	SessionID string

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// Transport is the innermost round tripper. Defaults to
	// http.DefaultTransport. Resilience middleware is layered on top.
	Transport http.RoundTripper

	// Timeout bounds a single request including retries. Zero means no
	// timeout; archive downloads can be large.
	Timeout time.Duration

	RateLimit resilience.RateLimitConfig
	Retry     resilience.RetryConfig

	// Metrics receives request timings. Optional.
	Metrics *metrics.Collector

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an authenticated Replit API client. Every request carries the
// fixed identity headers and the session cookie, and passes through the
// rate-limit and retry middleware.
type Client struct {
	baseURL    *url.URL
	headers    http.Header
	httpClient *http.Client
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// New creates a Client from the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("client: session id is required")
	}

	rawBase := cfg.BaseURL
	if rawBase == "" {
		rawBase = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(rawBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: base url must be absolute (got %q)", rawBase)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimit.Logger == nil {
		cfg.RateLimit.Logger = logger
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	// Replit rejects API calls without these.
	headers := http.Header{}
	headers.Set("User-Agent", userAgent)
	headers.Set("X-Requested-With", "XMLHttpRequest")
	headers.Set("Referer", base.Scheme+"://"+base.Host)
	headers.Set("Cookie", SessionCookie+"="+cfg.SessionID)

	inner := cfg.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	transport := otelhttp.NewTransport(
		resilience.Retry(resilience.RateLimit(inner, cfg.RateLimit), cfg.Retry),
	)

	return &Client{
		baseURL: base,
		headers: headers,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

// RequestOptions configures a single Request.
type RequestOptions struct {
	// Body is sent as the request body. Byte slices are used so the body
	// can be replayed on retry.
	Body []byte

	// Header adds request headers on top of the fixed ones.
	Header http.Header

	// AcceptStatus decides which statuses are non-exceptional. Defaults to
	// 2xx. Other statuses are retried and finally returned as *StatusError.
	AcceptStatus func(status int) bool

	// NoRedirect returns 3xx responses instead of following them.
	NoRedirect bool
}

// StatusError is returned when a response status is not accepted after the
// retry budget is spent.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (err *StatusError) Error() string {
	if err.Body == "" {
		return fmt.Sprintf("client: %s %s: HTTP %d", err.Method, err.URL, err.StatusCode)
	}
	return fmt.Sprintf("client: %s %s: HTTP %d: %s", err.Method, err.URL, err.StatusCode, err.Body)
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// Resolve returns the absolute URL for path. Absolute URLs are returned
// unchanged.
func (c *Client) Resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("client: parse path %q: %w", path, err)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

// Request performs an authenticated request. The caller owns the returned
// response body. Responses with a status not accepted by opts.AcceptStatus
// are closed and reported as *StatusError.
func (c *Client) Request(ctx context.Context, method, path string, opts RequestOptions) (*http.Response, error) {
	target, err := c.Resolve(path)
	if err != nil {
		return nil, err
	}

	accept := opts.AcceptStatus
	if accept == nil {
		accept = resilience.Accept2xx
	}
	ctx = resilience.WithAcceptStatus(ctx, accept)

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	for key, values := range c.headers {
		req.Header[key] = values
	}
	for key, values := range opts.Header {
		req.Header[key] = values
	}

	httpClient := c.httpClient
	if opts.NoRedirect {
		noFollow := *c.httpClient
		noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		httpClient = &noFollow
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.RecordTiming(metrics.OpHTTPRequest, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, target, err)
	}

	c.logger.Debug("request completed",
		"method", method,
		"url", target,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if !accept(resp.StatusCode) {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}

// =============================================================================
// GRAPHQL
// =============================================================================

// graphQLRequest is the request payload for GraphQL operations.
type graphQLRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Query         string         `json:"query"`
}

// GraphQLResponse is the response envelope of a GraphQL operation.
type GraphQLResponse struct {
	StatusCode int             `json:"-"`
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     []GraphQLError  `json:"errors,omitempty"`
}

// HasData reports whether the envelope carries a non-null data object.
func (r *GraphQLResponse) HasData() bool {
	return len(r.Data) > 0 && !bytes.Equal(r.Data, []byte("null"))
}

// GraphQLError is one entry of a GraphQL errors array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// acceptGraphQL treats every non-5xx status as an envelope the caller
// classifies.
func acceptGraphQL(status int) bool {
	return status >= 200 && status <= 499
}

// GraphQL executes the named operation of query. The envelope is returned
// as-is so that API-level errors can be classified by the caller; when
// result is non-nil and the envelope has data, the data is decoded into
// result. Only transport failures and 5xx responses are returned as errors.
func (c *Client) GraphQL(ctx context.Context, operationName string, variables map[string]any, query string, result any) (*GraphQLResponse, error) {
	if err := checkOperation(operationName, query); err != nil {
		return nil, err
	}

	if variables == nil {
		variables = map[string]any{}
	}
	reqBody, err := json.Marshal(graphQLRequest{
		OperationName: operationName,
		Variables:     variables,
		Query:         query,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	resp, err := c.Request(ctx, http.MethodPost, graphQLPath, RequestOptions{
		Body:         reqBody,
		Header:       http.Header{"Content-Type": []string{"application/json"}},
		AcceptStatus: acceptGraphQL,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if c.metrics != nil {
		defer func() { c.metrics.RecordTiming(metrics.OpGraphQL, time.Since(start)) }()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	envelope := &GraphQLResponse{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, envelope); err != nil {
		return nil, fmt.Errorf("unmarshal response (HTTP %d): %w", resp.StatusCode, err)
	}

	if result != nil && envelope.HasData() {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}

	return envelope, nil
}

// parsedOperations caches the operation names declared by each query
// document.
var parsedOperations sync.Map // query string -> map[string]struct{}

func checkOperation(operationName, query string) error {
	ops, ok := parsedOperations.Load(query)
	if !ok {
		names, err := operationNames(query)
		if err != nil {
			return err
		}
		ops, _ = parsedOperations.LoadOrStore(query, names)
	}
	if _, found := ops.(map[string]struct{})[operationName]; !found {
		return fmt.Errorf("client: operation %q not declared in query document", operationName)
	}
	return nil
}
