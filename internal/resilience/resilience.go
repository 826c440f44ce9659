// Package resilience provides http.RoundTripper middleware for rate-limit
// backoff and bounded retry of transient failures.
//
// The two layers are meant to be stacked as Retry(RateLimit(base)) so that
// time spent waiting out a 429 never counts against the retry budget.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Unbounded is the MaxAttempts value for a policy that never gives up.
const Unbounded = 0

// Policy describes how often and how long a middleware retries.
type Policy struct {
	// MaxAttempts is the number of retries after the first attempt.
	// Unbounded (0) retries until the request succeeds or the context ends;
	// a negative value never retries.
	MaxAttempts int

	// Delay returns the wait before retry number attempt (0-based).
	Delay func(attempt int, resp *http.Response) time.Duration
}

// exhausted reports whether attempt retries have used up the budget.
func (p Policy) exhausted(attempt int) bool {
	return p.MaxAttempts != Unbounded && attempt >= p.MaxAttempts
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the production Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type acceptKey struct{}

// WithAcceptStatus attaches the set of statuses the caller treats as
// non-exceptional. Retry consults it to decide what counts as a failure.
func WithAcceptStatus(ctx context.Context, accept func(status int) bool) context.Context {
	return context.WithValue(ctx, acceptKey{}, accept)
}

// AcceptStatus returns the acceptance function attached to ctx, or the
// default which accepts 2xx only.
func AcceptStatus(ctx context.Context) func(status int) bool {
	if accept, ok := ctx.Value(acceptKey{}).(func(int) bool); ok && accept != nil {
		return accept
	}
	return Accept2xx
}

// Accept2xx accepts 200-299.
func Accept2xx(status int) bool {
	return status >= 200 && status <= 299
}

// rewind prepares req to be sent again. Requests without a body are reused
// as-is; requests with a body need GetBody.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay body: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

// discard drains and closes a response that is about to be replaced by a
// retry so the connection can be reused.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// =============================================================================
// RATE LIMITING
// =============================================================================

const (
	// DefaultRetryAfterCeiling is the largest Retry-After hint honored as-is.
	DefaultRetryAfterCeiling = 60 * time.Second

	// DefaultRetryAfter is used when the hint is missing or too large.
	DefaultRetryAfter = 15 * time.Second
)

// RateLimitConfig configures the 429 handling layer.
type RateLimitConfig struct {
	// Ceiling caps the honored Retry-After hint. Defaults to 60s.
	Ceiling time.Duration

	// Default replaces a missing, unparsable or over-ceiling hint.
	// Defaults to 15s.
	Default time.Duration

	// ClampToCeiling makes an over-ceiling hint wait exactly Ceiling
	// instead of Default, so Retry-After: 90 waits 60s rather than 15s.
	ClampToCeiling bool

	// MaxAttempts bounds the number of 429 retries. Unbounded by default.
	MaxAttempts int

	Sleep  Sleeper
	Logger *slog.Logger
}

// Policy returns the retry policy implied by the configuration.
func (c RateLimitConfig) Policy() Policy {
	c = c.withDefaults()
	return Policy{
		MaxAttempts: c.MaxAttempts,
		Delay: func(_ int, resp *http.Response) time.Duration {
			return c.wait(resp.Header)
		},
	}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultRetryAfterCeiling
	}
	if c.Default <= 0 {
		c.Default = DefaultRetryAfter
	}
	if c.Sleep == nil {
		c.Sleep = Sleep
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// wait computes the backoff for a rate-limited response.
func (c RateLimitConfig) wait(header http.Header) time.Duration {
	seconds, err := strconv.Atoi(header.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return c.Default
	}
	d := time.Duration(seconds) * time.Second
	if d > c.Ceiling {
		if c.ClampToCeiling {
			return c.Ceiling
		}
		return c.Default
	}
	return d
}

// RateLimit returns middleware that waits out HTTP 429 responses and
// re-issues the identical request.
func RateLimit(next http.RoundTripper, cfg RateLimitConfig) http.RoundTripper {
	cfg = cfg.withDefaults()
	policy := cfg.Policy()

	return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		for attempt := 0; ; attempt++ {
			attemptReq := req
			if attempt > 0 {
				var err error
				if attemptReq, err = rewind(req); err != nil {
					return nil, err
				}
			}

			resp, err := next.RoundTrip(attemptReq)
			if err != nil || resp.StatusCode != http.StatusTooManyRequests || policy.exhausted(attempt) {
				return resp, err
			}

			wait := policy.Delay(attempt, resp)
			discard(resp)

			cfg.Logger.Warn("rate limited, retrying",
				"method", req.Method,
				"url", req.URL.String(),
				"wait", wait,
				"attempt", attempt+1,
			)

			if err := cfg.Sleep(req.Context(), wait); err != nil {
				return nil, err
			}
		}
	})
}

// =============================================================================
// TRANSIENT RETRY
// =============================================================================

const (
	// DefaultMaxRetries is the transient retry budget.
	DefaultMaxRetries = 5

	// DefaultRetryStep is multiplied by the attempt index to get the delay.
	DefaultRetryStep = 500 * time.Millisecond
)

// RetryConfig configures the transient failure layer.
type RetryConfig struct {
	// MaxAttempts is the retry budget. Defaults to 5; negative disables
	// retries.
	MaxAttempts int

	// Step is the linear backoff unit. Defaults to 500ms.
	Step time.Duration

	Sleep  Sleeper
	Logger *slog.Logger
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxRetries
	}
	if c.Step <= 0 {
		c.Step = DefaultRetryStep
	}
	if c.Sleep == nil {
		c.Sleep = Sleep
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Policy returns the retry policy implied by the configuration.
func (c RetryConfig) Policy() Policy {
	c = c.withDefaults()
	return Policy{
		MaxAttempts: c.MaxAttempts,
		Delay: func(attempt int, _ *http.Response) time.Duration {
			return time.Duration(attempt) * c.Step
		},
	}
}

// Retry returns middleware that retries failed requests with a linearly
// increasing delay. A failure is a transport error or a response whose
// status the request does not accept (see WithAcceptStatus), except 429
// which belongs to the rate-limit layer. Once the budget is spent the last
// response or error is returned unchanged.
func Retry(next http.RoundTripper, cfg RetryConfig) http.RoundTripper {
	cfg = cfg.withDefaults()
	if cfg.MaxAttempts < 0 {
		return next
	}
	policy := cfg.Policy()

	return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		ctx := req.Context()
		accept := AcceptStatus(ctx)

		for attempt := 0; ; attempt++ {
			attemptReq := req
			if attempt > 0 {
				var err error
				if attemptReq, err = rewind(req); err != nil {
					return nil, err
				}
			}

			resp, err := next.RoundTrip(attemptReq)
			if !failed(ctx, accept, resp, err) || policy.exhausted(attempt) {
				return resp, err
			}

			attrs := []any{
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt + 1,
			}
			if err != nil {
				attrs = append(attrs, "error", err.Error())
			} else {
				attrs = append(attrs, "status", resp.StatusCode)
			}
			cfg.Logger.Info("retrying request", attrs...)

			wait := policy.Delay(attempt, resp)
			discard(resp)

			if err := cfg.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	})
}

func failed(ctx context.Context, accept func(int) bool, resp *http.Response, err error) bool {
	if err != nil {
		return ctx.Err() == nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return !accept(resp.StatusCode)
}
