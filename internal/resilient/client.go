// Package resilient wraps flaky external calls with timeout, retry, jittered
// backoff, rate-limit honoring, and a fallback verdict instead of an error.
package resilient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// FailureMode names the class of failure that exhausted the attempts.
type FailureMode string

// Failure modes recorded in fallback evidence.
const (
	FailureNone        FailureMode = ""
	FailureTimeout     FailureMode = "network_timeout"
	FailureRateLimited FailureMode = "rate_limited"
	FailureServerError FailureMode = "server_error"
	FailureUnreachable FailureMode = "unreachable"
)

// RateLimitError is returned by operations when the upstream responds 429.
// RetryAfter, when positive, overrides the backoff curve for the next attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// ServerError is returned by operations when the upstream responds 5xx.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (status %d)", e.StatusCode)
}

// ClassifyResponse converts an HTTP response status into the typed errors the
// client understands. A nil return means the response is usable.
func ClassifyResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &ServerError{StatusCode: resp.StatusCode}
	default:
		return nil
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Policy bounds one resilient call.
type Policy struct {
	// MaxAttempts caps total tries, including the first.
	MaxAttempts int
	// AttemptTimeout bounds a single attempt. The target API is known to need
	// minutes under load, so callers set this well above a naive request
	// timeout.
	AttemptTimeout time.Duration
	// BaseDelay / MaxDelay shape the exponential backoff curve.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ServerErrorMaxSleep bounds the random pause after a 5xx.
	ServerErrorMaxSleep time.Duration
}

// DefaultPolicy mirrors the production settings for the performance API.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         4,
		AttemptTimeout:      4 * time.Minute,
		BaseDelay:           2 * time.Second,
		MaxDelay:            60 * time.Second,
		ServerErrorMaxSleep: 10 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.ServerErrorMaxSleep <= 0 {
		p.ServerErrorMaxSleep = d.ServerErrorMaxSleep
	}
	return p
}

// Result reports how a call concluded. FellBack is true when every attempt
// failed; the caller then substitutes its conservative fallback value.
type Result struct {
	Attempts    int
	FellBack    bool
	FailureMode FailureMode
	LastError   error
}

// Client executes operations under a Policy. The zero value is not usable;
// construct with New.
type Client struct {
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Client. A nil logger is replaced with a no-op.
func New(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{logger: logger, sleep: sleepCtx}
}

// Do runs op until it succeeds, the context dies, or the policy's attempts are
// exhausted. Exhaustion is NOT an error: the returned Result has FellBack set
// and the caller substitutes its fallback value. The only error return is a
// dead parent context.
func (c *Client) Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) (Result, error) {
	policy = policy.withDefaults()
	result := Result{}
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return result, fmt.Errorf("resilient call: %w", ctx.Err())
		}
		result.Attempts = attempt + 1

		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			result.FailureMode = FailureNone
			result.LastError = nil
			return result, nil
		}
		result.LastError = err
		result.FailureMode = classify(err)
		c.logger.Warn("resilient call attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.String("failure_mode", string(result.FailureMode)),
			zap.Error(err),
		)
		if attempt == policy.MaxAttempts-1 {
			break
		}
		delay := c.nextDelay(policy, attempt, err)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return result, fmt.Errorf("resilient call: %w", sleepErr)
		}
	}
	result.FellBack = true
	return result, nil
}

// nextDelay picks the wait before the next attempt: a server-supplied
// Retry-After takes precedence, a 5xx gets a bounded random pause, anything
// else follows the jittered exponential curve.
func (c *Client) nextDelay(policy Policy, attempt int, err error) time.Duration {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return policy.BaseDelay + randomJitter(policy.ServerErrorMaxSleep)
	}
	return backoff(policy, attempt)
}

func backoff(policy Policy, attempt int) time.Duration {
	delay := float64(policy.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func classify(err error) FailureMode {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return FailureRateLimited
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return FailureServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureUnreachable
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
