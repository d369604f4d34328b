package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/config"
	"github.com/mihaisavezi/chat-bridge/internal/upstream"
)

const errorBodyLimit = 4 << 10

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff.Duration,
		MaxBackoff:     c.MaxBackoff.Duration,
	}
}

// NewRetryClient returns an HTTP client that retries transient failures.
// After the last attempt the final response or error is handed back as is
// so callers can classify it.
func NewRetryClient(policy RetryPolicy, logger *slog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = max(policy.MaxAttempts, 1) - 1
	client.RetryWaitMin = policy.InitialBackoff
	client.RetryWaitMax = policy.MaxBackoff
	client.CheckRetry = CheckRetry
	client.Backoff = Backoff
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logger
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.WarnContext(req.Context(), "Retrying upstream request", "url", req.URL.Redacted(), "attempt", attempt+1)
		}
	}
	return client
}

// CheckRetry retries network errors, 429 and 5xx other than 501.
// Authentication failures are never retried.
func CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, nil
	case resp.StatusCode == http.StatusNotImplemented:
		return false, nil
	case resp.StatusCode >= 500:
		return true, nil
	default:
		return false, nil
	}
}

// Backoff is exponential with full jitter. A Retry-After header on 429 or
// 503 is honoured up to the maximum wait.
func Backoff(minWait, maxWait time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			return min(time.Duration(secs)*time.Second, maxWait)
		}
	}

	if minWait <= 0 {
		return 0
	}
	ceiling := minWait << min(attempt, 30)
	if ceiling <= 0 || ceiling > maxWait {
		ceiling = maxWait
	}
	return rand.N(ceiling + 1)
}

// ClassifyResponse converts a non-2xx upstream response into the error
// taxonomy and closes its body.
func ClassifyResponse(resp *http.Response) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apierror.NewAuthUpstreamError(resp.StatusCode)
	default:
		body := upstream.ReadErrorBody(resp, errorBodyLimit)
		return apierror.NewTransientUpstreamError(resp.StatusCode, false, fmt.Errorf("upstream said: %s", body))
	}
}

// ClassifyError converts a transport error. Cancellation by the caller is
// returned unchanged.
func ClassifyError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	return apierror.NewTransientUpstreamError(0, timeout, err)
}
