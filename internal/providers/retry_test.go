package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
)

func TestCheckRetry(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   bool
	}{
		{"network error", 0, errors.New("connection reset"), true},
		{"ok", http.StatusOK, nil, false},
		{"bad request", http.StatusBadRequest, nil, false},
		{"unauthorized", http.StatusUnauthorized, nil, false},
		{"forbidden", http.StatusForbidden, nil, false},
		{"rate limited", http.StatusTooManyRequests, nil, true},
		{"internal", http.StatusInternalServerError, nil, true},
		{"not implemented", http.StatusNotImplemented, nil, false},
		{"bad gateway", http.StatusBadGateway, nil, true},
		{"unavailable", http.StatusServiceUnavailable, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status}
			}
			got, err := CheckRetry(context.Background(), resp, tt.err)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	retry, err := CheckRetry(ctx, nil, errors.New("boom"))
	assert.False(t, retry)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	minWait, maxWait := 100*time.Millisecond, time.Second

	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := Backoff(minWait, maxWait, attempt, nil)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, min(minWait<<attempt, maxWait))
		}
	}

	assert.Zero(t, Backoff(0, maxWait, 3, nil))
}

func TestBackoff_RetryAfter(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}

	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, Backoff(time.Millisecond, 5*time.Second, 0, resp))

	resp.Header.Set("Retry-After", "120")
	assert.Equal(t, 5*time.Second, Backoff(time.Millisecond, 5*time.Second, 0, resp), "capped at the maximum wait")
}

func TestClassifyError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ClassifyError(ctx, errors.New("x")), context.Canceled)

	err := ClassifyError(context.Background(), context.DeadlineExceeded)
	assert.True(t, apierror.IsTransientUpstream(err))
	assert.Equal(t, http.StatusGatewayTimeout, apierror.HTTPStatus(err))

	err = ClassifyError(context.Background(), errors.New("connection refused"))
	assert.Equal(t, http.StatusBadGateway, apierror.HTTPStatus(err))
}
