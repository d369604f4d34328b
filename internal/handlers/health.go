package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mihaisavezi/chat-bridge/internal/providers"
)

// healthTimeout bounds one round of provider checks.
const healthTimeout = 10 * time.Second

// HealthChecker runs the provider health checks.
type HealthChecker interface {
	HealthCheckAll(ctx context.Context) map[string]providers.HealthStatus
}

type providerHealth struct {
	Healthy   bool    `json:"healthy"`
	LatencyMS int64   `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
	ExpiresIn *string `json:"credentials_expire_in,omitempty"`
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Providers map[string]providerHealth `json:"providers"`
}

type HealthHandler struct {
	checker HealthChecker
	logger  *slog.Logger
}

func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checker: checker,
		logger:  logger,
	}
}

// ServeHTTP answers 200 only when at least one provider is enabled and all
// enabled providers are healthy.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	results := h.checker.HealthCheckAll(ctx)

	resp := healthResponse{Status: "ok", Providers: make(map[string]providerHealth, len(results))}
	for id, status := range results {
		ph := providerHealth{
			Healthy:   status.Healthy,
			LatencyMS: status.Latency.Milliseconds(),
			Error:     status.Error,
		}
		if status.CredentialsExpireIn != nil {
			d := status.CredentialsExpireIn.Round(time.Second).String()
			ph.ExpiresIn = &d
		}
		resp.Providers[id] = ph

		if !status.Healthy {
			resp.Status = "degraded"
		}
	}
	if len(results) == 0 {
		resp.Status = "no_providers"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
		h.logger.WarnContext(ctx, "Health check failed", "status", resp.Status)
	}
	writeJSON(w, code, resp)
}
