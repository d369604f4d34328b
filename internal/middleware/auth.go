package middleware

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/config"
)

type AuthMiddleware struct {
	config *config.Manager
	logger *slog.Logger
}

func NewAuthMiddleware(config *config.Manager, logger *slog.Logger) Middleware {
	am := &AuthMiddleware{
		config: config,
		logger: logger,
	}

	return am.middleware
}

func (am *AuthMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := am.authenticate(r); err != nil {
			am.logger.WarnContext(r.Context(), "Authentication failed", "error", err, "remote_addr", r.RemoteAddr)
			apierror.WriteJSON(w, apierror.NewUnauthorizedError("gateway API key not authorized"))

			return
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate accepts the key as a bearer token or in X-API-Key. No key
// configured means the gateway is open.
func (am *AuthMiddleware) authenticate(r *http.Request) error {
	cfg := am.config.Get()
	if cfg.APIKey == "" {
		return nil
	}

	var token string
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		token = apiKey
	}

	if token == "" {
		return errors.New("no authentication token provided")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) != 1 {
		return errors.New("invalid API key")
	}

	return nil
}
