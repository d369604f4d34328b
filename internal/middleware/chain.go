package middleware

import (
	"log/slog"
	"net/http"

	"github.com/mihaisavezi/chat-bridge/internal/config"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Chain represents a middleware chain
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain
func (c Chain) Then(middlewares ...Middleware) Chain {
	all := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	all = append(all, c.middlewares...)
	return Chain{middlewares: append(all, middlewares...)}
}

// Handler applies all middleware in the chain to the given handler
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// MiddlewareSet contains all configured middleware for easy composition
type MiddlewareSet struct {
	RequestID Middleware
	Recovery  Middleware
	Logging   Middleware
	Auth      Middleware
}

func NewMiddlewareSet(config *config.Manager, logger *slog.Logger) MiddlewareSet {
	return MiddlewareSet{
		RequestID: NewRequestIDMiddleware(),
		Recovery:  NewRecoveryMiddleware(logger),
		Logging:   NewLoggingMiddleware(logger),
		Auth:      NewAuthMiddleware(config, logger),
	}
}

// DefaultChain guards the OpenAI surface and the admin endpoints.
func (ms MiddlewareSet) DefaultChain() Chain {
	return ms.HealthChain().Then(ms.Auth)
}

// HealthChain is DefaultChain without authentication.
func (ms MiddlewareSet) HealthChain() Chain {
	return New(
		ms.RequestID, // everything below logs with the id
		ms.Recovery,
		ms.Logging,
	)
}
