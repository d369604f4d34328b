package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mihaisavezi/chat-bridge/internal/logger"
)

const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen bounds client-supplied ids before they reach logs and
// upstream headers.
const maxRequestIDLen = 128

// NewRequestIDMiddleware accepts the client's X-Request-ID or generates one,
// echoes it in the response and puts it in the request context.
func NewRequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}

			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), id)))
		})
	}
}
