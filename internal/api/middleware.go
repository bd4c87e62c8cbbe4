package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type ContextKey int

const UserIDKeyCtx ContextKey = iota

type TokenVerifier interface {
	VerifyToken(token string) (uuid.UUID, error)
}

func CreateAuthedContext(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, UserIDKeyCtx, userID)
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKeyCtx).(uuid.UUID)
	return userID, ok
}

// RequireAuth rejects requests without a valid bearer token and stores the
// token's user id in the request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerValue := r.Header.Get("Authorization")
		if headerValue == "" {
			writeError(w, http.StatusUnauthorized, "no token provided")
			return
		}

		tokenRaw := strings.Split(headerValue, "Bearer ")
		if len(tokenRaw) != 2 || tokenRaw[1] == "" {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		userID, err := h.tokens.VerifyToken(tokenRaw[1])
		if err != nil {
			h.logger.WarnContext(r.Context(), "rejected bearer token", "error", err, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(CreateAuthedContext(r.Context(), userID)))
	})
}
