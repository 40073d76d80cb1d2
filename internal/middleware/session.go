package middleware

import (
	"context"
	"net/http"

	"cartsync-agent/internal/auth"
)

type contextKey string

const sessionContextKey contextKey = "sessionContext"

// SessionContext identifies the UI session behind a request.
type SessionContext struct {
	SessionID string
}

func WithSession(ctx context.Context, sc *SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey, sc)
}

func GetSession(ctx context.Context) (*SessionContext, bool) {
	value := ctx.Value(sessionContextKey)
	if value == nil {
		return nil, false
	}
	sc, ok := value.(*SessionContext)
	return sc, ok
}

// SessionAuth extracts the bearer credential, records it in the
// credential store for upstream calls, and keys the request to its
// session. The agent does not verify the token — the order service is
// the authority; the agent only needs the session identity and expiry.
func SessionAuth(creds *auth.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ParseBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeSessionError(w, http.StatusUnauthorized, "A bearer credential is required")
				return
			}

			sessionID := auth.SessionFromToken(token)
			creds.SetToken(sessionID, token)

			ctx := WithSession(r.Context(), &SessionContext{SessionID: sessionID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeSessionError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"error":"UNAUTHORIZED","message":"` + message + `"}`))
}
