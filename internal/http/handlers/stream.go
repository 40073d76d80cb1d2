package handlers

import (
	"net/http"
	"strings"

	"cartsync-agent/internal/auth"
	"cartsync-agent/pkg/response"
)

// CartStream subscribes a UI client to the session's cart state over
// WebSocket. Browsers cannot set an Authorization header on a WS
// upgrade, so the credential arrives as a query parameter.
func (h *Handler) CartStream(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = auth.ParseBearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "A bearer credential is required")
		return
	}

	session := auth.SessionFromToken(token)
	h.Creds.SetToken(session, token)

	engine := h.Manager.Engine(session)
	h.WS.Handle(w, r, session, engine.Snapshot())
}
