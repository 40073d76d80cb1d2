package handlers

import (
	"errors"
	"net/http"

	"cartsync-agent/internal/auth"
	"cartsync-agent/internal/cart"
	"cartsync-agent/internal/middleware"
	"cartsync-agent/internal/orderapi"
	"cartsync-agent/pkg/response"

	"github.com/go-chi/chi/v5"
)

func readPathString(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

func sessionID(r *http.Request) string {
	if sc, ok := middleware.GetSession(r.Context()); ok {
		return sc.SessionID
	}
	return ""
}

// writeEngineError maps the engine's error taxonomy onto the HTTP
// surface. Connectivity-class failures should not reach here (the
// engine queues them), but a refresh can still surface one.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrLineNotFound):
		response.Error(w, http.StatusNotFound, "LINE_NOT_FOUND", "No cart line with that id")
		return
	case errors.Is(err, cart.ErrConflictPending):
		response.Error(w, http.StatusConflict, "CONFLICT_PENDING", "Resolve the pending restaurant conflict first")
		return
	case errors.Is(err, cart.ErrNoConflict):
		response.Error(w, http.StatusBadRequest, "NO_CONFLICT", "No conflict is pending")
		return
	case errors.Is(err, cart.ErrEngineClosed):
		response.Error(w, http.StatusGone, "SESSION_CLOSED", "The cart session has been torn down")
		return
	case errors.Is(err, auth.ErrNoCredential), errors.Is(err, auth.ErrCredentialExpired):
		response.ErrorKind(w, http.StatusUnauthorized, "UNAUTHORIZED", string(orderapi.KindAuthorization), "Re-authentication required")
		return
	}

	var apiErr *orderapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case orderapi.KindAuthorization:
			response.ErrorKind(w, http.StatusUnauthorized, apiErr.Code, string(apiErr.Kind), "Re-authentication required")
		case orderapi.KindValidation:
			response.ErrorKind(w, http.StatusBadRequest, apiErr.Code, string(apiErr.Kind), apiErr.Message)
		case orderapi.KindConnectivity, orderapi.KindTimeout:
			response.ErrorKind(w, http.StatusServiceUnavailable, apiErr.Code, string(apiErr.Kind), "Order service unreachable")
		default:
			response.ErrorKind(w, http.StatusBadGateway, apiErr.Code, string(apiErr.Kind), apiErr.Message)
		}
		return
	}

	response.ErrorKind(w, http.StatusBadGateway, "UNKNOWN", string(orderapi.KindUnknown), err.Error())
}
