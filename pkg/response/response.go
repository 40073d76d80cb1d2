package response

import (
	"encoding/json"
	"net/http"
)

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    data,
	})
}

func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, map[string]any{
		"success": false,
		"error":   code,
		"message": message,
	})
}

// ErrorKind reports a failure along with its taxonomy kind so UI
// callers can branch on it (re-auth flow, silent retry, hard error).
func ErrorKind(w http.ResponseWriter, status int, code string, kind string, message string) {
	JSON(w, status, map[string]any{
		"success": false,
		"error":   code,
		"kind":    kind,
		"message": message,
	})
}

// Conflict signals a cross-restaurant rejection the caller must resolve
// before the mutation can proceed.
func Conflict(w http.ResponseWriter, currentRestaurant, newRestaurant string) {
	JSON(w, http.StatusConflict, map[string]any{
		"success":           false,
		"conflict":          true,
		"currentRestaurant": currentRestaurant,
		"newRestaurant":     newRestaurant,
	})
}
