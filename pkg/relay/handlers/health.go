package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/auralis-ai/voicerelay/pkg/relay/lifecycle"
	"github.com/auralis-ai/voicerelay/pkg/relay/sessions"
)

// Healthz reports process liveness. It stays green while draining so
// orchestrators do not kill a relay that is still finishing sessions.
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
}

// Readyz reports whether this relay accepts new sessions. A draining relay
// answers 503 so load balancers stop routing upgrades to it.
func Readyz(lc *lifecycle.Lifecycle, tracker *sessions.Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		open := 0
		if tracker != nil {
			open = tracker.Count()
		}
		body := map[string]any{
			"status":        "ok",
			"open_sessions": open,
		}
		if lc != nil && lc.IsDraining() {
			body["status"] = "draining"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		writeJSON(w, http.StatusOK, body)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
