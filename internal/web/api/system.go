package api

import (
	"net/http"
	"time"
)

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tests":  len(a.Monitor.Tests()),
		"time":   time.Now().UTC(),
	})
}

func (a *API) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := a.Monitor.Config()
	if cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
