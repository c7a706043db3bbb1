// Package api serves the JSON HTTP interface under /api/v1.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/patrickspencer/queuewatch/internal/monitor"
	"github.com/patrickspencer/queuewatch/internal/realtime"
)

// API holds dependencies for all API handlers.
type API struct {
	Monitor *monitor.Monitor
	Events  *realtime.Broker
	// NextRunTime reports the next scheduled cycle of a test. Nil when no
	// timer runs, for example in one-shot commands.
	NextRunTime func(test string) (time.Time, bool)
	Log         *zap.Logger

	upgrader websocket.Upgrader
}

// New creates an API.
func New(mon *monitor.Monitor, events *realtime.Broker, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		Monitor: mon,
		Events:  events,
		Log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the router to mount at /api/v1.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.handleHealth)
	r.Get("/config", a.handleConfig)
	r.Get("/events", a.handleEvents)
	r.Get("/ws", a.handleWebSocket)

	r.Get("/tests", a.handleListTests)
	r.Route("/tests/{test}", func(r chi.Router) {
		r.Use(a.requireTest)
		r.Get("/", a.handleGetTest)
		r.Get("/records", a.handleListRecords)
		r.Get("/records/{counter}", a.handleGetRecord)
		r.Get("/records/{counter}/log", a.handleRecordLog)
		r.Get("/stats", a.handleStats)
		r.Get("/stats.csv", a.handleStatsCSV)
		r.Get("/report", a.handleReport)
		r.Post("/cycle", a.handleCycle)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
