package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/patrickspencer/queuewatch/internal/realtime"
)

// replayLimit caps how many buffered events a reconnecting client receives.
const replayLimit = 100

func eventFilter(r *http.Request) func(realtime.Event) bool {
	test := r.URL.Query().Get("test")
	return func(evt realtime.Event) bool {
		return test == "" || evt.Test == test
	}
}

func lastEventID(r *http.Request) (int64, bool) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "realtime stream unavailable"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	events, cancel := a.Events.Subscribe()
	defer cancel()

	keep := eventFilter(r)
	var sent int64
	write := func(evt realtime.Event) bool {
		if evt.ID <= sent || !keep(evt) {
			return true
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, payload); err != nil {
			return false
		}
		sent = evt.ID
		flusher.Flush()
		return true
	}

	if after, ok := lastEventID(r); ok {
		for _, evt := range a.Events.Recent(replayLimit, after) {
			if !write(evt) {
				return
			}
		}
	}

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok || !write(evt) {
				return
			}
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// handleWebSocket streams the same events as /events over a websocket.
// Messages from the client are read only to detect disconnects.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "realtime stream unavailable"})
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := a.Events.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keep := eventFilter(r)
	var sent int64
	send := func(evt realtime.Event) bool {
		if evt.ID <= sent || !keep(evt) {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(evt); err != nil {
			a.Log.Debug("websocket write failed", zap.Error(err))
			return false
		}
		sent = evt.ID
		return true
	}

	if after, ok := lastEventID(r); ok {
		for _, evt := range a.Events.Recent(replayLimit, after) {
			if !send(evt) {
				return
			}
		}
	}

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case evt, ok := <-events:
			if !ok || !send(evt) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
