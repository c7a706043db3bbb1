package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patrickspencer/queuewatch/internal/runlog"
	"github.com/patrickspencer/queuewatch/internal/store"
)

// maxLogBytes is the tail of a job log returned by the log endpoint.
const maxLogBytes = 256 * 1024

type recordView struct {
	*store.JobRecord
	State   store.State `json:"state"`
	Runtime int64       `json:"runtime,omitempty"`
}

func viewRecord(rec *store.JobRecord) recordView {
	v := recordView{JobRecord: rec, State: rec.State()}
	if d, ok := rec.Runtime(); ok {
		v.Runtime = int64(d / time.Second)
	}
	return v
}

// parseRecordQuery reads ?limit=, ?completed= and ?since= (RFC3339 or a
// duration such as 24h).
func parseRecordQuery(r *http.Request) (store.Query, error) {
	var q store.Query
	values := r.URL.Query()
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
		q.Limit = n
	}
	if v := values.Get("completed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, fmt.Errorf("invalid completed %q", v)
		}
		q.Completed = store.Bool(b)
	}
	if v := values.Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			q.SubmittedSince = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.SubmittedSince = t
		} else {
			return q, fmt.Errorf("invalid since %q", v)
		}
	}
	return q, nil
}

func (a *API) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q, err := parseRecordQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := a.Monitor.Store().Query(r.Context(), testFrom(r).Name, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		out = append(out, viewRecord(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// loadRecord fetches {counter}, writing the error response itself.
func (a *API) loadRecord(w http.ResponseWriter, r *http.Request) (*store.JobRecord, bool) {
	counter, err := strconv.ParseInt(chi.URLParam(r, "counter"), 10, 64)
	if err != nil || counter <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid counter %q", chi.URLParam(r, "counter")))
		return nil, false
	}
	rec, err := a.Monitor.Store().Get(r.Context(), testFrom(r).Name, counter)
	if errors.Is(err, store.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return rec, true
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewRecord(rec))
}

type logResponse struct {
	File      string `json:"file"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

func (a *API) handleRecordLog(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.loadRecord(w, r)
	if !ok {
		return
	}
	if rec.SchedulerJobID == "" {
		writeError(w, http.StatusNotFound, errors.New("job was never accepted by the scheduler"))
		return
	}
	be, _ := a.Monitor.Backend(rec.Test)
	file := be.LogFileName(rec.SchedulerJobID, rec.Test)

	content, truncated, err := a.Monitor.Logs().ReadRaw(rec.Test, file, maxLogBytes)
	if errors.Is(err, runlog.ErrLogNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", file, err))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, logResponse{File: file, Content: content, Truncated: truncated})
}
