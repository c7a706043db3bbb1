package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/patrickspencer/queuewatch/internal/report"
	"github.com/patrickspencer/queuewatch/internal/stats"
)

type statsResponse struct {
	Test    string      `json:"test"`
	Columns []string    `json:"columns"`
	Rows    []stats.Row `json:"rows"`
}

// handleStats returns the statistics log as JSON. ?hours= keeps rows from
// the trailing window only.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	t := testFrom(r)
	log := a.Monitor.StatsLog(t.Name)

	var (
		rows []stats.Row
		err  error
	)
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, perr := strconv.Atoi(v)
		if perr != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid hours %q", v))
			return
		}
		rows, err = log.Since(time.Now().Add(-time.Duration(hours) * time.Hour))
	} else {
		rows, err = log.Load()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []stats.Row{}
	}
	writeJSON(w, http.StatusOK, statsResponse{Test: t.Name, Columns: stats.Columns, Rows: rows})
}

func (a *API) handleStatsCSV(w http.ResponseWriter, r *http.Request) {
	t := testFrom(r)
	data, err := a.Monitor.StatsLog(t.Name).Raw()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", t.Name+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleReport renders the test summary. ?format=text selects the plain
// text rendering; JSON is the default.
func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	s, err := a.Monitor.Assembler().Build(r.Context(), testFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var renderer report.Renderer = report.JSONRenderer{}
	if r.URL.Query().Get("format") == "text" {
		renderer = report.TextRenderer{}
	}
	var buf bytes.Buffer
	if err := renderer.Render(&buf, s); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", renderer.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
