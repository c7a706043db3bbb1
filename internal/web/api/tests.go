package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/patrickspencer/queuewatch/internal/config"
	"github.com/patrickspencer/queuewatch/internal/monitor"
	"github.com/patrickspencer/queuewatch/internal/store"
)

type testKey struct{}

// requireTest resolves {test} and rejects unknown names with 404.
func (a *API) requireTest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "test")
		t, ok := a.Monitor.Test(name)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", monitor.ErrUnknownTest, name))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), testKey{}, t)))
	})
}

func testFrom(r *http.Request) *config.Test {
	return r.Context().Value(testKey{}).(*config.Test)
}

type testView struct {
	*config.Test
	ScriptPath string              `json:"script_path"`
	NextRun    *time.Time          `json:"next_run,omitempty"`
	States     map[store.State]int `json:"states"`
	Records    int                 `json:"records"`
}

func (a *API) viewTest(ctx context.Context, t *config.Test) (testView, error) {
	v := testView{Test: t, States: make(map[store.State]int)}
	if s, ok := a.Monitor.Settings(t.Name); ok {
		v.ScriptPath = s.ScriptPath
	}
	if a.NextRunTime != nil {
		if next, ok := a.NextRunTime(t.Name); ok {
			v.NextRun = &next
		}
	}
	records, err := a.Monitor.Store().Query(ctx, t.Name, store.Query{})
	if err != nil {
		return v, err
	}
	v.Records = len(records)
	for _, rec := range records {
		v.States[rec.State()]++
	}
	return v, nil
}

func (a *API) handleListTests(w http.ResponseWriter, r *http.Request) {
	out := make([]testView, 0, len(a.Monitor.Tests()))
	for _, name := range a.Monitor.Tests() {
		t, _ := a.Monitor.Test(name)
		v, err := a.viewTest(r.Context(), t)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetTest(w http.ResponseWriter, r *http.Request) {
	v, err := a.viewTest(r.Context(), testFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleCycle runs a cycle now. The cycle is detached from the request so a
// client disconnect does not abort it halfway.
func (a *API) handleCycle(w http.ResponseWriter, r *http.Request) {
	t := testFrom(r)
	res, err := a.Monitor.RunCycle(context.WithoutCancel(r.Context()), t.Name)
	switch {
	case errors.Is(err, monitor.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		a.Log.Error("manual cycle failed", zap.String("test", t.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
