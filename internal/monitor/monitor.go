// Package monitor runs the per-test monitoring cycle: reconcile completions,
// harvest statistics, keep the queue topped up and publish artifacts.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/patrickspencer/queuewatch/internal/backend"
	"github.com/patrickspencer/queuewatch/internal/config"
	"github.com/patrickspencer/queuewatch/internal/publish"
	"github.com/patrickspencer/queuewatch/internal/realtime"
	"github.com/patrickspencer/queuewatch/internal/reconcile"
	"github.com/patrickspencer/queuewatch/internal/report"
	"github.com/patrickspencer/queuewatch/internal/runlog"
	"github.com/patrickspencer/queuewatch/internal/stats"
	"github.com/patrickspencer/queuewatch/internal/store"
)

var (
	// ErrCycleInProgress is returned when a cycle for the same test is
	// still running.
	ErrCycleInProgress = errors.New("cycle already in progress")
	// ErrUnknownTest is returned for a test name that is not configured.
	ErrUnknownTest = errors.New("unknown test")
)

// BackendFactory constructs a backend. backend.New is the default.
type BackendFactory func(typ backend.Type, opts backend.Options) (backend.Backend, error)

type testState struct {
	test     *config.Test
	settings config.Settings
	backend  backend.Backend
	statsLog *stats.CSVLog
	limiter  *rate.Limiter

	cycleMu  sync.Mutex
	submitMu sync.Mutex
}

// Monitor owns every configured test.
type Monitor struct {
	cfg       *config.Config
	store     store.RecordStore
	logs      *runlog.Manager
	reconcile *reconcile.Reconciler
	assembler *report.Assembler
	events    realtime.Publisher
	sinks     []publish.Sink
	log       *zap.Logger
	now       func() time.Time

	factory BackendFactory
	runner  backend.CommandRunner

	tests map[string]*testState
	names []string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithEvents sets the realtime event publisher.
func WithEvents(p realtime.Publisher) Option {
	return func(m *Monitor) { m.events = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithSinks sets the artifact sinks.
func WithSinks(sinks ...publish.Sink) Option {
	return func(m *Monitor) { m.sinks = append(m.sinks, sinks...) }
}

// WithBackendFactory replaces backend construction.
func WithBackendFactory(f BackendFactory) Option {
	return func(m *Monitor) { m.factory = f }
}

// WithCommandRunner sets the runner passed to backends.
func WithCommandRunner(r backend.CommandRunner) Option {
	return func(m *Monitor) { m.runner = r }
}

// WithRunLogs sets the job log manager. The default is rooted at the
// configured base directory.
func WithRunLogs(logs *runlog.Manager) Option {
	return func(m *Monitor) { m.logs = logs }
}

// New resolves every test's backend before anything talks to a scheduler.
// An unsupported backend type fails construction.
func New(cfg *config.Config, tests []*config.Test, st store.RecordStore, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		cfg:     cfg,
		store:   st,
		log:     zap.NewNop(),
		now:     time.Now,
		factory: backend.New,
		tests:   make(map[string]*testState, len(tests)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logs == nil {
		m.logs = runlog.NewManager(cfg.BaseDir, cfg.RunLogs.RetentionDays, cfg.RunLogs.MaxTotalMB*1024*1024)
	}

	for _, t := range tests {
		if _, dup := m.tests[t.Name]; dup {
			return nil, fmt.Errorf("duplicate test %q", t.Name)
		}
		typ, err := backend.ParseType(t.Backend)
		if err != nil {
			return nil, fmt.Errorf("test %s: %w", t.Name, err)
		}
		settings := cfg.Resolve(t)
		b, err := m.factory(typ, backend.Options{
			BinDir:  cfg.Slurm.BinDir,
			Timeout: settings.CommandTimeout,
			Runner:  m.runner,
			Logger:  m.log.Named("backend"),
			Now:     m.now,
		})
		if err != nil {
			return nil, fmt.Errorf("test %s: %w", t.Name, err)
		}
		m.tests[t.Name] = &testState{
			test:     t,
			settings: settings,
			backend:  b,
			statsLog: stats.NewCSVLog(cfg.StatsDir(), t.Name),
			limiter:  newLimiter(t.SubmitRatePerMinute),
		}
		m.names = append(m.names, t.Name)
	}
	sort.Strings(m.names)

	m.reconcile = reconcile.New(st, m.logs,
		reconcile.WithLogger(m.log),
		reconcile.WithEvents(m.events),
		reconcile.WithClock(m.now))
	m.assembler = report.NewAssembler(st, cfg,
		report.WithClock(m.now),
		report.WithStatsLogs(m.StatsLog))
	return m, nil
}

func newLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	perSecond := perMinute / 60
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Tests returns the configured test names in sorted order.
func (m *Monitor) Tests() []string {
	return append([]string(nil), m.names...)
}

// Test returns a test definition.
func (m *Monitor) Test(name string) (*config.Test, bool) {
	ts, ok := m.tests[name]
	if !ok {
		return nil, false
	}
	return ts.test, true
}

// Settings returns a test's effective settings.
func (m *Monitor) Settings(name string) (config.Settings, bool) {
	ts, ok := m.tests[name]
	if !ok {
		return config.Settings{}, false
	}
	return ts.settings, true
}

// Backend returns the backend resolved for a test.
func (m *Monitor) Backend(name string) (backend.Backend, bool) {
	ts, ok := m.tests[name]
	if !ok {
		return nil, false
	}
	return ts.backend, true
}

// Store returns the record store.
func (m *Monitor) Store() store.RecordStore {
	return m.store
}

// Assembler returns the report assembler shared with the API.
func (m *Monitor) Assembler() *report.Assembler {
	return m.assembler
}

// Logs returns the job log manager.
func (m *Monitor) Logs() *runlog.Manager {
	return m.logs
}

// Config returns the global configuration.
func (m *Monitor) Config() *config.Config {
	return m.cfg
}

// StatsLog returns a test's statistics file, or nil for an unknown test.
func (m *Monitor) StatsLog(name string) *stats.CSVLog {
	if ts, ok := m.tests[name]; ok {
		return ts.statsLog
	}
	return nil
}

func (m *Monitor) state(name string) (*testState, error) {
	ts, ok := m.tests[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTest, name)
	}
	return ts, nil
}

func (m *Monitor) target(ts *testState) reconcile.Target {
	return reconcile.Target{
		Test:        ts.test.Name,
		Backend:     ts.backend,
		Account:     m.cfg.AccountName,
		User:        m.cfg.UserName,
		Lookback:    ts.settings.Lookback,
		GracePeriod: ts.settings.GracePeriod,
	}
}

func (m *Monitor) query() backend.CompletionQuery {
	return backend.CompletionQuery{AccountName: m.cfg.AccountName, UserName: m.cfg.UserName}
}

func (m *Monitor) publishEvent(evt realtime.Event) {
	if m.events != nil {
		m.events.Publish(evt)
	}
}

// encodeReport renders the JSON report artifact.
func (m *Monitor) encodeReport(ctx context.Context, t *config.Test) ([]byte, error) {
	s, err := m.assembler.Build(ctx, t)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := (report.JSONRenderer{}).Render(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
