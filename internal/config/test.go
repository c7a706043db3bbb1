package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Test is the definition of one monitored workload parsed from a YAML file.
// Every job submitted for a test runs the same script.
type Test struct {
	Name     string `yaml:"name" json:"name"`
	Backend  string `yaml:"backend" json:"backend"`
	Schedule string `yaml:"schedule" json:"schedule"`
	// Script is the job script, relative to <base_dir>/<name> unless absolute.
	Script string `yaml:"script" json:"script"`

	StatIntervalHours              int    `yaml:"stat_interval_hours" json:"stat_interval_hours,omitempty"`
	RuntimeWarningThresholdSeconds *int64 `yaml:"runtime_warning_threshold_seconds" json:"runtime_warning_threshold_seconds,omitempty"`
	PrintSuccess                   *bool  `yaml:"print_success" json:"print_success,omitempty"`
	GracePeriod                    string `yaml:"grace_period" json:"grace_period,omitempty"`

	// MaxQueued is the number of jobs to keep enqueued. Zero disables
	// submission from the monitoring cycle.
	MaxQueued           int     `yaml:"max_queued" json:"max_queued,omitempty"`
	SubmitRatePerMinute float64 `yaml:"submit_rate_per_minute" json:"submit_rate_per_minute,omitempty"`

	// FailureRateWindows are the trailing windows, in hours, reported as
	// success percentages. FailureRateThreshold is the success percentage
	// below which a window is flagged.
	FailureRateWindows   []int   `yaml:"failure_rate_windows" json:"failure_rate_windows,omitempty"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" json:"failure_rate_threshold,omitempty"`
	ReportWindowHours    int     `yaml:"report_window_hours" json:"report_window_hours,omitempty"`

	Description string `yaml:"description" json:"description,omitempty"`
	Enabled     *bool  `yaml:"enabled" json:"enabled,omitempty"`
	FilePath    string `yaml:"-" json:"-"`
}

// IsEnabled returns whether the test is enabled. Defaults to true if not set.
func (t *Test) IsEnabled() bool {
	if t.Enabled == nil {
		return true
	}
	return *t.Enabled
}

func applyTestDefaults(t *Test) {
	t.Name = strings.TrimSpace(t.Name)
	t.Backend = strings.ToLower(strings.TrimSpace(t.Backend))
	t.Schedule = strings.TrimSpace(t.Schedule)
	t.Script = strings.TrimSpace(t.Script)
	if t.Backend == "" {
		t.Backend = "slurm"
	}
	if t.Schedule == "" {
		t.Schedule = "*/15 * * * *"
	}
	if t.Script == "" && t.Name != "" {
		t.Script = t.Name + "." + t.Backend
	}
	if t.SubmitRatePerMinute <= 0 {
		t.SubmitRatePerMinute = 1
	}
	if len(t.FailureRateWindows) == 0 {
		t.FailureRateWindows = []int{24, 3}
	}
	if t.FailureRateThreshold <= 0 {
		t.FailureRateThreshold = 90
	}
	if t.ReportWindowHours <= 0 {
		t.ReportWindowHours = 24
	}
}

// IsSafeName reports whether name can be used as a directory and file name
// component.
func IsSafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, ch := range name {
		isLower := ch >= 'a' && ch <= 'z'
		isUpper := ch >= 'A' && ch <= 'Z'
		isDigit := ch >= '0' && ch <= '9'
		if isLower || isUpper || isDigit || ch == '-' || ch == '_' || ch == '.' {
			continue
		}
		return false
	}
	return true
}

// Validate checks a test definition. Backend names are checked by the
// backend package when the monitor starts.
func (t *Test) Validate() error {
	if t.Name == "" {
		return errors.New("test name is required")
	}
	if !IsSafeName(t.Name) {
		return fmt.Errorf("invalid test name %q: use only letters, numbers, '.', '-', '_'", t.Name)
	}
	if t.MaxQueued < 0 {
		return fmt.Errorf("test %s: max_queued must not be negative", t.Name)
	}
	if t.StatIntervalHours < 0 {
		return fmt.Errorf("test %s: stat_interval_hours must not be negative", t.Name)
	}
	if t.RuntimeWarningThresholdSeconds != nil && *t.RuntimeWarningThresholdSeconds < 0 {
		return fmt.Errorf("test %s: runtime_warning_threshold_seconds must not be negative", t.Name)
	}
	for _, h := range t.FailureRateWindows {
		if h <= 0 {
			return fmt.Errorf("test %s: failure_rate_windows must be positive hours", t.Name)
		}
	}
	if t.GracePeriod != "" {
		if d, err := time.ParseDuration(t.GracePeriod); err != nil || d < 0 {
			return fmt.Errorf("test %s: invalid grace_period %q", t.Name, t.GracePeriod)
		}
	}
	return nil
}

// Settings are a test's effective values after global defaults are applied.
type Settings struct {
	Dir                     string
	ScriptPath              string
	StatIntervalHours       int
	RuntimeWarningThreshold time.Duration
	PrintSuccess            bool
	GracePeriod             time.Duration
	Lookback                time.Duration
	CommandTimeout          time.Duration
}

// Resolve merges the test's overrides over the global configuration.
func (c *Config) Resolve(t *Test) Settings {
	s := Settings{
		Dir:                     filepath.Join(c.BaseDir, t.Name),
		StatIntervalHours:       c.StatIntervalHours,
		RuntimeWarningThreshold: time.Duration(c.RuntimeWarningThresholdSeconds) * time.Second,
		PrintSuccess:            c.PrintSuccess,
		GracePeriod:             c.Grace(),
		Lookback:                c.Lookback(),
		CommandTimeout:          c.Timeout(),
	}
	s.ScriptPath = t.Script
	if !filepath.IsAbs(s.ScriptPath) {
		s.ScriptPath = filepath.Join(s.Dir, t.Script)
	}
	if t.StatIntervalHours > 0 {
		s.StatIntervalHours = t.StatIntervalHours
	}
	if t.RuntimeWarningThresholdSeconds != nil {
		s.RuntimeWarningThreshold = time.Duration(*t.RuntimeWarningThresholdSeconds) * time.Second
	}
	if t.PrintSuccess != nil {
		s.PrintSuccess = *t.PrintSuccess
	}
	if t.GracePeriod != "" {
		s.GracePeriod = mustDuration(t.GracePeriod, s.GracePeriod)
	}
	return s
}

// ParseTestYAML parses a single test YAML payload and applies defaults.
func ParseTestYAML(data []byte) (*Test, error) {
	var t Test
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	applyTestDefaults(&t)
	return &t, nil
}

// LoadTests reads every *.yaml file below dir, at any depth, and returns
// the parsed tests sorted by name. Duplicate names are an error.
func LoadTests(dir string) ([]*Test, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	seen := make(map[string]string, len(matches))
	tests := make([]*Test, 0, len(matches))
	for _, rel := range matches {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		t, err := ParseTestYAML(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, ok := seen[t.Name]; ok {
			return nil, fmt.Errorf("duplicate test name %q in %s and %s", t.Name, prev, path)
		}
		seen[t.Name] = path

		t.FilePath = path
		tests = append(tests, t)
	}

	sort.Slice(tests, func(i, j int) bool { return tests[i].Name < tests[j].Name })
	return tests, nil
}
