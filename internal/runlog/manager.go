package runlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// jobLogPattern matches job output files named <test>.<backend>.o<jobid>.
const jobLogPattern = "*.{slurm,local}.o*"

// ErrLogNotFound is returned when a job has no output file yet.
var ErrLogNotFound = errors.New("job log not found")

// Manager resolves job output files under the base directory, one directory
// per test, and enforces retention.
type Manager struct {
	baseDir       string
	retentionDays int
	maxTotalBytes int64
	now           func() time.Time
}

// NewManager creates a new job log manager.
func NewManager(baseDir string, retentionDays int, maxTotalBytes int64) *Manager {
	return &Manager{
		baseDir:       baseDir,
		retentionDays: retentionDays,
		maxTotalBytes: maxTotalBytes,
		now:           time.Now,
	}
}

// BaseDir returns the base log directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Dir returns the directory holding a test's job logs.
func (m *Manager) Dir(test string) string {
	return filepath.Join(m.baseDir, sanitizeSegment(test))
}

// Path returns the location of a job log file.
func (m *Manager) Path(test, fileName string) string {
	return filepath.Join(m.Dir(test), filepath.Base(fileName))
}

// Read parses the markers of a job log. A missing file returns
// ErrLogNotFound.
func (m *Manager) Read(test, fileName string) (*JobLog, error) {
	path := m.Path(test, fileName)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrLogNotFound)
		}
		return nil, err
	}
	defer f.Close()

	jl, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return jl, nil
}

// ReadRaw returns up to maxBytes from the end of a job log and whether
// earlier content was skipped.
func (m *Manager) ReadRaw(test, fileName string, maxBytes int64) (string, bool, error) {
	path := m.Path(test, fileName)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, ErrLogNotFound
		}
		return "", false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, err
	}
	truncated := false
	if maxBytes > 0 && info.Size() > maxBytes {
		if _, err := f.Seek(info.Size()-maxBytes, io.SeekStart); err != nil {
			return "", false, err
		}
		truncated = true
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", false, err
	}
	return string(data), truncated, nil
}

// Cleanup removes job logs older than the retention period and then the
// oldest remaining logs until the total size is within the limit. Other
// files under the base directory are never touched.
func (m *Manager) Cleanup() (int, error) {
	cutoff := m.now().AddDate(0, 0, -m.retentionDays)

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}

	var files []fileInfo
	removed := 0

	err := filepath.WalkDir(m.baseDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := doublestar.Match(jobLogPattern, d.Name()); !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if m.retentionDays > 0 && info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
			return nil
		}

		files = append(files, fileInfo{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return removed, nil
		}
		return removed, err
	}

	if m.maxTotalBytes <= 0 {
		return removed, nil
	}

	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= m.maxTotalBytes {
		return removed, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if total <= m.maxTotalBytes {
			break
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			continue
		}
		removed++
		total -= f.size
	}

	return removed, nil
}

func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(value))
	for _, ch := range value {
		isLower := ch >= 'a' && ch <= 'z'
		isUpper := ch >= 'A' && ch <= 'Z'
		isDigit := ch >= '0' && ch <= '9'
		if isLower || isUpper || isDigit || ch == '-' || ch == '_' || ch == '.' {
			b.WriteRune(ch)
			continue
		}
		b.WriteByte('_')
	}
	result := strings.Trim(b.String(), "._")
	if result == "" {
		return "unknown"
	}
	return result
}
