package stats

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Columns is the statistics file column order. It is a compatibility
// contract with downstream tooling.
var Columns = []string{
	"time", "success", "failure",
	"min_runtime", "mean_runtime", "max_runtime",
	"submission_failure",
}

// ErrRowOutOfOrder is returned when a row is older than the last row
// already in the log.
var ErrRowOutOfOrder = errors.New("stats row older than last row")

// CSVLog is the append-only statistics file of one test. Rows carry no
// header line.
type CSVLog struct {
	path string
	mu   sync.Mutex
	// last is the time of the newest row, valid once scanned is set.
	last    time.Time
	scanned bool
}

// NewCSVLog returns the log for test stored under dir.
func NewCSVLog(dir, test string) *CSVLog {
	return &CSVLog{path: filepath.Join(dir, test+".csv")}
}

// Path returns the file location.
func (l *CSVLog) Path() string {
	return l.path
}

// Append writes one row. Rows must be appended in time order.
func (l *CSVLog) Append(row Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.scanned {
		rows, err := l.load()
		if err != nil {
			return err
		}
		if n := len(rows); n > 0 {
			l.last = rows[n-1].Time
		}
		l.scanned = true
	}
	if row.Time.Before(l.last) {
		return fmt.Errorf("%w: %s before %s", ErrRowOutOfOrder,
			row.Time.Format(time.RFC3339), l.last.Format(time.RFC3339))
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(EncodeRow(row)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	l.last = row.Time.UTC().Truncate(time.Second)
	return nil
}

// Load returns every row in file order. A missing file has no rows.
func (l *CSVLog) Load() ([]Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Since returns rows at or after t.
func (l *CSVLog) Since(t time.Time) ([]Row, error) {
	rows, err := l.Load()
	if err != nil {
		return nil, err
	}
	for i, r := range rows {
		if !r.Time.Before(t) {
			return rows[i:], nil
		}
	}
	return nil, nil
}

// Raw returns the file contents for download.
func (l *CSVLog) Raw() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (l *CSVLog) load() ([]Row, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	rows, err := ParseRows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}
	return rows, nil
}

// EncodeRow renders a row as one CSV line. The mean keeps a decimal point
// when runtimes were present, matching files written by earlier tooling.
func EncodeRow(row Row) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{
		strconv.FormatInt(row.Time.Unix(), 10),
		strconv.Itoa(row.Success),
		strconv.Itoa(row.Failure),
		strconv.FormatInt(row.MinRuntime, 10),
		formatMean(row),
		strconv.FormatInt(row.MaxRuntime, 10),
		strconv.Itoa(row.SubmissionFailure),
	})
	w.Flush()
	return buf.Bytes()
}

func formatMean(row Row) string {
	if row.MeanRuntime == 0 && row.MinRuntime == 0 && row.MaxRuntime == 0 {
		return "0"
	}
	s := strconv.FormatFloat(row.MeanRuntime, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !math.IsInf(row.MeanRuntime, 0) && !math.IsNaN(row.MeanRuntime) {
		s += ".0"
	}
	return s
}

// ParseRows reads statistics lines. A header line naming the columns is
// tolerated and skipped.
func ParseRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Columns)
	cr.ReuseRecord = true

	var rows []Row
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, err
		}
		if line == 1 && rec[0] == Columns[0] {
			continue
		}
		row, err := decodeRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeRow(rec []string) (Row, error) {
	var row Row
	ts, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return row, fmt.Errorf("time: %w", err)
	}
	row.Time = time.Unix(ts, 0).UTC()

	ints := []*int{&row.Success, &row.Failure, nil, nil, nil, &row.SubmissionFailure}
	for i, dst := range ints {
		if dst == nil {
			continue
		}
		v, err := strconv.Atoi(rec[i+1])
		if err != nil {
			return row, fmt.Errorf("%s: %w", Columns[i+1], err)
		}
		*dst = v
	}
	if row.MinRuntime, err = parseSeconds(rec[3]); err != nil {
		return row, fmt.Errorf("min_runtime: %w", err)
	}
	if row.MeanRuntime, err = strconv.ParseFloat(rec[4], 64); err != nil {
		return row, fmt.Errorf("mean_runtime: %w", err)
	}
	if row.MaxRuntime, err = parseSeconds(rec[5]); err != nil {
		return row, fmt.Errorf("max_runtime: %w", err)
	}
	return row, nil
}

// parseSeconds accepts integer or float seconds.
func parseSeconds(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
