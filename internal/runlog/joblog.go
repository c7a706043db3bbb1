package runlog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// MarkerPrefix starts every structured line a job writes to its log.
const MarkerPrefix = "QUEUEWATCH "

// Well-known marker keys. Any other key is kept as an attribute.
const (
	KeyStartTime  = "start_time"
	KeyEndTime    = "end_time"
	KeyExitStatus = "exit_status"
	KeyNode       = "node"
	KeyError      = "error"
)

// JobLog holds the facts a job reported about itself.
type JobLog struct {
	StartTime  time.Time
	EndTime    time.Time
	ExitStatus *int
	Node       string
	Error      string
	Attributes map[string]string
}

// HasExitStatus reports whether the job recorded its exit status.
func (l *JobLog) HasExitStatus() bool {
	return l != nil && l.ExitStatus != nil
}

// FormatMarker renders one marker line without a trailing newline.
func FormatMarker(key, value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	return MarkerPrefix + key + "=" + value
}

// FormatTime renders a marker timestamp as epoch seconds.
func FormatTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Parse scans a job log for marker lines. Unrelated output is ignored and
// the last value of a repeated key wins. A malformed timestamp or exit
// status is an error.
func Parse(r io.Reader) (*JobLog, error) {
	out := &JobLog{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if !strings.HasPrefix(line, MarkerPrefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, MarkerPrefix), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case KeyStartTime, KeyEndTime:
			ts, err := parseTime(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
			}
			if key == KeyStartTime {
				out.StartTime = ts
			} else {
				out.EndTime = ts
			}
		case KeyExitStatus:
			code, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: exit_status %q is not an integer", lineNo, value)
			}
			out.ExitStatus = &code
		case KeyNode:
			out.Node = value
		case KeyError:
			out.Error = value
		default:
			if out.Attributes == nil {
				out.Attributes = make(map[string]string)
			}
			out.Attributes[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseTime accepts epoch seconds or RFC 3339.
func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t.UTC().Truncate(time.Second), nil
}

