// Package publish copies per-test artifacts (statistics CSV, report JSON)
// to locations outside the data directory.
package publish

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/patrickspencer/queuewatch/internal/config"
)

// Artifact names written for every test.
const (
	StatisticsFile = "statistics.csv"
	ReportFile     = "report.json"
)

// Sink receives artifacts. Keys are slash separated and relative.
type Sink interface {
	Name() string
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// Key joins a test name and artifact file name into a sink key.
func Key(test, file string) string {
	return path.Join(strings.Trim(test, "/"), file)
}

// FromConfig builds every sink the configuration names.
func FromConfig(ctx context.Context, cfg config.PublishConfig) ([]Sink, error) {
	var sinks []Sink
	if cfg.Dir != "" {
		sinks = append(sinks, NewDirSink(cfg.Dir))
	}
	if cfg.S3 != nil {
		s3Sink, err := NewS3Sink(ctx, *cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("publish s3: %w", err)
		}
		sinks = append(sinks, s3Sink)
	}
	return sinks, nil
}
