package packager

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Result describes one packaging run.
type Result struct {
	RunID     string
	Asset     string
	SessionID string
	Location  string
	Tables    []string
	Rows      int64
	Bytes     int64
	Objects   int64
	// Skipped counts streams that failed to load outside strict mode.
	Skipped         int
	ParquetFiles    int
	ParquetLocation string
	Duration        time.Duration
}

// Summary renders the run for humans.
func (r *Result) Summary() string {
	s := fmt.Sprintf("packaged %s: %d tables, %s rows, %s in %d objects",
		r.Asset, len(r.Tables), humanize.Comma(r.Rows), humanize.Bytes(uint64(r.Bytes)), r.Objects)
	if r.Skipped > 0 {
		s += fmt.Sprintf(", %d streams skipped", r.Skipped)
	}
	if r.ParquetFiles > 0 {
		s += fmt.Sprintf(", %d parquet files", r.ParquetFiles)
	}
	return s
}

// Fields returns the run as structured log fields.
func (r *Result) Fields() logrus.Fields {
	return logrus.Fields{
		"asset":    r.Asset,
		"location": r.Location,
		"tables":   len(r.Tables),
		"rows":     r.Rows,
		"bytes":    r.Bytes,
		"objects":  r.Objects,
		"skipped":  r.Skipped,
		"duration": r.Duration.String(),
	}
}
