package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// ReportArchiver uploads each coordinator RunReport as a JSON object. Objects
// are never overwritten because the key carries the run id.
type ReportArchiver struct {
	writer domain.BlobWriter
}

// NewReportArchiver wraps any BlobWriter, normally a *Writer.
func NewReportArchiver(w domain.BlobWriter) *ReportArchiver {
	return &ReportArchiver{writer: w}
}

// ReportPath returns the object path of r:
// runs/day=<day>/<started RFC3339 compact>_<run id>.json.
func ReportPath(r domain.RunReport) string {
	return fmt.Sprintf("runs/day=%d/%s_%s.json",
		r.DayIndex, r.StartedAt.UTC().Format("20060102T150405Z"), r.RunID)
}

// Archive uploads r and returns its path.
func (a *ReportArchiver) Archive(ctx context.Context, r domain.RunReport) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal report %s: %w", r.RunID, err)
	}
	path := ReportPath(r)
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive report %s: %w", r.RunID, err)
	}
	return path, nil
}
