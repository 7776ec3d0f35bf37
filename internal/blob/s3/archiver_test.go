package s3blob_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/dayauction/internal/blob/s3"
	"github.com/alanyoungcy/dayauction/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.err != nil {
		return m.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
		m.types = map[string]string{}
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func sampleReport() domain.RunReport {
	return domain.RunReport{
		RunID:      "8f14e45f",
		DayIndex:   20001,
		Phase:      domain.PhaseDone,
		Outcome:    domain.OutcomeComplete,
		StartedAt:  time.Date(2024, 10, 5, 0, 1, 2, 0, time.UTC),
		FinishedAt: time.Date(2024, 10, 5, 0, 1, 9, 0, time.UTC),
		HighestBid: 600_000_000,
	}
}

func TestReportPath(t *testing.T) {
	assert.Equal(t, "runs/day=20001/20241005T000102Z_8f14e45f.json", s3blob.ReportPath(sampleReport()))
}

func TestReportArchiver_Archive(t *testing.T) {
	w := &memWriter{}
	a := s3blob.NewReportArchiver(w)

	path, err := a.Archive(context.Background(), sampleReport())
	require.NoError(t, err)
	require.Contains(t, w.objects, path)
	assert.Equal(t, "application/json", w.types[path])

	var got domain.RunReport
	require.NoError(t, json.Unmarshal(w.objects[path], &got))
	assert.Equal(t, sampleReport().RunID, got.RunID)
	assert.Equal(t, uint64(600_000_000), got.HighestBid)
}

func TestReportArchiver_Archive_WriterError(t *testing.T) {
	boom := errors.New("boom")
	a := s3blob.NewReportArchiver(&memWriter{err: boom})

	_, err := a.Archive(context.Background(), sampleReport())
	require.ErrorIs(t, err, boom)
}
