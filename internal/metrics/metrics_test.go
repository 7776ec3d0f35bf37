package metrics_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/metrics"
)

func TestMetrics_ObserveInstruction(t *testing.T) {
	m := metrics.New()
	m.ObserveInstruction("place_bid", time.Millisecond, nil)
	m.ObserveInstruction("place_bid", time.Millisecond, fmt.Errorf("x: %w", domain.ErrWrongPeriod))
	m.ObserveInstruction("settle_day", time.Millisecond, fmt.Errorf("boom"))

	n, err := testutil.GatherAndCount(m.Registry(), "dayauction_ledger_instructions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()
	start := time.Unix(1_700_000_000, 0)
	m.ObserveRun(domain.RunReport{
		Outcome:        domain.OutcomeComplete,
		StartedAt:      start,
		FinishedAt:     start.Add(3 * time.Second),
		SettleAttempts: 2,
		RefundedCount:  2,
		RefundedAmount: 799_800_000,
		FeesCollected:  200_000,
	})
	m.ObserveHTTP("GET /api/v1/status", http.StatusOK, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `dayauction_coordinator_runs_total{outcome="complete"} 1`)
	assert.Contains(t, out, "dayauction_coordinator_refunds_total 2")
	assert.Contains(t, out, "dayauction_coordinator_last_run_timestamp_seconds 1.700000003e+09")
	assert.Contains(t, out, `dayauction_http_request_duration_seconds_count{route="GET /api/v1/status",status="200"} 1`)
}
