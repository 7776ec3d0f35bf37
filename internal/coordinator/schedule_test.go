package coordinator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/coordinator"
)

func TestSchedule_Next(t *testing.T) {
	base := time.Date(2024, 10, 5, 0, 0, 30, 0, time.UTC)
	cases := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{coordinator.DefaultSchedule, base, time.Date(2024, 10, 5, 0, 1, 0, 0, time.UTC)},
		{coordinator.DefaultSchedule, time.Date(2024, 10, 5, 0, 1, 0, 0, time.UTC), time.Date(2024, 10, 6, 0, 1, 0, 0, time.UTC)},
		{"*/15 * * * *", base, time.Date(2024, 10, 5, 0, 15, 0, 0, time.UTC)},
		{"0 9-17 * * 1-5", base, time.Date(2024, 10, 7, 9, 0, 0, 0, time.UTC)},
		{"30 12 1,15 * *", base, time.Date(2024, 10, 15, 12, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		s, err := coordinator.ParseSchedule(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, s.Next(tc.after), tc.expr)
	}
}

func TestSchedule_Next_NonUTCInput(t *testing.T) {
	s, err := coordinator.ParseSchedule(coordinator.DefaultSchedule)
	require.NoError(t, err)
	loc := time.FixedZone("UTC+2", 2*3600)
	after := time.Date(2024, 10, 5, 1, 0, 0, 0, loc) // 23:00 UTC on the 4th
	assert.Equal(t, time.Date(2024, 10, 5, 0, 1, 0, 0, time.UTC), s.Next(after))
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"5-1 * * * *",
		"*/0 * * * *",
		"a * * * *",
	} {
		_, err := coordinator.ParseSchedule(expr)
		assert.Error(t, err, expr)
	}
}
