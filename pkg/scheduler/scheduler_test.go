package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relikd/dockwatch/pkg/scheduler"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"10m", 10 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"1D", 24 * time.Hour},
	}

	for _, tc := range cases {
		got, err := scheduler.ParseInterval(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestParseInterval_Malformed(t *testing.T) {
	got, err := scheduler.ParseInterval("banana")
	require.Error(t, err)
	require.Equal(t, 10*time.Minute, got)
}

func TestNext_AlwaysPositive(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	configs := []scheduler.Config{
		{Mode: scheduler.Interval, Interval: 5 * time.Minute},
		{Mode: scheduler.Daily, Hour: 3, Minute: 0},
		{Mode: scheduler.Weekly, Weekday: time.Thursday, Hour: 3, Minute: 0},
		{Mode: scheduler.Monthly, Day: 1, Hour: 3, Minute: 0},
	}

	for _, cfg := range configs {
		s := scheduler.New(cfg)
		require.Greater(t, s.Next(now), time.Duration(0))
	}
}

func TestNext_Daily_PastToday(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	s := scheduler.New(scheduler.Config{Mode: scheduler.Daily, Hour: 3, Minute: 0})

	next := now.Add(s.Next(now))
	require.Equal(t, time.Date(2026, 8, 7, 3, 0, 0, 0, time.UTC), next)
}

func TestNext_Daily_FutureToday(t *testing.T) {
	now := time.Date(2026, 8, 6, 1, 0, 0, 0, time.UTC)
	s := scheduler.New(scheduler.Config{Mode: scheduler.Daily, Hour: 3, Minute: 0})

	next := now.Add(s.Next(now))
	require.Equal(t, time.Date(2026, 8, 6, 3, 0, 0, 0, time.UTC), next)
}

func TestNext_Weekly(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC) // Thursday
	s := scheduler.New(scheduler.Config{Mode: scheduler.Weekly, Weekday: time.Thursday, Hour: 3, Minute: 0})

	next := now.Add(s.Next(now))
	require.Equal(t, time.Date(2026, 8, 13, 3, 0, 0, 0, time.UTC), next)
}

func TestNext_Monthly(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	s := scheduler.New(scheduler.Config{Mode: scheduler.Monthly, Day: 1, Hour: 3, Minute: 0})

	next := now.Add(s.Next(now))
	require.Equal(t, time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC), next)
}

func TestNext_Monthly_DayClamped(t *testing.T) {
	s := scheduler.New(scheduler.Config{Mode: scheduler.Monthly, Day: 31, Hour: 3, Minute: 0})
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	next := now.Add(s.Next(now))
	require.Equal(t, 28, next.Day())
}

func TestNext_Cron(t *testing.T) {
	s := scheduler.New(scheduler.Config{Mode: scheduler.Cron, CronExpr: "0 3 * * *"})
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	next := now.Add(s.Next(now))
	require.Equal(t, time.Date(2026, 8, 7, 3, 0, 0, 0, time.UTC), next)
}

func TestParseWeekday(t *testing.T) {
	wd, err := scheduler.ParseWeekday("Thursday")
	require.NoError(t, err)
	require.Equal(t, time.Thursday, wd)

	wd, err = scheduler.ParseWeekday("thu")
	require.NoError(t, err)
	require.Equal(t, time.Thursday, wd)

	_, err = scheduler.ParseWeekday("funday")
	require.Error(t, err)
}
