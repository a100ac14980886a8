package cron_test

import (
	"testing"
	"time"

	"github.com/knfs-library/bbq/lib/bbq/cron"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNamedPatterns(t *testing.T) {
	for _, name := range []string{
		"daily", "weekly", "monthly", "yearly", "hourly", "minutely",
		"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
		"DAILY", " daily ",
	} {
		_, err := cron.Parse(name)
		require.NoError(t, err, name)
	}
}

func TestParseLiteralExpression(t *testing.T) {
	s, err := cron.Parse("*/5 * * * *")
	require.NoError(t, err)
	assert.Equal(t, "*/5", s.Minute)
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	_, err := cron.Parse("* * *")
	assert.Error(t, err)
}

func TestIsTimeToRunHourly(t *testing.T) {
	s, err := cron.Parse("hourly")
	require.NoError(t, err)

	onTheHour := time.Date(2026, 7, 29, 14, 0, 0, 0, time.UTC)
	assert.True(t, cron.IsTimeToRun(s, "UTC", onTheHour))

	offHour := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)
	assert.False(t, cron.IsTimeToRun(s, "UTC", offHour))
}

func TestIsTimeToRunFallsBackToUTCOnBadZone(t *testing.T) {
	s, err := cron.Parse("daily")
	require.NoError(t, err)
	at := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	assert.True(t, cron.IsTimeToRun(s, "Not/AZone", at))
}
