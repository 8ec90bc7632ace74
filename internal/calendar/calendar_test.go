package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextTradingDay_SkipsWeekend(t *testing.T) {
	// 2026-08-28 is a Friday.
	friday := date(2026, time.August, 28)
	assert.Equal(t, date(2026, time.August, 31), NextTradingDay(friday))

	thursday := date(2026, time.August, 27)
	assert.Equal(t, friday, NextTradingDay(thursday))
}

func TestBuildAxis(t *testing.T) {
	axis := BuildAxis(date(2026, time.August, 28), 30)
	assert.Equal(t, date(2026, time.August, 28), axis.TDay)
	assert.Equal(t, date(2026, time.August, 31), axis.EntryDate)
	// 30 trading days = 6 full weeks after entry.
	assert.Equal(t, date(2026, time.October, 12), axis.ExitDate)
	require.NoError(t, axis.Validate())
}

func TestBuildAxis_TruncatesIntradayTimestamp(t *testing.T) {
	stamped := time.Date(2026, time.August, 26, 21, 5, 0, 0, time.UTC)
	axis := BuildAxis(stamped, 30)
	assert.Equal(t, date(2026, time.August, 26), axis.TDay)
	assert.Equal(t, date(2026, time.August, 27), axis.EntryDate)
}

func TestBuildAxis_DefaultHorizon(t *testing.T) {
	withDefault := BuildAxis(date(2026, time.August, 28), 0)
	explicit := BuildAxis(date(2026, time.August, 28), DefaultMaxHoldingDays)
	assert.Equal(t, explicit, withDefault)
}

func TestValidate_RejectsBrokenOrdering(t *testing.T) {
	axis := TimeAxis{
		TDay:      date(2026, time.August, 28),
		EntryDate: date(2026, time.August, 28),
		ExitDate:  date(2026, time.October, 12),
	}
	assert.Error(t, axis.Validate())

	axis = TimeAxis{
		TDay:      date(2026, time.August, 28),
		EntryDate: date(2026, time.August, 31),
		ExitDate:  date(2026, time.August, 31),
	}
	assert.Error(t, axis.Validate())

	axis = TimeAxis{
		TDay:      date(2026, time.August, 28),
		EntryDate: date(2026, time.August, 30), // Sunday
		ExitDate:  date(2026, time.October, 12),
	}
	assert.Error(t, axis.Validate())
}
