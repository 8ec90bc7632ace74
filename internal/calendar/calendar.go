// Package calendar computes the fixed time axis of a paper trade: the
// event day T, the entry on the next trading day, and the scheduled exit a
// fixed number of trading days later.
package calendar

import (
	"fmt"
	"time"
)

// DefaultMaxHoldingDays is the scheduled exit horizon in trading days.
const DefaultMaxHoldingDays = 30

// TimeAxis pins the three dates every position is anchored to. All dates
// are at midnight UTC; intraday precision is out of scope for close-to-close
// accounting.
type TimeAxis struct {
	TDay      time.Time `json:"t_day"`
	EntryDate time.Time `json:"entry_date"`
	ExitDate  time.Time `json:"exit_date"`
}

// IsTradingDay reports whether d falls on a weekday. Exchange holidays are
// not modeled; the price feed simply has no close on those days and the
// position stays pending until one appears.
func IsTradingDay(d time.Time) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// NextTradingDay returns the first trading day strictly after d.
func NextTradingDay(d time.Time) time.Time {
	next := d.AddDate(0, 0, 1)
	for !IsTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// AddTradingDays advances d by n trading days, n >= 1.
func AddTradingDays(d time.Time, n int) time.Time {
	out := d
	for i := 0; i < n; i++ {
		out = NextTradingDay(out)
	}
	return out
}

// BuildAxis derives the time axis for an event on tDay: entry at the open
// of the next trading day, exit maxHoldingDays trading days after entry.
func BuildAxis(tDay time.Time, maxHoldingDays int) TimeAxis {
	if maxHoldingDays <= 0 {
		maxHoldingDays = DefaultMaxHoldingDays
	}
	day := truncate(tDay)
	entry := NextTradingDay(day)
	return TimeAxis{
		TDay:      day,
		EntryDate: entry,
		ExitDate:  AddTradingDays(entry, maxHoldingDays),
	}
}

// Validate checks the strict ordering T < entry < exit and that entry and
// exit land on trading days.
func (a TimeAxis) Validate() error {
	if !a.TDay.Before(a.EntryDate) {
		return fmt.Errorf("entry date %s is not after event day %s", a.EntryDate.Format(time.DateOnly), a.TDay.Format(time.DateOnly))
	}
	if !a.EntryDate.Before(a.ExitDate) {
		return fmt.Errorf("exit date %s is not after entry date %s", a.ExitDate.Format(time.DateOnly), a.EntryDate.Format(time.DateOnly))
	}
	if !IsTradingDay(a.EntryDate) {
		return fmt.Errorf("entry date %s is not a trading day", a.EntryDate.Format(time.DateOnly))
	}
	if !IsTradingDay(a.ExitDate) {
		return fmt.Errorf("exit date %s is not a trading day", a.ExitDate.Format(time.DateOnly))
	}
	return nil
}

func truncate(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
