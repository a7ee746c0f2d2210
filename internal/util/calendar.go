package util

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// TradingCalendar answers trading-day questions for the China A-share market:
// weekdays are trading days unless listed as an exchange holiday.
type TradingCalendar struct {
	holidays map[string]string // YYYY-MM-DD -> holiday name
}

// NewTradingCalendar creates a TradingCalendar from a date -> name holiday
// map. A nil map yields a plain business-day calendar.
func NewTradingCalendar(holidays map[string]string) *TradingCalendar {
	h := make(map[string]string, len(holidays))
	for d, name := range holidays {
		h[d] = name
	}
	return &TradingCalendar{holidays: h}
}

// IsTradingDay reports whether the exchange is open on t's calendar date.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := tc.holidays[t.Format(dateLayout)]
	return !holiday
}

// HolidayName returns the holiday name for t, if any.
func (tc *TradingCalendar) HolidayName(t time.Time) (string, bool) {
	name, ok := tc.holidays[t.Format(dateLayout)]
	return name, ok
}

// TradingDays returns every trading day in [start, end], ascending, each
// truncated to midnight UTC.
func (tc *TradingCalendar) TradingDays(start, end time.Time) []time.Time {
	start = truncateDay(start)
	end = truncateDay(end)

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// NextTradingDay returns the first trading day strictly after t.
func (tc *TradingCalendar) NextTradingDay(t time.Time) time.Time {
	d := truncateDay(t).AddDate(0, 0, 1)
	for !tc.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// HolidaysFromTradeDates derives the non-trading dates in [start, end] from a
// list of known trading dates, i.e. every calendar date not in tradeDates.
// Weekends are included, matching how exchange calendars are published.
func HolidaysFromTradeDates(tradeDates []time.Time, start, end time.Time) []time.Time {
	open := make(map[string]bool, len(tradeDates))
	for _, d := range tradeDates {
		open[d.Format(dateLayout)] = true
	}

	var holidays []time.Time
	for d := truncateDay(start); !d.After(truncateDay(end)); d = d.AddDate(0, 0, 1) {
		if !open[d.Format(dateLayout)] {
			holidays = append(holidays, d)
		}
	}
	sort.Slice(holidays, func(i, j int) bool { return holidays[i].Before(holidays[j]) })
	return holidays
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
