package util

import (
	"time"
)

// nyc is the exchange time zone. Loading it can only fail on a system
// without tzdata, which we treat as a deployment error.
var nyc = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("load America/New_York: " + err.Error())
	}
	return loc
}()

// usHolidays are full-day US equity market closures. Half days are treated
// as full sessions.
var usHolidays = map[string]bool{
	"2025-01-01": true, "2025-01-20": true, "2025-02-17": true,
	"2025-04-18": true, "2025-05-26": true, "2025-06-19": true,
	"2025-07-04": true, "2025-09-01": true, "2025-11-27": true,
	"2025-12-25": true,
	"2026-01-01": true, "2026-01-19": true, "2026-02-16": true,
	"2026-04-03": true, "2026-05-25": true, "2026-06-19": true,
	"2026-07-03": true, "2026-09-07": true, "2026-11-26": true,
	"2026-12-25": true,
}

const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// TradingCalendar answers market-hours questions for US equities
// (NYSE/Nasdaq regular session, 9:30-16:00 ET).
type TradingCalendar struct{}

// NewTradingCalendar creates a TradingCalendar.
func NewTradingCalendar() *TradingCalendar {
	return &TradingCalendar{}
}

// isTradingDay reports whether d (in exchange time) is a regular session day.
func (tc *TradingCalendar) isTradingDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !usHolidays[d.Format("2006-01-02")]
}

func sessionOpen(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), openHour, openMinute, 0, 0, nyc)
}

func sessionClose(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), closeHour, closeMinute, 0, 0, nyc)
}

// IsMarketOpen reports whether the regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	et := t.In(nyc)
	if !tc.isTradingDay(et) {
		return false
	}
	return !et.Before(sessionOpen(et)) && et.Before(sessionClose(et))
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	et := t.In(nyc)
	for {
		if tc.isTradingDay(et) && et.Before(sessionOpen(et)) {
			return sessionOpen(et)
		}
		et = time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, nyc).AddDate(0, 0, 1)
	}
}

// NextClose returns the next session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	et := t.In(nyc)
	for {
		if tc.isTradingDay(et) && et.Before(sessionClose(et)) {
			return sessionClose(et)
		}
		et = time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, nyc).AddDate(0, 0, 1)
	}
}
