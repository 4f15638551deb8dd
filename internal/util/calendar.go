package util

import (
	"sync"
	"time"
)

var (
	etOnce sync.Once
	etLoc  *time.Location
)

// EasternTime returns the America/New_York location used for all session
// arithmetic. Falls back to a fixed UTC-5 zone if the tz database is
// unavailable.
func EasternTime() *time.Location {
	etOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("ET", -5*3600)
		}
		etLoc = loc
	})
	return etLoc
}

// TradingDate formats t as the YYYY-MM-DD trading date in Eastern Time.
func TradingDate(t time.Time) string {
	return t.In(EasternTime()).Format("2006-01-02")
}

// CompactTradingDate formats t as YYYYMMDD in Eastern Time. Used for
// deterministic identifiers keyed by symbol and date.
func CompactTradingDate(t time.Time) string {
	return t.In(EasternTime()).Format("20060102")
}

// StartOfTradingDay returns midnight Eastern Time of t's trading date.
// "Today's closed trades" during reconciliation means trades closed at or
// after this instant.
func StartOfTradingDay(t time.Time) time.Time {
	et := t.In(EasternTime())
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, EasternTime())
}
