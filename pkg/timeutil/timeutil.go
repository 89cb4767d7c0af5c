// Package timeutil provides timezone utilities for China Standard Time (UTC+8).
// The tracked platform serves campuses in mainland China, so every timetable
// and holiday date is interpreted in CST. China abolished DST in 1991, so the
// offset is constant year-round. No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// CST is China Standard Time (UTC+8, no DST).
var CST = time.FixedZone("Asia/Shanghai", 8*60*60)

// Common date/time formats.
const (
	// LayoutDate is the standard date format (YYYY-MM-DD).
	LayoutDate = "2006-01-02"
	// LayoutClock is the wall-clock format used by the timetable (HH:MM).
	LayoutClock = "15:04"
	// LayoutDateTime is the standard datetime format.
	LayoutDateTime = "2006-01-02 15:04:05"
)

// Now returns the current time in CST.
func Now() time.Time {
	return time.Now().In(CST)
}

// ToCST converts a time to CST.
func ToCST(t time.Time) time.Time {
	return t.In(CST)
}

// Date creates a midnight time in CST for the given date.
func Date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, CST)
}

// DateTime creates a time in CST with the given date and time.
func DateTime(year, month, day, hour, min, sec int) time.Time {
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, CST)
}

// StartOfDay returns the start of the day (00:00:00) in CST.
func StartOfDay(t time.Time) time.Time {
	cst := ToCST(t)
	return time.Date(cst.Year(), cst.Month(), cst.Day(), 0, 0, 0, 0, CST)
}

// SameDate reports whether two times fall on the same CST calendar date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := ToCST(a).Date()
	by, bm, bd := ToCST(b).Date()
	return ay == by && am == bm && ad == bd
}

// ISOWeekday returns the ISO weekday number (Monday = 1 .. Sunday = 7).
func ISOWeekday(t time.Time) int {
	wd := int(ToCST(t).Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// ParseDate parses a "YYYY-MM-DD" date as CST midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(LayoutDate, s, CST)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a time as "YYYY-MM-DD" in CST.
func FormatDate(t time.Time) string {
	return ToCST(t).Format(LayoutDate)
}

// FormatClock renders a time as "HH:MM" in CST.
func FormatClock(t time.Time) string {
	return ToCST(t).Format(LayoutClock)
}

// ParseClock parses a "HH:MM" wall-clock string into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse(LayoutClock, s)
	if err != nil {
		return 0, 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// At places a "HH:MM" wall-clock time on the given reference date, in CST.
func At(ref time.Time, clock string) (time.Time, error) {
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	cst := ToCST(ref)
	return time.Date(cst.Year(), cst.Month(), cst.Day(), hour, minute, 0, 0, CST), nil
}

// WeekdayNameZH returns the Chinese name for a weekday, as shown on the
// platform's schedule grid.
func WeekdayNameZH(t time.Time) string {
	switch ToCST(t).Weekday() {
	case time.Monday:
		return "星期一"
	case time.Tuesday:
		return "星期二"
	case time.Wednesday:
		return "星期三"
	case time.Thursday:
		return "星期四"
	case time.Friday:
		return "星期五"
	case time.Saturday:
		return "星期六"
	case time.Sunday:
		return "星期日"
	default:
		return ""
	}
}
