package planmeter

import (
	"time"
)

// MonthWindow returns the calendar month containing t in loc as [start, end).
// A nil loc means time.Local.
func MonthWindow(t time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	// Day 1 never overflows, so AddDate is exact here
	return Window{Start: start, End: start.AddDate(0, 1, 0)}
}
