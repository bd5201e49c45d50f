package source

import "time"

// Due reports whether a source with the given cadence should run at now,
// given the start time of its last successful run (nil if never).
func Due(c Cadence, now time.Time, lastSuccess *time.Time) bool {
	if lastSuccess == nil {
		return true
	}
	now = now.UTC()
	var boundary time.Time
	switch c {
	case Weekly:
		// Start of the current ISO week (Monday).
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		boundary = time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, time.UTC)
	case Monthly:
		boundary = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Quarterly:
		q := (int(now.Month()) - 1) / 3
		boundary = time.Date(now.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	default:
		boundary = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return lastSuccess.Before(boundary)
}

// BusinessDay steps t back to the previous weekday when it falls on a weekend.
// Exchange pages publish nothing for Saturdays and Sundays.
func BusinessDay(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, -2)
	}
	return t
}
