// Package usage tracks per-user metered consumption over calendar-month
// periods and checks it against plan quotas.
package usage

import "time"

// CurrentPeriod computes the canonical metering period containing the
// given instant: the UTC calendar month at date precision, as the
// half-open interval [start, end).
func CurrentPeriod(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
