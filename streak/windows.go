/*
windows.go - The single time-window resolver for all streak math

PURPOSE:
  Recomputing "the current week" ad hoc in every function yields subtly
  different results across call sites. All period arithmetic
  now goes through Windows, parameterized by a clock, so business logic
  never reads the wall clock directly and tests can pin "now".

ORDINALS:
  Periods are identified by integer ordinals: days since the Unix epoch
  (UTC) for day periods, ISO weeks since the epoch week for week periods.
  Ordinals of adjacent periods differ by exactly 1, which is what the
  streak increment and gap rules are written against.
*/
package streak

import "time"

// PeriodUnit is the bucketing granularity of a streak.
type PeriodUnit string

const (
	PeriodDay     PeriodUnit = "day"
	PeriodISOWeek PeriodUnit = "iso_week"
)

const secondsPerDay = 24 * 60 * 60

// epochMondayDays is the day ordinal of Monday 1969-12-29, the start of
// the ISO week containing the Unix epoch (a Thursday).
const epochMondayDays = -3

// Windows resolves period ordinals and boundaries.
type Windows struct {
	Now func() time.Time
}

func NewWindows(now func() time.Time) Windows {
	if now == nil {
		now = time.Now
	}
	return Windows{Now: now}
}

// DayOrdinal returns the number of whole UTC days since the epoch.
func (w Windows) DayOrdinal(t time.Time) int64 {
	return floorDiv(t.UTC().Unix(), secondsPerDay)
}

// WeekOrdinal returns the ISO week index (Monday-based, UTC) since the
// epoch week.
func (w Windows) WeekOrdinal(t time.Time) int64 {
	return floorDiv(w.DayOrdinal(t)-epochMondayDays, 7)
}

// Ordinal buckets t by the given unit.
func (w Windows) Ordinal(unit PeriodUnit, t time.Time) int64 {
	if unit == PeriodISOWeek {
		return w.WeekOrdinal(t)
	}
	return w.DayOrdinal(t)
}

// CurrentOrdinal buckets the resolver's "now".
func (w Windows) CurrentOrdinal(unit PeriodUnit) int64 {
	return w.Ordinal(unit, w.Now())
}

// PeriodStart returns the UTC start instant of the period with the given
// ordinal.
func (w Windows) PeriodStart(unit PeriodUnit, ordinal int64) time.Time {
	if unit == PeriodISOWeek {
		days := ordinal*7 + epochMondayDays
		return time.Unix(days*secondsPerDay, 0).UTC()
	}
	return time.Unix(ordinal*secondsPerDay, 0).UTC()
}

// floorDiv is integer division rounding toward negative infinity, so
// pre-epoch instants still bucket correctly.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
