package clock

import (
	"time"

	"github.com/queueworks/vqueue/internal/errs"
)

// BusinessHours is a recurring weekly availability window evaluated in a
// specific time zone.
type BusinessHours struct {
	StartTime   string         `json:"startTime"` // "15:04"
	EndTime     string         `json:"endTime"`
	WorkingDays []time.Weekday `json:"workingDays"`
	TimeZone    string         `json:"timeZone"`
}

// Schedule gates when a queue admits visitors. Specific dates override
// business hours; date bounds apply in all cases.
type Schedule struct {
	BusinessHours *BusinessHours `json:"businessHours,omitempty"`
	StartDate     *time.Time     `json:"startDate,omitempty"`
	EndDate       *time.Time     `json:"endDate,omitempty"`
	Recurring     bool           `json:"recurring"`
	SpecificDates []time.Time    `json:"specificDates,omitempty"`
}

const clockLayout = "15:04"

// Validate checks the schedule at construction time
func (s *Schedule) Validate() error {
	if s.BusinessHours != nil {
		if err := s.BusinessHours.Validate(); err != nil {
			return err
		}
	}
	if s.StartDate != nil && s.EndDate != nil && s.EndDate.Before(*s.StartDate) {
		return errs.Invalid("schedule end date precedes start date")
	}
	return nil
}

// Validate checks the business-hours window
func (b *BusinessHours) Validate() error {
	start, err := time.Parse(clockLayout, b.StartTime)
	if err != nil {
		return errs.Invalid("business hours start time must be HH:MM")
	}
	end, err := time.Parse(clockLayout, b.EndTime)
	if err != nil {
		return errs.Invalid("business hours end time must be HH:MM")
	}
	if !start.Before(end) {
		return errs.Invalid("business hours start must precede end")
	}
	if len(b.WorkingDays) == 0 {
		return errs.Invalid("business hours require at least one working day")
	}
	if _, err := b.location(); err != nil {
		return errs.Invalid("unknown business hours time zone")
	}
	return nil
}

func (b *BusinessHours) location() (*time.Location, error) {
	if b.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(b.TimeZone)
}

func (b *BusinessHours) worksOn(day time.Weekday) bool {
	for _, d := range b.WorkingDays {
		if d == day {
			return true
		}
	}
	return false
}

// minutesOfDay parses an HH:MM clock value into minutes since midnight.
// Inputs are validated at construction, so parse failures collapse to 0.
func minutesOfDay(v string) int {
	t, err := time.Parse(clockLayout, v)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}

// Active reports whether the schedule admits the given instant
func (s *Schedule) Active(now time.Time) bool {
	now = now.UTC()
	if s.StartDate != nil && now.Before(s.StartDate.UTC()) {
		return false
	}
	if s.EndDate != nil && now.After(s.EndDate.UTC()) {
		return false
	}

	if len(s.SpecificDates) > 0 {
		y, m, d := now.Date()
		for _, sd := range s.SpecificDates {
			sy, sm, sdd := sd.UTC().Date()
			if y == sy && m == sm && d == sdd {
				return true
			}
		}
		return false
	}

	if s.BusinessHours != nil {
		loc, err := s.BusinessHours.location()
		if err != nil {
			return false
		}
		local := now.In(loc)
		if !s.BusinessHours.worksOn(local.Weekday()) {
			return false
		}
		minute := local.Hour()*60 + local.Minute()
		return minute >= minutesOfDay(s.BusinessHours.StartTime) &&
			minute <= minutesOfDay(s.BusinessHours.EndTime)
	}

	return true
}

// NextActivation returns the nearest future instant at which Active flips
// to true. The second return is false when no such instant exists within
// the lookahead horizon (one year).
func (s *Schedule) NextActivation(now time.Time) (time.Time, bool) {
	now = now.UTC()
	if s.Active(now) {
		return now, true
	}

	// Date-window lower bound: nothing activates before StartDate
	candidate := now
	if s.StartDate != nil && candidate.Before(s.StartDate.UTC()) {
		candidate = s.StartDate.UTC()
		if s.Active(candidate) {
			return candidate, true
		}
	}

	horizon := now.AddDate(1, 0, 0)

	if len(s.SpecificDates) > 0 {
		var best time.Time
		for _, sd := range s.SpecificDates {
			day := sd.UTC().Truncate(24 * time.Hour)
			at := day
			if at.Before(candidate) {
				continue
			}
			if s.Active(at) && (best.IsZero() || at.Before(best)) {
				best = at
			}
		}
		if best.IsZero() {
			return time.Time{}, false
		}
		return best, true
	}

	if s.BusinessHours != nil {
		loc, err := s.BusinessHours.location()
		if err != nil {
			return time.Time{}, false
		}
		startMin := minutesOfDay(s.BusinessHours.StartTime)
		local := candidate.In(loc)
		for day := 0; ; day++ {
			d := local.AddDate(0, 0, day)
			open := time.Date(d.Year(), d.Month(), d.Day(), startMin/60, startMin%60, 0, 0, loc)
			if open.Before(candidate) {
				// Today's window already started; the instant we want is now
				// if still inside it, otherwise tomorrow's open.
				if s.Active(candidate) {
					return candidate.UTC(), true
				}
				continue
			}
			if open.After(horizon) {
				return time.Time{}, false
			}
			if s.Active(open) {
				return open.UTC(), true
			}
		}
	}

	// No gates beyond the date window
	if s.EndDate != nil && candidate.After(s.EndDate.UTC()) {
		return time.Time{}, false
	}
	return candidate, true
}
