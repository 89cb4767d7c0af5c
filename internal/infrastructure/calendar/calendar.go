// Package calendar implements the time oracle of the scheduling engine: it
// classifies calendar dates against the academic holiday table and maps
// timetable periods to wall-clock boundaries. All functions are pure given
// the configured tables; the holiday table can be swapped at runtime by the
// engine's reload job.
package calendar

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/pkg/timeutil"
)

// DayType classifies one calendar date.
type DayType string

const (
	// DayWorkday - a regular teaching day.
	DayWorkday DayType = "workday"

	// DayWeekend - Saturday or Sunday outside any holiday arrangement.
	DayWeekend DayType = "weekend"

	// DayHoliday - inside a public holiday's closed date range.
	DayHoliday DayType = "holiday"

	// DayMakeupWorkday - a weekend or holiday-adjacent date officially
	// redesignated as a working day. Schedules on these days are often
	// shifted, so the poller widens its fetch window.
	DayMakeupWorkday DayType = "makeupWorkday"
)

// DefaultTolerance is the grace window added to a course's end time to absorb
// instructors running over.
const DefaultTolerance = 5 * time.Minute

// Config holds calendar construction parameters.
type Config struct {
	// Timetable is the fixed daily period table, ordered by start time.
	// Defaults to the built-in 10-period table.
	Timetable []schedule.ClassTime

	// Holidays is the academic holiday table. Defaults to the built-in table.
	Holidays []schedule.Holiday

	// Tolerance is the end-of-class grace window (default 5 minutes).
	Tolerance time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Calendar answers date-classification and period-boundary queries.
type Calendar struct {
	mu        sync.RWMutex
	timetable []schedule.ClassTime
	holidays  []schedule.Holiday
	tolerance time.Duration
	logger    *slog.Logger
}

// New creates a Calendar from the given config, applying defaults.
func New(config Config) (*Calendar, error) {
	if config.Timetable == nil {
		config.Timetable = DefaultTimetable()
	}
	if config.Holidays == nil {
		config.Holidays = DefaultHolidays()
	}
	if config.Tolerance <= 0 {
		config.Tolerance = DefaultTolerance
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if len(config.Timetable) == 0 {
		return nil, shared.ErrEmptyTimetable
	}

	timetable := make([]schedule.ClassTime, len(config.Timetable))
	copy(timetable, config.Timetable)
	sort.Slice(timetable, func(i, j int) bool {
		return timetable[i].Start < timetable[j].Start
	})

	for _, entry := range timetable {
		if _, _, err := timeutil.ParseClock(entry.Start); err != nil {
			return nil, fmt.Errorf("timetable period %d: %w", entry.Period, err)
		}
		if _, _, err := timeutil.ParseClock(entry.End); err != nil {
			return nil, fmt.Errorf("timetable period %d: %w", entry.Period, err)
		}
	}

	return &Calendar{
		timetable: timetable,
		holidays:  config.Holidays,
		tolerance: config.Tolerance,
		logger:    config.Logger,
	}, nil
}

// SetHolidays atomically replaces the holiday table. Used by the nightly
// calendar reload job; in-flight classifications keep the old table.
func (c *Calendar) SetHolidays(holidays []schedule.Holiday) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holidays = holidays
	c.logger.Info("holiday table replaced", "entries", len(holidays))
}

// Tolerance returns the configured end-of-class grace window.
func (c *Calendar) Tolerance() time.Duration {
	return c.tolerance
}

// ClassifyDate maps a date to its day type. A date inside any holiday's
// closed range is a holiday even if another holiday lists it as a make-up
// workday: every range is checked before any workdays list, so holiday
// ordering in the table cannot change the answer. An explicit make-up
// workday overrides what would otherwise be a weekend.
func (c *Calendar) ClassifyDate(date time.Time) DayType {
	c.mu.RLock()
	holidays := c.holidays
	c.mu.RUnlock()

	day := timeutil.FormatDate(date)

	for _, h := range holidays {
		if day >= h.Start && day <= h.End {
			return DayHoliday
		}
	}
	for _, h := range holidays {
		for _, workday := range h.Workdays {
			if day == workday {
				return DayMakeupWorkday
			}
		}
	}

	if wd := timeutil.ISOWeekday(date); wd == 6 || wd == 7 {
		return DayWeekend
	}
	return DayWorkday
}

// CourseEndTime returns the wall-clock end of a course on the reference date:
// the end of the timetable entry matching the period's last slot, plus the
// grace tolerance. Returns ErrInvalidPeriod when the slot has no timetable
// entry.
func (c *Calendar) CourseEndTime(period schedule.Period, ref time.Time) (time.Time, error) {
	entry, ok := c.lookupPeriod(period.EndSlot())
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %d", shared.ErrInvalidPeriod, period.EndSlot())
	}

	end, err := timeutil.At(ref, entry.End)
	if err != nil {
		return time.Time{}, err
	}
	return end.Add(c.tolerance), nil
}

// NextPollTime returns the start of the first timetable period strictly after
// now on the same day, or the first period of the next calendar day when no
// period remains. Polling aligns to period boundaries instead of a fixed
// interval so transitions are caught promptly at class start and end.
func (c *Calendar) NextPollTime(now time.Time) time.Time {
	clock := timeutil.FormatClock(now)

	for _, entry := range c.timetable {
		if clock < entry.Start {
			at, err := timeutil.At(now, entry.Start)
			if err == nil {
				return at
			}
		}
	}

	tomorrow := timeutil.ToCST(now).AddDate(0, 0, 1)
	at, err := timeutil.At(tomorrow, c.timetable[0].Start)
	if err != nil {
		// Timetable entries are validated at construction; this cannot
		// happen for a Calendar built through New.
		return now.Add(time.Hour)
	}
	return at
}

// CurrentPeriod returns the timetable period containing now, if any.
func (c *Calendar) CurrentPeriod(now time.Time) (int, bool) {
	clock := timeutil.FormatClock(now)
	for _, entry := range c.timetable {
		if clock >= entry.Start && clock <= entry.End {
			return entry.Period, true
		}
	}
	return 0, false
}

// InClassTime reports whether now falls inside any timetable period.
func (c *Calendar) InClassTime(now time.Time) bool {
	_, ok := c.CurrentPeriod(now)
	return ok
}

func (c *Calendar) lookupPeriod(slot int) (schedule.ClassTime, bool) {
	for _, entry := range c.timetable {
		if entry.Period == slot {
			return entry, true
		}
	}
	return schedule.ClassTime{}, false
}
