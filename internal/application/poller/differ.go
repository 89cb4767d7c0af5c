package poller

import (
	"errors"
	"log/slog"
	"time"

	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/calendar"
)

// Differ reconciles two schedule snapshots into an ordered list of per-course
// status changes.
type Differ struct {
	cal    *calendar.Calendar
	logger *slog.Logger
}

// NewDiffer creates a Differ using the given calendar for end-time lookups.
func NewDiffer(cal *calendar.Calendar, logger *slog.Logger) *Differ {
	if logger == nil {
		logger = slog.Default()
	}
	return &Differ{cal: cal, logger: logger}
}

// Diff compares the old window against the new one. For each day of the new
// window that also exists in the old window, every course present in both
// (joined on schedule identity) with a differing status yields one change.
// Days outside the old window and first-sighted courses produce nothing.
// Order follows day order, then course order within the day; there is no
// cross-day reordering.
//
// now is the discovery time: a change whose course already ended by now is
// flagged missed regardless of what the new status is. The boundary is
// strict - a change discovered exactly at the end time is not missed.
func (d *Differ) Diff(oldW, newW schedule.Weekly, now time.Time) []shared.StatusChange {
	var changes []shared.StatusChange

	for _, newDay := range newW {
		oldDay, ok := findDay(oldW, newDay)
		if !ok {
			continue
		}

		for _, newCourse := range newDay.Courses {
			oldCourse, ok := findCourse(oldDay, newCourse.ScheduleID)
			if !ok || oldCourse.Status == newCourse.Status {
				continue
			}

			endTime, err := d.cal.CourseEndTime(newCourse.Period, newDay.Date)
			if err != nil {
				// Structural: the platform reported a slot outside the
				// timetable. Skip the course, keep diffing the rest.
				if errors.Is(err, shared.ErrInvalidPeriod) {
					d.logger.Warn("skipping course with invalid period",
						"course", newCourse.Name,
						"schedule_id", newCourse.ScheduleID,
						"period", newCourse.Period.String(),
					)
					continue
				}
				d.logger.Error("course end time lookup failed",
					"course", newCourse.Name, "error", err)
				continue
			}

			changes = append(changes, shared.StatusChange{
				Course:        newCourse,
				OldStatus:     oldCourse.Status,
				NewStatus:     newCourse.Status,
				Day:           newDay,
				IsMissed:      now.After(endTime),
				ActualEndTime: endTime,
				DiscoveredAt:  now,
			})
		}
	}

	return changes
}

func findDay(w schedule.Weekly, probe schedule.DayPlan) (schedule.DayPlan, bool) {
	for _, day := range w {
		if day.SameDate(probe) {
			return day, true
		}
	}
	return schedule.DayPlan{}, false
}

func findCourse(day schedule.DayPlan, id schedule.ScheduleID) (schedule.Course, bool) {
	for _, course := range day.Courses {
		if course.ScheduleID == id {
			return course, true
		}
	}
	return schedule.Course{}, false
}
