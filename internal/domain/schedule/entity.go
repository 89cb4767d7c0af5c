// Package schedule contains the domain model for the weekly class schedule.
// This is the core of the engine - it has no external dependencies.
package schedule

import (
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Period is a course's slot range in the daily timetable: [startSlot, endSlot].
// A single-slot course has StartSlot == EndSlot.
type Period [2]int

// StartSlot returns the first timetable slot of the period.
func (p Period) StartSlot() int { return p[0] }

// EndSlot returns the last timetable slot of the period.
func (p Period) EndSlot() int { return p[1] }

// String returns the period as "start-end".
func (p Period) String() string {
	return fmt.Sprintf("%d-%d", p[0], p[1])
}

// IsValid checks that the slot range is positive and ordered.
func (p Period) IsValid() bool {
	return p[0] >= 1 && p[1] >= p[0]
}

// ScheduleID is the stable identity of one course cell. It is the join key
// that matches the same course across successive polls of the same dates.
type ScheduleID string

// String returns the string representation of the schedule identity.
func (id ScheduleID) String() string { return string(id) }

// IsValid checks that the identity is non-empty.
func (id ScheduleID) IsValid() bool { return id != "" }

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// CourseStatus is the lifecycle state of a course as reported by the platform.
type CourseStatus string

const (
	// StatusNotStarted - the course has not begun yet.
	StatusNotStarted CourseStatus = "notStarted"

	// StatusOngoing - the course is currently live.
	StatusOngoing CourseStatus = "ongoing"

	// StatusCompleted - the course has finished.
	StatusCompleted CourseStatus = "completed"

	// StatusUnknown - the platform reported a state this engine does not model.
	StatusUnknown CourseStatus = "unknown"
)

// IsValid checks that the status is one of the known values.
func (s CourseStatus) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusOngoing, StatusCompleted, StatusUnknown:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends a course's homework lifecycle.
func (s CourseStatus) IsTerminal() bool {
	return s == StatusCompleted
}

// String returns the string representation of the status.
func (s CourseStatus) String() string { return string(s) }

// ══════════════════════════════════════════════════════════════════════════════
// ENTITIES
// ══════════════════════════════════════════════════════════════════════════════

// ClassTime is one static timetable entry. The timetable is loaded once and
// treated as immutable.
type ClassTime struct {
	Period int    `json:"period" yaml:"period"`
	Start  string `json:"start" yaml:"start"` // "HH:MM"
	End    string `json:"end" yaml:"end"`     // "HH:MM"
}

// Holiday is a closed public-holiday date range plus the dates that are
// officially redesignated as make-up workdays around it.
type Holiday struct {
	Name  string `json:"name" yaml:"name"`
	Start string `json:"start" yaml:"start"` // "YYYY-MM-DD", inclusive
	End   string `json:"end" yaml:"end"`     // "YYYY-MM-DD", inclusive
	Days  int    `json:"days,omitempty" yaml:"days,omitempty"`

	// Workdays lists "YYYY-MM-DD" dates that are working days despite falling
	// on a weekend, compensating for the holiday range.
	Workdays []string `json:"workdays" yaml:"workdays"`
}

// Course is one cell of the weekly schedule.
type Course struct {
	Period     Period       `json:"period"`
	Name       string       `json:"name"`
	SectionKey string       `json:"collegeAndClass"`
	ScheduleID ScheduleID   `json:"scheduleId"`
	Status     CourseStatus `json:"status"`

	// InteractiveClassroomID and LessonID are resolved lazily by an external
	// lookup. They stay empty until resolved; once set they are stable. Both
	// are required before homework polling can start for the course.
	InteractiveClassroomID string `json:"interactiveClassroomId,omitempty"`
	LessonID               string `json:"lessonId,omitempty"`
}

// CanPollHomework reports whether the external identifiers required by the
// homework fetcher have been resolved.
func (c Course) CanPollHomework() bool {
	return c.InteractiveClassroomID != "" && c.LessonID != ""
}

// DayPlan is one calendar day's worth of course cells.
type DayPlan struct {
	Date          time.Time `json:"date"`
	WeekdayLabel  string    `json:"weekdayLabel"`
	WeekdayNumber int       `json:"weekdayNumber"` // ISO 1-7, Monday = 1
	Courses       []Course  `json:"courses"`
}

// SameDate reports whether two day plans fall on the same calendar date,
// ignoring the wall-clock component.
func (d DayPlan) SameDate(other DayPlan) bool {
	y1, m1, d1 := d.Date.Date()
	y2, m2, d2 := other.Date.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Weekly is an ordered sequence of day plans, one per calendar day in the
// polled window: 7 days normally, 21 in make-up-workday mode.
type Weekly []DayPlan

// FindDay returns the day plan with the same calendar date, if present.
func (w Weekly) FindDay(date time.Time) (DayPlan, bool) {
	probe := DayPlan{Date: date}
	for _, day := range w {
		if day.SameDate(probe) {
			return day, true
		}
	}
	return DayPlan{}, false
}

// FindCourse returns the course with the given identity inside the window.
func (w Weekly) FindCourse(id ScheduleID) (Course, DayPlan, bool) {
	for _, day := range w {
		for _, course := range day.Courses {
			if course.ScheduleID == id {
				return course, day, true
			}
		}
	}
	return Course{}, DayPlan{}, false
}

// PollResult is what one schedule fetch produces: the ordinal week of the
// semester plus the fetched window.
type PollResult struct {
	SemesterWeek int    `json:"semesterWeek"`
	Weekly       Weekly `json:"weeklySchedule"`
}
