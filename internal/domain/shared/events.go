// Package shared contains the event catalogue and common errors used across
// the engine's domain packages.
package shared

import (
	"time"

	"github.com/google/uuid"

	"github.com/chongiou/itolearn/internal/domain/homework"
	"github.com/chongiou/itolearn/internal/domain/schedule"
)

// EventType identifies one event in the closed catalogue. The set is fixed:
// every event carries a typed payload struct, dispatched by type switch rather
// than string-keyed lookup.
type EventType string

const (
	// Schedule poller events
	EventSchedulePolled      EventType = "schedule:polled"
	EventCourseStatusChanged EventType = "course:statusChanged"
	EventCourseClassStart    EventType = "course:classStart"
	EventCourseClassEnded    EventType = "course:classEnded"
	EventCourseMissed        EventType = "course:missed"

	// Homework poller events
	EventHomeworkPublished EventType = "homework:published"

	// Shared failure channel for both pollers
	EventPollerError EventType = "poller:error"
)

// Event is the base interface carried by the bus.
type Event interface {
	// EventType returns the catalogue name of the event.
	EventType() EventType

	// EventID returns the unique identifier of this occurrence.
	EventID() string

	// OccurredAt returns when the event was emitted.
	OccurredAt() time.Time
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish delivers an event to subscribers synchronously, in
	// subscription order.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// BaseEvent provides the common event fields.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType implements Event.
func (e BaseEvent) EventType() EventType { return e.Type }

// EventID implements Event.
func (e BaseEvent) EventID() string { return e.ID }

// OccurredAt implements Event.
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// NewBaseEvent creates a base event stamped with the given time.
func NewBaseEvent(eventType EventType, at time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: at,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Schedule poller events
// ═══════════════════════════════════════════════════════════════════════════

// SchedulePolled is emitted after every successful poll cycle, whether or not
// any course changed.
type SchedulePolled struct {
	BaseEvent
	Weekly       schedule.Weekly `json:"weeklySchedule"`
	SemesterWeek int             `json:"semesterWeek"`
}

// NewSchedulePolled creates a SchedulePolled event.
func NewSchedulePolled(weekly schedule.Weekly, semesterWeek int, at time.Time) SchedulePolled {
	return SchedulePolled{
		BaseEvent:    NewBaseEvent(EventSchedulePolled, at),
		Weekly:       weekly,
		SemesterWeek: semesterWeek,
	}
}

// StatusChange is the payload shared by the three course transition events.
// Invariant: IsMissed == DiscoveredAt.After(ActualEndTime).
type StatusChange struct {
	Course    schedule.Course      `json:"course"`
	OldStatus schedule.CourseStatus `json:"oldStatus"`
	NewStatus schedule.CourseStatus `json:"newStatus"`
	Day       schedule.DayPlan     `json:"schedule"`

	// IsMissed flags a transition discovered only after the course's computed
	// end time, meaning the poll cadence was too slow to catch it live.
	IsMissed      bool      `json:"isMissed"`
	ActualEndTime time.Time `json:"actualEndTime"`
	DiscoveredAt  time.Time `json:"discoveredAt"`
}

// CourseStatusChanged is emitted for every detected status transition.
type CourseStatusChanged struct {
	BaseEvent
	StatusChange
}

// NewCourseStatusChanged creates a CourseStatusChanged event.
func NewCourseStatusChanged(change StatusChange) CourseStatusChanged {
	return CourseStatusChanged{
		BaseEvent:    NewBaseEvent(EventCourseStatusChanged, change.DiscoveredAt),
		StatusChange: change,
	}
}

// CourseClassStart is emitted in addition to CourseStatusChanged when the new
// status is Ongoing. It starts homework polling for the course.
type CourseClassStart struct {
	BaseEvent
	StatusChange
}

// NewCourseClassStart creates a CourseClassStart event.
func NewCourseClassStart(change StatusChange) CourseClassStart {
	return CourseClassStart{
		BaseEvent:    NewBaseEvent(EventCourseClassStart, change.DiscoveredAt),
		StatusChange: change,
	}
}

// CourseMissed is emitted in addition to CourseStatusChanged when the
// transition was discovered after the course already ended.
type CourseMissed struct {
	BaseEvent
	StatusChange
}

// NewCourseMissed creates a CourseMissed event.
func NewCourseMissed(change StatusChange) CourseMissed {
	return CourseMissed{
		BaseEvent:    NewBaseEvent(EventCourseMissed, change.DiscoveredAt),
		StatusChange: change,
	}
}

// CourseClassEnded is emitted by the one-shot end-of-class timer armed when a
// course transitions to Ongoing.
type CourseClassEnded struct {
	BaseEvent
	Course  schedule.Course  `json:"course"`
	Day     schedule.DayPlan `json:"schedule"`
	EndTime time.Time        `json:"endTime"`
}

// NewCourseClassEnded creates a CourseClassEnded event.
func NewCourseClassEnded(course schedule.Course, day schedule.DayPlan, endTime time.Time) CourseClassEnded {
	return CourseClassEnded{
		BaseEvent: NewBaseEvent(EventCourseClassEnded, endTime),
		Course:    course,
		Day:       day,
		EndTime:   endTime,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Homework poller events
// ═══════════════════════════════════════════════════════════════════════════

// HomeworkPublished is emitted once per previously unseen homework item.
type HomeworkPublished struct {
	BaseEvent
	Homework homework.Homework `json:"homework"`
	Course   schedule.Course   `json:"course"`
}

// NewHomeworkPublished creates a HomeworkPublished event.
func NewHomeworkPublished(hw homework.Homework, course schedule.Course, at time.Time) HomeworkPublished {
	return HomeworkPublished{
		BaseEvent: NewBaseEvent(EventHomeworkPublished, at),
		Homework:  hw,
		Course:    course,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Failure channel
// ═══════════════════════════════════════════════════════════════════════════

// PollerSource identifies which loop reported a poller error.
type PollerSource string

const (
	SourceSchedule PollerSource = "schedule"
	SourceHomework PollerSource = "homework"
)

// PollerError is emitted before each retry of a failed fetch, and once more
// when a homework tick exhausts its retries. RetryCount is 0 for a terminal
// report and 1..n-1 for retry announcements.
type PollerError struct {
	BaseEvent
	Source     PollerSource `json:"type"`
	Err        error        `json:"-"`
	Reason     string       `json:"error"`
	RetryCount int          `json:"retryCount"`

	// Course is set for homework errors, identifying the affected loop.
	Course *schedule.Course `json:"course,omitempty"`
}

// NewPollerError creates a PollerError event.
func NewPollerError(source PollerSource, err error, retryCount int, at time.Time) PollerError {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return PollerError{
		BaseEvent:  NewBaseEvent(EventPollerError, at),
		Source:     source,
		Err:        err,
		Reason:     reason,
		RetryCount: retryCount,
	}
}

// WithCourse attaches the affected course to the error event.
func (e PollerError) WithCourse(course schedule.Course) PollerError {
	c := course
	e.Course = &c
	return e
}
