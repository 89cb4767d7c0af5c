package shared

import "errors"

// Base engine errors, checked at decision points with errors.Is().
var (
	// Calendar errors
	ErrInvalidPeriod  = errors.New("invalid timetable period")
	ErrEmptyTimetable = errors.New("timetable has no entries")

	// State store errors
	ErrStorageUnavailable = errors.New("state storage unavailable")
	ErrCorruptState       = errors.New("persisted state is corrupt")

	// Poller lifecycle errors
	ErrAlreadyRunning = errors.New("poller is already running")
	ErrNotRunning     = errors.New("poller is not running")

	// Fetch errors
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrMissingCourseIDs = errors.New("course is missing required identifiers")
)
