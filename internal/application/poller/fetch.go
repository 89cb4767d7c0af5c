// Package poller implements the engine's two control loops: the schedule
// poller that tracks course lifecycle transitions, and the per-course
// homework pollers it spawns while a course is live. The loops communicate
// only through the event bus and the shared state manager.
package poller

import (
	"context"

	"github.com/chongiou/itolearn/internal/domain/homework"
	"github.com/chongiou/itolearn/internal/domain/schedule"
)

// FetchScheduleFunc fetches one week's schedule window. weekOffset selects
// the week (0 = current); relative asks for the offset to be interpreted
// against the current semester week. The concrete HTTP/HTML adapter lives
// outside this engine and is injected.
type FetchScheduleFunc func(ctx context.Context, weekOffset int, relative bool) (schedule.PollResult, error)

// FetchHomeworkFunc fetches the homework list of one live course. The course
// must have its interactive classroom and lesson identifiers resolved.
type FetchHomeworkFunc func(ctx context.Context, interactiveClassroomID, scheduleID, lessonID string) ([]homework.Homework, error)
