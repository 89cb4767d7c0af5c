// Package persistence implements the durable poller state store. One record
// survives process restarts: the last schedule snapshot plus the set of
// homework pollers that were live when the process stopped. The storage
// backend is injectable; file, redis and postgres implementations live in
// subpackages.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/chongiou/itolearn/internal/domain/schedule"
)

// SchemaVersion is written into every persisted record so later releases can
// migrate old state files instead of misreading them.
const SchemaVersion = 1

// SchedulePollRecord is the persisted result of the last schedule poll.
type SchedulePollRecord struct {
	Timestamp    time.Time       `json:"timestamp"`
	SemesterWeek int             `json:"semesterWeek"`
	Weekly       schedule.Weekly `json:"weeklySchedule"`
}

// HomeworkPollerRecord is the persisted state of one live homework loop.
// An entry exists exactly while the course's homework loop runs; error
// exhaustion does not remove it, only class end or an explicit stop does.
type HomeworkPollerRecord struct {
	Course           schedule.Course  `json:"course"`
	Day              schedule.DayPlan `json:"schedule"`
	StartTime        time.Time        `json:"startTime"`
	LastPollTime     time.Time        `json:"lastPollTime"`
	KnownHomeworkIDs []string         `json:"knownHomeworkIds"`
}

// PollerState is the full durable record.
type PollerState struct {
	Version               int                                           `json:"version"`
	LastSchedulePoll      *SchedulePollRecord                           `json:"lastSchedulePoll"`
	ActiveHomeworkPollers map[schedule.ScheduleID]HomeworkPollerRecord `json:"activeHomeworkPollers"`
}

// NewPollerState returns an empty state at the current schema version.
func NewPollerState() *PollerState {
	return &PollerState{
		Version:               SchemaVersion,
		ActiveHomeworkPollers: make(map[schedule.ScheduleID]HomeworkPollerRecord),
	}
}

// Clone returns a copy safe to hand to a storage backend while pollers keep
// mutating the live state. Snapshot slices are shared: snapshots are treated
// as immutable values once stored.
func (s *PollerState) Clone() *PollerState {
	out := &PollerState{
		Version:               s.Version,
		ActiveHomeworkPollers: make(map[schedule.ScheduleID]HomeworkPollerRecord, len(s.ActiveHomeworkPollers)),
	}
	if s.LastSchedulePoll != nil {
		rec := *s.LastSchedulePoll
		out.LastSchedulePoll = &rec
	}
	for id, rec := range s.ActiveHomeworkPollers {
		ids := make([]string, len(rec.KnownHomeworkIDs))
		copy(ids, rec.KnownHomeworkIDs)
		rec.KnownHomeworkIDs = ids
		out.ActiveHomeworkPollers[id] = rec
	}
	return out
}

// Storage reads and writes full PollerState records. Every write replaces the
// whole record; there are no partial or append writes.
type Storage interface {
	// Read loads the persisted state. Returns ErrStateNotFound when no
	// record has ever been written.
	Read(ctx context.Context) (*PollerState, error)

	// Write replaces the persisted state.
	Write(ctx context.Context, state *PollerState) error
}

// ErrStateNotFound is returned by Storage.Read when no record exists yet.
// Callers treat it as a fresh start, not a failure.
var ErrStateNotFound = errors.New("no persisted state found")
