package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chongiou/itolearn/internal/domain/schedule"
)

// Manager holds the single in-memory PollerState and serializes every
// mutation and save against it. The schedule poller and the homework pollers
// run on independent timelines and may save concurrently; the mutex is the
// single-writer discipline that keeps a late save from tearing an earlier
// one. Mutations do not auto-persist - callers batch writes around poll
// boundaries with an explicit Save.
type Manager struct {
	mu      sync.Mutex
	storage Storage
	state   *PollerState
	logger  *slog.Logger
}

// NewManager creates a Manager starting from an empty state.
func NewManager(storage Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage: storage,
		state:   NewPollerState(),
		logger:  logger,
	}
}

// Load replaces the in-memory state with the persisted record. A missing
// record is a fresh start and leaves the empty state in place. Read and parse
// failures are returned to the caller, who decides whether to proceed empty
// or abort startup; the in-memory state stays empty either way.
func (m *Manager) Load(ctx context.Context) error {
	state, err := m.storage.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			m.logger.Info("no persisted state, starting fresh")
			return nil
		}
		return fmt.Errorf("load state: %w", err)
	}

	if state.ActiveHomeworkPollers == nil {
		state.ActiveHomeworkPollers = make(map[schedule.ScheduleID]HomeworkPollerRecord)
	}
	if state.Version == 0 {
		// Records written before the version field was introduced.
		state.Version = SchemaVersion
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	m.logger.Info("state loaded",
		"version", state.Version,
		"active_homework_pollers", len(state.ActiveHomeworkPollers),
		"has_snapshot", state.LastSchedulePoll != nil,
	)
	return nil
}

// Save persists a snapshot of the current state. The label names the save
// site in logs. A failed save is reported but must not stop polling; the
// caller logs and continues with the in-memory copy.
func (m *Manager) Save(ctx context.Context, label string) error {
	m.mu.Lock()
	snapshot := m.state.Clone()
	m.mu.Unlock()

	if err := m.storage.Write(ctx, snapshot); err != nil {
		m.logger.Error("state save failed", "label", label, "error", err)
		return fmt.Errorf("save state (%s): %w", label, err)
	}
	m.logger.Debug("state saved", "label", label)
	return nil
}

// LastSchedulePoll returns a copy of the last persisted schedule poll, or nil
// when no poll has completed yet.
func (m *Manager) LastSchedulePoll() *SchedulePollRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.LastSchedulePoll == nil {
		return nil
	}
	rec := *m.state.LastSchedulePoll
	return &rec
}

// UpdateSchedulePoll replaces the last schedule poll record.
func (m *Manager) UpdateSchedulePoll(rec SchedulePollRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastSchedulePoll = &rec
}

// HomeworkPoller returns the record for one live homework loop.
func (m *Manager) HomeworkPoller(id schedule.ScheduleID) (HomeworkPollerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.state.ActiveHomeworkPollers[id]
	if ok {
		ids := make([]string, len(rec.KnownHomeworkIDs))
		copy(ids, rec.KnownHomeworkIDs)
		rec.KnownHomeworkIDs = ids
	}
	return rec, ok
}

// SetHomeworkPoller creates or replaces the record for one homework loop.
func (m *Manager) SetHomeworkPoller(id schedule.ScheduleID, rec HomeworkPollerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ActiveHomeworkPollers[id] = rec
}

// RemoveHomeworkPoller deletes the record for one homework loop.
func (m *Manager) RemoveHomeworkPoller(id schedule.ScheduleID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.ActiveHomeworkPollers, id)
}

// ActiveHomeworkPollers returns a copy of the live homework loop records.
func (m *Manager) ActiveHomeworkPollers() map[schedule.ScheduleID]HomeworkPollerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[schedule.ScheduleID]HomeworkPollerRecord, len(m.state.ActiveHomeworkPollers))
	for id, rec := range m.state.ActiveHomeworkPollers {
		out[id] = rec
	}
	return out
}
