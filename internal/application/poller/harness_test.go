package poller

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/chongiou/itolearn/internal/domain/homework"
	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/messaging"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence/file"
	"github.com/chongiou/itolearn/pkg/retry"
)

// instantRetry makes backoff delays free so retry ladders run inline.
var instantRetry = []retry.Option{
	retry.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
}

// eventRecorder captures every event published on the bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func newRecordedBus() (*messaging.Bus, *eventRecorder) {
	bus := messaging.NewBus(messaging.DefaultConfig())
	rec := &eventRecorder{}
	_ = bus.SubscribeAll(func(e shared.Event) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, e)
		return nil
	})
	return bus, rec
}

func (r *eventRecorder) ofType(t shared.EventType) []shared.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) count(t shared.EventType) int {
	return len(r.ofType(t))
}

func newMemState() *persistence.Manager {
	return persistence.NewManager(file.New(afero.NewMemMapFs(), "state.json"), nil)
}

// scheduleFetchStub serves a swappable poll result and records every call.
type scheduleFetchStub struct {
	mu       sync.Mutex
	result   schedule.PollResult
	err      error
	failures int
	failErr  error
	calls    []scheduleFetchCall
}

type scheduleFetchCall struct {
	WeekOffset int
	Relative   bool
}

func (s *scheduleFetchStub) fetch(ctx context.Context, weekOffset int, relative bool) (schedule.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduleFetchCall{WeekOffset: weekOffset, Relative: relative})
	if s.failures > 0 {
		s.failures--
		return schedule.PollResult{}, s.failErr
	}
	return s.result, s.err
}

// failTimes makes the next n calls fail with err before results flow again.
func (s *scheduleFetchStub) failTimes(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

func (s *scheduleFetchStub) set(result schedule.PollResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
}

func (s *scheduleFetchStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// homeworkFetchStub serves a swappable homework list.
type homeworkFetchStub struct {
	mu    sync.Mutex
	list  []homework.Homework
	err   error
	calls int
}

func (s *homeworkFetchStub) fetch(ctx context.Context, classroomID, scheduleID, lessonID string) ([]homework.Homework, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.list, s.err
}

func (s *homeworkFetchStub) set(list []homework.Homework) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = list
}

func (s *homeworkFetchStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
