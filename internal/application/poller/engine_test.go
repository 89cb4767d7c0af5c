package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chongiou/itolearn/internal/domain/homework"
	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/calendar"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence/file"
	"github.com/chongiou/itolearn/internal/infrastructure/timer"
	"github.com/chongiou/itolearn/pkg/timeutil"
)

type engineHarness struct {
	engine        *Engine
	state         *persistence.Manager
	fake          *timer.Fake
	fetchSchedule *scheduleFetchStub
	fetchHomework *homeworkFetchStub
	rec           *eventRecorder
}

func newEngineHarness(t *testing.T, state *persistence.Manager) *engineHarness {
	t.Helper()

	cal, err := calendar.New(calendar.Config{})
	require.NoError(t, err)

	bus, rec := newRecordedBus()
	fake := timer.NewFake(timeutil.DateTime(2025, 6, 9, 8, 0, 0))
	fetchSchedule := &scheduleFetchStub{}
	fetchHomework := &homeworkFetchStub{}

	engine, err := NewEngine(EngineConfig{
		Bus:             bus,
		State:           state,
		Calendar:        cal,
		Scheduler:       fake,
		FetchSchedule:   fetchSchedule.fetch,
		FetchHomework:   fetchHomework.fetch,
		DisableBreakers: true,
		RetryOptions:    instantRetry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop(context.Background()) })

	return &engineHarness{
		engine:        engine,
		state:         state,
		fake:          fake,
		fetchSchedule: fetchSchedule,
		fetchHomework: fetchHomework,
		rec:           rec,
	}
}

func TestEngine_ClassStartBeginsHomeworkPolling(t *testing.T) {
	h := newEngineHarness(t, newMemState())
	monday := timeutil.Date(2025, 6, 9)
	course := testCourse("s1", "数据结构", schedule.Period{1, 1}, schedule.StatusNotStarted)

	h.fetchSchedule.set(schedule.PollResult{
		SemesterWeek: 15,
		Weekly:       schedule.Weekly{testDay(monday, course)},
	})
	h.fetchHomework.set([]homework.Homework{quiz("hw-1")})

	require.NoError(t, h.engine.Start(context.Background()))
	require.True(t, h.engine.IsRunning())

	ongoing := course
	ongoing.Status = schedule.StatusOngoing
	h.fetchSchedule.set(schedule.PollResult{
		SemesterWeek: 15,
		Weekly:       schedule.Weekly{testDay(monday, ongoing)},
	})
	h.fake.Advance(40 * time.Minute)

	// The class-start event routed into the homework poller, whose first
	// check announces the published quiz.
	require.Equal(t, 1, h.rec.count(shared.EventCourseClassStart))
	waitForEvents(t, h.rec, shared.EventHomeworkPublished, 1)

	record, ok := h.state.HomeworkPoller("s1")
	require.True(t, ok)
	assert.Equal(t, schedule.ScheduleID("s1"), record.Course.ScheduleID)
}

func TestEngine_AdoptsOngoingCoursesFromPolledWindow(t *testing.T) {
	h := newEngineHarness(t, newMemState())
	ongoing := testCourse("s1", "数据结构", schedule.Period{1, 2}, schedule.StatusOngoing)
	stale := testCourse("s9", "大学英语", schedule.Period{1, 1}, schedule.StatusOngoing)

	// A window polled mid-class: s1 is live, s9 ended last Friday.
	h.fetchSchedule.set(schedule.PollResult{
		SemesterWeek: 15,
		Weekly: schedule.Weekly{
			testDay(timeutil.Date(2025, 6, 6), stale),
			testDay(timeutil.Date(2025, 6, 9), ongoing),
		},
	})
	h.fetchHomework.set([]homework.Homework{quiz("hw-1")})

	require.NoError(t, h.engine.Start(context.Background()))

	// The very first poll has no prior snapshot to diff, so no class-start
	// event fires; the ongoing course is picked up from the window itself.
	assert.Zero(t, h.rec.count(shared.EventCourseClassStart))
	require.Equal(t, []schedule.ScheduleID{"s1"}, h.engine.homework.ActiveCourses())
	waitForEvents(t, h.rec, shared.EventHomeworkPublished, 1)

	_, ok := h.state.HomeworkPoller("s1")
	assert.True(t, ok)
}

func TestEngine_RestartRewiresHomeworkPolling(t *testing.T) {
	h := newEngineHarness(t, newMemState())
	monday := timeutil.Date(2025, 6, 9)
	course := testCourse("s1", "数据结构", schedule.Period{1, 1}, schedule.StatusNotStarted)

	h.fetchSchedule.set(schedule.PollResult{Weekly: schedule.Weekly{testDay(monday, course)}})
	h.fetchHomework.set([]homework.Homework{quiz("hw-1")})

	require.NoError(t, h.engine.Start(context.Background()))
	h.engine.Stop(context.Background())
	require.False(t, h.engine.IsRunning())

	ongoing := course
	ongoing.Status = schedule.StatusOngoing
	h.fetchSchedule.set(schedule.PollResult{Weekly: schedule.Weekly{testDay(monday, ongoing)}})
	require.NoError(t, h.engine.Start(context.Background()))

	// Exactly one handler reacts to the class start, and the loop it spins up
	// runs on the new run's context, not the cancelled one.
	require.Equal(t, 1, h.rec.count(shared.EventCourseClassStart))
	require.Len(t, h.engine.homework.ActiveCourses(), 1)
	waitForEvents(t, h.rec, shared.EventHomeworkPublished, 1)
}

func TestEngine_ClassEndStopsHomeworkPolling(t *testing.T) {
	h := newEngineHarness(t, newMemState())
	monday := timeutil.Date(2025, 6, 9)
	course := testCourse("s1", "数据结构", schedule.Period{1, 1}, schedule.StatusNotStarted)

	h.fetchSchedule.set(schedule.PollResult{
		Weekly: schedule.Weekly{testDay(monday, course)},
	})
	require.NoError(t, h.engine.Start(context.Background()))

	ongoing := course
	ongoing.Status = schedule.StatusOngoing
	h.fetchSchedule.set(schedule.PollResult{
		Weekly: schedule.Weekly{testDay(monday, ongoing)},
	})
	h.fake.Advance(40 * time.Minute)
	require.Len(t, h.engine.homework.ActiveCourses(), 1)

	// The end timer fires at 09:25 and tears the loop down.
	h.fake.Advance(45 * time.Minute)
	require.Equal(t, 1, h.rec.count(shared.EventCourseClassEnded))
	assert.Empty(t, h.engine.homework.ActiveCourses())
	_, ok := h.state.HomeworkPoller("s1")
	assert.False(t, ok)
}

func TestEngine_ResumesHomeworkPollersFromState(t *testing.T) {
	fs := afero.NewMemMapFs()
	storage := file.New(fs, "state.json")
	course := testCourse("s1", "数据结构", schedule.Period{1, 1}, schedule.StatusOngoing)
	day := testDay(timeutil.Date(2025, 6, 9), course)

	// A previous process left one live loop behind.
	seeded := persistence.NewManager(storage, nil)
	seeded.SetHomeworkPoller("s1", persistence.HomeworkPollerRecord{
		Course:           course,
		Day:              day,
		KnownHomeworkIDs: []string{"hw-1"},
	})
	require.NoError(t, seeded.Save(context.Background(), "seed"))

	h := newEngineHarness(t, persistence.NewManager(storage, nil))
	h.fetchSchedule.set(schedule.PollResult{Weekly: schedule.Weekly{day}})
	h.fetchHomework.set([]homework.Homework{quiz("hw-1"), quiz("hw-2")})

	require.NoError(t, h.engine.Start(context.Background()))

	require.Len(t, h.engine.homework.ActiveCourses(), 1)
	waitForEvents(t, h.rec, shared.EventHomeworkPublished, 1)
	events := h.rec.ofType(shared.EventHomeworkPublished)
	require.Len(t, events, 1)
	assert.Equal(t, "hw-2", events[0].(shared.HomeworkPublished).Homework.HomeworkID)
}

func TestEngine_LoadFailurePolicy(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "state.json", []byte("{corrupt"), 0o644))

	cal, err := calendar.New(calendar.Config{})
	require.NoError(t, err)
	fetchSchedule := &scheduleFetchStub{}
	fetchHomework := &homeworkFetchStub{}

	build := func(proceed bool) *Engine {
		bus, _ := newRecordedBus()
		engine, err := NewEngine(EngineConfig{
			Bus:                  bus,
			State:                persistence.NewManager(file.New(fs, "state.json"), nil),
			Calendar:             cal,
			Scheduler:            timer.NewFake(timeutil.DateTime(2025, 6, 14, 8, 0, 0)),
			FetchSchedule:        fetchSchedule.fetch,
			FetchHomework:        fetchHomework.fetch,
			ProceedOnLoadFailure: proceed,
			DisableBreakers:      true,
		})
		require.NoError(t, err)
		return engine
	}

	// Default policy: refuse to start on unreadable state.
	strict := build(false)
	err = strict.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrCorruptState)
	assert.False(t, strict.IsRunning())

	// Opt-in policy: start from scratch.
	lenient := build(true)
	require.NoError(t, lenient.Start(context.Background()))
	assert.True(t, lenient.IsRunning())
	lenient.Stop(context.Background())
}

func TestEngine_PluginInstalledBeforePolling(t *testing.T) {
	h := newEngineHarness(t, newMemState())

	installed := false
	require.NoError(t, h.engine.RegisterPlugin(pluginFunc{name: "test", install: func(ctx context.Context, bus shared.EventBus) error {
		installed = true
		return nil
	}}))

	h.fetchSchedule.set(schedule.PollResult{})
	require.NoError(t, h.engine.Start(context.Background()))
	assert.True(t, installed)

	late := pluginFunc{name: "late", install: func(ctx context.Context, bus shared.EventBus) error { return nil }}
	assert.ErrorIs(t, h.engine.RegisterPlugin(late), shared.ErrAlreadyRunning)
}

func TestEngine_PluginFailureAbortsStart(t *testing.T) {
	h := newEngineHarness(t, newMemState())

	require.NoError(t, h.engine.RegisterPlugin(pluginFunc{name: "broken", install: func(ctx context.Context, bus shared.EventBus) error {
		return errors.New("no credentials")
	}}))

	err := h.engine.Start(context.Background())
	require.Error(t, err)
	assert.False(t, h.engine.IsRunning())
}

func TestEngine_StopPersistsFinalSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	storage := file.New(fs, "state.json")
	h := newEngineHarness(t, persistence.NewManager(storage, nil))

	monday := timeutil.Date(2025, 6, 9)
	h.fetchSchedule.set(schedule.PollResult{
		SemesterWeek: 15,
		Weekly:       schedule.Weekly{testDay(monday)},
	})

	require.NoError(t, h.engine.Start(context.Background()))
	h.engine.Stop(context.Background())
	assert.False(t, h.engine.IsRunning())

	reloaded, err := storage.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastSchedulePoll)
	assert.Equal(t, 15, reloaded.LastSchedulePoll.SemesterWeek)
}

func TestEngine_StartTwiceFails(t *testing.T) {
	h := newEngineHarness(t, newMemState())
	h.fetchSchedule.set(schedule.PollResult{})

	require.NoError(t, h.engine.Start(context.Background()))
	assert.ErrorIs(t, h.engine.Start(context.Background()), shared.ErrAlreadyRunning)
}

// pluginFunc adapts bare functions to the Plugin interface for tests.
type pluginFunc struct {
	name    string
	install func(ctx context.Context, bus shared.EventBus) error
}

func (p pluginFunc) Name() string { return p.name }

func (p pluginFunc) Install(ctx context.Context, bus shared.EventBus) error {
	return p.install(ctx, bus)
}
