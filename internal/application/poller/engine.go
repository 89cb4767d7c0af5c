package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chongiou/itolearn/internal/domain/homework"
	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/calendar"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
	"github.com/chongiou/itolearn/internal/infrastructure/timer"
	"github.com/chongiou/itolearn/pkg/circuitbreaker"
	"github.com/chongiou/itolearn/pkg/retry"
	"github.com/chongiou/itolearn/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Plugin extends the engine by subscribing to its event stream. Install is
// called once, before polling begins.
type Plugin interface {
	Name() string
	Install(ctx context.Context, bus shared.EventBus) error
}

// EngineConfig assembles the engine's collaborators.
type EngineConfig struct {
	Bus       shared.EventBus
	State     *persistence.Manager
	Calendar  *calendar.Calendar
	Scheduler timer.Scheduler

	FetchSchedule FetchScheduleFunc
	FetchHomework FetchHomeworkFunc

	// HomeworkInterval between homework checks per course. Zero means
	// DefaultHomeworkInterval.
	HomeworkInterval time.Duration

	// Plugins are installed at Start, in order.
	Plugins []Plugin

	// HolidayReloadSpec is a cron expression (CST) for refreshing the
	// calendar's holiday table via LoadHolidays. Both must be set together;
	// empty disables reloading.
	HolidayReloadSpec string
	LoadHolidays      func(ctx context.Context) ([]schedule.Holiday, error)

	// ProceedOnLoadFailure controls what happens when the persisted state
	// cannot be read at Start. True starts from an empty snapshot (losing
	// dedup history); false makes Start fail.
	ProceedOnLoadFailure bool

	// DisableBreakers turns off the circuit breakers wrapped around the
	// fetchers. Mostly for tests.
	DisableBreakers bool

	// Logger for structured logging.
	Logger *slog.Logger

	// RetryOptions are passed through to both pollers.
	RetryOptions []retry.Option
}

// Engine owns the whole polling pipeline: it loads persisted state, resumes
// interrupted homework loops, routes class-start and class-end events into
// the homework poller and runs the schedule poller's cycle loop.
type Engine struct {
	bus      shared.EventBus
	state    *persistence.Manager
	cal      *calendar.Calendar
	sched    timer.Scheduler
	schedule *SchedulePoller
	homework *HomeworkPoller
	plugins  []Plugin
	cron     *cron.Cron
	logger   *slog.Logger

	proceedOnLoadFailure bool
	reloadSpec           string
	loadHolidays         func(ctx context.Context) ([]schedule.Holiday, error)

	mu        sync.Mutex
	running   bool
	installed int
	cancel    context.CancelFunc
	runCtx    context.Context
}

// NewEngine wires the pollers together. Start does the actual work.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Bus == nil || config.State == nil || config.Calendar == nil {
		return nil, fmt.Errorf("engine: bus, state and calendar are required")
	}
	if config.FetchSchedule == nil || config.FetchHomework == nil {
		return nil, fmt.Errorf("engine: schedule and homework fetchers are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Scheduler == nil {
		config.Scheduler = timer.NewReal()
	}

	fetchSchedule := config.FetchSchedule
	fetchHomework := config.FetchHomework
	if !config.DisableBreakers {
		fetchSchedule = breakerGuardedScheduleFetch(fetchSchedule, config.Logger)
		fetchHomework = breakerGuardedHomeworkFetch(fetchHomework, config.Logger)
	}

	engine := &Engine{
		bus:                  config.Bus,
		state:                config.State,
		cal:                  config.Calendar,
		sched:                config.Scheduler,
		plugins:              config.Plugins,
		logger:               config.Logger,
		proceedOnLoadFailure: config.ProceedOnLoadFailure,
		reloadSpec:           config.HolidayReloadSpec,
		loadHolidays:         config.LoadHolidays,
	}

	differ := NewDiffer(config.Calendar, config.Logger)
	engine.schedule = NewSchedulePoller(SchedulePollerConfig{
		Bus:          config.Bus,
		State:        config.State,
		Calendar:     config.Calendar,
		Differ:       differ,
		Fetch:        fetchSchedule,
		Scheduler:    config.Scheduler,
		Logger:       config.Logger,
		RetryOptions: config.RetryOptions,
	})
	engine.homework = NewHomeworkPoller(HomeworkPollerConfig{
		Bus:          config.Bus,
		State:        config.State,
		Calendar:     config.Calendar,
		Fetch:        fetchHomework,
		Scheduler:    config.Scheduler,
		Interval:     config.HomeworkInterval,
		Logger:       config.Logger,
		RetryOptions: config.RetryOptions,
	})

	engine.wireCourseLifecycle()

	return engine, nil
}

// RegisterPlugin adds a plugin to be installed at Start. Registering after
// Start fails with ErrAlreadyRunning.
func (e *Engine) RegisterPlugin(plugin Plugin) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return shared.ErrAlreadyRunning
	}
	e.plugins = append(e.plugins, plugin)
	return nil
}

// Start loads persisted state, installs plugins, resumes interrupted homework
// loops and begins polling.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return shared.ErrAlreadyRunning
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.runCtx = ctx
	e.mu.Unlock()

	if err := e.state.Load(ctx); err != nil {
		if !e.proceedOnLoadFailure {
			e.teardown()
			return fmt.Errorf("load persisted state: %w", err)
		}
		e.logger.Warn("starting from empty state; previously announced homework may repeat", "error", err)
	}

	// Install is called once per plugin, even across Stop/Start cycles.
	for e.installed < len(e.plugins) {
		plugin := e.plugins[e.installed]
		if err := plugin.Install(ctx, e.bus); err != nil {
			e.teardown()
			return fmt.Errorf("install plugin %q: %w", plugin.Name(), err)
		}
		e.installed++
		e.logger.Info("plugin installed", "plugin", plugin.Name())
	}

	if err := e.startHolidayReload(ctx); err != nil {
		e.teardown()
		return err
	}

	e.homework.Resume(ctx)

	if err := e.schedule.Start(ctx); err != nil {
		e.teardown()
		return err
	}

	e.logger.Info("poller engine started")
	return nil
}

// Stop halts all polling and persists a final snapshot. Active homework
// records stay in the snapshot so the next Start resumes them.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if e.cron != nil {
		e.cron.Stop()
	}
	e.schedule.Stop()
	e.homework.StopAll()
	cancel()

	if err := e.state.Save(ctx, "shutdown"); err != nil {
		e.logger.Error("final state snapshot failed", "error", err)
	}

	e.logger.Info("poller engine stopped")
}

// IsRunning reports whether the engine is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) teardown() {
	e.mu.Lock()
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()
	if e.cron != nil {
		e.cron.Stop()
		e.cron = nil
	}
	cancel()
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING
// ══════════════════════════════════════════════════════════════════════════════

// wireCourseLifecycle ties the two pollers together: a polled window or a
// course starting begins homework loops, a course ending (or completing)
// stops them. Handlers are registered once, at construction; each resolves
// the active run's context, so a stopped and restarted engine neither stacks
// duplicate handlers nor keeps loops bound to a cancelled context.
func (e *Engine) wireCourseLifecycle() {
	e.bus.Subscribe(shared.EventSchedulePolled, func(event shared.Event) error {
		polled, ok := event.(shared.SchedulePolled)
		if !ok {
			return nil
		}
		e.adoptOngoingCourses(e.runContext(), polled.Weekly)
		return nil
	})

	e.bus.Subscribe(shared.EventCourseClassStart, func(event shared.Event) error {
		started, ok := event.(shared.CourseClassStart)
		if !ok {
			return nil
		}
		if !started.Course.CanPollHomework() {
			e.logger.Warn("course has no classroom identifiers, homework polling skipped",
				"course", started.Course.Name)
			return nil
		}
		return e.homework.StartCourse(e.runContext(), started.Course, started.Day)
	})

	e.bus.Subscribe(shared.EventCourseClassEnded, func(event shared.Event) error {
		ended, ok := event.(shared.CourseClassEnded)
		if !ok {
			return nil
		}
		e.homework.StopCourse(e.runContext(), ended.Course.ScheduleID)
		return nil
	})

	e.bus.Subscribe(shared.EventCourseStatusChanged, func(event shared.Event) error {
		changed, ok := event.(shared.CourseStatusChanged)
		if !ok {
			return nil
		}
		// A poll can observe the completion before the end timer fires, for
		// example right after a restart. Stop the loop from here too.
		if changed.NewStatus.IsTerminal() {
			e.homework.StopCourse(e.runContext(), changed.Course.ScheduleID)
		}
		return nil
	})
}

// adoptOngoingCourses starts homework loops for courses that are already
// ongoing when a window arrives. A fresh start mid-class has no prior
// snapshot to diff, so no class-start event ever fires for those courses.
func (e *Engine) adoptOngoingCourses(ctx context.Context, window schedule.Weekly) {
	now := e.sched.Now()
	for _, day := range window {
		for _, course := range day.Courses {
			if course.Status != schedule.StatusOngoing || !course.CanPollHomework() {
				continue
			}
			end, err := e.cal.CourseEndTime(course.Period, day.Date)
			if err != nil || !now.Before(end) {
				continue
			}
			if err := e.homework.StartCourse(ctx, course, day); err != nil {
				e.logger.Error("failed to adopt ongoing course",
					"course", course.Name, "error", err)
			}
		}
	}
}

// runContext returns the context of the active run, so bus handlers wired at
// construction follow Stop/Start cycles.
func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// startHolidayReload arms the cron job that refreshes the holiday table, so
// a long-lived process picks up next year's calendar without a restart.
func (e *Engine) startHolidayReload(ctx context.Context) error {
	if e.reloadSpec == "" || e.loadHolidays == nil {
		return nil
	}

	e.cron = cron.New(cron.WithLocation(timeutil.CST))
	_, err := e.cron.AddFunc(e.reloadSpec, func() {
		holidays, err := e.loadHolidays(ctx)
		if err != nil {
			e.logger.Error("holiday table reload failed", "error", err)
			return
		}
		e.cal.SetHolidays(holidays)
		e.logger.Info("holiday table reloaded", "entries", len(holidays))
	})
	if err != nil {
		return fmt.Errorf("holiday reload schedule %q: %w", e.reloadSpec, err)
	}
	e.cron.Start()

	e.logger.Info("holiday reload scheduled", "spec", e.reloadSpec)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FETCHER GUARDS
// ══════════════════════════════════════════════════════════════════════════════

// breakerGuardedScheduleFetch wraps the schedule fetcher in a circuit breaker
// so a dead upstream fails fast instead of burning full retry ladders every
// period.
func breakerGuardedScheduleFetch(fetch FetchScheduleFunc, logger *slog.Logger) FetchScheduleFunc {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:          "schedule-fetch",
		OnStateChange: logBreakerTransition(logger),
	})
	return func(ctx context.Context, weekOffset int, relative bool) (schedule.PollResult, error) {
		var result schedule.PollResult
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var fetchErr error
			result, fetchErr = fetch(ctx, weekOffset, relative)
			return fetchErr
		})
		return result, err
	}
}

func breakerGuardedHomeworkFetch(fetch FetchHomeworkFunc, logger *slog.Logger) FetchHomeworkFunc {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:          "homework-fetch",
		OnStateChange: logBreakerTransition(logger),
	})
	return func(ctx context.Context, classroomID, scheduleID, lessonID string) ([]homework.Homework, error) {
		var list []homework.Homework
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var fetchErr error
			list, fetchErr = fetch(ctx, classroomID, scheduleID, lessonID)
			return fetchErr
		})
		return list, err
	}
}

func logBreakerTransition(logger *slog.Logger) func(name string, from, to circuitbreaker.State) {
	return func(name string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
	}
}
