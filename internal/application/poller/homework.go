package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chongiou/itolearn/internal/domain/homework"
	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/calendar"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
	"github.com/chongiou/itolearn/internal/infrastructure/timer"
	"github.com/chongiou/itolearn/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// HOMEWORK POLLER
// ══════════════════════════════════════════════════════════════════════════════

// DefaultHomeworkInterval is how often an active course is checked for new
// homework.
const DefaultHomeworkInterval = 2 * time.Minute

// HomeworkPollerConfig contains the homework poller's collaborators.
type HomeworkPollerConfig struct {
	Bus       shared.EventBus
	State     *persistence.Manager
	Calendar  *calendar.Calendar
	Fetch     FetchHomeworkFunc
	Scheduler timer.Scheduler

	// Interval between homework checks per course. Zero means
	// DefaultHomeworkInterval.
	Interval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// RetryOptions override the default fetch retry policy.
	RetryOptions []retry.Option
}

// HomeworkPoller runs one discovery loop per ongoing course. Each loop
// periodically fetches the course's homework list, announces entries it has
// not seen before and remembers their IDs so a restart does not re-announce
// old homework.
type HomeworkPoller struct {
	bus       shared.EventBus
	state     *persistence.Manager
	cal       *calendar.Calendar
	fetch     FetchHomeworkFunc
	sched     timer.Scheduler
	interval  time.Duration
	logger    *slog.Logger
	retryOpts []retry.Option

	mu    sync.Mutex
	loops map[schedule.ScheduleID]*homeworkLoop
}

// homeworkLoop is the live side of one per-course loop: the repeating timer
// plus the in-memory dedup set. The persisted HomeworkPollerRecord mirrors it.
type homeworkLoop struct {
	course   schedule.Course
	day      schedule.DayPlan
	handle   timer.Handle
	cancel   context.CancelFunc
	knownIDs map[string]struct{}
}

// NewHomeworkPoller creates a homework poller with no active loops.
func NewHomeworkPoller(config HomeworkPollerConfig) *HomeworkPoller {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Scheduler == nil {
		config.Scheduler = timer.NewReal()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultHomeworkInterval
	}
	return &HomeworkPoller{
		bus:       config.Bus,
		state:     config.State,
		cal:       config.Calendar,
		fetch:     config.Fetch,
		sched:     config.Scheduler,
		interval:  config.Interval,
		logger:    config.Logger,
		retryOpts: config.RetryOptions,
		loops:     make(map[schedule.ScheduleID]*homeworkLoop),
	}
}

// StartCourse begins a discovery loop for the given course. Starting an
// already-tracked course is a no-op. Courses that lack the identifiers needed
// to query the classroom service are rejected.
func (p *HomeworkPoller) StartCourse(ctx context.Context, course schedule.Course, day schedule.DayPlan) error {
	if !course.CanPollHomework() {
		return fmt.Errorf("%w: course %q", shared.ErrMissingCourseIDs, course.Name)
	}

	p.mu.Lock()
	if _, ok := p.loops[course.ScheduleID]; ok {
		p.mu.Unlock()
		return nil
	}

	loop := &homeworkLoop{
		course:   course,
		day:      day,
		knownIDs: make(map[string]struct{}),
	}

	// Restarts resume the persisted dedup set so homework announced before
	// the crash stays silent.
	now := p.sched.Now()
	record, resumed := p.state.HomeworkPoller(course.ScheduleID)
	if resumed {
		for _, id := range record.KnownHomeworkIDs {
			loop.knownIDs[id] = struct{}{}
		}
	} else {
		record = persistence.HomeworkPollerRecord{
			Course:    course,
			Day:       day,
			StartTime: now,
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	loop.cancel = cancel
	loop.handle = p.sched.Every(p.interval, func() { p.pollCourse(loopCtx, loop) })
	p.loops[course.ScheduleID] = loop
	p.mu.Unlock()

	p.state.SetHomeworkPoller(course.ScheduleID, record)
	if err := p.state.Save(ctx, "homework poller start"); err != nil {
		p.logger.Warn("continuing with in-memory state only")
	}

	p.logger.Info("homework poller started",
		"course", course.Name,
		"schedule_id", course.ScheduleID,
		"resumed", resumed,
		"known_homework", len(loop.knownIDs),
	)

	// First check fires right away rather than one interval later.
	go p.pollCourse(loopCtx, loop)
	return nil
}

// StopCourse ends a course's discovery loop and drops its persisted record:
// a deliberately stopped course is finished, not awaiting recovery. Unknown
// courses are a no-op.
func (p *HomeworkPoller) StopCourse(ctx context.Context, id schedule.ScheduleID) {
	p.mu.Lock()
	loop, ok := p.loops[id]
	if ok {
		delete(p.loops, id)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	loop.cancel()
	loop.handle.Stop()
	p.state.RemoveHomeworkPoller(id)
	if err := p.state.Save(ctx, "homework poller stop"); err != nil {
		p.logger.Warn("continuing with in-memory state only")
	}

	p.logger.Info("homework poller stopped", "course", loop.course.Name, "schedule_id", id)
}

// StopAll halts every loop without touching persisted records, so a later
// Resume (or a restart) can pick the courses back up.
func (p *HomeworkPoller) StopAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[schedule.ScheduleID]*homeworkLoop)
	p.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
		loop.handle.Stop()
	}
	if len(loops) > 0 {
		p.logger.Info("all homework pollers stopped", "count", len(loops))
	}
}

// Resume restarts discovery loops for every persisted record, typically after
// a crash or restart.
func (p *HomeworkPoller) Resume(ctx context.Context) {
	for id, record := range p.state.ActiveHomeworkPollers() {
		if err := p.StartCourse(ctx, record.Course, record.Day); err != nil {
			p.logger.Error("failed to resume homework poller",
				"schedule_id", id, "error", err)
		}
	}
}

// ActiveCourses returns the schedule IDs currently being polled.
func (p *HomeworkPoller) ActiveCourses() []schedule.ScheduleID {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]schedule.ScheduleID, 0, len(p.loops))
	for id := range p.loops {
		ids = append(ids, id)
	}
	return ids
}

// ══════════════════════════════════════════════════════════════════════════════
// POLL CYCLE
// ══════════════════════════════════════════════════════════════════════════════

func (p *HomeworkPoller) pollCourse(ctx context.Context, loop *homeworkLoop) {
	if ctx.Err() != nil {
		return
	}

	course := loop.course

	// A loop can outlive its class-end event: Resume after downtime arms no
	// end timer, and a day that rotated out of the fetched window never diffs
	// again. Check the computed end time before every fetch.
	if p.courseEnded(loop) {
		p.logger.Info("course end time passed, stopping homework poller",
			"course", course.Name, "schedule_id", course.ScheduleID)
		p.StopCourse(ctx, course.ScheduleID)
		return
	}

	list, err := p.fetchWithRetry(ctx, course)
	if err != nil {
		// Report once after exhaustion; per-attempt noise from a loop that
		// reruns every couple of minutes isn't worth an event each.
		p.logger.Error("homework fetch failed", "course", course.Name, "error", err)
		_ = p.bus.Publish(shared.NewPollerError(shared.SourceHomework, err, 0, p.sched.Now()).WithCourse(course))
		return
	}

	now := p.sched.Now()

	p.mu.Lock()
	if _, active := p.loops[course.ScheduleID]; !active {
		// Stopped while the fetch was in flight.
		p.mu.Unlock()
		return
	}
	var fresh []shared.HomeworkPublished
	for _, hw := range list {
		if _, seen := loop.knownIDs[hw.HomeworkID]; seen {
			continue
		}
		loop.knownIDs[hw.HomeworkID] = struct{}{}
		fresh = append(fresh, shared.NewHomeworkPublished(hw, course, now))
	}
	knownIDs := make([]string, 0, len(loop.knownIDs))
	for id := range loop.knownIDs {
		knownIDs = append(knownIDs, id)
	}
	p.mu.Unlock()

	record, ok := p.state.HomeworkPoller(course.ScheduleID)
	if !ok {
		return
	}
	record.LastPollTime = now
	record.KnownHomeworkIDs = knownIDs
	p.state.SetHomeworkPoller(course.ScheduleID, record)

	for _, event := range fresh {
		p.logger.Info("new homework discovered",
			"course", course.Name,
			"homework_id", event.Homework.HomeworkID,
			"type", event.Homework.Type,
		)
		_ = p.bus.Publish(event)
	}

	if err := p.state.Save(ctx, "homework poll"); err != nil {
		p.logger.Warn("continuing with in-memory state only")
	}
}

// courseEnded reports whether the course's computed end time has passed.
func (p *HomeworkPoller) courseEnded(loop *homeworkLoop) bool {
	if p.cal == nil {
		return false
	}
	end, err := p.cal.CourseEndTime(loop.course.Period, loop.day.Date)
	if err != nil {
		return false
	}
	return !p.sched.Now().Before(end)
}

func (p *HomeworkPoller) fetchWithRetry(ctx context.Context, course schedule.Course) ([]homework.Homework, error) {
	opts := []retry.Option{
		retry.WithSleep(p.backoffSleep),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			p.logger.Warn("homework fetch failed, retrying",
				"course", course.Name, "attempt", attempt, "delay", delay.String(), "error", err)
		}),
	}
	opts = append(opts, p.retryOpts...)

	list, err := retry.DoWithData(ctx, func(ctx context.Context) ([]homework.Homework, error) {
		return p.fetch(ctx, course.InteractiveClassroomID, string(course.ScheduleID), course.LessonID)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch homework: %v", shared.ErrRetriesExhausted, err)
	}
	return list, nil
}

func (p *HomeworkPoller) backoffSleep(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	h := p.sched.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		h.Stop()
		return ctx.Err()
	case <-done:
		return nil
	}
}
