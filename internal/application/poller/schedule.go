package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/calendar"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
	"github.com/chongiou/itolearn/internal/infrastructure/timer"
	"github.com/chongiou/itolearn/pkg/retry"
	"github.com/chongiou/itolearn/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE POLLER
// ══════════════════════════════════════════════════════════════════════════════

// SchedulePollerConfig contains the schedule poller's collaborators.
type SchedulePollerConfig struct {
	Bus       shared.EventBus
	State     *persistence.Manager
	Calendar  *calendar.Calendar
	Differ    *Differ
	Fetch     FetchScheduleFunc
	Scheduler timer.Scheduler

	// Logger for structured logging.
	Logger *slog.Logger

	// RetryOptions override the default fetch retry policy (5 attempts,
	// 2^attempt-seconds backoff). Tests inject a virtual-time sleep here.
	RetryOptions []retry.Option
}

// SchedulePoller is the engine's driver loop. While running it repeatedly
// fetches the current schedule window, diffs it against the stored snapshot,
// broadcasts the detected transitions and re-arms itself for the next
// timetable period boundary.
type SchedulePoller struct {
	bus       shared.EventBus
	state     *persistence.Manager
	cal       *calendar.Calendar
	differ    *Differ
	fetch     FetchScheduleFunc
	sched     timer.Scheduler
	logger    *slog.Logger
	retryOpts []retry.Option

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	next      timer.Handle
	endTimers map[schedule.ScheduleID]timer.Handle
}

// NewSchedulePoller creates a stopped schedule poller.
func NewSchedulePoller(config SchedulePollerConfig) *SchedulePoller {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Scheduler == nil {
		config.Scheduler = timer.NewReal()
	}
	return &SchedulePoller{
		bus:       config.Bus,
		state:     config.State,
		cal:       config.Calendar,
		differ:    config.Differ,
		fetch:     config.Fetch,
		sched:     config.Scheduler,
		logger:    config.Logger,
		retryOpts: config.RetryOptions,
		endTimers: make(map[schedule.ScheduleID]timer.Handle),
	}
}

// Start runs one poll cycle immediately, then keeps rescheduling at period
// boundaries until Stop.
func (p *SchedulePoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return shared.ErrAlreadyRunning
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.logger.Info("schedule poller started")

	if err := p.pollCycle(ctx); err != nil {
		p.logger.Error("initial poll cycle failed", "error", err)
	}
	p.scheduleNext(ctx)
	return nil
}

// Stop halts the loop and cancels every pending timer, including armed
// class-end timers. Stop is idempotent and does not wait for an in-flight
// fetch; its backoff sleeps unwind through context cancellation.
func (p *SchedulePoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	p.cancel()

	if p.next != nil {
		p.next.Stop()
		p.next = nil
	}
	for id, h := range p.endTimers {
		h.Stop()
		delete(p.endTimers, id)
	}

	p.logger.Info("schedule poller stopped")
}

// IsRunning reports whether the loop is active.
func (p *SchedulePoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ══════════════════════════════════════════════════════════════════════════════
// POLL CYCLE
// ══════════════════════════════════════════════════════════════════════════════

func (p *SchedulePoller) scheduleNext(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	now := p.sched.Now()
	next := p.cal.NextPollTime(now)
	p.next = p.sched.AfterFunc(next.Sub(now), func() { p.runCycle(ctx) })

	p.logger.Info("next schedule poll armed", "at", timeutil.ToCST(next).Format(timeutil.LayoutDateTime))
}

func (p *SchedulePoller) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := p.pollCycle(ctx); err != nil {
		p.logger.Error("poll cycle failed", "error", err)
	}
	p.scheduleNext(ctx)
}

// pollCycle performs one full cycle: classify, fetch, diff, persist, emit.
// An exhausted fetch aborts the cycle with the state untouched; rescheduling
// is the caller's business and happens regardless.
func (p *SchedulePoller) pollCycle(ctx context.Context) error {
	now := p.sched.Now()
	dayType := p.cal.ClassifyDate(now)

	// Nothing is taught on weekends and holidays; skip without fetching.
	if dayType == calendar.DayWeekend || dayType == calendar.DayHoliday {
		p.logger.Info("skipping poll", "day_type", dayType)
		return nil
	}

	p.logger.Info("polling schedule", "day_type", dayType)

	var (
		window       schedule.Weekly
		semesterWeek int
	)
	if dayType == calendar.DayMakeupWorkday {
		// Make-up days often carry a shifted or compressed schedule, so the
		// poller looks two weeks further ahead than usual.
		results, err := p.fetchExtendedWindow(ctx)
		if err != nil {
			p.reportCycleFailure(err)
			return err
		}
		for _, res := range results {
			window = append(window, res.Weekly...)
		}
		semesterWeek = results[0].SemesterWeek
		p.logger.Info("make-up workday mode: fetched 3-week window", "days", len(window))
	} else {
		res, err := p.fetchWithRetry(ctx, 0, false)
		if err != nil {
			p.reportCycleFailure(err)
			return err
		}
		window = res.Weekly
		semesterWeek = res.SemesterWeek
	}

	if prior := p.state.LastSchedulePoll(); prior != nil {
		for _, change := range p.differ.Diff(prior.Weekly, window, now) {
			p.emitChange(change)
		}
	}

	p.state.UpdateSchedulePoll(persistence.SchedulePollRecord{
		Timestamp:    now,
		SemesterWeek: semesterWeek,
		Weekly:       window,
	})
	if err := p.state.Save(ctx, "schedule poll"); err != nil {
		// Not fatal: polling continues against the in-memory copy, accepting
		// a state-loss window on crash.
		p.logger.Warn("continuing with in-memory state only")
	}

	return p.bus.Publish(shared.NewSchedulePolled(window, semesterWeek, now))
}

// fetchExtendedWindow fetches the current week plus the next two
// concurrently and returns them in window order.
func (p *SchedulePoller) fetchExtendedWindow(ctx context.Context) ([3]schedule.PollResult, error) {
	requests := [3]struct {
		offset   int
		relative bool
	}{{0, false}, {1, true}, {2, true}}

	var (
		results [3]schedule.PollResult
		errs    [3]error
		wg      sync.WaitGroup
	)
	for i, req := range requests {
		wg.Add(1)
		go func(i, offset int, relative bool) {
			defer wg.Done()
			results[i], errs[i] = p.fetchWithRetry(ctx, offset, relative)
		}(i, req.offset, req.relative)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return results, fmt.Errorf("week offset %d: %w", requests[i].offset, err)
		}
	}
	return results, nil
}

func (p *SchedulePoller) fetchWithRetry(ctx context.Context, offset int, relative bool) (schedule.PollResult, error) {
	opts := []retry.Option{
		retry.WithSleep(p.backoffSleep),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			p.logger.Error("schedule fetch failed, retrying",
				"attempt", attempt, "delay", delay.String(), "error", err)
			_ = p.bus.Publish(shared.NewPollerError(shared.SourceSchedule, err, attempt, p.sched.Now()))
		}),
	}
	opts = append(opts, p.retryOpts...)

	result, err := retry.DoWithData(ctx, func(ctx context.Context) (schedule.PollResult, error) {
		return p.fetch(ctx, offset, relative)
	}, opts...)
	if err != nil {
		return schedule.PollResult{}, fmt.Errorf("%w: fetch schedule: %v", shared.ErrRetriesExhausted, err)
	}
	return result, nil
}

// backoffSleep waits out a retry delay through the timer scheduler, so tests
// fast-forward it and shutdown cancels it.
func (p *SchedulePoller) backoffSleep(ctx context.Context, d time.Duration) error {
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

func (p *SchedulePoller) reportCycleFailure(err error) {
	_ = p.bus.Publish(shared.NewPollerError(shared.SourceSchedule, err, 0, p.sched.Now()))
}

// ══════════════════════════════════════════════════════════════════════════════
// CHANGE EMISSION
// ══════════════════════════════════════════════════════════════════════════════

func (p *SchedulePoller) emitChange(change shared.StatusChange) {
	p.logger.Info("course status changed",
		"course", change.Course.Name,
		"from", change.OldStatus,
		"to", change.NewStatus,
	)
	_ = p.bus.Publish(shared.NewCourseStatusChanged(change))

	if change.NewStatus == schedule.StatusOngoing {
		_ = p.bus.Publish(shared.NewCourseClassStart(change))
		p.armClassEndTimer(change)
	}

	if change.IsMissed {
		p.logger.Warn("missed course detected",
			"course", change.Course.Name,
			"ended_at", timeutil.FormatClock(change.ActualEndTime),
			"discovered_at", timeutil.FormatClock(change.DiscoveredAt),
		)
		_ = p.bus.Publish(shared.NewCourseMissed(change))
	}
}

// armClassEndTimer arms the one-shot timer that announces the end of a
// course that just started.
func (p *SchedulePoller) armClassEndTimer(change shared.StatusChange) {
	id := change.Course.ScheduleID

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	if old, ok := p.endTimers[id]; ok {
		old.Stop()
	}
	now := p.sched.Now()
	p.endTimers[id] = p.sched.AfterFunc(change.ActualEndTime.Sub(now), func() {
		p.mu.Lock()
		delete(p.endTimers, id)
		p.mu.Unlock()

		p.logger.Info("class ended", "course", change.Course.Name)
		_ = p.bus.Publish(shared.NewCourseClassEnded(change.Course, change.Day, change.ActualEndTime))
	})
	p.mu.Unlock()

	p.logger.Info("class end timer armed",
		"course", change.Course.Name,
		"at", timeutil.FormatClock(change.ActualEndTime),
	)
}
