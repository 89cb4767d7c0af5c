// Package main is the entry point of the itolearn schedule poller.
//
// The poller watches the weekly class schedule of the learning platform,
// turns snapshot differences into course lifecycle events, discovers freshly
// published homework for ongoing courses and survives restarts through a
// persisted state snapshot.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/afero"

	"github.com/chongiou/itolearn/config"
	"github.com/chongiou/itolearn/internal/application/poller"
	"github.com/chongiou/itolearn/internal/domain/homework"
	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/infrastructure/calendar"
	"github.com/chongiou/itolearn/internal/infrastructure/messaging"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence/file"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence/postgres"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence/redis"
	"github.com/chongiou/itolearn/pkg/retry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting itolearn poller",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"state_backend", cfg.Storage.Backend,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. CALENDAR (timetable + holiday table)
	// ─────────────────────────────────────────────────────────────────────────
	cal, err := buildCalendar(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build calendar: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. STATE STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	storage, closeStorage, err := buildStorage(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize state storage: %w", err)
	}
	defer closeStorage()

	stateManager := persistence.NewManager(storage, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultConfig()
	busConfig.Logger = log
	bus := messaging.NewBus(busConfig)
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. PLATFORM FETCHERS
	// ─────────────────────────────────────────────────────────────────────────
	client := newPlatformClient(cfg.Platform)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	engine, err := poller.NewEngine(poller.EngineConfig{
		Bus:                  bus,
		State:                stateManager,
		Calendar:             cal,
		FetchSchedule:        client.fetchSchedule,
		FetchHomework:        client.fetchHomework,
		HomeworkInterval:     cfg.Poller.HomeworkInterval,
		HolidayReloadSpec:    cfg.Poller.HolidayReloadCron,
		LoadHolidays:         holidayLoader(cfg.Calendar.File),
		ProceedOnLoadFailure: cfg.Poller.ProceedOnLoadFailure,
		Logger:               log,
		RetryOptions: []retry.Option{
			retry.WithMaxAttempts(cfg.Poller.RetryMaxAttempts),
			retry.WithInitialDelay(cfg.Poller.RetryInitialWait),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("itolearn poller is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancelShutdown()
	engine.Stop(shutdownCtx)

	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING
// ══════════════════════════════════════════════════════════════════════════════

func buildCalendar(cfg *config.Config, log *slog.Logger) (*calendar.Calendar, error) {
	calConfig := calendar.Config{
		Timetable: calendar.DefaultTimetable(),
		Holidays:  calendar.DefaultHolidays(),
		Tolerance: cfg.Calendar.Tolerance,
		Logger:    log,
	}

	if cfg.Calendar.File != "" {
		calFile, err := config.LoadCalendarFile(cfg.Calendar.File)
		if err != nil {
			return nil, err
		}
		calConfig.Timetable = calFile.Timetable
		calConfig.Holidays = calFile.Holidays
		if calFile.Tolerance > 0 {
			calConfig.Tolerance = calFile.Tolerance
		}
		log.Info("calendar loaded from file", "path", cfg.Calendar.File)
	}

	return calendar.New(calConfig)
}

func buildStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (persistence.Storage, func(), error) {
	noop := func() {}

	switch cfg.Storage.Backend {
	case config.StorageFile:
		return file.New(afero.NewOsFs(), cfg.Storage.FilePath), noop, nil

	case config.StorageRedis:
		redisConfig := redis.DefaultConfig()
		redisConfig.Addr = cfg.Redis.Addr
		redisConfig.Password = cfg.Redis.Password
		redisConfig.DB = cfg.Redis.DB
		redisConfig.Key = cfg.Redis.Key
		redisConfig.DialTimeout = cfg.Redis.DialTimeout
		redisConfig.ReadTimeout = cfg.Redis.ReadTimeout
		redisConfig.WriteTimeout = cfg.Redis.WriteTimeout

		store, err := redis.New(ctx, redisConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			log.Info("closing Redis connection...")
			_ = store.Close()
		}, nil

	case config.StoragePostgres:
		store, err := postgres.New(ctx, postgres.Config{
			URL:            cfg.Database.URL,
			MaxConns:       cfg.Database.MaxConns,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			log.Info("closing database connection...")
			store.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.Storage.Backend)
	}
}

// holidayLoader re-reads the holiday table from the calendar file, for the
// engine's periodic reload. A deployment without a calendar file has nothing
// to reload.
func holidayLoader(path string) func(ctx context.Context) ([]schedule.Holiday, error) {
	if path == "" {
		return nil
	}
	return func(ctx context.Context) ([]schedule.Holiday, error) {
		calFile, err := config.LoadCalendarFile(path)
		if err != nil {
			return nil, err
		}
		return calFile.Holidays, nil
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PLATFORM CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// platformClient is the deployment-side glue behind the engine's fetcher
// functions: two JSON endpoints on the learning platform. Session handling,
// HTML scraping and anything beyond plain bearer-token JSON calls stays out
// of this binary.
type platformClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newPlatformClient(cfg config.PlatformConfig) *platformClient {
	return &platformClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *platformClient) fetchSchedule(ctx context.Context, weekOffset int, relative bool) (schedule.PollResult, error) {
	var result schedule.PollResult
	query := url.Values{
		"weekOffset": {strconv.Itoa(weekOffset)},
		"relative":   {strconv.FormatBool(relative)},
	}
	err := c.getJSON(ctx, "/api/schedule/weekly", query, &result)
	return result, err
}

func (c *platformClient) fetchHomework(ctx context.Context, classroomID, scheduleID, lessonID string) ([]homework.Homework, error) {
	var list []homework.Homework
	query := url.Values{
		"classroomId": {classroomID},
		"scheduleId":  {scheduleID},
		"lessonId":    {lessonID},
	}
	err := c.getJSON(ctx, "/api/homework/list", query, &list)
	return list, err
}

func (c *platformClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("PLATFORM_BASE_URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
