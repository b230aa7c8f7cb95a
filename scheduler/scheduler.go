// Package scheduler drives periodic checks of due items and daily housekeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"changewatch/metrics"
	"changewatch/pkg/watch"
	"changewatch/storage"
)

// Defaults for Config fields left zero.
const (
	DefaultTickInterval    = 15 * time.Second
	DefaultCleanupSchedule = "0 3 * * *"
	DefaultMaxConcurrency  = 4
)

var (
	// ErrTickInProgress is returned when a tick is requested while one runs.
	ErrTickInProgress = errors.New("tick already in progress")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Store is the persistence the scheduler needs.
type Store interface {
	DueItems(ctx context.Context, now time.Time) ([]*watch.Item, error)
	Prune(ctx context.Context, now time.Time, r storage.Retention) (storage.PruneResult, error)
}

// Checker runs one check of an item.
type Checker interface {
	Check(ctx context.Context, item *watch.Item) watch.CheckResult
}

// Config holds scheduler settings.
type Config struct {
	Retention       storage.Retention
	Location        *time.Location // time zone of CleanupSchedule, UTC when nil
	CleanupSchedule string         // standard 5-field cron expression
	TickInterval    time.Duration
	MaxConcurrency  int
}

// TickStats summarizes one tick.
type TickStats struct {
	Due           int `json:"due"`
	Checked       int `json:"checked"`
	Failed        int `json:"failed"`
	Changed       int `json:"changed"`
	Notified      int `json:"notified"`
	PersistFailed int `json:"persist_failed"`
	Panicked      int `json:"panicked"`
}

// Scheduler owns the periodic timer. All lifecycle methods are safe for
// concurrent use.
type Scheduler struct {
	store   Store
	checker Checker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	tickMu sync.Mutex // held for the duration of a tick

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New creates a scheduler. It fails when the cleanup schedule does not parse.
func New(store Store, checker Checker, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = DefaultCleanupSchedule
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Retention == (storage.Retention{}) {
		cfg.Retention = storage.DefaultRetention
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if _, err := cron.ParseStandard(cfg.CleanupSchedule); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}

	return &Scheduler{
		store:   store,
		checker: checker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithClock replaces the wall clock used for due selection and pruning.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start registers the tick and housekeeping jobs and starts the timer.
// It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return ErrAlreadyStarted
	}

	jobCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc("@every "+s.cfg.TickInterval.String(), func() {
		if _, err := s.Tick(jobCtx); err != nil && !errors.Is(err, ErrTickInProgress) {
			s.logger.Error("Tick failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule tick: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.CleanupSchedule, func() {
		if _, err := s.Housekeep(jobCtx); err != nil {
			s.logger.Error("Housekeeping failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule housekeeping: %w", err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.started = true

	s.logger.Info("Scheduler started",
		"tick_interval", s.cfg.TickInterval.String(),
		"cleanup_schedule", s.cfg.CleanupSchedule,
		"max_concurrency", s.cfg.MaxConcurrency)
	return nil
}

// Stop prevents new jobs from starting and waits for running ones to finish.
// If ctx expires first, in-flight checks are cancelled and ctx's error is
// returned. Stop is idempotent; calling it before Start is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	defer cancel()

	done := c.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out, cancelling in-flight checks", "error", ctx.Err())
		return ctx.Err()
	}
}

// Tick checks every due item with bounded parallelism. Only a failure to
// select due items fails the tick; per-item problems are logged and counted.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	if !s.tickMu.TryLock() {
		s.logger.Debug("Skipping tick, previous tick still running")
		return TickStats{}, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	startTime := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(startTime).Seconds()) }()

	due, err := s.store.DueItems(ctx, s.now())
	if err != nil {
		return TickStats{}, fmt.Errorf("select due items: %w", err)
	}
	metrics.DueItems.Set(float64(len(due)))

	stats := TickStats{Due: len(due)}
	if len(due) == 0 {
		s.logger.Debug("No items due")
		return stats, nil
	}

	s.logger.Info("Checking due items", "count", len(due))
	s.checkAll(ctx, due, &stats)

	s.logger.Info("Tick completed",
		"due", stats.Due,
		"checked", stats.Checked,
		"failed", stats.Failed,
		"changed", stats.Changed,
		"notified", stats.Notified,
		"persist_failed", stats.PersistFailed,
		"duration_ms", time.Since(startTime).Milliseconds())
	return stats, nil
}

// checkAll runs checks on a fixed pool of workers fed from a jobs channel.
func (s *Scheduler) checkAll(ctx context.Context, items []*watch.Item, stats *TickStats) {
	jobs := make(chan *watch.Item, len(items))
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := min(s.cfg.MaxConcurrency, len(items))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				res, ok := s.safeCheck(ctx, item)
				mu.Lock()
				stats.record(res, ok)
				mu.Unlock()
			}
		}()
	}

	for _, item := range items {
		if ctx.Err() != nil {
			s.logger.Info("Context cancelled, not starting remaining checks", "error", ctx.Err())
			break
		}
		jobs <- item
	}
	close(jobs)
	wg.Wait()
}

// safeCheck isolates a panicking check so the rest of the tick proceeds.
func (s *Scheduler) safeCheck(ctx context.Context, item *watch.Item) (res watch.CheckResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error("Item check panic",
				"item_id", item.ID,
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	res = s.checker.Check(ctx, item)
	if res.PersistError != nil {
		s.logger.Error("Check result not persisted", "item_id", item.ID, "error", res.PersistError)
	}
	return res, true
}

func (st *TickStats) record(res watch.CheckResult, ok bool) {
	if !ok {
		st.Panicked++
		return
	}
	st.Checked++
	if res.Error != nil {
		st.Failed++
	}
	if res.ValueChanged {
		st.Changed++
	}
	if res.NotificationSent {
		st.Notified++
	}
	if res.PersistError != nil {
		st.PersistFailed++
	}
}

// Housekeep prunes expired logs and idle sessions.
func (s *Scheduler) Housekeep(ctx context.Context) (storage.PruneResult, error) {
	startTime := time.Now()
	res, err := s.store.Prune(ctx, s.now(), s.cfg.Retention)
	metrics.PrunedRowsTotal.WithLabelValues("request_logs").Add(float64(res.RequestLogs))
	metrics.PrunedRowsTotal.WithLabelValues("login_logs").Add(float64(res.LoginLogs))
	metrics.PrunedRowsTotal.WithLabelValues("sessions").Add(float64(res.Sessions))
	if err != nil {
		return res, fmt.Errorf("prune: %w", err)
	}

	s.logger.Info("Housekeeping completed",
		"request_logs", res.RequestLogs,
		"login_logs", res.LoginLogs,
		"sessions", res.Sessions,
		"duration_ms", time.Since(startTime).Milliseconds())
	return res, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
