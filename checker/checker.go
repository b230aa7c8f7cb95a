// Package checker runs one check of a watch item: fetch, extract, diff,
// notify on edges, and persist the outcome.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"changewatch/extract"
	"changewatch/metrics"
	"changewatch/notify"
	"changewatch/pkg/watch"
	"changewatch/scraper"
	"changewatch/storage"
)

// Store is the slice of persistence the checker needs.
type Store interface {
	GetItem(ctx context.Context, id string) (*watch.Item, error)
	SaveCheck(ctx context.Context, rec *watch.CheckRecord) error
}

// Fetcher retrieves an item's target.
type Fetcher interface {
	Fetch(ctx context.Context, item *watch.Item) (*scraper.Response, error)
}

// Notifier delivers a message through an item's channel.
type Notifier interface {
	Send(ctx context.Context, channel watch.Channel, message string) error
}

// ExtractFunc pulls the watched value out of a response body.
type ExtractFunc func(content []byte, sel watch.Selector) (string, error)

// Checker executes checks. It is safe for concurrent use; checks of the same
// item are serialized.
type Checker struct {
	store    Store
	fetcher  Fetcher
	notifier Notifier
	extract  ExtractFunc
	logger   *slog.Logger
	now      func() time.Time
	locks    *keyedMutex
}

// New creates a checker.
func New(store Store, fetcher Fetcher, notifier Notifier, logger *slog.Logger) *Checker {
	return &Checker{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		extract:  extract.Extract,
		logger:   logger,
		now:      time.Now,
		locks:    newKeyedMutex(),
	}
}

// WithClock replaces the wall clock used for timestamps.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// WithExtractor replaces the extraction function.
func (c *Checker) WithExtractor(fn ExtractFunc) *Checker {
	c.extract = fn
	return c
}

// Check runs one check of item and persists the outcome. It never panics
// and never returns an error; failures are reported in the result.
func (c *Checker) Check(ctx context.Context, item *watch.Item) (res watch.CheckResult) {
	unlock := c.locks.Lock(item.ID)
	defer unlock()

	startTime := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = c.recovered(ctx, item, r, time.Since(startTime))
		}
	}()
	return c.check(ctx, item, startTime)
}

func (c *Checker) check(ctx context.Context, item *watch.Item, startTime time.Time) watch.CheckResult {
	cur := c.current(ctx, item)
	prev := cur.LastValue
	hadError := cur.Failing()

	res := watch.CheckResult{
		ItemID:        cur.ID,
		PreviousValue: prev,
	}

	value, status, checkErr := c.run(ctx, cur)
	res.HTTPStatus = status
	if checkErr == nil {
		res.ParsedValue = watch.StringPtr(value)
		res.ValueChanged = prev != nil && *prev != value
	}

	var errText string
	if checkErr != nil {
		errText = checkErr.Error()
	}

	kind, message, prepErr := c.decide(cur, res, checkErr, hadError)
	if kind != watch.NotifyNone {
		res.Notification = kind
		sendErr := prepErr
		if sendErr == nil {
			sendErr = c.guard(cur.ID, func() error {
				return c.notifier.Send(ctx, cur.Channel, message)
			})
		}
		if sendErr != nil {
			metrics.NotificationsTotal.WithLabelValues(string(kind), metrics.ResultFailed).Inc()
			c.logger.Warn("Notification failed",
				"item_id", cur.ID,
				"kind", kind,
				"error", sendErr)
			errText = appendNotificationError(errText, sendErr)
		} else {
			metrics.NotificationsTotal.WithLabelValues(string(kind), metrics.ResultSent).Inc()
			res.NotificationSent = true
		}
	}
	if errText != "" {
		res.Error = watch.StringPtr(errText)
	}

	duration := time.Since(startTime)
	res.DurationMS = duration.Milliseconds()
	checkedAt := c.now().UTC()

	rec := &watch.CheckRecord{
		ItemID:    cur.ID,
		CheckedAt: checkedAt,
		Log: watch.RequestLog{
			ItemID:           cur.ID,
			HTTPStatus:       res.HTTPStatus,
			ParsedValue:      res.ParsedValue,
			PreviousValue:    prev,
			ValueChanged:     res.ValueChanged,
			NotificationSent: res.NotificationSent,
			Notification:     res.Notification,
			Error:            res.Error,
			DurationMS:       res.DurationMS,
			ExecutedAt:       checkedAt,
		},
	}
	if checkErr == nil {
		rec.Value = res.ParsedValue
	} else {
		rec.Error = res.Error
	}

	res.PersistError = c.save(ctx, rec)

	outcome := metrics.OutcomeSuccess
	if checkErr != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ChecksTotal.WithLabelValues(outcome).Inc()
	metrics.CheckDuration.Observe(duration.Seconds())

	c.logger.Info("Check completed",
		"item_id", cur.ID,
		"http_status", derefInt(res.HTTPStatus),
		"value_changed", res.ValueChanged,
		"notification", res.Notification,
		"notification_sent", res.NotificationSent,
		"error", errText,
		"duration_ms", res.DurationMS)

	return res
}

// current re-reads runtime state under the item lock so edge decisions use
// what the previous check wrote.
func (c *Checker) current(ctx context.Context, item *watch.Item) *watch.Item {
	fresh, err := c.store.GetItem(ctx, item.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Failed to refresh item state, using caller copy",
				"item_id", item.ID,
				"error", err)
		}
		cp := *item
		return &cp
	}
	return fresh
}

// run fetches and extracts.
func (c *Checker) run(ctx context.Context, item *watch.Item) (value string, status *int, err error) {
	err = c.guard(item.ID, func() error {
		// Selector and channel problems surface after the fetch, as
		// extraction and notification errors.
		if err := item.ValidateTarget(); err != nil {
			return fmt.Errorf("invalid item: %w", err)
		}
		if item.ConfigError != "" {
			return fmt.Errorf("invalid item: %s", item.ConfigError)
		}

		resp, err := c.fetcher.Fetch(ctx, item)
		if err != nil {
			return err
		}
		code := resp.StatusCode
		status = &code

		value, err = c.extract(resp.Body, item.Selector)
		if err != nil && resp.Truncated {
			err = fmt.Errorf("%w (response body truncated at %d bytes)", err, scraper.MaxBodySize)
		}
		return err
	})
	if err != nil {
		return "", status, err
	}
	return value, status, nil
}

// save persists rec. A failure is logged and returned for the result.
func (c *Checker) save(ctx context.Context, rec *watch.CheckRecord) error {
	err := c.guard(rec.ItemID, func() error {
		return c.store.SaveCheck(ctx, rec)
	})
	if err != nil {
		c.logger.Error("Failed to persist check",
			"item_id", rec.ItemID,
			"error", err)
		return fmt.Errorf("save check: %w", err)
	}
	return nil
}

// guard runs fn and turns a panic into an error carrying a correlation id
// that is also logged with the stack.
func (c *Checker) guard(itemID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = c.panicError(itemID, r)
		}
	}()
	return fn()
}

func (c *Checker) panicError(itemID string, r any) error {
	correlationID := uuid.NewString()
	c.logger.Error("Check panic",
		"item_id", itemID,
		"correlation_id", correlationID,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
	return fmt.Errorf("internal error (correlation_id: %s)", correlationID)
}

// recovered records a check that panicked outside the guarded steps as a
// failed check so it still leaves a log row.
func (c *Checker) recovered(ctx context.Context, item *watch.Item, r any, duration time.Duration) watch.CheckResult {
	errText := c.panicError(item.ID, r).Error()
	checkedAt := c.now().UTC()
	res := watch.CheckResult{
		ItemID:        item.ID,
		PreviousValue: item.LastValue,
		Error:         watch.StringPtr(errText),
		DurationMS:    duration.Milliseconds(),
	}
	res.PersistError = c.save(ctx, &watch.CheckRecord{
		ItemID:    item.ID,
		CheckedAt: checkedAt,
		Error:     res.Error,
		Log: watch.RequestLog{
			ItemID:        item.ID,
			PreviousValue: item.LastValue,
			Error:         res.Error,
			DurationMS:    res.DurationMS,
			ExecutedAt:    checkedAt,
		},
	})
	metrics.ChecksTotal.WithLabelValues(metrics.OutcomeError).Inc()
	return res
}

// decide picks at most one notification. Error beats recovery beats change.
func (c *Checker) decide(item *watch.Item, res watch.CheckResult, checkErr error, hadError bool) (watch.NotificationKind, string, error) {
	switch {
	case checkErr != nil && !hadError:
		return watch.NotifyError, notify.ErrorMessage(item.Name, item.URL, checkErr.Error()), nil
	case checkErr == nil && hadError:
		return watch.NotifyRecovery, notify.RecoveryMessage(item.Name, item.URL), nil
	case res.ValueChanged:
		tmpl := item.MessageTemplate
		if tmpl == "" {
			tmpl = notify.DefaultChangeTemplate
		}
		msg, err := notify.FormatMessage(tmpl, notify.Values{
			OldValue: res.PreviousValue,
			NewValue: res.ParsedValue,
			URL:      item.URL,
			Name:     item.Name,
		}, c.now())
		return watch.NotifyChange, msg, err
	default:
		return watch.NotifyNone, "", nil
	}
}

func appendNotificationError(errText string, err error) string {
	msg := "Notification failed: " + err.Error()
	if errText == "" {
		return msg
	}
	return errText + "; " + msg
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
