// Package watch contains the core domain types for the change-watching service.
package watch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultIntervalMinutes is used when an item has no usable interval.
	DefaultIntervalMinutes = 5

	// DueGrace absorbs tick-to-tick jitter so items are not skipped by a few seconds of drift.
	DueGrace = 5 * time.Second
)

// ErrDraftToggle is returned when a draft item is toggled between active and paused.
var ErrDraftToggle = errors.New("cannot toggle a draft item")

// Status is the lifecycle state of a watch item.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// SelectorKind names the rule used to pull a single value out of a response body.
type SelectorKind string

const (
	SelectorCSS      SelectorKind = "css"      // structured markup
	SelectorJSONPath SelectorKind = "jsonpath" // structured data path
	SelectorRegex    SelectorKind = "regex"    // pattern match
)

// ChannelKind names a notification channel.
type ChannelKind string

const (
	ChannelTelegram ChannelKind = "telegram"
	ChannelEmail    ChannelKind = "email"
)

// NotificationKind is the reason a notification fired for a check.
type NotificationKind string

const (
	NotifyNone     NotificationKind = ""
	NotifyChange   NotificationKind = "change"
	NotifyError    NotificationKind = "error"
	NotifyRecovery NotificationKind = "recovery"
)

// Selector is the extraction rule of an item.
type Selector struct {
	Kind       SelectorKind `json:"kind" yaml:"kind"`
	Expression string       `json:"expression" yaml:"expression"`
}

// TelegramConfig is the channel config for the bot messaging channel.
type TelegramConfig struct {
	ChatID string `json:"chat_id" yaml:"chat_id"`
}

// EmailConfig is the channel config for the email channel.
type EmailConfig struct {
	To string `json:"to" yaml:"to"`
}

// Channel is a tagged union over the supported notification channels.
// Only the member matching Kind is consulted.
type Channel struct {
	Kind     ChannelKind     `json:"kind" yaml:"kind"`
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Email    *EmailConfig    `json:"email,omitempty" yaml:"email,omitempty"`
}

// Item is a monitored target together with its runtime state.
type Item struct {
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastCheckedAt   *time.Time        `json:"last_checked_at"`
	LastValue       *string           `json:"last_value"`
	LastError       *string           `json:"last_error"` // non-nil while the item is failing
	Headers         map[string]string `json:"headers"`
	Channel         Channel           `json:"channel"`
	Selector        Selector          `json:"selector"`
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Body            string            `json:"body"`
	MessageTemplate string            `json:"message_template"`
	Status          Status            `json:"status"`
	IntervalMinutes int               `json:"interval_minutes"`
	// ConfigError is set by a store that could not decode part of the stored
	// record. Checks of such an item fail with this text.
	ConfigError string `json:"config_error,omitempty"`
}

// RequestLog is the immutable audit record of one check execution.
type RequestLog struct {
	ExecutedAt       time.Time        `json:"executed_at"`
	HTTPStatus       *int             `json:"http_status"`
	ParsedValue      *string          `json:"parsed_value"`
	PreviousValue    *string          `json:"previous_value"`
	Error            *string          `json:"error"`
	ItemID           string           `json:"item_id"`
	Notification     NotificationKind `json:"notification"`
	ID               int64            `json:"id"`
	DurationMS       int64            `json:"duration_ms"`
	ValueChanged     bool             `json:"value_changed"`
	NotificationSent bool             `json:"notification_sent"`
}

// CheckRecord is everything persisted after one check: the item's new runtime
// state and the log row, written together.
type CheckRecord struct {
	CheckedAt time.Time
	Value     *string // non-nil only when extraction succeeded
	Error     *string // stored as the item's error when Value is nil
	Log       RequestLog
	ItemID    string
}

// CheckResult mirrors the persisted outcome of a check for the caller.
type CheckResult struct {
	HTTPStatus       *int             `json:"http_status"`
	ParsedValue      *string          `json:"parsed_value"`
	PreviousValue    *string          `json:"previous_value"`
	Error            *string          `json:"error"`
	PersistError     error            `json:"-"`
	ItemID           string           `json:"item_id"`
	Notification     NotificationKind `json:"notification"`
	DurationMS       int64            `json:"duration_ms"`
	ValueChanged     bool             `json:"value_changed"`
	NotificationSent bool             `json:"notification_sent"`
}

// Interval returns the item's poll interval, falling back to the default.
func (it *Item) Interval() time.Duration {
	m := it.IntervalMinutes
	if m < 1 {
		m = DefaultIntervalMinutes
	}
	return time.Duration(m) * time.Minute
}

// Due reports whether the scheduler should check the item at now.
func (it *Item) Due(now time.Time) bool {
	if it.Status != StatusActive {
		return false
	}
	if it.LastCheckedAt == nil {
		return true
	}
	return !it.LastCheckedAt.Add(it.Interval() - DueGrace).After(now)
}

// Failing reports whether the item is currently in an error state.
// An empty error text counts as no error.
func (it *Item) Failing() bool {
	return it.LastError != nil && *it.LastError != ""
}

// Toggle flips an item between active and paused.
func (it *Item) Toggle() error {
	switch it.Status {
	case StatusActive:
		it.Status = StatusPaused
	case StatusPaused:
		it.Status = StatusActive
	default:
		return ErrDraftToggle
	}
	return nil
}

// HTTPMethod returns the configured method, defaulting to GET.
func (it *Item) HTTPMethod() string {
	if it.Method == "" {
		return "GET"
	}
	return strings.ToUpper(it.Method)
}

// Normalize fills defaults the CRUD layer may have left empty.
func (it *Item) Normalize() {
	if it.IntervalMinutes < 1 {
		it.IntervalMinutes = DefaultIntervalMinutes
	}
	if it.Status == "" {
		it.Status = StatusDraft
	}
	it.Method = it.HTTPMethod()
}

// Validate checks the record at the boundary where it is loaded or created.
func (it *Item) Validate() error {
	if strings.TrimSpace(it.Name) == "" {
		return errors.New("name is required")
	}
	if err := it.ValidateTarget(); err != nil {
		return err
	}
	switch it.Status {
	case StatusDraft, StatusActive, StatusPaused:
	default:
		return fmt.Errorf("unknown status %q", it.Status)
	}
	if err := it.Selector.Validate(); err != nil {
		return err
	}
	return it.Channel.Validate()
}

// ValidateTarget checks only what a fetch needs: an absolute http(s) URL.
func (it *Item) ValidateTarget() error {
	u, err := url.Parse(it.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid url %q", it.URL)
	}
	return nil
}

// Validate checks that the selector kind is known and the expression set.
func (s Selector) Validate() error {
	switch s.Kind {
	case SelectorCSS, SelectorJSONPath, SelectorRegex:
	default:
		return fmt.Errorf("unknown selector type: %s", s.Kind)
	}
	if strings.TrimSpace(s.Expression) == "" {
		return errors.New("selector is required")
	}
	return nil
}

// Validate checks that the union member for Kind is present. Channel-specific
// required fields are enforced at send time so the failure lands on the item.
func (c Channel) Validate() error {
	switch c.Kind {
	case ChannelTelegram:
		if c.Telegram == nil {
			return errors.New("telegram channel config missing")
		}
	case ChannelEmail:
		if c.Email == nil {
			return errors.New("email channel config missing")
		}
	default:
		return fmt.Errorf("unsupported notification type: %s", c.Kind)
	}
	return nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
