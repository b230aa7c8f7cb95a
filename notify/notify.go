// Package notify formats messages and delivers them through notification channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"changewatch/pkg/watch"
)

// NotificationError indicates a message could not be delivered.
// Reason is surfaced to operators verbatim.
type NotificationError struct {
	Channel watch.ChannelKind
	Reason  string
}

func (e *NotificationError) Error() string {
	return e.Reason
}

// UnsupportedChannelError indicates an unknown channel kind.
type UnsupportedChannelError struct {
	Kind watch.ChannelKind
}

func (e *UnsupportedChannelError) Error() string {
	return fmt.Sprintf("Unsupported notification type: %s", e.Kind)
}

// IsNotificationError checks if an error is any notification failure.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	var ue *UnsupportedChannelError
	return errors.As(err, &ne) || errors.As(err, &ue)
}

// IsUnsupportedChannel checks if an error is an UnsupportedChannelError.
func IsUnsupportedChannel(err error) bool {
	var ue *UnsupportedChannelError
	return errors.As(err, &ue)
}

// Channel delivers a message using the channel-specific part of cfg.
type Channel interface {
	Send(ctx context.Context, cfg watch.Channel, message string) error
}

// Dispatcher routes messages to the channel registered for their kind.
type Dispatcher struct {
	channels map[watch.ChannelKind]Channel
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with no channels registered.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channels: make(map[watch.ChannelKind]Channel),
		logger:   logger,
	}
}

// Register installs ch for kind, replacing any previous registration.
func (d *Dispatcher) Register(kind watch.ChannelKind, ch Channel) *Dispatcher {
	d.channels[kind] = ch
	return d
}

// Send delivers message through the channel named by cfg.Kind.
func (d *Dispatcher) Send(ctx context.Context, cfg watch.Channel, message string) error {
	ch, ok := d.channels[cfg.Kind]
	if !ok {
		return &UnsupportedChannelError{Kind: cfg.Kind}
	}

	startTime := time.Now()
	err := ch.Send(ctx, cfg, message)
	duration := time.Since(startTime)
	if err != nil {
		d.logger.Warn("Notification failed",
			"channel", cfg.Kind,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		var ne *NotificationError
		if errors.As(err, &ne) {
			return err
		}
		return &NotificationError{Channel: cfg.Kind, Reason: err.Error()}
	}

	d.logger.Info("Notification sent",
		"channel", cfg.Kind,
		"duration_ms", duration.Milliseconds())
	return nil
}
