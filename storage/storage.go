// Package storage defines persistence for watch items and their request logs.
package storage

import (
	"context"
	"errors"
	"time"

	"changewatch/pkg/watch"
)

// ErrNotFound is returned when a requested item does not exist.
var ErrNotFound = errors.New("not found")

// DefaultLogLimit caps ListLogs when the caller passes a non-positive limit.
const DefaultLogLimit = 50

// Retention controls how long housekeeping keeps each kind of record.
type Retention struct {
	RequestLogs time.Duration
	LoginLogs   time.Duration
	Sessions    time.Duration // measured from last activity
}

// DefaultRetention keeps logs for 30 days and idle sessions for 7.
var DefaultRetention = Retention{
	RequestLogs: 30 * 24 * time.Hour,
	LoginLogs:   30 * 24 * time.Hour,
	Sessions:    7 * 24 * time.Hour,
}

// PruneResult reports how many rows housekeeping removed.
type PruneResult struct {
	RequestLogs int64
	LoginLogs   int64
	Sessions    int64
}

// Total returns the number of removed rows across all tables.
func (r PruneResult) Total() int64 {
	return r.RequestLogs + r.LoginLogs + r.Sessions
}

// Store persists watch items, their runtime state, and request logs.
type Store interface {
	// CreateItem assigns an ID when empty, normalizes, validates and inserts.
	CreateItem(ctx context.Context, item *watch.Item) error
	// UpdateItem replaces the configuration of an item. Runtime state is kept.
	UpdateItem(ctx context.Context, item *watch.Item) error
	GetItem(ctx context.Context, id string) (*watch.Item, error)
	// ListItems returns the items of ownerID, or every item when ownerID is empty.
	ListItems(ctx context.Context, ownerID string) ([]*watch.Item, error)
	// DueItems returns the active items due for a check at now.
	DueItems(ctx context.Context, now time.Time) ([]*watch.Item, error)
	SetStatus(ctx context.Context, id string, status watch.Status) error
	// SaveCheck writes the item's new runtime state and appends its log row.
	SaveCheck(ctx context.Context, rec *watch.CheckRecord) error
	// ListLogs returns the most recent logs of an item, newest first.
	ListLogs(ctx context.Context, itemID string, limit int) ([]watch.RequestLog, error)
	// Prune deletes records older than the retention windows. It is idempotent.
	Prune(ctx context.Context, now time.Time, r Retention) (PruneResult, error)
	Close() error
}

// IsNotFound checks if an error indicates a missing item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
