// Package bucket implements storage.Store on JSON objects kept in a Cloud
// Storage bucket or a local directory.
package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"changewatch/pkg/watch"
	cwstorage "changewatch/storage"
)

const (
	itemPrefix = "item-"
	logPrefix  = "log-"
)

var errObjectNotExist = errors.New("object doesn't exist")

// Store keeps one object per item and one per request log.
// Objects are not transactional; a process-wide mutex orders read-modify-write.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	mu        sync.Mutex
}

var _ cwstorage.Store = (*Store)(nil)

// New creates a bucket-backed store. When localPath is set the local
// filesystem is used and client may be nil.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		now:       time.Now,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Close closes the Cloud Storage client, if any.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func itemKey(id string) string {
	return itemPrefix + id + ".json"
}

func logKey(itemID string, at time.Time) string {
	return fmt.Sprintf("%s%s-%019d.json", logPrefix, itemID, at.UnixNano())
}

// logTime recovers the execution time encoded in a log object name.
func logTime(key string) (time.Time, bool) {
	name := strings.TrimSuffix(key, ".json")
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}

// validID rejects IDs that could escape the storage directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// CreateItem stores a new item.
func (s *Store) CreateItem(ctx context.Context, item *watch.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if !validID(item.ID) {
		return fmt.Errorf("invalid item id %q", item.ID)
	}
	item.Normalize()
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validate item: %w", err)
	}
	now := s.now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(ctx, itemKey(item.ID), item)
}

// UpdateItem replaces an item's configuration, keeping its runtime state.
func (s *Store) UpdateItem(ctx context.Context, item *watch.Item) error {
	item.Normalize()
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validate item: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.loadItem(ctx, item.ID)
	if err != nil {
		return err
	}
	next := *item
	next.CreatedAt = cur.CreatedAt
	next.LastValue, next.LastError, next.LastCheckedAt = cur.LastValue, cur.LastError, cur.LastCheckedAt
	next.UpdatedAt = s.now().UTC()
	if err := s.putJSON(ctx, itemKey(item.ID), &next); err != nil {
		return err
	}
	*item = next
	return nil
}

// GetItem loads an item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (*watch.Item, error) {
	return s.loadItem(ctx, id)
}

// ListItems returns items of ownerID, or all items when ownerID is empty.
func (s *Store) ListItems(ctx context.Context, ownerID string) ([]*watch.Item, error) {
	keys, err := s.list(ctx, itemPrefix)
	if err != nil {
		return nil, err
	}
	var items []*watch.Item
	for _, key := range keys {
		var it watch.Item
		if err := s.getJSON(ctx, key, &it); err != nil {
			s.logger.Warn("Failed to load item", "key", key, "error", err)
			continue
		}
		if ownerID != "" && it.OwnerID != ownerID {
			continue
		}
		items = append(items, &it)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// DueItems returns the active items due at now.
func (s *Store) DueItems(ctx context.Context, now time.Time) ([]*watch.Item, error) {
	items, err := s.ListItems(ctx, "")
	if err != nil {
		return nil, err
	}
	var due []*watch.Item
	for _, it := range items {
		if it.Due(now) {
			due = append(due, it)
		}
	}
	return due, nil
}

// SetStatus changes an item's lifecycle state.
func (s *Store) SetStatus(ctx context.Context, id string, status watch.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.loadItem(ctx, id)
	if err != nil {
		return err
	}
	it.Status = status
	it.UpdatedAt = s.now().UTC()
	return s.putJSON(ctx, itemKey(id), it)
}

// SaveCheck writes the log object first, then the item. A crash in between
// leaves an extra log row rather than state without a log.
func (s *Store) SaveCheck(ctx context.Context, rec *watch.CheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.loadItem(ctx, rec.ItemID)
	if err != nil {
		return err
	}

	rec.Log.ItemID = rec.ItemID
	if rec.Log.ID == 0 {
		rec.Log.ID = rec.Log.ExecutedAt.UnixNano()
	}
	if err := s.putJSON(ctx, logKey(rec.ItemID, rec.Log.ExecutedAt), &rec.Log); err != nil {
		return fmt.Errorf("write request log: %w", err)
	}

	checkedAt := rec.CheckedAt.UTC()
	it.LastCheckedAt = &checkedAt
	if rec.Value != nil {
		it.LastValue = rec.Value
		it.LastError = nil
	} else {
		it.LastError = rec.Error
	}
	if err := s.putJSON(ctx, itemKey(rec.ItemID), it); err != nil {
		return fmt.Errorf("write item state: %w", err)
	}
	return nil
}

// ListLogs returns the newest logs of an item.
func (s *Store) ListLogs(ctx context.Context, itemID string, limit int) ([]watch.RequestLog, error) {
	if !validID(itemID) {
		return nil, cwstorage.ErrNotFound
	}
	if limit <= 0 {
		limit = cwstorage.DefaultLogLimit
	}
	prefix := logPrefix + itemID + "-"
	all, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	// "item-1" must not pick up the logs of "item-1-b".
	keys := all[:0]
	for _, key := range all {
		stamp := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
		if _, err := strconv.ParseUint(stamp, 10, 64); err == nil && len(stamp) == 19 {
			keys = append(keys, key)
		}
	}
	// Names carry a zero-padded timestamp, so reverse lexical order is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if len(keys) > limit {
		keys = keys[:limit]
	}

	logs := make([]watch.RequestLog, 0, len(keys))
	for _, key := range keys {
		var l watch.RequestLog
		if err := s.getJSON(ctx, key, &l); err != nil {
			s.logger.Warn("Failed to load request log", "key", key, "error", err)
			continue
		}
		logs = append(logs, l)
	}
	return logs, nil
}

// Prune deletes request log objects past retention. Login logs and sessions
// are not kept in buckets, so their counts are always zero.
func (s *Store) Prune(ctx context.Context, now time.Time, r cwstorage.Retention) (cwstorage.PruneResult, error) {
	var out cwstorage.PruneResult
	if r.RequestLogs <= 0 {
		return out, nil
	}
	cutoff := now.Add(-r.RequestLogs)
	keys, err := s.list(ctx, logPrefix)
	if err != nil {
		return out, err
	}
	for _, key := range keys {
		at, ok := logTime(key)
		if !ok || !at.Before(cutoff) {
			continue
		}
		if err := s.delete(ctx, key); err != nil {
			return out, err
		}
		out.RequestLogs++
	}
	return out, nil
}

func (s *Store) loadItem(ctx context.Context, id string) (*watch.Item, error) {
	if !validID(id) {
		return nil, cwstorage.ErrNotFound
	}
	var it watch.Item
	if err := s.getJSON(ctx, itemKey(id), &it); err != nil {
		if errors.Is(err, errObjectNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
			return nil, cwstorage.ErrNotFound
		}
		return nil, err
	}
	return &it, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if s.localPath != "" {
		if err := os.WriteFile(filepath.Join(s.localPath, key), data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Object saved to local storage", "key", key)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	s.logger.Debug("Object saved", "key", key)
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	var data []byte
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return errObjectNotExist
			}
			return fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(openErr)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()
				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOptions(ctx, s.logger, "load", key)...,
		)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return errObjectNotExist
			}
			return fmt.Errorf("load after retries: %w", err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// list returns object names starting with prefix.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}
