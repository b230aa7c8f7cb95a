// Package sqlite implements storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"changewatch/pkg/watch"
	"changewatch/storage"
)

// Timestamps are fixed-width UTC text so string comparison orders them.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements storage.Store for SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New opens the database file at path and runs migrations.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not exist. Safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS watch_items (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL,
	url              TEXT NOT NULL,
	method           TEXT NOT NULL DEFAULT 'GET',
	headers          TEXT NOT NULL DEFAULT '{}',
	body             TEXT NOT NULL DEFAULT '',
	selector_kind    TEXT NOT NULL,
	selector_expr    TEXT NOT NULL,
	channel          TEXT NOT NULL,
	message_template TEXT NOT NULL DEFAULT '',
	interval_minutes INTEGER NOT NULL DEFAULT 5,
	status           TEXT NOT NULL DEFAULT 'draft',
	last_value       TEXT,
	last_error       TEXT,
	last_checked_at  TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watch_items_status ON watch_items (status);
CREATE INDEX IF NOT EXISTS idx_watch_items_owner ON watch_items (owner_id, created_at);

CREATE TABLE IF NOT EXISTS request_logs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id           TEXT NOT NULL,
	http_status       INTEGER,
	parsed_value      TEXT,
	previous_value    TEXT,
	value_changed     INTEGER NOT NULL DEFAULT 0,
	notification_sent INTEGER NOT NULL DEFAULT 0,
	notification      TEXT NOT NULL DEFAULT '',
	error             TEXT,
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	executed_at       TEXT NOT NULL,
	FOREIGN KEY(item_id) REFERENCES watch_items(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_request_logs_item_executed ON request_logs (item_id, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_request_logs_executed ON request_logs (executed_at);

CREATE TABLE IF NOT EXISTS login_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT,
	ip         TEXT,
	success    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_logs_created ON login_logs (created_at);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT,
	data         TEXT,
	created_at   TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions (last_seen_at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const itemColumns = `id, owner_id, name, url, method, headers, body, selector_kind, selector_expr,
	channel, message_template, interval_minutes, status, last_value, last_error, last_checked_at,
	created_at, updated_at`

// CreateItem inserts a new item.
func (s *Store) CreateItem(ctx context.Context, item *watch.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Normalize()
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validate item: %w", err)
	}
	now := s.now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	headers, channel, err := encodeConfig(item)
	if err != nil {
		return err
	}

	query := `INSERT INTO watch_items (` + itemColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		item.ID, item.OwnerID, item.Name, item.URL, item.Method, headers, item.Body,
		string(item.Selector.Kind), item.Selector.Expression, channel, item.MessageTemplate,
		item.IntervalMinutes, string(item.Status), item.LastValue, item.LastError,
		formatTimePtr(item.LastCheckedAt), formatTime(item.CreatedAt), formatTime(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// UpdateItem replaces the configuration columns of an existing item.
func (s *Store) UpdateItem(ctx context.Context, item *watch.Item) error {
	item.Normalize()
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validate item: %w", err)
	}
	item.UpdatedAt = s.now().UTC()

	headers, channel, err := encodeConfig(item)
	if err != nil {
		return err
	}

	query := `UPDATE watch_items SET owner_id = ?, name = ?, url = ?, method = ?, headers = ?, body = ?,
	selector_kind = ?, selector_expr = ?, channel = ?, message_template = ?, interval_minutes = ?,
	status = ?, updated_at = ?
WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		item.OwnerID, item.Name, item.URL, item.Method, headers, item.Body,
		string(item.Selector.Kind), item.Selector.Expression, channel, item.MessageTemplate,
		item.IntervalMinutes, string(item.Status), formatTime(item.UpdatedAt), item.ID)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return requireRow(res)
}

// GetItem retrieves a single item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (*watch.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM watch_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ListItems returns items ordered by creation time.
func (s *Store) ListItems(ctx context.Context, ownerID string) ([]*watch.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM watch_items`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, id`
	return s.queryItems(ctx, query, args...)
}

// DueItems returns active items whose interval has elapsed at now.
func (s *Store) DueItems(ctx context.Context, now time.Time) ([]*watch.Item, error) {
	items, err := s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM watch_items WHERE status = ? ORDER BY last_checked_at IS NOT NULL, last_checked_at, id`,
		string(watch.StatusActive))
	if err != nil {
		return nil, err
	}
	due := items[:0]
	for _, it := range items {
		if it.Due(now) {
			due = append(due, it)
		}
	}
	return due, nil
}

// SetStatus changes the lifecycle state of an item.
func (s *Store) SetStatus(ctx context.Context, id string, status watch.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE watch_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRow(res)
}

// SaveCheck updates runtime state and appends the log row in one transaction.
func (s *Store) SaveCheck(ctx context.Context, rec *watch.CheckRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	checkedAt := formatTime(rec.CheckedAt)
	var res sql.Result
	if rec.Value != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE watch_items SET last_value = ?, last_error = NULL, last_checked_at = ? WHERE id = ?`,
			*rec.Value, checkedAt, rec.ItemID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE watch_items SET last_error = ?, last_checked_at = ? WHERE id = ?`,
			rec.Error, checkedAt, rec.ItemID)
	}
	if err != nil {
		return fmt.Errorf("update item state: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	l := rec.Log
	res, err = tx.ExecContext(ctx, `INSERT INTO request_logs
	(item_id, http_status, parsed_value, previous_value, value_changed, notification_sent, notification, error, duration_ms, executed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ItemID, l.HTTPStatus, l.ParsedValue, l.PreviousValue, l.ValueChanged, l.NotificationSent,
		string(l.Notification), l.Error, l.DurationMS, formatTime(l.ExecutedAt))
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.Log.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListLogs returns the newest logs of an item.
func (s *Store) ListLogs(ctx context.Context, itemID string, limit int) ([]watch.RequestLog, error) {
	if limit <= 0 {
		limit = storage.DefaultLogLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, item_id, http_status, parsed_value, previous_value,
	value_changed, notification_sent, notification, error, duration_ms, executed_at
FROM request_logs WHERE item_id = ? ORDER BY executed_at DESC, id DESC LIMIT ?`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []watch.RequestLog
	for rows.Next() {
		var (
			l            watch.RequestLog
			status       sql.NullInt64
			parsed, prev sql.NullString
			errText      sql.NullString
			notification string
			executedAt   string
		)
		if err := rows.Scan(&l.ID, &l.ItemID, &status, &parsed, &prev, &l.ValueChanged,
			&l.NotificationSent, &notification, &errText, &l.DurationMS, &executedAt); err != nil {
			return nil, fmt.Errorf("scan request log row: %w", err)
		}
		if status.Valid {
			code := int(status.Int64)
			l.HTTPStatus = &code
		}
		l.ParsedValue = nullString(parsed)
		l.PreviousValue = nullString(prev)
		l.Error = nullString(errText)
		l.Notification = watch.NotificationKind(notification)
		l.ExecutedAt, _ = time.Parse(timeFormat, executedAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Prune deletes expired request logs, login logs and idle sessions.
func (s *Store) Prune(ctx context.Context, now time.Time, r storage.Retention) (storage.PruneResult, error) {
	var out storage.PruneResult
	steps := []struct {
		query  string
		window time.Duration
		dst    *int64
	}{
		{`DELETE FROM request_logs WHERE executed_at < ?`, r.RequestLogs, &out.RequestLogs},
		{`DELETE FROM login_logs WHERE created_at < ?`, r.LoginLogs, &out.LoginLogs},
		{`DELETE FROM sessions WHERE last_seen_at < ?`, r.Sessions, &out.Sessions},
	}
	for _, st := range steps {
		if st.window <= 0 {
			continue
		}
		res, err := s.db.ExecContext(ctx, st.query, formatTime(now.Add(-st.window)))
		if err != nil {
			return out, fmt.Errorf("prune: %w", err)
		}
		*st.dst, _ = res.RowsAffected()
	}
	return out, nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]*watch.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*watch.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			// One unreadable row must not hide the rest.
			s.logger.Warn("Skipping unreadable item row", "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (*watch.Item, error) {
	var (
		it                  watch.Item
		headers, channel    string
		selKind, status     string
		lastValue, lastErr  sql.NullString
		lastChecked         sql.NullString
		createdAt, updateAt string
	)
	err := sc.Scan(&it.ID, &it.OwnerID, &it.Name, &it.URL, &it.Method, &headers, &it.Body,
		&selKind, &it.Selector.Expression, &channel, &it.MessageTemplate, &it.IntervalMinutes,
		&status, &lastValue, &lastErr, &lastChecked, &createdAt, &updateAt)
	if err != nil {
		return nil, err
	}
	it.Selector.Kind = watch.SelectorKind(selKind)
	it.Status = watch.Status(status)
	it.LastValue = nullString(lastValue)
	it.LastError = nullString(lastErr)
	if lastChecked.Valid {
		t, err := time.Parse(timeFormat, lastChecked.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_checked_at of %s: %w", it.ID, err)
		}
		it.LastCheckedAt = &t
	}
	it.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	it.UpdatedAt, _ = time.Parse(timeFormat, updateAt)
	// Undecodable config is kept on the item so the checker records it.
	var bad []string
	if err := json.Unmarshal([]byte(headers), &it.Headers); err != nil {
		bad = append(bad, "decode headers: "+err.Error())
	}
	if err := json.Unmarshal([]byte(channel), &it.Channel); err != nil {
		bad = append(bad, "decode channel: "+err.Error())
	}
	it.ConfigError = strings.Join(bad, "; ")
	return &it, nil
}

func encodeConfig(item *watch.Item) (headers, channel string, err error) {
	h := item.Headers
	if h == nil {
		h = map[string]string{}
	}
	hb, err := json.Marshal(h)
	if err != nil {
		return "", "", fmt.Errorf("encode headers: %w", err)
	}
	cb, err := json.Marshal(item.Channel)
	if err != nil {
		return "", "", fmt.Errorf("encode channel: %w", err)
	}
	return string(hb), string(cb), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
