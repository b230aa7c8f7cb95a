package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"changewatch/pkg/watch"
	"changewatch/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newItem(name string) *watch.Item {
	return &watch.Item{
		OwnerID:  "owner-1",
		Name:     name,
		URL:      "https://example.com/" + name,
		Headers:  map[string]string{"Accept": "text/html"},
		Selector: watch.Selector{Kind: watch.SelectorCSS, Expression: ".price"},
		Channel: watch.Channel{
			Kind:     watch.ChannelTelegram,
			Telegram: &watch.TelegramConfig{ChatID: "42"},
		},
		Status: watch.StatusActive,
	}
}

func TestCreateAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := newItem("a")
	require.NoError(t, s.CreateItem(ctx, item))
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "GET", item.Method)
	assert.Equal(t, watch.DefaultIntervalMinutes, item.IntervalMinutes)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Name, got.Name)
	assert.Equal(t, item.URL, got.URL)
	assert.Equal(t, item.Headers, got.Headers)
	assert.Equal(t, item.Selector, got.Selector)
	assert.Equal(t, item.Channel, got.Channel)
	assert.Equal(t, watch.StatusActive, got.Status)
	assert.Nil(t, got.LastValue)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.LastCheckedAt)
}

func TestCreateItemRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	item := newItem("a")
	item.URL = "not a url"
	require.Error(t, s.CreateItem(context.Background(), item))
}

func TestGetItemNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem(context.Background(), "missing")
	assert.True(t, storage.IsNotFound(err))
	assert.ErrorIs(t, s.SetStatus(context.Background(), "missing", watch.StatusPaused), storage.ErrNotFound)
}

func TestUpdateItemKeepsRuntimeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := newItem("a")
	require.NoError(t, s.CreateItem(ctx, item))

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheck(ctx, &watch.CheckRecord{
		ItemID:    item.ID,
		CheckedAt: now,
		Value:     watch.StringPtr("10"),
		Log:       watch.RequestLog{ItemID: item.ID, ExecutedAt: now},
	}))

	item.Name = "renamed"
	item.IntervalMinutes = 15
	require.NoError(t, s.UpdateItem(ctx, item))

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 15, got.IntervalMinutes)
	require.NotNil(t, got.LastValue)
	assert.Equal(t, "10", *got.LastValue)
}

func TestListItemsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newItem("a")
	b := newItem("b")
	b.OwnerID = "owner-2"
	require.NoError(t, s.CreateItem(ctx, a))
	require.NoError(t, s.CreateItem(ctx, b))

	all, err := s.ListItems(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.ListItems(ctx, "owner-2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, b.ID, mine[0].ID)
}

func TestDueItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mk := func(name string, status watch.Status, checkedAgo time.Duration) *watch.Item {
		it := newItem(name)
		it.Status = status
		require.NoError(t, s.CreateItem(ctx, it))
		if checkedAgo > 0 {
			require.NoError(t, s.SaveCheck(ctx, &watch.CheckRecord{
				ItemID:    it.ID,
				CheckedAt: now.Add(-checkedAgo),
				Value:     watch.StringPtr("v"),
				Log:       watch.RequestLog{ItemID: it.ID, ExecutedAt: now.Add(-checkedAgo)},
			}))
		}
		return it
	}

	never := mk("never", watch.StatusActive, 0)
	stale := mk("stale", watch.StatusActive, 10*time.Minute)
	withinGrace := mk("grace", watch.StatusActive, 5*time.Minute-3*time.Second)
	mk("fresh", watch.StatusActive, 2*time.Minute)
	mk("paused", watch.StatusPaused, 0)
	mk("draft", watch.StatusDraft, 0)

	due, err := s.DueItems(ctx, now)
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, it := range due {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{never.ID, stale.ID, withinGrace.ID}, ids)
	assert.Equal(t, never.ID, ids[0], "never-checked items come first")
}

func TestSaveCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := newItem("a")
	require.NoError(t, s.CreateItem(ctx, item))

	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	status := 200
	rec := &watch.CheckRecord{
		ItemID:    item.ID,
		CheckedAt: t1,
		Value:     watch.StringPtr("10"),
		Log: watch.RequestLog{
			ItemID:      item.ID,
			HTTPStatus:  &status,
			ParsedValue: watch.StringPtr("10"),
			DurationMS:  12,
			ExecutedAt:  t1,
		},
	}
	require.NoError(t, s.SaveCheck(ctx, rec))
	assert.NotZero(t, rec.Log.ID)

	// A failure keeps the value and records the error.
	t2 := t1.Add(5 * time.Minute)
	require.NoError(t, s.SaveCheck(ctx, &watch.CheckRecord{
		ItemID:    item.ID,
		CheckedAt: t2,
		Error:     watch.StringPtr("HTTP 500"),
		Log: watch.RequestLog{
			ItemID:        item.ID,
			PreviousValue: watch.StringPtr("10"),
			Error:         watch.StringPtr("HTTP 500"),
			Notification:  watch.NotifyError,
			ExecutedAt:    t2,
		},
	}))

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastValue)
	assert.Equal(t, "10", *got.LastValue)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "HTTP 500", *got.LastError)
	require.NotNil(t, got.LastCheckedAt)
	assert.True(t, got.LastCheckedAt.Equal(t2))

	// Success clears the error.
	t3 := t2.Add(5 * time.Minute)
	require.NoError(t, s.SaveCheck(ctx, &watch.CheckRecord{
		ItemID:    item.ID,
		CheckedAt: t3,
		Value:     watch.StringPtr("11"),
		Log:       watch.RequestLog{ItemID: item.ID, ExecutedAt: t3, ValueChanged: true},
	}))
	got, err = s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "11", *got.LastValue)
	assert.Nil(t, got.LastError)

	logs, err := s.ListLogs(ctx, item.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.True(t, logs[0].ExecutedAt.Equal(t3))
	assert.True(t, logs[0].ValueChanged)
	assert.Equal(t, watch.NotifyError, logs[1].Notification)
	require.NotNil(t, logs[1].Error)
	assert.Equal(t, "HTTP 500", *logs[1].Error)
	assert.Nil(t, logs[1].HTTPStatus)
	require.NotNil(t, logs[2].HTTPStatus)
	assert.Equal(t, 200, *logs[2].HTTPStatus)
	assert.Equal(t, int64(12), logs[2].DurationMS)

	limited, err := s.ListLogs(ctx, item.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSaveCheckUnknownItemWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SaveCheck(ctx, &watch.CheckRecord{
		ItemID:    "ghost",
		CheckedAt: time.Now(),
		Value:     watch.StringPtr("x"),
		Log:       watch.RequestLog{ItemID: "ghost", ExecutedAt: time.Now()},
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM request_logs`).Scan(&n))
	assert.Zero(t, n)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 31, 3, 0, 0, 0, time.UTC)

	item := newItem("a")
	require.NoError(t, s.CreateItem(ctx, item))
	for _, age := range []time.Duration{31 * 24 * time.Hour, 29 * 24 * time.Hour} {
		at := now.Add(-age)
		require.NoError(t, s.SaveCheck(ctx, &watch.CheckRecord{
			ItemID: item.ID, CheckedAt: at, Value: watch.StringPtr("v"),
			Log: watch.RequestLog{ItemID: item.ID, ExecutedAt: at},
		}))
	}

	_, err := s.db.Exec(`INSERT INTO login_logs (user_id, created_at) VALUES ('u', ?), ('u', ?)`,
		formatTime(now.Add(-40*24*time.Hour)), formatTime(now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO sessions (id, created_at, last_seen_at) VALUES ('old', ?, ?), ('new', ?, ?)`,
		formatTime(now.Add(-10*24*time.Hour)), formatTime(now.Add(-8*24*time.Hour)),
		formatTime(now.Add(-time.Hour)), formatTime(now.Add(-time.Hour)))
	require.NoError(t, err)

	res, err := s.Prune(ctx, now, storage.DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, storage.PruneResult{RequestLogs: 1, LoginLogs: 1, Sessions: 1}, res)
	assert.Equal(t, int64(3), res.Total())

	logs, err := s.ListLogs(ctx, item.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	// Running again removes nothing more.
	res, err = s.Prune(ctx, now, storage.DefaultRetention)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestCorruptConfigStaysVisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := newItem("corrupt")
	require.NoError(t, s.CreateItem(ctx, item))
	_, err := s.db.ExecContext(ctx, `UPDATE watch_items SET headers = '{not json' WHERE id = ?`, item.ID)
	require.NoError(t, err)

	due, err := s.DueItems(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, item.ID, due[0].ID)
	assert.Contains(t, due[0].ConfigError, "decode headers")
	assert.Equal(t, "42", due[0].Channel.Telegram.ChatID)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ConfigError)
}
