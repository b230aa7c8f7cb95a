package email

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"changewatch/notify"
	"changewatch/pkg/watch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSenderSend(t *testing.T) {
	mock := NewMockProvider(testLogger())
	s := New(mock, testLogger())

	cfg := watch.Channel{Kind: watch.ChannelEmail, Email: &watch.EmailConfig{To: " ops@example.com "}}
	err := s.Send(context.Background(), cfg, "\n🔔 Price\n\nOld: <b>1</b>\nNew: 2")
	require.NoError(t, err)

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops@example.com", sent[0].To)
	assert.Equal(t, "🔔 Price", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "Old: &lt;b&gt;1&lt;/b&gt;<br>")
}

func TestSenderMissingRecipient(t *testing.T) {
	s := New(NewMockProvider(testLogger()), testLogger())

	for _, cfg := range []watch.Channel{
		{Kind: watch.ChannelEmail},
		{Kind: watch.ChannelEmail, Email: &watch.EmailConfig{To: "  "}},
	} {
		err := s.Send(context.Background(), cfg, "m")
		var ne *notify.NotificationError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, "Email recipient is required", ne.Reason)
	}
}

type failingProvider struct{}

func (failingProvider) Send(context.Context, string, string, string) error {
	return errors.New("quota exceeded")
}

func TestSenderProviderFailure(t *testing.T) {
	s := New(failingProvider{}, testLogger())
	err := s.Send(context.Background(), watch.Channel{Kind: watch.ChannelEmail, Email: &watch.EmailConfig{To: "a@b.c"}}, "m")
	require.Error(t, err)
	assert.True(t, notify.IsNotificationError(err))
	assert.Equal(t, "Email delivery failed: quota exceeded", err.Error())
}

func TestSubjectOf(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{name: "first line", msg: "a\nb", want: "a"},
		{name: "skips blank lines", msg: "\n  \n b \n", want: "b"},
		{name: "empty", msg: "", want: defaultSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, subjectOf(tt.msg))
		})
	}
}

func TestSanitizeHeader(t *testing.T) {
	assert.Equal(t, "a@b.cBcc: x@y.z", sanitizeHeader("a@b.c\r\nBcc: x@y.z"))
	assert.Equal(t, "Hello World", sanitizeHeader("Hello World"))
}

func TestBrevoProvider(t *testing.T) {
	t.Run("sends request", func(t *testing.T) {
		var got brevoSendRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "key", r.Header.Get("api-key"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		p := NewBrevoProvider("key", "from@x.y", "Watcher", srv.URL, testLogger())
		require.NoError(t, p.Send(context.Background(), "to@x.y", "subj\n", "<p>hi</p>"))
		assert.Equal(t, "from@x.y", got.Sender.Email)
		require.Len(t, got.To, 1)
		assert.Equal(t, "to@x.y", got.To[0].Email)
		assert.Equal(t, "subj", got.Subject)
		assert.Equal(t, "<p>hi</p>", got.HTML)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		p := NewBrevoProvider("bad", "from@x.y", "", srv.URL, testLogger())
		err := p.Send(context.Background(), "to@x.y", "s", "b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 401")
		assert.Equal(t, int32(1), calls.Load())
	})
}
