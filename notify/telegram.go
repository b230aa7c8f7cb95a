package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"changewatch/pkg/watch"

	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultTelegramAPIBase is the public Bot API endpoint.
	DefaultTelegramAPIBase = "https://api.telegram.org"

	// telegramTimeout bounds one send including retries.
	telegramTimeout = 15 * time.Second

	maxResponseSize = 1 << 20
)

// Telegram delivers messages through a bot. The token is process-wide; the
// chat id comes from each item's channel config.
type Telegram struct {
	client  *http.Client
	logger  *slog.Logger
	token   string
	apiBase string
}

// NewTelegram creates the bot channel. An empty apiBase selects the public API.
// A missing token is reported on each send, not here.
func NewTelegram(token, apiBase string, logger *slog.Logger) *Telegram {
	if apiBase == "" {
		apiBase = DefaultTelegramAPIBase
	}
	return &Telegram{
		client:  &http.Client{Timeout: telegramTimeout},
		logger:  logger,
		token:   token,
		apiBase: strings.TrimRight(apiBase, "/"),
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	Description string `json:"description"`
	OK          bool   `json:"ok"`
}

// Send posts message to the chat configured on cfg.
func (t *Telegram) Send(ctx context.Context, cfg watch.Channel, message string) error {
	if t.token == "" {
		return &NotificationError{Channel: watch.ChannelTelegram, Reason: "TELEGRAM_BOT_TOKEN is not configured"}
	}
	if cfg.Telegram == nil || strings.TrimSpace(cfg.Telegram.ChatID) == "" {
		return &NotificationError{Channel: watch.ChannelTelegram, Reason: "Telegram Chat ID is required"}
	}

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                strings.TrimSpace(cfg.Telegram.ChatID),
		Text:                  message,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, telegramTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	err = retry.Do(
		func() error {
			return t.post(ctx, endpoint, payload)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "error", redact(err.Error(), t.token))
		}),
		retry.RetryIf(func(err error) bool {
			// API rejections are final.
			return !IsNotificationError(err)
		}),
	)
	if err == nil {
		return nil
	}
	var ne *NotificationError
	if errors.As(err, &ne) {
		return ne
	}
	return &NotificationError{Channel: watch.ChannelTelegram, Reason: "Telegram request failed: " + redact(err.Error(), t.token)}
}

// post performs one sendMessage call.
func (t *Telegram) post(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			t.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return &NotificationError{
			Channel: watch.ChannelTelegram,
			Reason:  fmt.Sprintf("Telegram API error: unexpected response (HTTP %d)", resp.StatusCode),
		}
	}
	if ar.OK {
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, ar.Description)
	}
	desc := ar.Description
	if desc == "" {
		desc = "Unknown error"
	}
	return &NotificationError{Channel: watch.ChannelTelegram, Reason: "Telegram API error: " + desc}
}

// redact keeps the bot token out of error text, which transport errors embed via the URL.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<redacted>")
}
