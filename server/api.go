package server

import (
	"net/http"
	"strings"

	"changewatch/notify"
	"changewatch/pkg/watch"
)

type testRequest struct {
	Headers  map[string]string `json:"headers"`
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Body     string            `json:"body"`
	Selector watch.Selector    `json:"selector"`
}

type testNotification struct {
	Channel watch.Channel `json:"channel"`
}

// handleTestRequest fetches and extracts without persisting anything.
func (s *Server) handleTestRequest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.apiError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	item := &watch.Item{
		URL:      strings.TrimSpace(req.URL),
		Method:   req.Method,
		Headers:  req.Headers,
		Body:     req.Body,
		Selector: watch.Selector{Kind: req.Selector.Kind, Expression: strings.TrimSpace(req.Selector.Expression)},
	}
	item.Method = item.HTTPMethod()
	if item.Selector.Kind == "" {
		item.Selector.Kind = watch.SelectorCSS
	}

	if item.URL == "" {
		s.apiError(w, http.StatusBadRequest, "URL is required")
		return
	}
	if item.Selector.Expression == "" {
		s.apiError(w, http.StatusBadRequest, "Selector is required")
		return
	}
	if err := item.Selector.Validate(); err != nil {
		s.apiError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.fetcher.Fetch(r.Context(), item)
	if err != nil {
		s.apiError(w, http.StatusBadRequest, err.Error())
		return
	}

	value, err := s.extract(resp.Body, item.Selector)
	if err != nil {
		s.apiError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"value":       value,
		"http_status": resp.StatusCode,
		"duration_ms": resp.Duration.Milliseconds(),
	})
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	var req testNotification
	if err := decodeJSON(w, r, &req); err != nil {
		s.apiError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := s.notifier.Send(r.Context(), req.Channel, notify.TestMessage); err != nil {
		s.logger.Warn("Test notification failed", "channel", req.Channel.Kind, "error", err)
		s.apiError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Notification sent successfully"})
}
