package server

import (
	"errors"
	"net/http"
	"strconv"

	"changewatch/pkg/watch"
	"changewatch/storage"
)

// maxLogLimit caps the logs endpoint's limit parameter.
const maxLogLimit = 500

// loadItem resolves {id} and writes the error response itself when it fails.
func (s *Server) loadItem(w http.ResponseWriter, r *http.Request) (*watch.Item, bool) {
	id := r.PathValue("id")
	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			http.Error(w, "Item not found", http.StatusNotFound)
			return nil, false
		}
		s.logger.Error("Failed to load item", "item_id", id, "error", err)
		http.Error(w, "Failed to load item", http.StatusInternalServerError)
		return nil, false
	}
	return item, true
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.loadItem(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

// handleRun checks an item now, regardless of its status or due time.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	item, ok := s.loadItem(w, r)
	if !ok {
		return
	}

	s.logger.Info("Run-now triggered", "item_id", item.ID)
	res := s.checker.Check(r.Context(), item)
	if res.PersistError != nil {
		http.Error(w, "Check result could not be saved", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	item, ok := s.loadItem(w, r)
	if !ok {
		return
	}

	if err := item.Toggle(); err != nil {
		if errors.Is(err, watch.ErrDraftToggle) {
			http.Error(w, "Draft items cannot be toggled", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.SetStatus(r.Context(), item.ID, item.Status); err != nil {
		s.logger.Error("Failed to update status", "item_id", item.ID, "error", err)
		http.Error(w, "Failed to update status", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Item toggled", "item_id", item.ID, "status", item.Status)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": item.ID, "status": string(item.Status)})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := storage.DefaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxLogLimit)
	}

	item, ok := s.loadItem(w, r)
	if !ok {
		return
	}

	logs, err := s.store.ListLogs(r.Context(), item.ID, limit)
	if err != nil {
		s.logger.Error("Failed to list logs", "item_id", item.ID, "error", err)
		http.Error(w, "Failed to list logs", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []watch.RequestLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}
