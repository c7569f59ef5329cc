package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const keepAliveInterval = 30 * time.Second

// handleAlertStream streams alerts as server-sent events. An optional
// test query parameter filters by test.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	testID := r.URL.Query().Get("test")

	alerts, cancel := s.alerts.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case a, ok := <-alerts:
			if !ok {
				return
			}
			if testID != "" && a.TestID != testID {
				continue
			}
			data, err := json.Marshal(a)
			if err != nil {
				s.logger.Warn("failed to encode alert", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", a.ID, a.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts, err := s.store.ListAlerts(r.Context(), r.URL.Query().Get("test"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if alerts == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}
