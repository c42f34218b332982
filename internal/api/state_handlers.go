package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
)

// state serves the dashboard projection. Responses must never be cached.
func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	writeJSON(w, http.StatusOK, s.holder.Projection())
}

// diff handles GET /v1/diff?run=&replica=&url= and renders the reference and
// received content of a changed-hash chunk as a unified diff. run defaults to
// the newest run.
func (s *Server) diff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	replica := q.Get("replica")
	chunk := q.Get("url")
	if replica == "" || chunk == "" {
		writeError(w, http.StatusBadRequest, "replica and url are required")
		return
	}
	run := len(s.holder.Projection().Runs) - 1
	if raw := q.Get("run"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "run must be a non-negative integer")
			return
		}
		run = n
	}

	status, ok := s.holder.ChunkStatus(run, replica, chunk)
	if !ok {
		writeError(w, http.StatusNotFound, "chunk status not found")
		return
	}
	out, err := monitor.UnifiedDiff(chunk, status)
	if errors.Is(err, monitor.ErrNotChanged) {
		writeError(w, http.StatusConflict, "chunk content did not change")
		return
	}
	if err != nil {
		s.logger.Error("render diff failed", zap.String("url", chunk), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render diff")
		return
	}
	w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(out)); err != nil {
		s.logger.Warn("write diff failed", zap.Error(err))
	}
}
