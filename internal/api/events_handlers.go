package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	eventsTimeout     = 3 * time.Second
)

// EventsHandler exposes read-only drift event endpoints.
type EventsHandler struct {
	repo    store.EventRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewEventsHandler wires the repository and logger.
func NewEventsHandler(repo store.EventRepository, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		repo:    repo,
		timeout: eventsTimeout,
		logger:  logger,
	}
}

// ListEvents handles GET /v1/events?stage=&replica=&since=&limit=. It returns
// {"events": [...]} on success, 400 for invalid filters, 503 when no
// repository is configured, or 500 if the repository call fails.
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "event repository unavailable")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	evts, err := h.repo.ListEvents(ctx, filter)
	if err != nil {
		h.logger.Error("list events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	out := make([]eventDTO, 0, len(evts))
	for _, evt := range evts {
		out = append(out, toEventDTO(evt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	filter := store.EventFilter{
		Stage:   strings.ToUpper(strings.TrimSpace(q.Get("stage"))),
		Replica: strings.TrimSpace(q.Get("replica")),
		Limit:   defaultEventLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.EventFilter{}, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(n, maxEventLimit)
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.EventFilter{}, errors.New("since must be an RFC3339 timestamp")
		}
		filter.Since = since
	}
	return filter, nil
}

type eventDTO struct {
	CycleID    string    `json:"cycle_id"`
	Stage      string    `json:"stage"`
	Target     string    `json:"target"`
	Replica    string    `json:"replica,omitempty"`
	URL        string    `json:"url,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func toEventDTO(evt store.DriftEvent) eventDTO {
	return eventDTO{
		CycleID:    evt.CycleID.String(),
		Stage:      evt.Stage,
		Target:     evt.Target,
		Replica:    evt.Replica,
		URL:        evt.URL,
		Hash:       evt.Hash,
		Outcome:    evt.Outcome,
		Note:       evt.Note,
		OccurredAt: evt.OccurredAt,
	}
}
