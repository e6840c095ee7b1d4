// Package api exposes the HTTP query surface over stitched journeys.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/journey/internal/auth"
	"example.com/journey/internal/correlation"
	"example.com/journey/internal/domain"
	"example.com/journey/internal/store"
)

// Handler coordinates HTTP requests with the journey store.
type Handler struct {
	journeys store.JourneyStore
	index    *correlation.Index
}

// NewHandler builds a Handler.
func NewHandler(journeys store.JourneyStore, index *correlation.Index) *Handler {
	return &Handler{journeys: journeys, index: index}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/journeys/stats", h.journeyStats)
	mux.HandleFunc("/v1/journeys/", h.journeyByID)
	mux.HandleFunc("/v1/events/", h.eventJourney)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) journeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireReadScope(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/journeys/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing journey id")
		return
	}

	switch sub {
	case "":
		h.getJourney(w, r, id)
	case "events":
		h.listJourneyEvents(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (h *Handler) getJourney(w http.ResponseWriter, r *http.Request, id string) {
	journey, err := h.journeys.GetJourney(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJourneyNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "journey not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := toJourneyView(journey)
	if !journey.Active() {
		live, err := h.index.ResolveJourney(r.Context(), journey.ID)
		if err != nil {
			if errors.Is(err, domain.ErrChainTooDeep) {
				writeError(w, http.StatusUnprocessableEntity, "redirect_chain_too_deep", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		resp.ResolvesTo = live.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listJourneyEvents(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.journeys.GetJourney(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrJourneyNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "journey not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := store.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	events, next, err := h.journeys.ListJourneyEvents(r.Context(), id, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]EventView, 0, len(events))
	for _, event := range events {
		items = append(items, toEventView(event))
	}
	resp := ListEventsResponse{
		Items:      items,
		NextCursor: store.EncodeCursor(next),
	}
	writeJSON(w, http.StatusOK, resp)
}

// eventJourney resolves GET /v1/events/{id}/journey to the ACTIVE journey the
// event belongs to, chasing superseded redirects.
func (h *Handler) eventJourney(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireReadScope(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/events/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing event id")
		return
	}
	if sub != "journey" {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}

	journeyID, err := h.journeys.JourneyForEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "event has no journey")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	journey, err := h.index.ResolveJourney(r.Context(), journeyID)
	if err != nil {
		if errors.Is(err, domain.ErrChainTooDeep) {
			writeError(w, http.StatusUnprocessableEntity, "redirect_chain_too_deep", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toJourneyView(journey))
}

func (h *Handler) journeyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireReadScope(w, r) {
		return
	}

	stats, err := h.journeys.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := StatsResponse{
		Journeys:        stats.Journeys,
		ActiveJourneys:  stats.ActiveJourneys,
		Superseded:      stats.Superseded,
		Events:          stats.Events,
		ProcessedEvents: stats.Processed,
	}
	writeJSON(w, http.StatusOK, resp)
}

func requireReadScope(w http.ResponseWriter, r *http.Request) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if !claims.HasScope(auth.ScopeJourneysRead) {
		writeError(w, http.StatusForbidden, "forbidden", "scope journeys:read required")
		return false
	}
	return true
}

// JourneyView exposes journey details. ResolvesTo carries the live journey id
// when the requested journey has been merged away.
type JourneyView struct {
	JourneyID    string    `json:"journey_id"`
	CreatedAt    time.Time `json:"created_at"`
	Status       string    `json:"status"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	ResolvesTo   string    `json:"resolves_to,omitempty"`
}

// EventView exposes full details about a stitched event.
type EventView struct {
	EventID           string    `json:"event_id"`
	Timestamp         time.Time `json:"timestamp"`
	ActivityName      string    `json:"activity_name"`
	SourceApplication string    `json:"source_application"`
	CorrelationValues []string  `json:"correlation_values"`
	State             string    `json:"state"`
}

// ListEventsResponse packages paginated event listings.
type ListEventsResponse struct {
	Items      []EventView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// StatsResponse summarizes stitched state for operators.
type StatsResponse struct {
	Journeys        int64 `json:"journeys"`
	ActiveJourneys  int64 `json:"active_journeys"`
	Superseded      int64 `json:"superseded"`
	Events          int64 `json:"events"`
	ProcessedEvents int64 `json:"processed_events"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toJourneyView(journey domain.Journey) JourneyView {
	return JourneyView{
		JourneyID:    journey.ID,
		CreatedAt:    journey.CreatedAt,
		Status:       string(journey.Status),
		SupersededBy: journey.SupersededBy,
	}
}

func toEventView(event domain.Event) EventView {
	return EventView{
		EventID:           event.ID,
		Timestamp:         event.Timestamp,
		ActivityName:      event.ActivityName,
		SourceApplication: event.SourceApplication,
		CorrelationValues: event.CorrelationValues,
		State:             string(event.State),
	}
}
