package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"mirrorcal/internal/display"
	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
	"mirrorcal/internal/store"
)

const maxRequestBody = 1 << 20

type instanceHandler func(w http.ResponseWriter, r *http.Request, id string)

// instance resolves {id} and rejects instances the scheduler does not run.
func (s *Server) instance(h instanceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !model.ValidInstanceID(id) || !s.ctl.Known(id) {
			writeError(w, http.StatusNotFound, "unknown instance")
			return
		}
		h(w, r, id)
	}
}

// calendarDTO is a subscription as shown to API clients. Credentials are
// write-only: only the auth method is echoed back.
type calendarDTO struct {
	URL      string           `json:"url"`
	Name     string           `json:"name"`
	Symbol   string           `json:"symbol"`
	Category string           `json:"category"`
	Color    string           `json:"color"`
	Auth     model.AuthMethod `json:"auth,omitempty"`
}

func toDTO(sub model.Subscription) calendarDTO {
	dto := calendarDTO{
		URL:      sub.URL,
		Name:     sub.Name,
		Symbol:   sub.Symbol,
		Category: sub.Category,
		Color:    sub.Color,
	}
	if sub.Auth != nil {
		dto.Auth = sub.Auth.Method
	}
	return dto
}

// calendarRequest is the POST/PUT body.
type calendarRequest struct {
	URL      string      `json:"url"`
	Name     string      `json:"name"`
	Symbol   string      `json:"symbol"`
	Category string      `json:"category"`
	Color    string      `json:"color"`
	Auth     *model.Auth `json:"auth"`
	// Username / Password are the flat basic-auth form.
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c calendarRequest) subscription() model.Subscription {
	sub := model.Subscription{
		URL:      strings.TrimSpace(c.URL),
		Name:     strings.TrimSpace(c.Name),
		Symbol:   c.Symbol,
		Category: c.Category,
		Color:    c.Color,
		Auth:     c.Auth,
	}
	if sub.Auth == nil && c.Username != "" {
		sub.Auth = &model.Auth{Method: model.AuthBasic, User: c.Username, Pass: c.Password}
	}
	return sub
}

func (s *Server) handleListCalendars(w http.ResponseWriter, _ *http.Request, id string) {
	subs, err := s.store.List(id)
	if err != nil {
		appLog.Error("list calendars failed", err, "instance", id)
		writeError(w, http.StatusInternalServerError, "failed to load calendars")
		return
	}
	out := make([]calendarDTO, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toDTO(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": out})
}

func (s *Server) handleAddCalendar(w http.ResponseWriter, r *http.Request, id string) {
	var req calendarRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	sub, err := s.store.Add(id, req.subscription())
	if err != nil {
		s.writeStoreError(w, err, id)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(sub))
}

// handleUpdateCalendar replaces the calendar named by ?url=.
func (s *Server) handleUpdateCalendar(w http.ResponseWriter, r *http.Request, id string) {
	oldURL := r.URL.Query().Get("url")
	if oldURL == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	var req calendarRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		req.URL = oldURL
	}

	sub, err := s.store.Update(id, oldURL, req.subscription())
	if err != nil {
		s.writeStoreError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(sub))
}

func (s *Server) handleDeleteCalendar(w http.ResponseWriter, r *http.Request, id string) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	if err := s.store.Remove(id, url); err != nil {
		s.writeStoreError(w, err, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request, id string) {
	st, err := s.store.Settings(id)
	if err != nil {
		appLog.Error("load settings failed", err, "instance", id)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, id string) {
	var st model.Settings
	if !decodeBody(w, r, &st) {
		return
	}
	if st.MaximumEntries < 0 || st.MaximumDaysInFuture < 0 {
		writeError(w, http.StatusBadRequest, "settings must not be negative")
		return
	}
	saved, err := s.store.SaveSettings(id, st)
	if err != nil {
		s.writeStoreError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// eventsResponse is the JSON response shape for /events. Loading is true
// until the instance's first cycle completes.
type eventsResponse struct {
	Loading     bool          `json:"loading"`
	Events      []model.Event `json:"events"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request, id string) {
	batch, ok := s.batches.Get(id)
	if !ok {
		writeJSON(w, http.StatusOK, eventsResponse{Loading: true, Events: []model.Event{}})
		return
	}
	at := batch.DeliveredAt
	writeJSON(w, http.StatusOK, eventsResponse{Events: batch.Events, DeliveredAt: &at})
}

func (s *Server) handleEventsICS(w http.ResponseWriter, _ *http.Request, id string) {
	batch, ok := s.batches.Get(id)
	if !ok {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "events are still loading")
		return
	}

	var buf bytes.Buffer
	err := display.EncodeICS(&buf, batch.Events, s.now())
	switch {
	case errors.Is(err, display.ErrNoEvents):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		appLog.Error("ics export failed", err, "instance", id)
		writeError(w, http.StatusInternalServerError, "failed to export events")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+id+`.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Hidden *bool `json:"hidden"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Hidden == nil {
		writeError(w, http.StatusBadRequest, "hidden is required")
		return
	}
	if err := s.ctl.SetHidden(id, *req.Hidden); err != nil {
		appLog.Error("set visibility failed", err, "instance", id)
		writeError(w, http.StatusInternalServerError, "failed to change visibility")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request, id string) {
	if !s.ctl.Trigger(id) {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, id string) {
	switch {
	case errors.Is(err, store.ErrDuplicateURL):
		writeError(w, http.StatusConflict, "calendar with this url already exists")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "calendar not found")
	case errors.Is(err, store.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "invalid calendar url")
	case errors.Is(err, store.ErrInvalidInstanceID):
		writeError(w, http.StatusNotFound, "unknown instance")
	default:
		appLog.Error("store operation failed", err, "instance", id)
		writeError(w, http.StatusInternalServerError, "failed to save")
	}
}

// decodeBody writes a 400 and returns false when the body is not valid
// JSON for v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		appLog.Debug("invalid request body", "path", r.URL.Path, "error", err.Error())
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
