package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mirrorcal/internal/config"
	"mirrorcal/internal/display"
	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
)

// CalendarStore is the subscription and settings persistence the API edits.
type CalendarStore interface {
	List(instanceID string) ([]model.Subscription, error)
	Add(instanceID string, sub model.Subscription) (model.Subscription, error)
	Update(instanceID, oldURL string, sub model.Subscription) (model.Subscription, error)
	Remove(instanceID, url string) error
	Settings(instanceID string) (model.Settings, error)
	SaveSettings(instanceID string, st model.Settings) (model.Settings, error)
}

// BatchReader exposes the last delivered batch per instance.
type BatchReader interface {
	Get(instanceID string) (display.Batch, bool)
}

// Controller drives poll cycles.
type Controller interface {
	Known(instanceID string) bool
	Trigger(instanceID string) bool
	SetHidden(instanceID string, hidden bool) error
}

// Server provides the HTTP API for subscriptions, settings and the
// delivered agenda.
type Server struct {
	cfg     *config.Config
	store   CalendarStore
	batches BatchReader
	ctl     Controller
	mux     *http.ServeMux
	limiter *clientLimiter
	now     func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, store CalendarStore, batches BatchReader, ctl Controller) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		batches: batches,
		ctl:     ctl,
		mux:     http.NewServeMux(),
		limiter: newClientLimiter(cfg.APIRatePerMin),
		now:     time.Now,
	}
	s.registerRoutes()
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
	}
	return s
}

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	h = s.rateLimitMiddleware(h)
	if s.basicAuthEnabled() {
		h = s.basicAuthMiddleware(h)
	}
	return metricsMiddleware(h)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health is always public.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="mirrorcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/instances/{id}/calendars", s.instance(s.handleListCalendars))
	s.mux.HandleFunc("POST /api/instances/{id}/calendars", s.instance(s.handleAddCalendar))
	s.mux.HandleFunc("PUT /api/instances/{id}/calendars", s.instance(s.handleUpdateCalendar))
	s.mux.HandleFunc("DELETE /api/instances/{id}/calendars", s.instance(s.handleDeleteCalendar))

	s.mux.HandleFunc("GET /api/instances/{id}/settings", s.instance(s.handleGetSettings))
	s.mux.HandleFunc("PUT /api/instances/{id}/settings", s.instance(s.handlePutSettings))

	s.mux.HandleFunc("GET /api/instances/{id}/events", s.instance(s.handleEvents))
	s.mux.HandleFunc("GET /api/instances/{id}/events.ics", s.instance(s.handleEventsICS))

	s.mux.HandleFunc("POST /api/instances/{id}/visibility", s.instance(s.handleVisibility))
	s.mux.HandleFunc("POST /api/instances/{id}/refresh", s.instance(s.handleRefresh))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
