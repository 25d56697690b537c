package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"hacoordinator/pkg/coordinator"
	"hacoordinator/pkg/integration"
)

const defaultShutdownTimeout = 5 * time.Second

// Source is what the API reads and controls. *integration.Supervisor
// implements it.
type Source interface {
	Entries() []integration.EntryStatus
	Coordinators() []coordinator.Handle
	Coordinator(name string) (coordinator.Handle, bool)
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithMiddleware adds router middleware, e.g. request metrics.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithShutdownTimeout bounds how long Stop waits for open requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server is the HTTP API over the loaded coordinators.
type Server struct {
	source          Source
	logger          *zap.Logger
	metrics         http.Handler
	middleware      []func(http.Handler) http.Handler
	shutdownTimeout time.Duration
	endpoints       []Endpoint

	router   chi.Router
	server   *http.Server
	listener net.Listener
}

// Endpoint documents one route in the sitemap.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// NewServer creates the API server listening on addr once started.
func NewServer(source Source, logger *zap.Logger, addr string, opts ...Option) *Server {
	s := &Server{
		source:          source,
		logger:          logger.Named("api"),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.middleware...)

	s.route(r, http.MethodGet, "/", "This sitemap", s.handleSitemap)
	s.route(r, http.MethodGet, "/health", "Health check with coordinator summary", s.handleHealth)
	s.route(r, http.MethodGet, "/api/integrations", "Configured integration entries and their setup state", s.handleListIntegrations)
	s.route(r, http.MethodGet, "/api/coordinators", "Status of every loaded coordinator", s.handleListCoordinators)
	s.route(r, http.MethodGet, "/api/coordinators/{name}", "Status and cached data of one coordinator", s.handleGetCoordinator)
	s.route(r, http.MethodPost, "/api/coordinators/{name}/refresh", "Request a refresh; ?wait=true blocks until it completes", s.handleRefresh)
	s.route(r, http.MethodPut, "/api/coordinators/{name}/interval", `Change the refresh interval, body {"interval":"30s"}`, s.handleSetInterval)
	if s.metrics != nil {
		s.endpoints = append(s.endpoints, Endpoint{Path: "/metrics", Method: http.MethodGet, Description: "Prometheus metrics"})
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router = r
	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) route(r chi.Router, method, path, description string, h http.HandlerFunc) {
	s.endpoints = append(s.endpoints, Endpoint{Path: path, Method: method, Description: description})
	r.Method(method, path, h)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// CoordinatorResponse is the JSON form of a coordinator.
type CoordinatorResponse struct {
	Name                  string     `json:"name"`
	State                 string     `json:"state"`
	Interval              string     `json:"interval"`
	FirstRefreshDone      bool       `json:"first_refresh_done"`
	LastUpdateSuccess     bool       `json:"last_update_success"`
	LastUpdateSuccessTime *time.Time `json:"last_update_success_time,omitempty"`
	LastError             string     `json:"last_error,omitempty"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	Listeners             int        `json:"listeners"`
	NextRefresh           *time.Time `json:"next_refresh,omitempty"`
	Data                  any        `json:"data,omitempty"`
}

func newCoordinatorResponse(h coordinator.Handle, withData bool) CoordinatorResponse {
	st := h.Status()
	resp := CoordinatorResponse{
		Name:                  st.Name,
		State:                 string(st.State),
		Interval:              st.Interval.String(),
		FirstRefreshDone:      st.FirstRefreshDone,
		LastUpdateSuccess:     st.LastUpdateSuccess,
		LastUpdateSuccessTime: optionalTime(st.LastUpdateSuccessTime),
		LastError:             st.LastError,
		ConsecutiveFailures:   st.ConsecutiveFailures,
		Listeners:             st.Listeners,
		NextRefresh:           optionalTime(st.NextRefresh),
	}
	if withData {
		if v, ok := h.Value(); ok {
			resp.Data = v
		}
	}
	return resp
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// IntegrationResponse is the JSON form of an entry.
type IntegrationResponse struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	State     string     `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	Attempts  int        `json:"attempts"`
	NextRetry *time.Time `json:"next_retry,omitempty"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Integrations int    `json:"integrations"`
	Coordinators int    `json:"coordinators"`
	Failing      int    `json:"failing"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}

	for _, e := range s.source.Entries() {
		resp.Integrations++
		if e.State != integration.EntryLoaded {
			resp.Status = "degraded"
		}
	}
	for _, h := range s.source.Coordinators() {
		resp.Coordinators++
		if !h.Status().LastUpdateSuccess {
			resp.Failing++
			resp.Status = "degraded"
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	entries := s.source.Entries()
	resp := make([]IntegrationResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, IntegrationResponse{
			Name:      e.Name,
			Type:      e.Type,
			State:     string(e.State),
			Reason:    e.Reason,
			Attempts:  e.Attempts,
			NextRetry: optionalTime(e.NextRetry),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCoordinators(w http.ResponseWriter, r *http.Request) {
	handles := s.source.Coordinators()
	resp := make([]CoordinatorResponse, 0, len(handles))
	for _, h := range handles {
		resp = append(resp, newCoordinatorResponse(h, false))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (coordinator.Handle, bool) {
	name := chi.URLParam(r, "name")
	h, ok := s.source.Coordinator(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("coordinator %q not found", name))
	}
	return h, ok
}

func (s *Server) handleGetCoordinator(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newCoordinatorResponse(h, true))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		h.TriggerRefresh()
		s.logger.Debug("Refresh requested", zap.String("coordinator", h.Name()))
		s.writeJSON(w, http.StatusAccepted, newCoordinatorResponse(h, false))
		return
	}

	err := h.RequestRefresh(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, newCoordinatorResponse(h, true))
	case errors.Is(err, coordinator.ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

// IntervalRequest is the body of PUT /api/coordinators/{name}/interval.
type IntervalRequest struct {
	Interval string `json:"interval"`
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req IntervalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid interval %q", req.Interval))
		return
	}
	if d < 0 {
		s.writeError(w, http.StatusBadRequest, "interval cannot be negative")
		return
	}

	h.SetInterval(d)
	s.logger.Info("Interval changed via API",
		zap.String("coordinator", h.Name()),
		zap.Duration("interval", d))
	s.writeJSON(w, http.StatusOK, newCoordinatorResponse(h, false))
}

func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, http.StatusOK, s.endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Update Coordinator API\n")
	fmt.Fprintf(w, "======================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range s.endpoints {
		fmt.Fprintf(w, "  %-6s %-36s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost:8080/api/coordinators | jq\n")
	fmt.Fprintf(w, "  curl -X POST 'http://localhost:8080/api/coordinators/sun/refresh?wait=true'\n")
	fmt.Fprintf(w, "  curl -X PUT -d '{\"interval\":\"30s\"}' http://localhost:8080/api/coordinators/sun/interval\n")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Starting HTTP API server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
