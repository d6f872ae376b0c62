// Package api serves hostguard's local control surface over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/hostguard/internal/brand"
	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/collector"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
	"grimm.is/hostguard/internal/firewall"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/metrics"
	"grimm.is/hostguard/internal/scheduler"
	"grimm.is/hostguard/internal/security"
	"grimm.is/hostguard/internal/vpn"
	"grimm.is/hostguard/internal/zone"
)

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns timeouts suited to a loopback control API.
// WriteTimeout stays zero so event streams are not cut off.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// Options wires the server to the running components. Zones is required;
// routes for a missing component answer 503.
type Options struct {
	Zones     *zone.Registry
	VPN       *vpn.Manager
	Enforcer  *firewall.Enforcer
	Security  *security.Engine
	Sink      *events.Sink
	Snapshot  func() collector.Snapshot
	Scheduler *scheduler.Scheduler
	Logger    *logging.Logger
	Clock     clock.Clock
}

// Server is the control API.
type Server struct {
	zones     *zone.Registry
	vpn       *vpn.Manager
	enforcer  *firewall.Enforcer
	security  *security.Engine
	sink      *events.Sink
	snapshot  func() collector.Snapshot
	scheduler *scheduler.Scheduler
	logger    *logging.Logger
	clock     clock.Clock
	started   time.Time

	router *mux.Router
}

// New builds a server and registers its routes.
func New(opts Options) *Server {
	s := &Server{
		zones:     opts.Zones,
		vpn:       opts.VPN,
		enforcer:  opts.Enforcer,
		security:  opts.Security,
		sink:      opts.Sink,
		snapshot:  opts.Snapshot,
		scheduler: opts.Scheduler,
		logger:    logging.OrDefault(opts.Logger).WithComponent("api"),
		clock:     clock.OrReal(opts.Clock),
		router:    mux.NewRouter(),
	}
	s.started = s.clock.Now()
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.instrument, CSRFMiddleware)

	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	api.HandleFunc("/tasks", s.handleTasks).Methods("GET")

	s.registerZoneRoutes(api)
	s.registerVPNRoutes(api)
	s.registerEnforcementRoutes(api)
	s.registerEventRoutes(api)
	s.registerSecurityRoutes(api.PathPrefix("/security").Subrouter())

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.Errorf(errors.KindNotFound, "no route for %s", r.URL.Path))
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindTransientIO, "listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := DefaultServerConfig()
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, errors.KindTransientIO, "API server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("API server shutdown incomplete", "error", err)
		srv.Close()
	}
	<-errCh
	return nil
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websockets.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.Get().APIRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug("request", "method", r.Method, "route", route, "status", rec.status,
			"duration", s.clock.Since(start))
	})
}

// unavailable reports a component that was not wired.
func unavailable(w http.ResponseWriter, name string) {
	writeError(w, errors.Errorf(errors.KindDegradedService, "%s is not running", name))
}

type healthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Uptime    string        `json:"uptime"`
	Degraded  []string      `json:"degraded,omitempty"`
	VPN       *vpn.Status   `json:"vpn,omitempty"`
	Backend   string        `json:"backend,omitempty"`
	Events    *events.Stats `json:"events,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   brand.Version,
		Uptime:    s.clock.Since(s.started).Truncate(time.Second).String(),
		Timestamp: s.clock.Now(),
	}
	if s.snapshot != nil {
		if snap := s.snapshot(); snap.Degraded {
			resp.Degraded = append(resp.Degraded, snap.DegradedSources...)
		}
	}
	if s.security != nil && s.security.Reputation().Degraded() {
		resp.Degraded = append(resp.Degraded, "reputation")
	}
	if len(resp.Degraded) > 0 {
		resp.Status = "degraded"
	}
	if s.vpn != nil {
		if st, ok := s.vpn.Active(); ok {
			resp.VPN = &st
		}
	}
	if s.enforcer != nil {
		resp.Backend = s.enforcer.BackendName()
	}
	if s.sink != nil {
		st := s.sink.Stats()
		resp.Events = &st
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == nil {
		unavailable(w, "collector")
		return
	}
	respondWithJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	respondWithJSON(w, http.StatusOK, s.scheduler.GetStatus())
}
