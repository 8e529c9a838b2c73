// Package health serves the worker's liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// checkTimeout bounds one readiness check across all probes.
const checkTimeout = 2 * time.Second

// Probe checks one dependency the worker needs to make progress.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type response struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// Server exposes GET /livez and GET /readyz.
type Server struct {
	probes  []Probe
	version string
	logger  *slog.Logger
	router  *chi.Mux
	srv     *http.Server
}

// NewServer mounts the health routes. version is reported verbatim.
func NewServer(version string, logger *slog.Logger, probes ...Probe) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{probes: probes, version: version, logger: logger, router: chi.NewRouter()}
	s.router.Use(s.recoverer)
	s.router.Get("/livez", s.handleLive)
	s.router.Get("/readyz", s.handleReady)
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv.Addr = addr
	s.logger.Info("health server listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("health server listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown stops a running server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "healthy", Version: s.version})
}

// handleReady runs every probe concurrently. A probe that has not answered
// when the deadline passes counts as unhealthy.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	if len(s.probes) == 0 {
		writeJSON(w, http.StatusOK, response{Status: "healthy", Version: s.version})
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.probes))
		wg      sync.WaitGroup
	)
	for _, p := range s.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runProbe(ctx, p)
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	resp := response{Status: "healthy", Version: s.version, Components: make(map[string]componentStatus, len(s.probes))}
	for _, p := range s.probes {
		err, finished := results[p.Name()]
		switch {
		case !finished:
			resp.Status = "unhealthy"
			resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Status = "unhealthy"
			resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[p.Name()] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
		s.logger.WarnContext(r.Context(), "readiness check failed", "components", resp.Components)
	}
	writeJSON(w, status, resp)
}

func runProbe(ctx context.Context, p Probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p.Check(ctx)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.logger.Error("panic recovered",
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, response{Status: "unhealthy"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
