package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/version"
)

// HTTPServer exposes daemon status, run history, console logs and manual
// triggers.
type HTTPServer struct {
	cfg    config.HTTPConfig
	daemon *Daemon
	server *http.Server
}

// NewHTTPServer creates the daemon HTTP server.
func NewHTTPServer(cfg config.HTTPConfig, daemon *Daemon) *HTTPServer {
	s := &HTTPServer{cfg: cfg, daemon: daemon}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /runs/{id}/console", s.handleConsole)
	mux.HandleFunc("POST /api/pipelines/{name}/run", s.handleTrigger)
	if daemon.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(daemon.registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background. The bind itself is
// synchronous so a taken port fails startup instead of surfacing later.
func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	slog.Info("HTTP server listening", slog.String("addr", s.cfg.Listen))
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", logfields.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.GetStatus(r.Context()))
}

func (s *HTTPServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.daemon.store.Recent(r.Context(), r.URL.Query().Get("pipeline"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query run history failed")
		slog.Warn("Run history query failed", logfields.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *HTTPServer) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.daemon.store.Get(r.Context(), r.PathValue("id"))
	if err != nil || run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *HTTPServer) handleConsole(w http.ResponseWriter, r *http.Request) {
	run, err := s.daemon.store.Get(r.Context(), r.PathValue("id"))
	if err != nil || run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.ConsolePath == "" {
		writeError(w, http.StatusNotFound, "run has no console log")
		return
	}
	data, err := os.ReadFile(run.ConsolePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "console log unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *HTTPServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	req, err := s.daemon.TriggerManual(name)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, ErrUnknownPipeline) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": req.ID,
		"pipeline":   req.Pipeline,
		"queued":     true,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode JSON response", logfields.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
