// Package web provides an HTTP status and control server for the rfid-inspect daemon.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/scan"
	"github.com/sweeney/rfid-inspect/internal/status"
)

// Controls drives the scan session. *scan.Controller implements it.
type Controls interface {
	Start(ctx context.Context) error
	Pause() error
	Stop(ctx context.Context) error
}

// Server serves the status page, the scan controls and metrics over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	controls   Controls
	logger     *zap.Logger
}

// New creates a Server that reads state from the given tracker. controls and
// gatherer may be nil, in which case their routes are not registered.
func New(addr string, tracker *status.Tracker, controls Controls, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{tracker: tracker, controls: controls, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if controls != nil {
		r.HandleFunc("/scan/{action:start|pause|stop}", s.handleScan).Methods(http.MethodPost)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Error("render status page", zap.Error(err))
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, http.StatusOK)
}

func (s *Server) writeStatus(w http.ResponseWriter, code int) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]

	var err error
	switch action {
	case "start":
		err = s.controls.Start(r.Context())
	case "pause":
		err = s.controls.Pause()
	case "stop":
		err = s.controls.Stop(r.Context())
	}
	if err != nil {
		code := errorCode(err)
		s.logger.Warn("scan control failed", zap.String("action", action), zap.Int("code", code), zap.Error(err))
		http.Error(w, err.Error(), code)
		return
	}

	s.logger.Info("scan control", zap.String("action", action))
	s.writeStatus(w, http.StatusOK)
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, scan.ErrStopped), errors.Is(err, scan.ErrNotStarted):
		return http.StatusConflict
	case errors.Is(err, scan.ErrDriverUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
