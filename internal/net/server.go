package net

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/simstreams/server/internal/dispatch"
)

// Server exposes the dispatcher over HTTP. The whole protocol is one POST
// endpoint carrying an operation request and returning a patch program; the
// transport stays thin so the dispatcher owns all semantics.
type Server struct {
	http *http.Server
	disp *dispatch.Dispatcher
	log  *zap.Logger
}

func NewServer(bindAddr string, readTimeout time.Duration, disp *dispatch.Dispatcher, log *zap.Logger) *Server {
	s := &Server{disp: disp, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /api/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:        bindAddr,
		Handler:     mux,
		ReadTimeout: readTimeout,
	}
	return s
}

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, &dispatch.Response{Error: "malformed request: " + err.Error()})
		return
	}

	resp := s.disp.Dispatch(r.Context(), &req)
	status := http.StatusOK
	if resp.Error == dispatch.ErrBusy.Error() {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}
