// Package api exposes the operational HTTP surface: liveness, keeper status
// and Prometheus metrics. It never exposes mutating endpoints; the keeper is
// driven by its own loop, not by HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/keeper"
	"AgentFuel/internal/observability/metrics"
	"AgentFuel/pkg/logger"
)

// Server serves the status endpoints.
type Server struct {
	addr   string
	state  *keeper.CycleState
	daemon *keeper.Daemon
	log    *slog.Logger
}

// NewServer builds a server over the keeper's shared state. daemon may be nil
// for one-shot invocations.
func NewServer(addr string, state *keeper.CycleState, daemon *keeper.Daemon) *Server {
	return &Server{
		addr:   addr,
		state:  state,
		daemon: daemon,
		log:    logger.Named("api"),
	}
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.log.Info("status server listening", slog.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return xerrors.Wrap(xerrors.CodeUnknown, err, "shutdown status server")
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInitialization, err, "status server failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Daemon string        `json:"daemon"`
	Keeper keeper.Status `json:"keeper"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Daemon: "not running"}
	if s.daemon != nil {
		resp.Daemon = s.daemon.State().String()
	}
	if s.state != nil {
		resp.Keeper = s.state.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("write response failed", slog.String("error", err.Error()))
	}
}
