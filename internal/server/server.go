// Package server exposes the HTTP boundary: the websocket signaling endpoint,
// the room-code mint endpoint and the room status probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshmeet/meshmeet/internal/config"
	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/meshmeet/meshmeet/internal/relay"
	"github.com/meshmeet/meshmeet/internal/roomcode"
)

const shutdownTimeout = 10 * time.Second

// Server serves HTTP and websocket traffic for one Hub.
type Server struct {
	cfg      *config.Server
	hub      *relay.Hub
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	log      *slog.Logger
}

// New wires the routes. The hub must be running for requests to complete.
func New(cfg *config.Server, hub *relay.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		hub: hub,
		mux: http.NewServeMux(),
		log: logger.With("component", "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/create-meeting", s.handleCreateMeeting)
	s.mux.HandleFunc("POST /api/create-meeting", s.handleCreateMeeting)
	s.mux.HandleFunc("GET /api/rooms/{id}", s.handleRoomInfo)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// Handler returns the root handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on the configured address until ctx is done, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", srv.Addr, "public_url", s.cfg.PublicURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateMeeting mints a fresh code. The room itself is created by the
// first join that declares host intent.
func (s *Server) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	code, err := s.hub.NewCode(r.Context())
	if err != nil {
		s.log.Error("mint room code", "err", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, domain.Meeting{
		MeetingID:  code,
		Link:       roomcode.Link(s.cfg.PublicURL, code),
		ICEServers: s.cfg.ICEServers,
	})
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	code, err := roomcode.Normalize(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := s.hub.RoomInfo(r.Context(), code)
	if err != nil {
		s.log.Error("room info", "room", code, "err", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c, err := s.hub.Serve(ws)
	if err != nil {
		s.log.Warn("hub unavailable", "err", err)
		return
	}
	s.log.Debug("websocket connected", "remote", r.RemoteAddr, "conn", c.ID())
}

// checkOrigin allows any origin when none are configured. Requests without
// an Origin header come from non-browser clients and are always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Warn("write json", "err", err)
	}
}
