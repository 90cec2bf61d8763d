// Package web is the HTTP/WebSocket transport over the chat core. It
// maps REST paths onto coordinator commands and materializes each
// WebSocket user's party flows into the socket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quillchat/quill/internal/chat"
	"github.com/quillchat/quill/internal/ident"
	"github.com/quillchat/quill/internal/limits"
	"github.com/quillchat/quill/internal/monitoring"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame from the peer.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Config holds transport settings.
type Config struct {
	Addr           string
	MaxConnections int

	// Per-session outbound frame buffer.
	SendBuffer int

	// Publish rate limit per session.
	PublishRate  float64
	PublishBurst int

	// Connection admission rate limiting.
	ConnRateLimitEnabled bool
	ConnRateLimitIPBurst int
	ConnRateLimitIPRate  float64
	ConnRateLimitBurst   int
	ConnRateLimitRate    float64

	MetricsInterval time.Duration
}

// Server is the web facade. It consumes List, FindChannel, Join, Leave
// and the materializer hook of the chat core; it owns no chat state.
type Server struct {
	core   *chat.Server
	config Config
	logger zerolog.Logger

	listener    net.Listener
	httpServer  *http.Server
	connLimiter *limits.ConnectionRateLimiter
	sysmon      *monitoring.SystemMonitor

	sessions       sync.Map // *session -> struct{}
	connectionsSem chan struct{}
	shuttingDown   atomic.Bool
	wg             sync.WaitGroup
}

// NewServer wires the facade to the core.
func NewServer(core *chat.Server, config Config, logger zerolog.Logger) *Server {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 1000
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 15 * time.Second
	}
	s := &Server{
		core:           core,
		config:         config,
		logger:         logger.With().Str("component", "web").Logger(),
		connectionsSem: make(chan struct{}, config.MaxConnections),
		sysmon:         monitoring.NewSystemMonitor(logger),
	}
	if config.ConnRateLimitEnabled {
		s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     config.ConnRateLimitIPBurst,
			IPRate:      config.ConnRateLimitIPRate,
			GlobalBurst: config.ConnRateLimitBurst,
			GlobalRate:  config.ConnRateLimitRate,
			Logger:      logger,
		})
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /channels", s.handleListChannels)
	mux.HandleFunc("GET /channels/{name}", s.handleFindChannel)
	mux.HandleFunc("POST /channels/{name}/join", s.handleJoin)
	mux.HandleFunc("POST /channels/{name}/leave", s.handleLeave)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", monitoring.Handler())
	return mux
}

// Start begins listening and serving.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.sysmon.Start(s.config.MetricsInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Serve loop error")
		}
	}()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("max_connections", s.config.MaxConnections).
		Msg("Web facade listening")
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown closes the listener, drops every live session, and waits for
// the serve loop to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	err := s.httpServer.Shutdown(ctx)

	s.sessions.Range(func(key, _ any) bool {
		if sess, ok := key.(*session); ok {
			sess.close()
		}
		return true
	})

	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}
	s.sysmon.Stop()
	s.wg.Wait()
	s.logger.Info().Msg("Web facade stopped")
	return err
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.core.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleFindChannel(w http.ResponseWriter, r *http.Request) {
	info, err := s.core.FindChannel(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	userID, err := ident.Parse(r.URL.Query().Get("user"))
	if err != nil {
		s.writeError(w, chat.ErrUserNotFound)
		return
	}
	if err := s.core.Join(r.Context(), userID, r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID, err := ident.Parse(r.URL.Query().Get("user"))
	if err != nil {
		s.writeError(w, chat.ErrUserNotFound)
		return
	}
	info, err := s.core.FindChannel(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.core.Leave(r.Context(), userID, info.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.shuttingDown.Load() {
		status = "shutting_down"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"system": s.sysmon.Metrics(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps core errors onto HTTP statuses; the error text itself
// travels to the caller unchanged.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrChannelNotFound),
		errors.Is(err, chat.ErrChannelNameNotFound),
		errors.Is(err, chat.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrNickTaken),
		errors.Is(err, chat.ErrAlreadyJoined),
		errors.Is(err, chat.ErrNotJoined):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrInvalidChannelName):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// clientIP extracts the caller's IP, honoring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
