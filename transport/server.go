// Package transport provides the websocket session transport the
// protocol engine delivers through. It owns connection upgrade,
// heartbeat and per-session write queues; the engine addresses sessions
// purely by transport id.
package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSlowClient     = errors.New("slow client")
	ErrUnknownSession = errors.New("unknown session")
)

// MessageHandler receives every inbound payload of a session. Binary
// payloads arrive with binary set.
type MessageHandler func(transportID string, data []byte, binary bool)

// CloseHandler is invoked when a session's connection is gone.
type CloseHandler func(transportID string)

// Config holds transport configuration
type Config struct {
	PingInterval int // milliseconds
	PingTimeout  int // milliseconds
	MaxPayload   int // bytes
}

// DefaultConfig returns the default transport configuration
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 25000, // 25 seconds
		PingTimeout:  20000, // 20 seconds
		MaxPayload:   1e6,   // 1MB
	}
}

// Server upgrades HTTP requests to websocket sessions and keeps the
// registry of live sessions keyed by transport id.
type Server struct {
	config   *Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	onMessage MessageHandler
	onClose   CloseHandler
}

// NewServer creates a transport server. A nil config uses defaults.
func NewServer(config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:   config,
		logger:   logger,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// OnMessage sets the inbound payload handler
func (s *Server) OnMessage(fn MessageHandler) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnClose sets the session close handler
func (s *Server) OnClose(fn CloseHandler) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// ServeHTTP handles HTTP requests and upgrades to websocket
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "Only WebSocket transport is supported", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	transportID := uuid.NewString()
	session := newSession(transportID, conn, s)

	s.mu.Lock()
	s.sessions[transportID] = session
	s.mu.Unlock()

	handshake, err := EncodeHandshake(transportID,
		s.config.PingInterval, s.config.PingTimeout, s.config.MaxPayload)
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		conn.Close()
		return
	}

	session.start()
	s.logger.Debug("transport session opened", "transport_id", transportID)
}

// Send delivers one payload to a session. Binary payloads are written
// as raw websocket binary messages.
func (s *Server) Send(transportID string, data []byte, binary bool) error {
	s.mu.RLock()
	session, ok := s.sessions[transportID]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	return session.Send(&Packet{Type: PacketTypeMessage, Data: data, Binary: binary})
}

// IsAlive reports whether a transport connection is still registered.
func (s *Server) IsAlive(transportID string) bool {
	s.mu.RLock()
	_, ok := s.sessions[transportID]
	s.mu.RUnlock()
	return ok
}

// Close closes all sessions
func (s *Server) Close() {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	for _, session := range sessions {
		session.Close("server shutdown")
	}
}

func (s *Server) deliver(transportID string, data []byte, binary bool) {
	s.mu.RLock()
	handler := s.onMessage
	s.mu.RUnlock()
	if handler != nil {
		handler(transportID, data, binary)
	}
}

func (s *Server) sessionClosed(session *Session, reason string) {
	s.mu.Lock()
	delete(s.sessions, session.id)
	handler := s.onClose
	s.mu.Unlock()

	s.logger.Debug("transport session closed",
		"transport_id", session.id, "reason", reason)
	if handler != nil {
		handler(session.id)
	}
}
