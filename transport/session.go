package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session represents one transport-level connection
type Session struct {
	id           string
	conn         *websocket.Conn
	server       *Server
	outgoing     chan *Packet
	pingTimer    *time.Timer
	pingTimeout  *time.Timer
	closeOnce    sync.Once
	closed       chan struct{}
	mu           sync.Mutex
	lastActivity time.Time
}

func newSession(id string, conn *websocket.Conn, server *Server) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		server:       server,
		outgoing:     make(chan *Packet, 256),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// ID returns the transport id of the session
func (s *Session) ID() string {
	return s.id
}

func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
	s.schedulePing()
}

// Send queues a packet for delivery to the client
func (s *Session) Send(packet *Packet) error {
	select {
	case s.outgoing <- packet:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		// Channel full, connection might be slow
		return ErrSlowClient
	}
}

// Close closes the session
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)

		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
		if s.pingTimeout != nil {
			s.pingTimeout.Stop()
		}

		packet := &Packet{Type: PacketTypeClose}
		s.conn.WriteMessage(websocket.TextMessage, packet.Encode())
		s.conn.Close()

		s.server.sessionClosed(s, reason)
	})
}

func (s *Session) readLoop() {
	defer s.Close("read error")

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		s.updateActivity()

		if msgType == websocket.BinaryMessage {
			// Raw binary frames carry packet attachments; they bypass
			// the text framing entirely.
			s.server.deliver(s.id, data, true)
			continue
		}

		packet, err := DecodePacket(data)
		if err != nil {
			continue
		}

		s.handlePacket(packet)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case packet := <-s.outgoing:
			msgType := websocket.TextMessage
			if packet.Binary {
				msgType = websocket.BinaryMessage
			}
			if err := s.conn.WriteMessage(msgType, packet.Encode()); err != nil {
				s.Close("write error")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handlePacket(packet *Packet) {
	switch packet.Type {
	case PacketTypePing:
		s.Send(&Packet{Type: PacketTypePong})
	case PacketTypePong:
		if s.pingTimeout != nil {
			s.pingTimeout.Stop()
		}
		s.schedulePing()
	case PacketTypeMessage:
		s.server.deliver(s.id, packet.Data, false)
	case PacketTypeClose:
		s.Close("client closed")
	}
}

func (s *Session) schedulePing() {
	s.pingTimer = time.AfterFunc(time.Duration(s.server.config.PingInterval)*time.Millisecond, func() {
		s.Send(&Packet{Type: PacketTypePing})
		s.schedulePingTimeout()
	})
}

func (s *Session) schedulePingTimeout() {
	s.pingTimeout = time.AfterFunc(time.Duration(s.server.config.PingTimeout)*time.Millisecond, func() {
		s.Close("ping timeout")
	})
}

func (s *Session) updateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
