package sioengine

import (
	"log/slog"
	"sync"
)

// ClientManager is the surface the protocol server drives. Manager
// implements it for single-process deployments and PubSubManager for
// multi-process deployments; the server does not care which it got.
type ClientManager interface {
	SetServer(*Server)
	Codec() *Codec

	Connect(transportID, namespace string) string
	Disconnect(sid, namespace string)
	DisconnectLocal(sid, namespace string)
	PreDisconnect(sid, namespace string) string
	CanDisconnect(sid, namespace string) bool
	IsConnected(sid, namespace string) bool
	SIDFromTransportID(transportID, namespace string) string
	TransportIDFromSID(sid, namespace string) string

	EnterRoom(sid, namespace, room string) error
	LeaveRoom(sid, namespace, room string) error
	CloseRoom(room, namespace string)
	GetRooms(sid, namespace string) []string
	GetNamespaces() []string

	Emit(event string, data any, namespace string, opts ...EmitOption) error
	GenerateAckID(sid string, callback AckCallback) uint64
	TriggerCallback(sid string, ackID uint64, args []any)
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	logger     *slog.Logger
	scheduler  Scheduler
	metrics    *Metrics
	namespaces []string
	syncEvents bool
}

// WithAcceptedNamespaces declares namespaces clients may connect to even
// without registered handlers. Passing WildcardNamespace accepts any.
func WithAcceptedNamespaces(namespaces ...string) ServerOption {
	return func(c *serverConfig) { c.namespaces = append(c.namespaces, namespaces...) }
}

// WithSyncEventDispatch runs event handlers inline on the dispatching
// goroutine instead of spawning them.
func WithSyncEventDispatch() ServerOption {
	return func(c *serverConfig) { c.syncEvents = true }
}

// WithServerLogger sets the facade logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

// WithServerScheduler sets the suspension primitives used to spawn
// event handlers.
func WithServerScheduler(s Scheduler) ServerOption {
	return func(c *serverConfig) { c.scheduler = s }
}

// WithServerMetrics attaches Prometheus instruments to the facade.
func WithServerMetrics(m *Metrics) ServerOption {
	return func(c *serverConfig) { c.metrics = m }
}

// Server is the handshake and dispatch state machine. It turns inbound
// frames into manager calls and application handler invocations, and
// application calls into outbound packets.
type Server struct {
	manager   ClientManager
	transport SessionTransport
	codec     *Codec
	logger    *slog.Logger
	scheduler Scheduler
	metrics   *Metrics

	namespaces []string
	syncEvents bool

	mu       sync.RWMutex
	registry *handlerRegistry
	// pending holds, per transport connection, the binary packet still
	// waiting for attachment frames.
	pending map[string]*Packet
}

// NewServer creates the protocol facade. A nil manager selects a
// single-process Manager over the given transport.
func NewServer(transport SessionTransport, manager ClientManager, opts ...ServerOption) *Server {
	cfg := serverConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.scheduler == nil {
		cfg.scheduler = GoScheduler{}
	}
	if manager == nil {
		manager = NewManager(transport)
	}

	s := &Server{
		manager:    manager,
		transport:  transport,
		codec:      manager.Codec(),
		logger:     cfg.logger,
		scheduler:  cfg.scheduler,
		metrics:    cfg.metrics,
		namespaces: cfg.namespaces,
		syncEvents: cfg.syncEvents,
		registry:   newHandlerRegistry(),
		pending:    make(map[string]*Packet),
	}
	manager.SetServer(s)
	return s
}

// On registers an event handler for (namespace, event). The reserved
// WildcardEvent name catches every event without its own handler, and
// WildcardNamespace matches any namespace.
func (s *Server) On(namespace, event string, handler EventHandler) {
	namespace = namespaceOrDefault(namespace)
	s.mu.Lock()
	s.registry.addEvent(namespace, event, handler)
	s.mu.Unlock()
}

// OnConnect registers the connection handler for a namespace.
func (s *Server) OnConnect(namespace string, handler ConnectHandler) {
	namespace = namespaceOrDefault(namespace)
	s.mu.Lock()
	s.registry.connects[namespace] = handler
	s.mu.Unlock()
}

// OnDisconnect registers the disconnection handler for a namespace.
func (s *Server) OnDisconnect(namespace string, handler DisconnectHandler) {
	namespace = namespaceOrDefault(namespace)
	s.mu.Lock()
	s.registry.disconnects[namespace] = handler
	s.mu.Unlock()
}

// RegisterNamespaceHandler installs a NamespaceHandler for namespace,
// or for all namespaces when registered under WildcardNamespace.
func (s *Server) RegisterNamespaceHandler(namespace string, handler NamespaceHandler) {
	namespace = namespaceOrDefault(namespace)
	s.mu.Lock()
	s.registry.namespaces[namespace] = handler
	s.mu.Unlock()
}

// Emit sends an event to a room, a single session (a session id is a
// room) or, without EmitToRooms, every session in the namespace.
func (s *Server) Emit(event string, data any, namespace string, opts ...EmitOption) error {
	return s.manager.Emit(event, data, namespace, opts...)
}

// Send emits the reserved "message" event, the shorthand counterpart
// of socket.send on the client side.
func (s *Server) Send(data any, namespace string, opts ...EmitOption) error {
	return s.manager.Emit("message", data, namespace, opts...)
}

// EnterRoom adds a session to a room.
func (s *Server) EnterRoom(sid, namespace, room string) error {
	return s.manager.EnterRoom(sid, namespaceOrDefault(namespace), room)
}

// LeaveRoom removes a session from a room.
func (s *Server) LeaveRoom(sid, namespace, room string) error {
	return s.manager.LeaveRoom(sid, namespaceOrDefault(namespace), room)
}

// CloseRoom removes every session from a room.
func (s *Server) CloseRoom(room, namespace string) {
	s.manager.CloseRoom(room, namespaceOrDefault(namespace))
}

// Rooms returns the rooms a session is in.
func (s *Server) Rooms(sid, namespace string) []string {
	return s.manager.GetRooms(sid, namespaceOrDefault(namespace))
}

// Disconnect closes a session's membership of a namespace from the
// application side. When the session is owned by another process the
// request is forwarded there and handled on arrival.
func (s *Server) Disconnect(sid, namespace string) {
	namespace = namespaceOrDefault(namespace)
	if !s.manager.CanDisconnect(sid, namespace) {
		return
	}
	s.disconnectLocal(sid, namespace)
}

// disconnectLocal performs the full local teardown: DISCONNECT packet
// to the client, disconnect handler, then bookkeeping release.
func (s *Server) disconnectLocal(sid, namespace string) {
	transportID := s.manager.PreDisconnect(sid, namespace)
	if transportID != "" {
		s.sendPacket(transportID, &Packet{Type: PacketTypeDisconnect, Namespace: namespace})
		s.triggerDisconnect(namespace, sid)
	}
	s.manager.DisconnectLocal(sid, namespace)
}

// HandleMessage feeds one transport frame into the engine. Malformed
// frames are dropped; they never take the handler loop down.
func (s *Server) HandleMessage(transportID string, data []byte, binary bool) {
	if binary {
		s.handleAttachment(transportID, data)
		return
	}

	packet, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "transport_id", transportID, "err", err)
		return
	}
	if packet.NeedsAttachments() {
		s.mu.Lock()
		s.pending[transportID] = packet
		s.mu.Unlock()
		return
	}
	s.dispatchPacket(transportID, packet)
}

func (s *Server) handleAttachment(transportID string, data []byte) {
	s.mu.Lock()
	packet := s.pending[transportID]
	s.mu.Unlock()
	if packet == nil {
		s.logger.Warn("binary frame without a pending packet", "transport_id", transportID)
		return
	}
	done, err := packet.AddAttachment(data)
	if err != nil {
		s.logger.Warn("dropping binary packet", "transport_id", transportID, "err", err)
		s.clearPending(transportID)
		return
	}
	if done {
		s.clearPending(transportID)
		s.dispatchPacket(transportID, packet)
	}
}

func (s *Server) clearPending(transportID string) {
	s.mu.Lock()
	delete(s.pending, transportID)
	s.mu.Unlock()
}

// HandleClose tears down every namespace session of a closed transport
// connection. Bind it to the transport's close notification.
func (s *Server) HandleClose(transportID string) {
	s.clearPending(transportID)
	for _, namespace := range s.manager.GetNamespaces() {
		sid := s.manager.SIDFromTransportID(transportID, namespace)
		if sid == "" || !s.manager.IsConnected(sid, namespace) {
			continue
		}
		s.manager.PreDisconnect(sid, namespace)
		s.triggerDisconnect(namespace, sid)
		s.manager.DisconnectLocal(sid, namespace)
	}
}

func (s *Server) dispatchPacket(transportID string, packet *Packet) {
	s.metrics.packetReceived()
	switch packet.Type {
	case PacketTypeConnect:
		s.handleConnect(transportID, packet)
	case PacketTypeDisconnect:
		s.handleDisconnectPacket(transportID, packet.Namespace)
	case PacketTypeEvent, PacketTypeBinaryEvent:
		s.handleEvent(transportID, packet)
	case PacketTypeAck, PacketTypeBinaryAck:
		s.handleAck(transportID, packet)
	default:
		s.logger.Warn("ignoring unexpected packet type",
			"transport_id", transportID, "type", packet.Type.String())
	}
}

// connectable reports whether clients may join the namespace: it either
// has handlers or was declared through WithAcceptedNamespaces.
func (s *Server) connectable(namespace string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.registry.hasNamespace(namespace) {
		return true
	}
	for _, ns := range s.namespaces {
		if ns == namespace || ns == WildcardNamespace {
			return true
		}
	}
	return false
}

func (s *Server) handleConnect(transportID string, packet *Packet) {
	namespace := namespaceOrDefault(packet.Namespace)
	if !s.connectable(namespace) {
		s.sendPacket(transportID, &Packet{
			Type:      PacketTypeConnectError,
			Namespace: namespace,
			Data:      "Unable to connect",
		})
		return
	}
	sid := s.manager.Connect(transportID, namespace)
	if sid == "" {
		s.sendPacket(transportID, &Packet{
			Type:      PacketTypeConnectError,
			Namespace: namespace,
			Data:      "Unable to connect",
		})
		return
	}

	if err := s.triggerConnect(namespace, sid, packet.Data); err != nil {
		s.logger.Info("connection rejected", "namespace", namespace, "sid", sid, "err", err)
		s.sendPacket(transportID, &Packet{
			Type:      PacketTypeConnectError,
			Namespace: namespace,
			Data:      err.Error(),
		})
		s.manager.DisconnectLocal(sid, namespace)
		return
	}
	s.sendPacket(transportID, &Packet{
		Type:      PacketTypeConnect,
		Namespace: namespace,
		Data:      map[string]any{"sid": sid},
	})
	s.logger.Debug("session connected", "namespace", namespace, "sid", sid)
}

func (s *Server) handleDisconnectPacket(transportID, namespace string) {
	namespace = namespaceOrDefault(namespace)
	sid := s.manager.SIDFromTransportID(transportID, namespace)
	if sid == "" || !s.manager.IsConnected(sid, namespace) {
		return
	}
	s.manager.PreDisconnect(sid, namespace)
	s.triggerDisconnect(namespace, sid)
	s.manager.DisconnectLocal(sid, namespace)
}

func (s *Server) handleEvent(transportID string, packet *Packet) {
	namespace := namespaceOrDefault(packet.Namespace)
	sid := s.manager.SIDFromTransportID(transportID, namespace)
	if sid == "" || !s.manager.IsConnected(sid, namespace) {
		s.logger.Warn("event from a session not connected to namespace",
			"transport_id", transportID, "namespace", namespace)
		return
	}
	payload, ok := packet.Data.([]any)
	if !ok || len(payload) == 0 {
		s.logger.Warn("dropping event packet with malformed payload",
			"namespace", namespace, "sid", sid)
		return
	}
	event, ok := payload[0].(string)
	if !ok {
		s.logger.Warn("dropping event packet without an event name",
			"namespace", namespace, "sid", sid)
		return
	}
	args := payload[1:]

	if s.syncEvents {
		s.handleEventInternal(transportID, namespace, sid, event, args, packet.ID)
		return
	}
	s.scheduler.Spawn(func() {
		s.handleEventInternal(transportID, namespace, sid, event, args, packet.ID)
	})
}

func (s *Server) handleEventInternal(transportID, namespace, sid, event string, args []any, id *uint64) {
	reply, handled, err := s.triggerEvent(namespace, sid, event, args)
	if err != nil {
		// The error stays on the server; the client just never gets an
		// acknowledgement.
		s.logger.Error("event handler failed",
			"namespace", namespace, "sid", sid, "event", event, "err", err)
		return
	}
	if !handled || id == nil {
		return
	}
	var data []any
	switch t := reply.(type) {
	case nil:
		data = []any{}
	case []any:
		data = t
	default:
		data = []any{reply}
	}
	s.sendPacket(transportID, &Packet{
		Type:      PacketTypeAck,
		Namespace: namespace,
		Data:      data,
		ID:        id,
	})
}

func (s *Server) handleAck(transportID string, packet *Packet) {
	if packet.ID == nil {
		return
	}
	namespace := namespaceOrDefault(packet.Namespace)
	sid := s.manager.SIDFromTransportID(transportID, namespace)
	args, _ := packet.Data.([]any)
	s.manager.TriggerCallback(sid, *packet.ID, args)
}

func (s *Server) triggerConnect(namespace, sid string, auth any) error {
	s.mu.RLock()
	handler := s.registry.connects[namespace]
	if handler == nil {
		handler = s.registry.connects[WildcardNamespace]
	}
	nsHandler, hasNS := s.registry.lookupNamespace(namespace)
	s.mu.RUnlock()

	if handler != nil {
		return handler(sid, auth)
	}
	if hasNS {
		return nsHandler.OnConnect(s, namespace, sid, auth)
	}
	return nil
}

func (s *Server) triggerDisconnect(namespace, sid string) {
	s.mu.RLock()
	handler := s.registry.disconnects[namespace]
	if handler == nil {
		handler = s.registry.disconnects[WildcardNamespace]
	}
	nsHandler, hasNS := s.registry.lookupNamespace(namespace)
	s.mu.RUnlock()

	if handler != nil {
		handler(sid)
		return
	}
	if hasNS {
		nsHandler.OnDisconnect(s, namespace, sid)
	}
}

func (s *Server) triggerEvent(namespace, sid, event string, args []any) (any, bool, error) {
	s.mu.RLock()
	handler, found := s.registry.lookupEvent(namespace, event)
	var nsHandler NamespaceHandler
	var hasNS bool
	if !found {
		nsHandler, hasNS = s.registry.lookupNamespace(namespace)
	}
	s.mu.RUnlock()

	if found {
		reply, err := handler(sid, event, args)
		return reply, true, err
	}
	if hasNS {
		reply, err := nsHandler.OnEvent(s, namespace, sid, event, args)
		return reply, true, err
	}
	return nil, false, nil
}

func (s *Server) sendPacket(transportID string, packet *Packet) {
	frames, err := s.codec.Encode(packet)
	if err != nil {
		s.logger.Error("failed to encode packet", "type", packet.Type.String(), "err", err)
		return
	}
	for _, f := range frames {
		if err := s.transport.Send(transportID, f.Data, f.Binary); err != nil {
			s.logger.Debug("dropping packet for unreachable transport",
				"transport_id", transportID, "err", err)
			return
		}
	}
}
