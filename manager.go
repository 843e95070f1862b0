package sioengine

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SessionTransport delivers frames to a transport-level connection. The
// engine treats this as the only way bytes reach a client; it never
// opens sockets itself.
type SessionTransport interface {
	Send(transportID string, data []byte, binary bool) error
	IsAlive(transportID string) bool
}

// AckCallback is invoked with the arguments of a client acknowledgement.
type AckCallback func(args []any)

// Participant is one resolved emit target.
type Participant struct {
	SID         string
	TransportID string
}

// anonymousRoom keys the implicit "all connected" membership of a
// namespace.
const anonymousRoom = ""

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	serializer Serializer
	scheduler  Scheduler
	logger     *slog.Logger
	metrics    *Metrics
}

// WithSerializer sets the payload serializer used for outbound packets.
func WithSerializer(s Serializer) ManagerOption {
	return func(c *managerConfig) { c.serializer = s }
}

// WithScheduler sets the suspension primitives used for background work
// and locking.
func WithScheduler(s Scheduler) ManagerOption {
	return func(c *managerConfig) { c.scheduler = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) ManagerOption {
	return func(c *managerConfig) { c.metrics = m }
}

// Manager keeps authoritative room and namespace membership plus ack
// bookkeeping for the sessions connected to this process.
type Manager struct {
	transport SessionTransport
	codec     *Codec
	scheduler Scheduler
	logger    *slog.Logger
	metrics   *Metrics
	server    *Server

	mu sync.Locker
	// rooms[namespace][room][sid] = transportID. The anonymous room is
	// the single source of truth for "who is connected".
	rooms map[string]map[string]map[string]string
	// sidOwner[namespace][transportID] = sid, the reverse of the
	// anonymous room.
	sidOwner          map[string]map[string]string
	pendingDisconnect map[string][]string
	callbacks         map[string]map[uint64]AckCallback
	ackCounters       map[string]uint64
}

// NewManager creates a manager delivering through the given transport.
func NewManager(transport SessionTransport, opts ...ManagerOption) *Manager {
	cfg := managerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.scheduler == nil {
		cfg.scheduler = GoScheduler{}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &Manager{
		transport:         transport,
		codec:             NewCodec(cfg.serializer),
		scheduler:         cfg.scheduler,
		logger:            cfg.logger,
		metrics:           cfg.metrics,
		mu:                cfg.scheduler.NewLocker(),
		rooms:             make(map[string]map[string]map[string]string),
		sidOwner:          make(map[string]map[string]string),
		pendingDisconnect: make(map[string][]string),
		callbacks:         make(map[string]map[uint64]AckCallback),
		ackCounters:       make(map[string]uint64),
	}
}

// SetServer attaches the protocol server facade. The pub/sub coordinator
// uses it to run full disconnect teardown for remotely requested
// disconnects.
func (m *Manager) SetServer(s *Server) {
	m.server = s
}

// Codec returns the packet codec the manager encodes with.
func (m *Manager) Codec() *Codec {
	return m.codec
}

// Connect registers a client connection to a namespace and returns the
// new session id. It returns the empty string when the transport
// connection is already registered under the namespace.
func (m *Manager) Connect(transportID, namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sidOwner[namespace][transportID]; ok {
		// already connected
		return ""
	}
	sid := uuid.NewString()
	m.basicEnterRoom(sid, namespace, anonymousRoom, transportID)
	m.basicEnterRoom(sid, namespace, sid, transportID)
	m.metrics.sessionConnected()
	return sid
}

// IsConnected reports whether sid is connected to namespace. A session
// sitting in the pending-disconnect list is already reported as gone.
func (m *Manager) IsConnected(sid, namespace string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected(sid, namespace)
}

func (m *Manager) isConnected(sid, namespace string) bool {
	for _, pending := range m.pendingDisconnect[namespace] {
		if pending == sid {
			return false
		}
	}
	_, ok := m.rooms[namespace][anonymousRoom][sid]
	return ok
}

// CanDisconnect reports whether a local disconnect of sid is possible.
func (m *Manager) CanDisconnect(sid, namespace string) bool {
	return m.IsConnected(sid, namespace)
}

// SIDFromTransportID returns the session id registered for a transport
// connection under a namespace, or the empty string.
func (m *Manager) SIDFromTransportID(transportID, namespace string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sidOwner[namespace][transportID]
}

// TransportIDFromSID returns the transport connection owning sid under a
// namespace, or the empty string.
func (m *Manager) TransportIDFromSID(sid, namespace string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[namespace][anonymousRoom][sid]
}

// PreDisconnect puts sid in the to-be-disconnected list and returns its
// transport id. The session's records stay in place so disconnect
// handlers can still inspect them, but IsConnected is false from here on
// and emits no longer target the session. Disconnect releases the entry.
func (m *Manager) PreDisconnect(sid, namespace string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingDisconnect[namespace] = append(m.pendingDisconnect[namespace], sid)
	return m.rooms[namespace][anonymousRoom][sid]
}

// Disconnect removes sid from every room under namespace and discards
// its pending acknowledgement callbacks without invoking them. Calling
// it again is a no-op.
func (m *Manager) Disconnect(sid, namespace string) {
	m.DisconnectLocal(sid, namespace)
}

// DisconnectLocal is the non-propagating form of Disconnect. On the
// plain Manager the two are identical; the pub/sub coordinator uses
// this one when applying a disconnect that already crossed the broker.
func (m *Manager) DisconnectLocal(sid, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.basicDisconnect(sid, namespace)
}

func (m *Manager) basicDisconnect(sid, namespace string) {
	ns, ok := m.rooms[namespace]
	if ok {
		_, connected := ns[anonymousRoom][sid]
		var inRooms []string
		for room, members := range ns {
			if _, ok := members[sid]; ok {
				inRooms = append(inRooms, room)
			}
		}
		for _, room := range inRooms {
			m.basicLeaveRoom(sid, namespace, room)
		}
		if connected {
			m.metrics.sessionDisconnected()
		}
	}
	delete(m.callbacks, sid)
	delete(m.ackCounters, sid)
	m.clearPendingDisconnect(sid, namespace)
}

func (m *Manager) clearPendingDisconnect(sid, namespace string) {
	pending := m.pendingDisconnect[namespace]
	for i, p := range pending {
		if p == sid {
			m.pendingDisconnect[namespace] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(m.pendingDisconnect[namespace]) == 0 {
		delete(m.pendingDisconnect, namespace)
	}
}

// EnterRoom adds sid to a named room. The room is created on first join.
func (m *Manager) EnterRoom(sid, namespace, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	transportID, ok := m.rooms[namespace][anonymousRoom][sid]
	if !ok {
		return ErrInvalidNamespace
	}
	m.basicEnterRoom(sid, namespace, room, transportID)
	return nil
}

func (m *Manager) basicEnterRoom(sid, namespace, room, transportID string) {
	ns, ok := m.rooms[namespace]
	if !ok {
		ns = make(map[string]map[string]string)
		m.rooms[namespace] = ns
	}
	members, ok := ns[room]
	if !ok {
		members = make(map[string]string)
		ns[room] = members
	}
	members[sid] = transportID
	if room == anonymousRoom {
		owners, ok := m.sidOwner[namespace]
		if !ok {
			owners = make(map[string]string)
			m.sidOwner[namespace] = owners
		}
		owners[transportID] = sid
	}
}

// LeaveRoom removes sid from a named room. Leaving a room that does not
// exist, or that the session is not in, is a no-op.
func (m *Manager) LeaveRoom(sid, namespace, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.basicLeaveRoom(sid, namespace, room)
	return nil
}

func (m *Manager) basicLeaveRoom(sid, namespace, room string) {
	ns, ok := m.rooms[namespace]
	if !ok {
		return
	}
	members, ok := ns[room]
	if !ok {
		return
	}
	transportID, ok := members[sid]
	if !ok {
		return
	}
	delete(members, sid)
	if room == anonymousRoom {
		delete(m.sidOwner[namespace], transportID)
		if len(m.sidOwner[namespace]) == 0 {
			delete(m.sidOwner, namespace)
		}
	}
	if len(members) == 0 {
		delete(ns, room)
		if len(ns) == 0 {
			delete(m.rooms, namespace)
		}
	}
}

// CloseRoom removes every member from the named room. Members keep
// their other room memberships and their connection.
func (m *Manager) CloseRoom(room, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.rooms[namespace][room]
	sids := make([]string, 0, len(members))
	for sid := range members {
		sids = append(sids, sid)
	}
	for _, sid := range sids {
		m.basicLeaveRoom(sid, namespace, room)
	}
}

// GetRooms returns the rooms sid is in under namespace, including the
// implicit room named after the session itself.
func (m *Manager) GetRooms(sid, namespace string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []string
	for room, members := range m.rooms[namespace] {
		if room == anonymousRoom {
			continue
		}
		if _, ok := members[sid]; ok {
			result = append(result, room)
		}
	}
	return result
}

// GetNamespaces returns the active namespace names.
func (m *Manager) GetNamespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, 0, len(m.rooms))
	for namespace := range m.rooms {
		result = append(result, namespace)
	}
	return result
}

// GetParticipants resolves the distinct sessions targeted by the given
// rooms under a namespace. No rooms means every connected session. A
// session present in several of the rooms appears exactly once.
func (m *Manager) GetParticipants(namespace string, rooms []string) []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participants(namespace, rooms)
}

func (m *Manager) participants(namespace string, rooms []string) []Participant {
	ns, ok := m.rooms[namespace]
	if !ok {
		return nil
	}
	if len(rooms) == 0 {
		rooms = []string{anonymousRoom}
	}
	var result []Participant
	seen := make(map[string]bool)
	for _, room := range rooms {
		for sid, transportID := range ns[room] {
			if seen[sid] {
				continue
			}
			seen[sid] = true
			result = append(result, Participant{SID: sid, TransportID: transportID})
		}
	}
	return result
}

// emitOptions collects the optional emit parameters.
type emitOptions struct {
	rooms     []string
	skipSIDs  []string
	callback  AckCallback
	localOnly bool
}

// EmitOption configures one Emit call.
type EmitOption func(*emitOptions)

// EmitToRooms restricts the emit to the sessions in the given rooms. A
// session id is itself a room, so this also addresses single sessions.
func EmitToRooms(rooms ...string) EmitOption {
	return func(o *emitOptions) { o.rooms = append(o.rooms, rooms...) }
}

// EmitSkip excludes the given session ids even when otherwise targeted.
func EmitSkip(sids ...string) EmitOption {
	return func(o *emitOptions) { o.skipSIDs = append(o.skipSIDs, sids...) }
}

// EmitWithCallback requests an acknowledgement from each recipient.
func EmitWithCallback(cb AckCallback) EmitOption {
	return func(o *emitOptions) { o.callback = cb }
}

// EmitLocalOnly keeps the emit on this process. The pub/sub coordinator
// will not propagate it to peer processes.
func EmitLocalOnly() EmitOption {
	return func(o *emitOptions) { o.localOnly = true }
}

func buildEmitOptions(opts []EmitOption) emitOptions {
	var o emitOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Emit sends an event packet once per distinct targeted session.
// Emitting to an unknown room or namespace sends to nobody.
func (m *Manager) Emit(event string, data any, namespace string, opts ...EmitOption) error {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	o := buildEmitOptions(opts)

	m.mu.Lock()
	if _, ok := m.rooms[namespace]; !ok {
		m.mu.Unlock()
		return nil
	}
	skip := make(map[string]bool, len(o.skipSIDs))
	for _, sid := range o.skipSIDs {
		skip[sid] = true
	}
	for _, sid := range m.pendingDisconnect[namespace] {
		skip[sid] = true
	}
	targets := m.participants(namespace, o.rooms)
	args := buildEventArgs(event, data)

	type delivery struct {
		transportID string
		frames      []Frame
	}
	deliveries := make([]delivery, 0, len(targets))

	if o.callback == nil {
		// Without callbacks the packet is identical for every recipient
		// and is encoded once.
		frames, err := m.codec.Encode(&Packet{
			Type:      PacketTypeEvent,
			Namespace: namespace,
			Data:      args,
		})
		if err != nil {
			m.mu.Unlock()
			return err
		}
		for _, t := range targets {
			if skip[t.SID] {
				continue
			}
			deliveries = append(deliveries, delivery{t.TransportID, frames})
		}
	} else {
		// Each recipient needs a packet carrying its own ack id.
		for _, t := range targets {
			if skip[t.SID] {
				continue
			}
			id := m.generateAckID(t.SID, o.callback)
			frames, err := m.codec.Encode(&Packet{
				Type:      PacketTypeEvent,
				Namespace: namespace,
				Data:      args,
				ID:        &id,
			})
			if err != nil {
				m.mu.Unlock()
				return err
			}
			deliveries = append(deliveries, delivery{t.TransportID, frames})
		}
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		m.sendFrames(d.transportID, d.frames)
	}
	return nil
}

// buildEventArgs assembles the EVENT payload array. A []any payload is
// expanded into multiple event arguments; anything else travels as a
// single argument.
func buildEventArgs(event string, data any) []any {
	args := []any{event}
	switch t := data.(type) {
	case nil:
	case []any:
		args = append(args, t...)
	default:
		args = append(args, data)
	}
	return args
}

func (m *Manager) sendFrames(transportID string, frames []Frame) {
	for _, f := range frames {
		if err := m.transport.Send(transportID, f.Data, f.Binary); err != nil {
			m.logger.Debug("dropping frame for unreachable transport",
				"transport_id", transportID, "err", err)
			return
		}
	}
	m.metrics.packetSent()
}

// GenerateAckID registers callback in sid's pending-ack table and
// returns the new ack id. Ids increase from 1 independently per sid.
func (m *Manager) GenerateAckID(sid string, callback AckCallback) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateAckID(sid, callback)
}

func (m *Manager) generateAckID(sid string, callback AckCallback) uint64 {
	m.ackCounters[sid]++
	id := m.ackCounters[sid]
	if m.callbacks[sid] == nil {
		m.callbacks[sid] = make(map[uint64]AckCallback)
	}
	m.callbacks[sid][id] = callback
	return id
}

// TriggerCallback invokes and removes the matching pending callback.
// Unknown sids or ack ids are ignored; stale or malicious ack replies
// must never take the server down.
func (m *Manager) TriggerCallback(sid string, ackID uint64, args []any) {
	m.mu.Lock()
	callback, ok := m.callbacks[sid][ackID]
	if ok {
		delete(m.callbacks[sid], ackID)
		if len(m.callbacks[sid]) == 0 {
			delete(m.callbacks, sid)
		}
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("unknown callback received, ignoring", "sid", sid, "ack_id", ackID)
		return
	}
	if callback != nil {
		callback(args)
	}
}
