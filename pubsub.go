package sioengine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/vmihailenco/msgpack/v5"
)

// PubSubMessage method names.
const (
	methodEmit       = "emit"
	methodDisconnect = "disconnect"
	methodEnterRoom  = "enter_room"
	methodLeaveRoom  = "leave_room"
	methodCloseRoom  = "close_room"
	methodCallback   = "callback"
)

// CallbackRef identifies a pending acknowledgement callback across
// processes. A callback closure cannot cross a process boundary; only
// this serializable triple can.
type CallbackRef struct {
	SID       string `json:"sid" msgpack:"sid"`
	Namespace string `json:"namespace" msgpack:"namespace"`
	ID        uint64 `json:"id" msgpack:"id"`
}

// PubSubMessage is the record exchanged between cooperating server
// processes over the broker channel. HostID identifies the publishing
// process so each process can skip re-processing its own broadcasts.
type PubSubMessage struct {
	Method    string       `json:"method" msgpack:"method"`
	HostID    string       `json:"host_id" msgpack:"host_id"`
	Namespace string       `json:"namespace,omitempty" msgpack:"namespace,omitempty"`
	Event     string       `json:"event,omitempty" msgpack:"event,omitempty"`
	Data      any          `json:"data,omitempty" msgpack:"data,omitempty"`
	Rooms     []string     `json:"rooms,omitempty" msgpack:"rooms,omitempty"`
	Room      string       `json:"room,omitempty" msgpack:"room,omitempty"`
	SkipSIDs  []string     `json:"skip_sid,omitempty" msgpack:"skip_sid,omitempty"`
	Callback  *CallbackRef `json:"callback,omitempty" msgpack:"callback,omitempty"`
	SID       string       `json:"sid,omitempty" msgpack:"sid,omitempty"`
	ID        uint64       `json:"id,omitempty" msgpack:"id,omitempty"`
	Args      []any        `json:"args,omitempty" msgpack:"args,omitempty"`
}

// PubSubOption configures a PubSubManager.
type PubSubOption func(*pubsubConfig)

type pubsubConfig struct {
	channel     string
	writeOnly   bool
	managerOpts []ManagerOption
}

// WithChannel sets the broker channel name shared by the deployment.
func WithChannel(name string) PubSubOption {
	return func(c *pubsubConfig) { c.channel = name }
}

// WithWriteOnly makes the coordinator publish-only: no listener loop is
// started, so it can emit into the deployment but never receives. Used
// for fire-and-forget producers outside the serving fleet.
func WithWriteOnly() PubSubOption {
	return func(c *pubsubConfig) { c.writeOnly = true }
}

// WithManagerOptions forwards options to the embedded Manager.
func WithManagerOptions(opts ...ManagerOption) PubSubOption {
	return func(c *pubsubConfig) { c.managerOpts = append(c.managerOpts, opts...) }
}

// PubSubManager extends Manager to operate correctly when the sessions
// of one logical deployment are spread over several processes sharing a
// broker channel. Operations apply locally first, then propagate.
type PubSubManager struct {
	*Manager

	broker    BrokerAdapter
	channel   string
	hostID    string
	writeOnly bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPubSubManager creates a coordinator publishing and listening on the
// given broker.
func NewPubSubManager(transport SessionTransport, broker BrokerAdapter, opts ...PubSubOption) *PubSubManager {
	cfg := pubsubConfig{channel: "sioengine"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &PubSubManager{
		Manager:   NewManager(transport, cfg.managerOpts...),
		broker:    broker,
		channel:   cfg.channel,
		hostID:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		writeOnly: cfg.writeOnly,
	}
}

// HostID returns the random per-process identifier used for self-echo
// suppression.
func (pm *PubSubManager) HostID() string {
	return pm.hostID
}

// Start launches the background broker listener. In write-only mode no
// listener is started and Start returns immediately.
func (pm *PubSubManager) Start(ctx context.Context) {
	if pm.writeOnly {
		pm.logger.Info("pubsub coordinator initialized in write-only mode", "channel", pm.channel)
		return
	}
	ctx, pm.cancel = context.WithCancel(ctx)
	pm.done = make(chan struct{})
	pm.scheduler.Spawn(func() { pm.listenLoop(ctx) })
	pm.logger.Info("pubsub coordinator initialized", "channel", pm.channel, "host_id", pm.hostID)
}

// Shutdown cancels the listener loop and waits for it to stop. The
// broker itself is owned by the caller and is not closed.
func (pm *PubSubManager) Shutdown() {
	if pm.cancel != nil {
		pm.cancel()
		<-pm.done
		pm.cancel = nil
	}
}

// Emit applies the emit to locally owned sessions immediately, then
// publishes it so peer processes serve the sessions they own. The
// EmitLocalOnly option skips the publish step entirely.
func (pm *PubSubManager) Emit(event string, data any, namespace string, opts ...EmitOption) error {
	o := buildEmitOptions(opts)
	if o.localOnly {
		return pm.Manager.Emit(event, data, namespace, opts...)
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	msg := &PubSubMessage{
		Method:    methodEmit,
		HostID:    pm.hostID,
		Namespace: namespace,
		Event:     event,
		Data:      data,
		Rooms:     o.rooms,
		SkipSIDs:  o.skipSIDs,
	}
	if o.callback != nil {
		// A callback is only supported when the target resolves to one
		// concrete recipient, addressed through its own sid room.
		if len(o.rooms) != 1 {
			return ErrCallbackNeedsRoom
		}
		sid := o.rooms[0]
		id := pm.GenerateAckID(sid, o.callback)
		msg.Callback = &CallbackRef{SID: sid, Namespace: namespace, ID: id}
	}

	pm.handleEmit(msg) // serve locally owned sessions first
	return pm.publish(msg)
}

// Disconnect tears the session down directly when it is locally owned;
// otherwise the disconnect request is published for the owning process.
func (pm *PubSubManager) Disconnect(sid, namespace string) {
	if pm.IsConnected(sid, namespace) {
		pm.Manager.Disconnect(sid, namespace)
		return
	}
	msg := &PubSubMessage{
		Method:    methodDisconnect,
		HostID:    pm.hostID,
		SID:       sid,
		Namespace: namespaceOrDefault(namespace),
	}
	if err := pm.publish(msg); err != nil {
		pm.logger.Error("failed to publish disconnect", "sid", sid, "err", err)
	}
}

// CanDisconnect reports whether the caller should perform a local
// teardown. For a remotely owned session the disconnect is published on
// the owner's behalf and false is returned.
func (pm *PubSubManager) CanDisconnect(sid, namespace string) bool {
	if pm.IsConnected(sid, namespace) {
		return true
	}
	msg := &PubSubMessage{
		Method:    methodDisconnect,
		HostID:    pm.hostID,
		SID:       sid,
		Namespace: namespaceOrDefault(namespace),
	}
	if err := pm.publish(msg); err != nil {
		pm.logger.Error("failed to publish disconnect request", "sid", sid, "err", err)
	}
	return false
}

// EnterRoom adds a locally owned session to a room directly; for a
// remotely owned session the change is published to its owner.
func (pm *PubSubManager) EnterRoom(sid, namespace, room string) error {
	if pm.IsConnected(sid, namespace) {
		return pm.Manager.EnterRoom(sid, namespace, room)
	}
	return pm.publish(&PubSubMessage{
		Method:    methodEnterRoom,
		HostID:    pm.hostID,
		SID:       sid,
		Room:      room,
		Namespace: namespaceOrDefault(namespace),
	})
}

// LeaveRoom removes a locally owned session from a room directly; for a
// remotely owned session the change is published to its owner.
func (pm *PubSubManager) LeaveRoom(sid, namespace, room string) error {
	if pm.IsConnected(sid, namespace) {
		return pm.Manager.LeaveRoom(sid, namespace, room)
	}
	return pm.publish(&PubSubMessage{
		Method:    methodLeaveRoom,
		HostID:    pm.hostID,
		SID:       sid,
		Room:      room,
		Namespace: namespaceOrDefault(namespace),
	})
}

// CloseRoom empties the room on every process. Applying the message a
// second time is a harmless no-op, so the local apply plus the
// suppressed self-echo never double-empties.
func (pm *PubSubManager) CloseRoom(room, namespace string) {
	msg := &PubSubMessage{
		Method:    methodCloseRoom,
		HostID:    pm.hostID,
		Room:      room,
		Namespace: namespaceOrDefault(namespace),
	}
	pm.handleCloseRoom(msg)
	if err := pm.publish(msg); err != nil {
		pm.logger.Error("failed to publish close_room", "room", room, "err", err)
	}
}

func namespaceOrDefault(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

// publish serializes the message and hands it to the broker. A failed
// publish is retried once immediately; the second consecutive failure
// is surfaced to the caller instead of blocking an emit indefinitely.
func (pm *PubSubManager) publish(msg *PubSubMessage) error {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return &BrokerError{Op: "publish", Err: err}
	}
	ctx := context.Background()
	if err := pm.broker.Publish(ctx, pm.channel, payload); err != nil {
		pm.logger.Warn("publish failed, retrying", "err", err)
		if err = pm.broker.Publish(ctx, pm.channel, payload); err != nil {
			return &BrokerError{Op: "publish", Err: err}
		}
	}
	pm.metrics.published()
	return nil
}

// handleEmit applies an emit to the sessions this process owns. When the
// message carries a callback reference, each local recipient gets a
// callback that routes the acknowledgement back to the process owning
// the original callback.
func (pm *PubSubManager) handleEmit(msg *PubSubMessage) {
	var callback AckCallback
	if ref := msg.Callback; ref != nil {
		originHost := msg.HostID
		r := *ref
		callback = func(args []any) {
			pm.returnCallback(originHost, r, args)
		}
	}
	err := pm.Manager.Emit(msg.Event, msg.Data, msg.Namespace,
		EmitToRooms(msg.Rooms...),
		EmitSkip(msg.SkipSIDs...),
		EmitWithCallback(callback))
	if err != nil {
		pm.logger.Error("failed to apply emit", "event", msg.Event, "err", err)
	}
}

// returnCallback routes an acknowledgement to the process that owns the
// pending callback. The owner is identified by host id, not by who
// published the triggering emit.
func (pm *PubSubManager) returnCallback(hostID string, ref CallbackRef, args []any) {
	if hostID == pm.hostID {
		pm.TriggerCallback(ref.SID, ref.ID, args)
		return
	}
	err := pm.publish(&PubSubMessage{
		Method:    methodCallback,
		HostID:    hostID,
		SID:       ref.SID,
		Namespace: ref.Namespace,
		ID:        ref.ID,
		Args:      args,
	})
	if err != nil {
		pm.logger.Error("failed to publish callback", "sid", ref.SID, "err", err)
	}
}

// handleCallback fires a pending local callback. Unlike the other
// methods the host id names the callback owner, so the check is "is
// this mine", not "did I publish it".
func (pm *PubSubManager) handleCallback(msg *PubSubMessage) {
	if msg.HostID != pm.hostID || msg.SID == "" {
		return
	}
	pm.TriggerCallback(msg.SID, msg.ID, msg.Args)
}

func (pm *PubSubManager) handleDisconnect(msg *PubSubMessage) {
	if srv := pm.server; srv != nil {
		srv.disconnectLocal(msg.SID, msg.Namespace)
		return
	}
	pm.DisconnectLocal(msg.SID, msg.Namespace)
}

func (pm *PubSubManager) handleEnterRoom(msg *PubSubMessage) {
	if pm.IsConnected(msg.SID, msg.Namespace) {
		if err := pm.Manager.EnterRoom(msg.SID, msg.Namespace, msg.Room); err != nil {
			pm.logger.Warn("failed to apply enter_room", "sid", msg.SID, "err", err)
		}
	}
}

func (pm *PubSubManager) handleLeaveRoom(msg *PubSubMessage) {
	if pm.IsConnected(msg.SID, msg.Namespace) {
		if err := pm.Manager.LeaveRoom(msg.SID, msg.Namespace, msg.Room); err != nil {
			pm.logger.Warn("failed to apply leave_room", "sid", msg.SID, "err", err)
		}
	}
}

func (pm *PubSubManager) handleCloseRoom(msg *PubSubMessage) {
	pm.Manager.CloseRoom(msg.Room, msg.Namespace)
}

// listenLoop is the only place allowed to block waiting for broker
// traffic. Connection loss triggers reconnection with exponential
// backoff; local session state survives the outage untouched.
func (pm *PubSubManager) listenLoop(ctx context.Context) {
	defer close(pm.done)
	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    60 * time.Second,
		Factor: 2,
	}
	for {
		messages, err := pm.broker.Listen(ctx, pm.channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retry.Duration()
			pm.logger.Warn("broker listen failed, reconnecting",
				"err", err, "backoff", wait)
			pm.metrics.reconnected()
			if pm.scheduler.Sleep(ctx, wait) != nil {
				return
			}
			continue
		}
		retry.Reset()
		for raw := range messages {
			pm.dispatch(raw)
		}
		if ctx.Err() != nil {
			return
		}
		// The subscription ended on its own; treat it like a lost
		// connection and resubscribe.
		wait := retry.Duration()
		pm.logger.Warn("broker subscription ended, reconnecting", "backoff", wait)
		pm.metrics.reconnected()
		if pm.scheduler.Sleep(ctx, wait) != nil {
			return
		}
	}
}

func (pm *PubSubManager) dispatch(raw any) {
	msg := pm.decodeMessage(raw)
	if msg == nil || msg.Method == "" {
		pm.metrics.dropped()
		return
	}
	pm.metrics.received()
	pm.logger.Debug("pubsub message", "method", msg.Method, "host_id", msg.HostID)

	if msg.Method == methodCallback {
		pm.handleCallback(msg)
		return
	}
	if msg.HostID == pm.hostID {
		// Own broadcast; its direct effect was already applied locally
		// before publishing.
		return
	}
	switch msg.Method {
	case methodEmit:
		pm.handleEmit(msg)
	case methodDisconnect:
		pm.handleDisconnect(msg)
	case methodEnterRoom:
		pm.handleEnterRoom(msg)
	case methodLeaveRoom:
		pm.handleLeaveRoom(msg)
	case methodCloseRoom:
		pm.handleCloseRoom(msg)
	default:
		pm.logger.Warn("unknown pubsub method", "method", msg.Method)
	}
}

// decodeMessage turns a raw broker delivery into a PubSubMessage. It
// tries structured records first, then text JSON, then an opaque
// serialized blob; anything that fails all three is discarded.
func (pm *PubSubManager) decodeMessage(raw any) *PubSubMessage {
	switch t := raw.(type) {
	case *PubSubMessage:
		return t
	case PubSubMessage:
		return &t
	case map[string]any:
		payload, err := jsonAPI.Marshal(t)
		if err != nil {
			return nil
		}
		var msg PubSubMessage
		if err := jsonAPI.Unmarshal(payload, &msg); err != nil {
			return nil
		}
		return &msg
	case string:
		var msg PubSubMessage
		if err := jsonAPI.Unmarshal([]byte(t), &msg); err != nil {
			return nil
		}
		return &msg
	case []byte:
		var msg PubSubMessage
		if err := msgpack.Unmarshal(t, &msg); err == nil && msg.Method != "" {
			return &msg
		}
		msg = PubSubMessage{}
		if err := jsonAPI.Unmarshal(t, &msg); err == nil {
			return &msg
		}
		return nil
	default:
		return nil
	}
}
