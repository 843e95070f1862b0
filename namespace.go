package sioengine

// WildcardNamespace matches any namespace when used as a registration
// key. WildcardEvent is the reserved catch-all event name.
const (
	WildcardNamespace = "*"
	WildcardEvent     = "*"
)

// ConnectHandler runs when a client requests to join a namespace. The
// auth payload is whatever the client attached to its CONNECT packet.
// Returning an error rejects the connection; the error text travels to
// the client in a CONNECT_ERROR packet.
type ConnectHandler func(sid string, auth any) error

// DisconnectHandler runs after a session left a namespace, before its
// bookkeeping is released.
type DisconnectHandler func(sid string)

// EventHandler handles a named client event. The returned value becomes
// the acknowledgement reply when the client asked for one; returning an
// error suppresses the reply and is logged.
type EventHandler func(sid string, event string, args []any) (any, error)

// NamespaceHandler dispatches all traffic of one namespace through a
// single value instead of individually registered functions. Register
// one with Server.RegisterNamespaceHandler; the WildcardNamespace key
// makes it a fallback for every namespace without its own handlers.
type NamespaceHandler interface {
	OnConnect(s *Server, namespace, sid string, auth any) error
	OnDisconnect(s *Server, namespace, sid string)
	OnEvent(s *Server, namespace, sid, event string, args []any) (any, error)
}

// handlerRegistry resolves handlers by (namespace, event), falling back
// through the catch-all event, the wildcard namespace and finally
// namespace handler values.
type handlerRegistry struct {
	events      map[string]map[string]EventHandler
	connects    map[string]ConnectHandler
	disconnects map[string]DisconnectHandler
	namespaces  map[string]NamespaceHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		events:      make(map[string]map[string]EventHandler),
		connects:    make(map[string]ConnectHandler),
		disconnects: make(map[string]DisconnectHandler),
		namespaces:  make(map[string]NamespaceHandler),
	}
}

func (r *handlerRegistry) addEvent(namespace, event string, h EventHandler) {
	if r.events[namespace] == nil {
		r.events[namespace] = make(map[string]EventHandler)
	}
	r.events[namespace][event] = h
}

// hasNamespace reports whether any handler exists for the namespace,
// directly or through a wildcard.
func (r *handlerRegistry) hasNamespace(namespace string) bool {
	if len(r.events[namespace]) > 0 || r.connects[namespace] != nil ||
		r.disconnects[namespace] != nil || r.namespaces[namespace] != nil {
		return true
	}
	if len(r.events[WildcardNamespace]) > 0 || r.connects[WildcardNamespace] != nil ||
		r.namespaces[WildcardNamespace] != nil {
		return true
	}
	return false
}

// lookupEvent finds the handler for (namespace, event). Exact event
// match wins over the catch-all; an exact namespace wins over the
// wildcard namespace.
func (r *handlerRegistry) lookupEvent(namespace, event string) (EventHandler, bool) {
	for _, ns := range []string{namespace, WildcardNamespace} {
		handlers, ok := r.events[ns]
		if !ok {
			continue
		}
		if h, ok := handlers[event]; ok {
			return h, true
		}
		if h, ok := handlers[WildcardEvent]; ok {
			return h, true
		}
	}
	return nil, false
}

func (r *handlerRegistry) lookupNamespace(namespace string) (NamespaceHandler, bool) {
	if h, ok := r.namespaces[namespace]; ok {
		return h, true
	}
	if h, ok := r.namespaces[WildcardNamespace]; ok {
		return h, true
	}
	return nil, false
}
