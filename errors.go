package sioengine

import (
	"errors"
	"fmt"
)

// ProtocolError indicates a malformed or oversized frame. It is fatal to
// the frame that produced it only; the connection handler loop must carry
// on with the next frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ErrInvalidNamespace is returned for operations against a namespace the
// session never joined. The connection remains open.
var ErrInvalidNamespace = errors.New("session is not connected to the requested namespace")

// ErrCallbackNeedsRoom is returned when an emit carries a callback but no
// room resolving to a single recipient.
var ErrCallbackNeedsRoom = errors.New("cannot use a callback without a room set")

// BrokerError wraps a publish or listen failure against the pub/sub
// broker after retries are exhausted.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s failed: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}
