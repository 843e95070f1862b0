package sioengine

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errDeadTransport = errors.New("transport is gone")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentFrame struct {
	data   []byte
	binary bool
}

// fakeTransport records every frame handed to it, keyed by transport id.
type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][]sentFrame
	dead map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(map[string][]sentFrame),
		dead: make(map[string]bool),
	}
}

func (f *fakeTransport) Send(transportID string, data []byte, binary bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[transportID] {
		return errDeadTransport
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sent[transportID] = append(f.sent[transportID], sentFrame{data: buf, binary: binary})
	return nil
}

func (f *fakeTransport) IsAlive(transportID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[transportID]
}

func (f *fakeTransport) frames(transportID string) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.sent[transportID]))
	copy(out, f.sent[transportID])
	return out
}

func (f *fakeTransport) frameCount(transportID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[transportID])
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = make(map[string][]sentFrame)
}

// lastPacket decodes the most recent text frame sent to a transport.
func (f *fakeTransport) lastPacket(t *testing.T, c *Codec, transportID string) *Packet {
	t.Helper()
	frames := f.frames(transportID)
	if len(frames) == 0 {
		t.Fatalf("no frames sent to %s", transportID)
	}
	pkt, err := c.Decode(frames[len(frames)-1].data)
	if err != nil {
		t.Fatalf("failed to decode frame %q: %v", frames[len(frames)-1].data, err)
	}
	return pkt
}

// waitFor polls cond until it holds or the deadline passes. Broker
// deliveries run on background goroutines, so cross-coordinator tests
// have to wait for effects instead of asserting immediately.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// settle gives in-flight broker deliveries a moment to land before a
// negative assertion ("nothing else arrived").
func settle() {
	time.Sleep(50 * time.Millisecond)
}
