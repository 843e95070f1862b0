package sioengine

import (
	"context"
	"testing"
	"time"
)

func TestGoSchedulerSpawn(t *testing.T) {
	done := make(chan struct{})
	GoScheduler{}.Spawn(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned task never ran")
	}
}

func TestGoSchedulerSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (GoScheduler{}).Sleep(ctx, time.Minute); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGoSchedulerSleep(t *testing.T) {
	if err := (GoScheduler{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep failed: %v", err)
	}
}

func TestSerialSchedulerRunsTasksInOrder(t *testing.T) {
	s := NewSerialScheduler(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var order []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		s.Spawn(func() {
			order = append(order, i)
			if i == 3 {
				close(done)
			}
		})
	}
	go s.Run(ctx)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks never ran")
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("tasks ran out of order: %v", order)
	}
}

func TestSerialSchedulerFullQueueRunsInline(t *testing.T) {
	s := NewSerialScheduler(1)
	s.Spawn(func() {}) // fills the queue; Run is not consuming
	ran := false
	s.Spawn(func() { ran = true })
	if !ran {
		t.Error("expected overflow task to run inline")
	}
}

func TestSerialSchedulerLockerIsNoop(t *testing.T) {
	// All work runs on one loop; the lockers exist only to satisfy the
	// shared interface and must not block.
	l := NewSerialScheduler(0).NewLocker()
	l.Lock()
	l.Lock()
	l.Unlock()
	l.Unlock()
}

func TestManagerWithSerialScheduler(t *testing.T) {
	ft := newFakeTransport()
	s := NewSerialScheduler(16)
	m := NewManager(ft, WithScheduler(s), WithLogger(testLogger()))
	sid := m.Connect("t1", "/")
	if err := m.Emit("msg", "hello", "/", EmitToRooms(sid)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if n := ft.frameCount("t1"); n != 1 {
		t.Errorf("expected 1 frame, got %d", n)
	}
}
