package sioengine

import (
	"context"
	"sync"
	"time"
)

// Scheduler abstracts the points where engine code may suspend: spawning
// background work, sleeping, and guarding shared tables. The manager and
// coordinator are written once against this interface; the two concrete
// implementations cover parallel-goroutine serving and single-loop
// cooperative serving.
type Scheduler interface {
	// Spawn runs fn in the background.
	Spawn(fn func())

	// Sleep pauses for d or until ctx is cancelled, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error

	// NewLocker returns a locker guarding one shared table.
	NewLocker() sync.Locker
}

// GoScheduler runs background work on goroutines and hands out real
// mutexes. It is the default.
type GoScheduler struct{}

func (GoScheduler) Spawn(fn func()) {
	go fn()
}

func (GoScheduler) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (GoScheduler) NewLocker() sync.Locker {
	return &sync.Mutex{}
}

// SerialScheduler executes all spawned work on a single run loop.
// Operations only interleave at explicit suspension points, so lockers
// are no-ops. Run must be called for spawned work to make progress.
type SerialScheduler struct {
	tasks chan func()
}

// NewSerialScheduler creates a cooperative scheduler with the given
// task queue depth.
func NewSerialScheduler(depth int) *SerialScheduler {
	if depth <= 0 {
		depth = 64
	}
	return &SerialScheduler{tasks: make(chan func(), depth)}
}

// Run executes spawned tasks one at a time until ctx is cancelled.
func (s *SerialScheduler) Run(ctx context.Context) {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (s *SerialScheduler) Spawn(fn func()) {
	select {
	case s.tasks <- fn:
	default:
		// Queue full; run inline rather than drop the task.
		fn()
	}
}

func (s *SerialScheduler) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SerialScheduler) NewLocker() sync.Locker {
	return noopLocker{}
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}
