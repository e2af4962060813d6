package senders

import (
	"sync"
	"time"
)

// Timer is a re-armable single-shot contact timer.
type Timer interface {
	// Arm schedules fire after d, replacing any pending schedule.
	Arm(d time.Duration, fire func())

	// Cancel drops the pending schedule, if any.
	Cancel()
}

// TimerFactory creates the timer of a new sender.
type TimerFactory func() Timer

// wallTimer is a Timer backed by time.AfterFunc.
type wallTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

// NewWallTimer returns a Timer running on the wall clock.
func NewWallTimer() Timer {
	return &wallTimer{}
}

func (w *wallTimer) Arm(d time.Duration, fire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.t != nil {
		w.t.Stop()
	}
	w.t = time.AfterFunc(d, fire)
}

func (w *wallTimer) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.t != nil {
		w.t.Stop()
		w.t = nil
	}
}
