package gate

import (
	"sync"
	"sync/atomic"
	"time"
)

// SlidingWindow counts dispatch attempts over a rolling window. A token
// bucket would smooth the count instead of bounding it, so the window keeps
// the raw timestamps.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	stamps []time.Time
	now    func() time.Time
}

// NewSlidingWindow creates a limiter allowing max attempts per window
func NewSlidingWindow(max int, window time.Duration, clock func() time.Time) *SlidingWindow {
	if clock == nil {
		clock = time.Now
	}
	return &SlidingWindow{
		window: window,
		max:    max,
		stamps: make([]time.Time, 0, max),
		now:    clock,
	}
}

// Allow reports whether another attempt fits in the current window
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.stamps) < w.max
}

// Record registers one attempt at the current time
func (w *SlidingWindow) Record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	w.stamps = append(w.stamps, w.now())
}

// Count returns the number of attempts inside the current window
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.stamps)
}

func (w *SlidingWindow) prune() {
	cutoff := w.now().Add(-w.window)
	kept := w.stamps[:0]
	for _, t := range w.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.stamps = kept
}

// KillSwitch is the operator pause flag. While set the gate stays Idle;
// position closes continue normally.
type KillSwitch struct {
	paused atomic.Bool
	reason atomic.Value // string
}

// NewKillSwitch returns an unset kill switch
func NewKillSwitch() *KillSwitch {
	k := &KillSwitch{}
	k.reason.Store("")
	return k
}

// Pause sets the switch with an operator-visible reason
func (k *KillSwitch) Pause(reason string) {
	k.reason.Store(reason)
	k.paused.Store(true)
}

// Resume clears the switch
func (k *KillSwitch) Resume() {
	k.paused.Store(false)
	k.reason.Store("")
}

// IsPaused reports whether new dispatches are blocked
func (k *KillSwitch) IsPaused() bool {
	return k.paused.Load()
}

// Reason returns the pause reason, empty when running
func (k *KillSwitch) Reason() string {
	r, _ := k.reason.Load().(string)
	return r
}
