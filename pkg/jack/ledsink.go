package jack

import (
	"sync"
	"time"
)

// ledDebounce is the window within which repeated pushes for the same
// jack are coalesced; the UI collaborator only drains at up to 60Hz,
// so a push per FSM transition would overrun it.
const ledDebounce = 100 * time.Millisecond

// LedSink is the façade's path from a jack's LED transitions to the UI
// collaborator's on_led callback: it thins bursty transitions (e.g. a
// rapid sequence of INITIATE/CANCEL races) so the UI channel never sees
// more than one update per jack per debounce window. The first push in
// a window is forwarded; later pushes in the same window are dropped
// and are not delivered once the window ends.
type LedSink struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
	sink func(ioID string, state LedState)
}

// NewLedSink wraps sink, the UI collaborator's on_led callback.
func NewLedSink(sink func(ioID string, state LedState)) *LedSink {
	return &LedSink{
		last: map[string]time.Time{},
		now:  time.Now,
		sink: sink,
	}
}

// Push is the callback every jack is constructed with. It forwards to
// the wrapped sink unless the last push forwarded for the same io_id
// was less than ledDebounce ago; dropped pushes do not restart the
// window.
func (s *LedSink) Push(ioID string, state LedState) {
	if s.sink == nil {
		return
	}

	s.mu.Lock()

	var now = s.now()

	var prev, seen = s.last[ioID]
	if seen && now.Sub(prev) < ledDebounce {
		s.mu.Unlock()

		return
	}

	s.last[ioID] = now
	s.mu.Unlock()

	s.sink(ioID, state)
}
