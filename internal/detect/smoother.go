package detect

// Smoother damps frame-to-frame flicker by OR-ing raw hits over a sliding
// window of recent frames. A window of 1 is a passthrough. Not safe for
// concurrent use; the session owns it.
type Smoother struct {
	window []bool
	next   int
	filled int
}

// NewSmoother creates a smoother over the given window size. Sizes below 1
// are clamped to 1.
func NewSmoother(size int) *Smoother {
	if size < 1 {
		size = 1
	}
	return &Smoother{window: make([]bool, size)}
}

// Observe records one raw per-frame hit and returns the smoothed decision:
// true when any frame in the current window hit. The oldest entry ages out
// exactly when the window is full.
func (s *Smoother) Observe(hit bool) bool {
	s.window[s.next] = hit
	s.next = (s.next + 1) % len(s.window)
	if s.filled < len(s.window) {
		s.filled++
	}

	for i := 0; i < s.filled; i++ {
		if s.window[i] {
			return true
		}
	}
	return false
}

// Reset clears the window, as on session start.
func (s *Smoother) Reset() {
	for i := range s.window {
		s.window[i] = false
	}
	s.next = 0
	s.filled = 0
}
