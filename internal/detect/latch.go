package detect

import (
	"time"

	apperrors "wafersight/internal/errors"
)

// Phase is the session lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDetecting
	PhasePassed
)

var phaseNames = map[Phase]string{
	PhaseIdle:      "idle",
	PhaseDetecting: "detecting",
	PhasePassed:    "passed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Latch tracks the session phase. Passed is terminal for the session: once
// a smoothed hit lands, later misses cannot revoke it, only Stop and a new
// Start reset the outcome. Not safe for concurrent use; the session owns it.
type Latch struct {
	phase    Phase
	passedAt time.Time
}

// NewLatch starts in the idle phase.
func NewLatch() *Latch {
	return &Latch{phase: PhaseIdle}
}

// Start transitions idle to detecting. Starting an already running or
// passed session is a caller error.
func (l *Latch) Start() error {
	if l.phase != PhaseIdle {
		return apperrors.Newf(apperrors.CodeInvalidSessionState, "start in phase %s", l.phase)
	}
	l.phase = PhaseDetecting
	l.passedAt = time.Time{}
	return nil
}

// Observe feeds one smoothed decision. The first true while detecting
// latches the pass and records its time; everything after is ignored.
func (l *Latch) Observe(pass bool, now time.Time) {
	if l.phase != PhaseDetecting || !pass {
		return
	}
	l.phase = PhasePassed
	l.passedAt = now
}

// Stop returns to idle from any phase.
func (l *Latch) Stop() {
	l.phase = PhaseIdle
	l.passedAt = time.Time{}
}

// Phase returns the current phase.
func (l *Latch) Phase() Phase {
	return l.phase
}

// PassedAt returns when the pass latched, zero if it has not.
func (l *Latch) PassedAt() time.Time {
	return l.passedAt
}

// HoldExpired reports whether a latched pass has been held at least hold.
// A zero hold disables auto-stop entirely.
func (l *Latch) HoldExpired(hold time.Duration, now time.Time) bool {
	if l.phase != PhasePassed || hold <= 0 {
		return false
	}
	return now.Sub(l.passedAt) >= hold
}
