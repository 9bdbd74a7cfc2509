package detect

import (
	"context"
	"time"

	"github.com/corona10/goimagehash"
	"gocv.io/x/gocv"

	"wafersight/internal/config"
	apperrors "wafersight/internal/errors"
	"wafersight/internal/reference"
	"wafersight/internal/trace"
)

// MaxHashDistance is the perceptual hash distance at or below which two
// consecutive frames count as the same scene and the previous raw outcome
// is reused instead of rerunning the cascade.
const MaxHashDistance = 5

// Result is the outcome of one Tick.
type Result struct {
	Timestamp time.Time
	Skipped   bool // rate limiter dropped the frame before any work
	Reused    bool // frame matched the previous scene, cascade skipped

	Gate     GateResult
	Verify   VerifyResult
	RawHit   bool
	Smoothed bool

	Phase    Phase
	ShowQuad bool
}

// Status renders the phase for API consumers.
func (r Result) Status() string {
	return r.Phase.String()
}

// Session runs the cascade over a stream of frames and tracks the pass
// outcome. Not safe for concurrent use; the runner serializes access.
type Session struct {
	cfg      *config.Config
	store    *reference.Store
	bufs     *FrameBuffers
	verifier *Verifier
	smoother *Smoother
	latch    *Latch

	interval  time.Duration
	lastCycle time.Time

	lastHash *goimagehash.ImageHash
	lastRaw  Result
	haveLast bool

	closed bool
}

// NewSession wires the cascade stages around a loaded reference store.
// The session takes ownership of the store and releases it on Close.
func NewSession(cfg *config.Config, store *reference.Store) *Session {
	return &Session{
		cfg:      cfg,
		store:    store,
		bufs:     NewFrameBuffers(cfg),
		verifier: NewVerifier(cfg),
		smoother: NewSmoother(cfg.SmoothWindow),
		latch:    NewLatch(),
		interval: time.Duration(float64(time.Second) / cfg.CycleHz),
	}
}

// Start arms the session: smoothing window and similarity state are
// cleared so nothing leaks across runs.
func (s *Session) Start() error {
	if s.closed {
		return apperrors.New(apperrors.CodeInvalidSessionState, "start on closed session")
	}
	if err := s.latch.Start(); err != nil {
		return err
	}
	s.smoother.Reset()
	s.lastCycle = time.Time{}
	s.lastHash = nil
	s.haveLast = false
	return nil
}

// Stop returns the session to idle. The pass outcome is discarded.
func (s *Session) Stop() {
	s.latch.Stop()
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	return s.latch.Phase()
}

// HoldExpired reports whether a latched pass has been shown long enough
// for the runner to auto-stop.
func (s *Session) HoldExpired(now time.Time) bool {
	hold := time.Duration(s.cfg.HoldSeconds * float64(time.Second))
	return s.latch.HoldExpired(hold, now)
}

// Tick processes one raw frame. Frames arriving faster than the configured
// cycle rate are dropped cooperatively with Skipped set and no work done.
func (s *Session) Tick(ctx context.Context, raw gocv.Mat, now time.Time) (Result, error) {
	if s.closed {
		return Result{}, apperrors.New(apperrors.CodeInvalidSessionState, "tick on closed session")
	}
	if s.latch.Phase() == PhaseIdle {
		return Result{}, apperrors.New(apperrors.CodeInvalidSessionState, "tick on idle session")
	}

	if !s.lastCycle.IsZero() && now.Sub(s.lastCycle) < s.interval {
		return Result{Timestamp: now, Skipped: true, Phase: s.latch.Phase()}, nil
	}
	s.lastCycle = now

	prevPhase := s.latch.Phase()
	s.bufs.Prepare(raw)

	result := Result{Timestamp: now}
	if s.reuseLast() {
		result.Reused = true
		result.Gate = s.lastRaw.Gate
		result.Verify = s.lastRaw.Verify
		result.RawHit = s.lastRaw.RawHit
	} else {
		result.Gate, result.Verify, result.RawHit = s.runCascade(ctx)
		s.lastRaw = result
		s.haveLast = true
	}

	result.Smoothed = s.smoother.Observe(result.RawHit)
	s.latch.Observe(result.Smoothed, now)
	result.Phase = s.latch.Phase()

	// The quad is an acquisition overlay; once the pass was already latched
	// before this frame there is nothing left to acquire.
	result.ShowQuad = result.Verify.Hit && prevPhase != PhasePassed

	if result.RawHit || result.Smoothed {
		trace.Logger(ctx).Debug("cycle hit",
			"raw", result.RawHit, "smoothed", result.Smoothed,
			"gate_score", result.Gate.Score, "inliers", result.Verify.Inliers,
			"phase", result.Phase.String())
	}
	return result, nil
}

// runCascade executes the template gate and, depending on the gate mode,
// the geometric fallback.
func (s *Session) runCascade(ctx context.Context) (GateResult, VerifyResult, bool) {
	refs := s.store.References()
	var verify VerifyResult

	if s.cfg.GateMode == config.GateInstant {
		gate := RunGate(s.cfg, s.bufs.MatchPlane(), refs)
		return gate, verify, gate.Hit
	}

	gate := RunGate(s.cfg, s.bufs.MatchPlane(), refs)
	switch s.cfg.GateMode {
	case config.GateGated:
		// Template score pre-qualifies; only then does geometry decide.
		if !gate.Hit {
			return gate, verify, false
		}
		verify = s.verifier.Run(ctx, s.bufs.Gray(), refs)
		return gate, verify, verify.Hit
	default: // GateCascade
		if gate.Hit {
			return gate, verify, true
		}
		verify = s.verifier.Run(ctx, s.bufs.Gray(), refs)
		return gate, verify, verify.Hit
	}
}

// reuseLast hashes the resized frame and reuses the previous cascade
// outcome when the scene has not changed perceptibly.
func (s *Session) reuseLast() bool {
	if !s.cfg.SkipSimilarFrames {
		return false
	}

	img, err := s.bufs.Proc().ToImage()
	if err != nil {
		return false
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return false
	}

	reuse := false
	if s.haveLast && s.lastHash != nil {
		if dist, err := hash.Distance(s.lastHash); err == nil && dist <= MaxHashDistance {
			reuse = true
		}
	}
	s.lastHash = hash
	return reuse
}

// Close releases every native resource the session owns. Idempotent; a
// closed session rejects all further operations.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.bufs.Close()
	s.verifier.Close()
	s.store.Close()
}
