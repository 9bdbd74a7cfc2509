package detect

import (
	"context"
	"image"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"wafersight/internal/config"
	apperrors "wafersight/internal/errors"
	"wafersight/internal/reference"
)

// sessionFixture builds a session over one noise reference and returns a
// raw frame that the gate will hit: the reference template embedded in a
// neutral background at processing resolution.
func sessionFixture(t *testing.T, cfg *config.Config) (*Session, gocv.Mat) {
	t.Helper()
	store := reference.NewStore(cfg)

	img := noiseMat(t, 31)
	t.Cleanup(func() { img.Close() })
	if err := store.Load(context.Background(), []reference.NamedImage{{Name: "wafer", Mat: img}}); err != nil {
		store.Close()
		t.Fatalf("Load: %v", err)
	}

	tpl := store.References()[0].Template
	frame := gocv.NewMatWithSize(cfg.ProcHeight, cfg.ProcWidth, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })
	tplColor := gocv.NewMat()
	defer tplColor.Close()
	gocv.CvtColor(tpl, &tplColor, gocv.ColorGrayToBGR)
	roi := frame.Region(image.Rect(60, 50, 60+cfg.TemplateSize, 50+cfg.TemplateSize))
	tplColor.CopyTo(&roi)
	roi.Close()

	s := NewSession(cfg, store)
	t.Cleanup(s.Close)
	return s, frame
}

func missFrame(t *testing.T, cfg *config.Config) gocv.Mat {
	t.Helper()
	other := noiseMat(t, 32)
	defer other.Close()
	frame := gocv.NewMat()
	t.Cleanup(func() { frame.Close() })
	gocv.Resize(other, &frame, image.Pt(cfg.ProcWidth, cfg.ProcHeight), 0, 0, gocv.InterpolationArea)
	return frame
}

func TestSessionTickRequiresStart(t *testing.T) {
	cfg := testDetectConfig()
	s, frame := sessionFixture(t, cfg)

	_, err := s.Tick(context.Background(), frame, time.Now())
	if !apperrors.IsCode(err, apperrors.CodeInvalidSessionState) {
		t.Errorf("tick while idle = %v, want INVALID_SESSION_STATE", err)
	}
}

func TestSessionGateHitLatchesPass(t *testing.T) {
	cfg := testDetectConfig()
	cfg.GateMode = config.GateInstant
	s, frame := sessionFixture(t, cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	now := time.Now()
	res, err := s.Tick(context.Background(), frame, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !res.Gate.Hit || !res.RawHit || !res.Smoothed {
		t.Fatalf("embedded template frame: gate=%v raw=%v smoothed=%v, want all true", res.Gate.Hit, res.RawHit, res.Smoothed)
	}
	if res.Phase != PhasePassed {
		t.Errorf("phase = %s, want passed", res.Phase)
	}

	// A later miss cannot revoke the pass.
	miss := missFrame(t, cfg)
	res, err = s.Tick(context.Background(), miss, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Phase != PhasePassed {
		t.Errorf("phase after miss = %s, want passed", res.Phase)
	}
}

func TestSessionRateLimit(t *testing.T) {
	cfg := testDetectConfig()
	cfg.GateMode = config.GateInstant
	s, frame := sessionFixture(t, cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Now()
	first, err := s.Tick(context.Background(), frame, base)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if first.Skipped {
		t.Fatal("first tick must not be rate limited")
	}

	// 30 Hz interval is ~33ms; 1ms later is inside the window.
	second, err := s.Tick(context.Background(), frame, base.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !second.Skipped {
		t.Error("tick inside the cycle interval should be skipped")
	}

	third, err := s.Tick(context.Background(), frame, base.Add(40*time.Millisecond))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if third.Skipped {
		t.Error("tick past the cycle interval should run")
	}
}

func TestSessionReusesSimilarFrames(t *testing.T) {
	cfg := testDetectConfig()
	cfg.GateMode = config.GateInstant
	cfg.SkipSimilarFrames = true
	s, frame := sessionFixture(t, cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Now()
	first, err := s.Tick(context.Background(), frame, base)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if first.Reused {
		t.Fatal("first frame has nothing to reuse")
	}

	second, err := s.Tick(context.Background(), frame, base.Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !second.Reused {
		t.Error("identical consecutive frame should reuse the cascade outcome")
	}
	if second.RawHit != first.RawHit {
		t.Error("reused outcome should carry the previous raw hit")
	}
}

func TestSessionQuadSuppressedAfterPass(t *testing.T) {
	// Processing resolution equal to the reference size makes the frame a
	// pixel-exact view of the reference, so geometry verifies every cycle.
	cfg := testDetectConfig()
	cfg.ProcWidth = 200
	cfg.ProcHeight = 200
	cfg.GateMode = config.GateCascade
	cfg.TemplateThreshold = 2 // unreachable, every decision goes to geometry

	store := reference.NewStore(cfg)
	img := noiseMat(t, 33)
	t.Cleanup(func() { img.Close() })
	if err := store.Load(context.Background(), []reference.NamedImage{{Name: "wafer", Mat: img}}); err != nil {
		store.Close()
		t.Fatalf("Load: %v", err)
	}
	s := NewSession(cfg, store)
	t.Cleanup(s.Close)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	now := time.Now()
	first, err := s.Tick(context.Background(), img, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !first.Verify.Hit {
		t.Fatalf("pixel-exact view did not verify, inliers %d", first.Verify.Inliers)
	}
	if first.Phase != PhasePassed {
		t.Fatalf("phase = %s, want passed", first.Phase)
	}
	if !first.ShowQuad {
		t.Error("the passing frame should still show its quad")
	}

	second, err := s.Tick(context.Background(), img, now.Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if second.Verify.Hit && second.ShowQuad {
		t.Error("quad should be suppressed once the pass was already latched")
	}
}

func TestSessionStopResets(t *testing.T) {
	cfg := testDetectConfig()
	cfg.GateMode = config.GateInstant
	s, frame := sessionFixture(t, cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Tick(context.Background(), frame, time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if s.Phase() != PhasePassed {
		t.Fatalf("phase = %s, want passed", s.Phase())
	}

	s.Stop()
	if s.Phase() != PhaseIdle {
		t.Errorf("phase after Stop = %s, want idle", s.Phase())
	}
	if err := s.Start(); err != nil {
		t.Errorf("restart after Stop = %v, want nil", err)
	}
}

func TestSessionHoldExpiry(t *testing.T) {
	cfg := testDetectConfig()
	cfg.GateMode = config.GateInstant
	cfg.HoldSeconds = 0.5
	s, frame := sessionFixture(t, cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	now := time.Now()
	if _, err := s.Tick(context.Background(), frame, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if s.HoldExpired(now.Add(100 * time.Millisecond)) {
		t.Error("hold expired early")
	}
	if !s.HoldExpired(now.Add(time.Second)) {
		t.Error("hold should have expired")
	}
}

func TestSessionClosedRejectsAll(t *testing.T) {
	cfg := testDetectConfig()
	s, frame := sessionFixture(t, cfg)
	s.Close()
	s.Close() // idempotent

	if err := s.Start(); !apperrors.IsCode(err, apperrors.CodeInvalidSessionState) {
		t.Errorf("Start on closed session = %v, want INVALID_SESSION_STATE", err)
	}
	if _, err := s.Tick(context.Background(), frame, time.Now()); !apperrors.IsCode(err, apperrors.CodeInvalidSessionState) {
		t.Errorf("Tick on closed session = %v, want INVALID_SESSION_STATE", err)
	}
}
