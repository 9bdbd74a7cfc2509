package detect

import (
	"context"
	"image"
	"testing"

	"gocv.io/x/gocv"

	apperrors "wafersight/internal/errors"
	"wafersight/internal/reference"
)

func TestFilterRatio(t *testing.T) {
	// One candidate pair: best distance 85, runner-up 100.
	pairs := [][]gocv.DMatch{{
		{QueryIdx: 0, TrainIdx: 0, Distance: 85},
		{QueryIdx: 0, TrainIdx: 1, Distance: 100},
	}}

	tests := []struct {
		name     string
		ratio    float64
		survives bool
	}{
		{"loose ratio admits", 0.95, true},
		{"default ratio admits", 0.90, true},
		{"boundary ratio rejects", 0.85, false},
		{"strict ratio rejects", 0.80, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterRatio(pairs, tt.ratio)
			if (len(got) == 1) != tt.survives {
				t.Errorf("ratio %v: survivors = %d, want survive=%v", tt.ratio, len(got), tt.survives)
			}
		})
	}
}

func TestFilterRatioDropsSingletons(t *testing.T) {
	pairs := [][]gocv.DMatch{
		{{QueryIdx: 0, TrainIdx: 0, Distance: 10}},
		{},
	}
	if got := filterRatio(pairs, 0.90); len(got) != 0 {
		t.Errorf("singleton pairs survived ratio test: %d", len(got))
	}
}

func TestFilterRatioKeepsBestCandidate(t *testing.T) {
	pairs := [][]gocv.DMatch{{
		{QueryIdx: 3, TrainIdx: 7, Distance: 20},
		{QueryIdx: 3, TrainIdx: 9, Distance: 90},
	}}
	got := filterRatio(pairs, 0.90)
	if len(got) != 1 || got[0].TrainIdx != 7 {
		t.Fatalf("survivor = %+v, want the closest candidate", got)
	}
}

func TestProjectCornersIdentity(t *testing.T) {
	// An identity homography must return the corners unchanged.
	h := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer h.Close()
	for i := 0; i < 3; i++ {
		h.SetDoubleAt(i, i, 1)
	}

	corners := [4]image.Point{{0, 0}, {200, 0}, {200, 150}, {0, 150}}
	got := projectCorners(h, corners)
	if got != corners {
		t.Errorf("projectCorners(identity) = %v, want %v", got, corners)
	}
}

func TestProjectCornersTranslation(t *testing.T) {
	h := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer h.Close()
	for i := 0; i < 3; i++ {
		h.SetDoubleAt(i, i, 1)
	}
	h.SetDoubleAt(0, 2, 10)
	h.SetDoubleAt(1, 2, -5)

	got := projectCorners(h, [4]image.Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}})
	want := [4]image.Point{{10, -5}, {110, -5}, {110, 95}, {10, 95}}
	if got != want {
		t.Errorf("projectCorners(translate) = %v, want %v", got, want)
	}
}

func TestFitHomographyTooFewCorrespondences(t *testing.T) {
	cfg := testDetectConfig()
	v := NewVerifier(cfg)
	defer v.Close()

	// Three correspondences clear the default good-match bar but are below
	// the estimator's minimum; the fit must fail cleanly, not crash.
	refKps := []gocv.KeyPoint{{X: 10, Y: 10}, {X: 50, Y: 12}, {X: 30, Y: 40}}
	frameKps := []gocv.KeyPoint{{X: 12, Y: 11}, {X: 52, Y: 13}, {X: 31, Y: 42}}
	good := []gocv.DMatch{
		{QueryIdx: 0, TrainIdx: 0, Distance: 0},
		{QueryIdx: 1, TrainIdx: 1, Distance: 0},
		{QueryIdx: 2, TrainIdx: 2, Distance: 0},
	}

	_, inliers, err := v.fitHomography(refKps, frameKps, good)
	if !apperrors.IsCode(err, apperrors.CodeEstimationFailed) {
		t.Errorf("fit over 3 correspondences = %v, want ESTIMATION_FAILED", err)
	}
	if inliers != 0 {
		t.Errorf("inliers = %d, want 0", inliers)
	}
}

func TestFitHomographyExactMinimum(t *testing.T) {
	cfg := testDetectConfig()
	v := NewVerifier(cfg)
	defer v.Close()

	// Four non-collinear identity correspondences are the smallest set
	// that fits; every point is an inlier of the exact solution.
	pts := []gocv.KeyPoint{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}
	good := make([]gocv.DMatch, len(pts))
	for i := range pts {
		good[i] = gocv.DMatch{QueryIdx: i, TrainIdx: i}
	}

	h, inliers, err := v.fitHomography(pts, pts, good)
	if err != nil {
		t.Fatalf("fit over 4 correspondences: %v", err)
	}
	defer h.Close()
	if inliers != 4 {
		t.Errorf("inliers = %d, want 4", inliers)
	}
}

// descriptorMat builds a binary descriptor Mat from fixed byte rows.
func descriptorMat(t *testing.T, rows [][]byte) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(len(rows), 32, gocv.MatTypeCV8U)
	for i, row := range rows {
		for j, b := range row {
			m.SetUCharAt(i, j, b)
		}
	}
	return m
}

func TestVerifyAgainstMinimumGoodMatches(t *testing.T) {
	cfg := testDetectConfig()
	v := NewVerifier(cfg)
	defer v.Close()

	// Frame rows 0-2 are exact copies of the reference descriptors and row
	// 3 is their complement, so the ratio test keeps exactly three matches
	// — the default good-match bar. The reference must score zero inliers
	// without aborting, so the loop in Run can move to the next reference.
	patterns := [][]byte{make([]byte, 32), make([]byte, 32), make([]byte, 32)}
	for i, p := range patterns {
		for j := range p {
			p[j] = byte(i*64 + j)
		}
	}
	far := make([]byte, 32)
	for j := range far {
		far[j] = 0xFF
	}

	refDesc := descriptorMat(t, patterns)
	defer refDesc.Close()
	frameDesc := descriptorMat(t, append(patterns, far))
	defer frameDesc.Close()

	ref := &reference.Reference{
		Name:        "three-match",
		Keypoints:   []gocv.KeyPoint{{X: 10, Y: 10}, {X: 90, Y: 20}, {X: 40, Y: 80}},
		Descriptors: refDesc,
		Corners:     [4]image.Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}},
	}
	frameKps := []gocv.KeyPoint{{X: 11, Y: 12}, {X: 91, Y: 22}, {X: 41, Y: 82}, {X: 200, Y: 200}}

	inliers, quad, err := v.verifyAgainst(ref, frameKps, frameDesc)
	if !apperrors.IsCode(err, apperrors.CodeEstimationFailed) {
		t.Errorf("verify with 3 good matches = %v, want ESTIMATION_FAILED", err)
	}
	if inliers != 0 {
		t.Errorf("inliers = %d, want 0", inliers)
	}
	if quad != ([4]image.Point{}) {
		t.Errorf("quad = %v, want zero", quad)
	}
}

func verifyFixture(t *testing.T, seed int64) (*reference.Store, gocv.Mat) {
	t.Helper()
	cfg := testDetectConfig()
	store := reference.NewStore(cfg)
	t.Cleanup(store.Close)

	img := noiseMat(t, seed)
	t.Cleanup(func() { img.Close() })
	if err := store.Load(context.Background(), []reference.NamedImage{{Name: "wafer", Mat: img}}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	gray := grayOf(t, img)
	t.Cleanup(func() { gray.Close() })
	return store, gray
}

func TestVerifierSelfMatch(t *testing.T) {
	cfg := testDetectConfig()
	store, gray := verifyFixture(t, 21)

	v := NewVerifier(cfg)
	defer v.Close()

	// The reference seen again at the same scale must verify with an
	// identity-like homography and a full inlier set.
	got := v.Run(context.Background(), gray, store.References())
	if !got.Hit {
		t.Fatalf("self-match did not verify, inliers %d", got.Inliers)
	}
	if got.Inliers < cfg.MinInliers {
		t.Errorf("inliers = %d, want >= %d", got.Inliers, cfg.MinInliers)
	}
	if got.BestRef != "wafer" {
		t.Errorf("BestRef = %q, want wafer", got.BestRef)
	}

	// Projected quad stays near the source bounds.
	want := store.References()[0].Corners
	for i := range want {
		dx := got.Quad[i].X - want[i].X
		dy := got.Quad[i].Y - want[i].Y
		if dx*dx+dy*dy > 100 {
			t.Errorf("corner %d projected to %v, want near %v", i, got.Quad[i], want[i])
		}
	}
}

func TestVerifierRejectsUnrelatedScene(t *testing.T) {
	cfg := testDetectConfig()
	store, _ := verifyFixture(t, 22)

	other := noiseMat(t, 23)
	defer other.Close()
	gray := grayOf(t, other)
	defer gray.Close()

	v := NewVerifier(cfg)
	defer v.Close()

	got := v.Run(context.Background(), gray, store.References())
	if got.Hit {
		t.Errorf("unrelated scene verified with %d inliers", got.Inliers)
	}
}

func TestVerifierInlierBar(t *testing.T) {
	cfg := testDetectConfig()
	store, gray := verifyFixture(t, 24)

	// Even a perfect self-match cannot clear an unreachable inlier bar;
	// the count is reported, the hit is not.
	cfg.MinInliers = 1 << 20
	v := NewVerifier(cfg)
	defer v.Close()

	got := v.Run(context.Background(), gray, store.References())
	if got.Hit {
		t.Error("hit despite inlier bar above any possible count")
	}
	if got.Inliers == 0 {
		t.Error("sub-threshold inlier count should still be reported")
	}
	if got.Quad != ([4]image.Point{}) {
		t.Error("quad must stay zero below the inlier bar")
	}
}
