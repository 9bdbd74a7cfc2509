package detect

import (
	"context"
	"image"

	"gocv.io/x/gocv"

	"wafersight/internal/config"
	apperrors "wafersight/internal/errors"
	"wafersight/internal/reference"
	"wafersight/internal/trace"
)

// ransacIters and ransacConfidence tune the homography search. The inlier
// bar does the real filtering; these only bound the sampling effort.
const (
	ransacIters      = 2000
	ransacConfidence = 0.995
)

// minHomographyPoints is the smallest correspondence set the estimator
// accepts; fewer is a degenerate fit, not a crash.
const minHomographyPoints = 4

// VerifyResult reports the geometric fallback for one frame. Quad is the
// reference corner polygon projected into frame coordinates, valid only
// when Hit is set.
type VerifyResult struct {
	Hit     bool
	Inliers int
	BestRef string
	Quad    [4]image.Point
}

// Verifier runs feature-based verification: per-frame ORB extraction, a
// ratio-tested KNN match against each reference, and a RANSAC homography
// whose inlier count decides the hit. It owns its extractor and matcher.
type Verifier struct {
	cfg     *config.Config
	orb     gocv.ORB
	matcher gocv.BFMatcher

	closed bool
}

// NewVerifier creates a verifier sharing the reference build's ORB
// parameters so descriptors are comparable.
func NewVerifier(cfg *config.Config) *Verifier {
	return &Verifier{
		cfg:     cfg,
		orb:     reference.NewORB(cfg.MaxFeatures),
		matcher: gocv.NewBFMatcherWithParams(gocv.NormHamming, false),
	}
}

// Run extracts features from the grayscale frame once, then tries each
// reference until one clears the inlier bar. The best sub-threshold inlier
// count is still reported for observability.
func (v *Verifier) Run(ctx context.Context, gray gocv.Mat, refs []*reference.Reference) VerifyResult {
	_, span := trace.StartSpan(ctx, "geometric-verify")
	defer span.End()
	log := trace.Logger(ctx)

	var result VerifyResult

	mask := gocv.NewMat()
	defer mask.Close()
	frameKps, frameDesc := v.orb.DetectAndCompute(gray, mask)
	defer frameDesc.Close()
	if len(frameKps) < v.cfg.MinGoodMatches {
		return result
	}

	for _, ref := range refs {
		inliers, quad, err := v.verifyAgainst(ref, frameKps, frameDesc)
		if err != nil {
			log.Debug("verification attempt failed", "reference", ref.Name, "error", err)
			continue
		}
		if inliers > result.Inliers {
			result.Inliers = inliers
			result.BestRef = ref.Name
			result.Quad = quad
		}
		if inliers >= v.cfg.MinInliers {
			result.Hit = true
			return result
		}
	}
	return result
}

// verifyAgainst matches one reference against the frame features and fits
// a homography over the surviving correspondences.
func (v *Verifier) verifyAgainst(ref *reference.Reference, frameKps []gocv.KeyPoint, frameDesc gocv.Mat) (int, [4]image.Point, error) {
	var quad [4]image.Point

	pairs := v.matcher.KnnMatch(ref.Descriptors, frameDesc, 2)
	good := filterRatio(pairs, v.cfg.RatioThreshold)
	if len(good) < v.cfg.MinGoodMatches {
		return 0, quad, nil
	}

	h, inliers, err := v.fitHomography(ref.Keypoints, frameKps, good)
	if err != nil {
		return 0, quad, err
	}
	defer h.Close()

	if inliers >= v.cfg.MinInliers {
		quad = projectCorners(h, ref.Corners)
	}
	return inliers, quad, nil
}

// filterRatio applies Lowe's ratio test: a match survives only when its
// best candidate is decisively closer than the runner-up. Pairs without a
// runner-up are ambiguous by construction and dropped.
func filterRatio(pairs [][]gocv.DMatch, ratio float64) []gocv.DMatch {
	good := make([]gocv.DMatch, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		if pair[0].Distance < ratio*pair[1].Distance {
			good = append(good, pair[0])
		}
	}
	return good
}

// fitHomography estimates a RANSAC homography from reference keypoints to
// frame keypoints over the good matches and counts its inliers.
func (v *Verifier) fitHomography(refKps, frameKps []gocv.KeyPoint, good []gocv.DMatch) (gocv.Mat, int, error) {
	if len(good) < minHomographyPoints {
		return gocv.Mat{}, 0, apperrors.Newf(apperrors.CodeEstimationFailed, "homography needs %d correspondences, have %d", minHomographyPoints, len(good))
	}

	src := gocv.NewMatWithSize(len(good), 1, gocv.MatTypeCV64FC2)
	defer src.Close()
	dst := gocv.NewMatWithSize(len(good), 1, gocv.MatTypeCV64FC2)
	defer dst.Close()

	for i, m := range good {
		rp := refKps[m.QueryIdx]
		fp := frameKps[m.TrainIdx]
		src.SetDoubleAt(i, 0, rp.X)
		src.SetDoubleAt(i, 1, rp.Y)
		dst.SetDoubleAt(i, 0, fp.X)
		dst.SetDoubleAt(i, 1, fp.Y)
	}

	inlierMask := gocv.NewMat()
	defer inlierMask.Close()
	h := gocv.FindHomography(src, &dst, gocv.HomographyMethodRANSAC, v.cfg.ReprojThreshold, &inlierMask, ransacIters, ransacConfidence)
	if h.Empty() {
		h.Close()
		return gocv.Mat{}, 0, apperrors.Newf(apperrors.CodeEstimationFailed, "homography estimation failed over %d matches", len(good))
	}

	inliers := 0
	for r := 0; r < inlierMask.Rows(); r++ {
		if inlierMask.GetUCharAt(r, 0) != 0 {
			inliers++
		}
	}
	return h, inliers, nil
}

// projectCorners maps the reference corner polygon through the homography
// into frame coordinates, preserving corner order.
func projectCorners(h gocv.Mat, corners [4]image.Point) [4]image.Point {
	src := gocv.NewMatWithSize(4, 1, gocv.MatTypeCV32FC2)
	defer src.Close()
	for i, c := range corners {
		src.SetFloatAt(i, 0, float32(c.X))
		src.SetFloatAt(i, 1, float32(c.Y))
	}

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.PerspectiveTransform(src, &dst, h)

	var out [4]image.Point
	for i := range out {
		out[i] = image.Pt(int(dst.GetFloatAt(i, 0)), int(dst.GetFloatAt(i, 1)))
	}
	return out
}

// Close releases the extractor and matcher. Idempotent.
func (v *Verifier) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.orb.Close()
	v.matcher.Close()
}
