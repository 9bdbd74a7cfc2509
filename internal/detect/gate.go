package detect

import (
	"gocv.io/x/gocv"

	"wafersight/internal/config"
	"wafersight/internal/reference"
)

// GateResult reports the instant template stage for one frame: the best
// normalized correlation across all references and whether it cleared the
// threshold.
type GateResult struct {
	Hit     bool
	Score   float32
	BestRef string
}

// RunGate correlates every reference template against the frame's match
// plane and keeps the best peak. A score at or above the threshold clears
// the frame without geometric verification, so the scan exits early on the
// first reference that clears.
func RunGate(cfg *config.Config, plane gocv.Mat, refs []*reference.Reference) GateResult {
	var best GateResult
	mask := gocv.NewMat()
	defer mask.Close()

	for _, ref := range refs {
		gocv.MatchTemplate(plane, ref.Template, &ref.Response, gocv.TmCcoeffNormed, mask)
		_, peak, _, _ := gocv.MinMaxLoc(ref.Response)

		if peak > best.Score || best.BestRef == "" {
			best.Score = peak
			best.BestRef = ref.Name
		}
		if gateClears(peak, cfg.TemplateThreshold) {
			best.Hit = true
			return best
		}
	}
	return best
}

// gateClears is the threshold comparison on a recorded correlation score.
// Kept separate so the decision is checkable without running a correlation.
func gateClears(score, threshold float32) bool {
	return score >= threshold
}
