// Package detect implements the per-frame recognition cascade: template
// gate, geometric verification fallback, decision smoothing, and the
// session pass latch.
package detect

import (
	"image"

	"gocv.io/x/gocv"

	"wafersight/internal/config"
)

// FrameBuffers holds the per-session working Mats for frame preparation.
// They are allocated once and reused every cycle so the steady-state loop
// does not churn native memory.
type FrameBuffers struct {
	cfg *config.Config

	proc gocv.Mat // resized color frame
	gray gocv.Mat
	edge gocv.Mat

	closed bool
}

// NewFrameBuffers allocates the working set for the configured processing
// resolution.
func NewFrameBuffers(cfg *config.Config) *FrameBuffers {
	return &FrameBuffers{
		cfg:  cfg,
		proc: gocv.NewMat(),
		gray: gocv.NewMat(),
		edge: gocv.NewMat(),
	}
}

// Prepare normalizes a raw capture frame: resize to the processing
// resolution, grayscale conversion, and the edge map when edge-mode
// templates are active. The returned Mats stay owned by the buffers.
func (f *FrameBuffers) Prepare(raw gocv.Mat) {
	size := image.Pt(f.cfg.ProcWidth, f.cfg.ProcHeight)
	if raw.Cols() == size.X && raw.Rows() == size.Y {
		raw.CopyTo(&f.proc)
	} else {
		gocv.Resize(raw, &f.proc, size, 0, 0, gocv.InterpolationArea)
	}

	if f.proc.Channels() > 1 {
		gocv.CvtColor(f.proc, &f.gray, gocv.ColorBGRToGray)
	} else {
		f.proc.CopyTo(&f.gray)
	}

	if f.cfg.EdgeTemplates {
		gocv.Canny(f.gray, &f.edge, cannyLow, cannyHigh)
	}
}

// Canny thresholds, matched to the reference template build.
const (
	cannyLow  = 50
	cannyHigh = 150
)

// Gray returns the grayscale processing frame used for feature extraction.
func (f *FrameBuffers) Gray() gocv.Mat {
	return f.gray
}

// Proc returns the resized color frame, used for frame-similarity hashing.
func (f *FrameBuffers) Proc() gocv.Mat {
	return f.proc
}

// MatchPlane returns the plane the template gate correlates against:
// the edge map in edge mode, the grayscale frame otherwise.
func (f *FrameBuffers) MatchPlane() gocv.Mat {
	if f.cfg.EdgeTemplates {
		return f.edge
	}
	return f.gray
}

// Close releases the working Mats. Idempotent.
func (f *FrameBuffers) Close() {
	if f.closed {
		return
	}
	f.closed = true
	f.proc.Close()
	f.gray.Close()
	f.edge.Close()
}
