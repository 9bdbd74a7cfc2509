// Package reference builds and owns the per-reference feature sets,
// corner polygons, and correlation templates the cascade matches against.
package reference

import (
	"context"
	"image"
	"log/slog"

	"gocv.io/x/gocv"

	"wafersight/internal/config"
	apperrors "wafersight/internal/errors"
	"wafersight/internal/trace"
)

// MinDescriptors is the floor below which a reference is too feature-poor
// to ever verify geometrically and gets dropped at load time.
const MinDescriptors = 8

// ORB parameters fixed for the session. Feature count bounds worst-case
// matching latency; the rest are the detector's stock geometry.
const (
	ORBScaleFactor   = 1.2
	ORBLevels        = 8
	ORBEdgeThreshold = 31
	ORBPatchSize     = 31
	ORBFastThreshold = 20
)

// NewORB creates the oriented-BRIEF extractor used for both reference
// builds and per-frame extraction, so descriptors stay comparable.
func NewORB(maxFeatures int) gocv.ORB {
	return gocv.NewORBWithParams(
		maxFeatures,
		ORBScaleFactor,
		ORBLevels,
		ORBEdgeThreshold,
		0, // first pyramid level
		2, // WTA_K, 2-point BRIEF comparisons
		gocv.ORBScoreTypeHarris,
		ORBPatchSize,
		ORBFastThreshold,
	)
}

// NamedImage pairs a reference still with its display name. The Mat is
// consumed by Store.Load; callers keep ownership and close it themselves.
type NamedImage struct {
	Name string
	Mat  gocv.Mat
}

// Reference is one immutable entry in the active set: ORB features, the
// corner polygon of the source image, a correlation template, and a
// response buffer shaped exactly to the valid-correlation window.
type Reference struct {
	Name        string
	Keypoints   []gocv.KeyPoint
	Descriptors gocv.Mat
	Corners     [4]image.Point
	Template    gocv.Mat
	Response    gocv.Mat

	closed bool
}

// Close releases the native buffers. Safe to call more than once; the
// Mats are only released on the first call.
func (r *Reference) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.Descriptors.Close()
	r.Template.Close()
	r.Response.Close()
}

// Store owns the active reference set. Loading a new set releases the
// previous one before the swap; references never outlive their store.
type Store struct {
	cfg  *config.Config
	orb  gocv.ORB
	refs []*Reference

	closed bool
}

// NewStore creates an empty store with its own feature extractor.
func NewStore(cfg *config.Config) *Store {
	return &Store{
		cfg: cfg,
		orb: NewORB(cfg.MaxFeatures),
	}
}

// Load builds references from the given images and installs them as the
// active set. Images yielding fewer than MinDescriptors features are
// dropped with a warning; a batch where nothing survives is an error and
// leaves any previously loaded set untouched.
func (s *Store) Load(ctx context.Context, images []NamedImage) error {
	if s.closed {
		return apperrors.New(apperrors.CodeInvalidSessionState, "load on closed store")
	}

	ctx, span := trace.StartSpan(ctx, "reference-load")
	log := trace.Logger(ctx)

	built := make([]*Reference, 0, len(images))
	for _, img := range images {
		ref, err := s.build(img.Name, img.Mat)
		if err != nil {
			log.Warn("reference dropped", "name", img.Name, "error", err)
			continue
		}
		built = append(built, ref)
	}

	if len(built) == 0 {
		return apperrors.Newf(apperrors.CodeNoUsableReferences, "no usable references in batch of %d", len(images))
	}

	old := s.refs
	s.refs = built
	for _, ref := range old {
		ref.Close()
	}

	span.End()
	log.Info("reference set loaded", "count", len(built), "dropped", len(images)-len(built), "duration", span.Duration())
	return nil
}

// build extracts features and derives the template and response buffer
// for a single reference image.
func (s *Store) build(name string, src gocv.Mat) (*Reference, error) {
	if src.Empty() {
		return nil, apperrors.Newf(apperrors.CodeWeakReference, "reference %q is empty", name)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if src.Channels() > 1 {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	} else {
		src.CopyTo(&gray)
	}

	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := s.orb.DetectAndCompute(gray, mask)
	if len(kps) < MinDescriptors {
		desc.Close()
		return nil, apperrors.Newf(apperrors.CodeWeakReference, "reference %q yielded %d descriptors, need %d", name, len(kps), MinDescriptors)
	}

	w, h := gray.Cols(), gray.Rows()
	corners := [4]image.Point{{0, 0}, {w, 0}, {w, h}, {0, h}}

	tpl := s.buildTemplate(gray)

	// Valid-correlation window: exact (W-w+1) x (H-h+1), not a cap.
	respW := s.cfg.ProcWidth - s.cfg.TemplateSize + 1
	respH := s.cfg.ProcHeight - s.cfg.TemplateSize + 1
	resp := gocv.NewMatWithSize(respH, respW, gocv.MatTypeCV32F)

	return &Reference{
		Name:        name,
		Keypoints:   kps,
		Descriptors: desc,
		Corners:     corners,
		Template:    tpl,
		Response:    resp,
	}, nil
}

// buildTemplate downsizes the grayscale reference to the configured square
// with area interpolation, optionally replaced by its edge map.
func (s *Store) buildTemplate(gray gocv.Mat) gocv.Mat {
	tpl := gocv.NewMat()
	size := image.Pt(s.cfg.TemplateSize, s.cfg.TemplateSize)
	gocv.Resize(gray, &tpl, size, 0, 0, gocv.InterpolationArea)

	if s.cfg.EdgeTemplates {
		edge := gocv.NewMat()
		gocv.Canny(tpl, &edge, cannyLow, cannyHigh)
		tpl.Close()
		return edge
	}
	return tpl
}

// Canny thresholds for edge-mode templates.
const (
	cannyLow  = 50
	cannyHigh = 150
)

// References returns the active set. The slice and its entries belong to
// the store; callers must not retain them across a Load or Close.
func (s *Store) References() []*Reference {
	return s.refs
}

// Close releases every reference and the extractor. Idempotent.
func (s *Store) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, ref := range s.refs {
		ref.Close()
	}
	s.refs = nil
	s.orb.Close()
	slog.Debug("reference store closed")
}
