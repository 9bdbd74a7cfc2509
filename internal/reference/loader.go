package reference

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"gocv.io/x/gocv"

	apperrors "wafersight/internal/errors"
)

// MaxReferenceEdge bounds the long edge of ingested stills. Feature
// extraction cost grows with area and oversized references gain nothing.
const MaxReferenceEdge = 1024

// FromFile reads a reference still from disk.
func FromFile(path string) (NamedImage, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return NamedImage{}, apperrors.Newf(apperrors.CodeWeakReference, "cannot read reference image %q", path)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NamedImage{Name: name, Mat: mat}, nil
}

// FromImage converts a caller-supplied decoded image, capping its long
// edge before feature extraction.
func FromImage(name string, img image.Image) (NamedImage, error) {
	bounds := img.Bounds()
	if bounds.Dx() > MaxReferenceEdge || bounds.Dy() > MaxReferenceEdge {
		img = resize.Thumbnail(MaxReferenceEdge, MaxReferenceEdge, img, resize.Lanczos3)
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return NamedImage{}, apperrors.Wrapf(err, apperrors.CodeWeakReference, "cannot convert reference %q", name)
	}
	return NamedImage{Name: name, Mat: mat}, nil
}

// LoadDir reads every raster image in dir. Unreadable entries are skipped;
// quality filtering happens later in Store.Load.
func LoadDir(dir string) ([]NamedImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeNoUsableReferences, "cannot read reference directory %q", dir)
	}

	var images []NamedImage
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".bmp":
		default:
			continue
		}
		img, err := FromFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

// CloseAll releases a batch of ingested images once the store has copied
// what it needs.
func CloseAll(images []NamedImage) {
	for i := range images {
		images[i].Mat.Close()
	}
}
