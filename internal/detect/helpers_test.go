package detect

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"gocv.io/x/gocv"

	"wafersight/internal/config"
)

// testDetectConfig keeps processing small so native-heavy tests stay fast.
func testDetectConfig() *config.Config {
	cfg := config.Load()
	cfg.ProcWidth = 320
	cfg.ProcHeight = 240
	cfg.TemplateSize = 64
	cfg.SmoothWindow = 1
	cfg.CycleHz = 30
	cfg.SkipSimilarFrames = false
	return cfg
}

// noiseMat builds a feature-rich color Mat; seeds keep scenes distinct.
func noiseMat(t *testing.T, seed int64) gocv.Mat {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			v := uint8(rng.Intn(256))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		t.Fatalf("ImageToMatRGB: %v", err)
	}
	return mat
}

// grayOf converts a color Mat to grayscale.
func grayOf(t *testing.T, src gocv.Mat) gocv.Mat {
	t.Helper()
	gray := gocv.NewMat()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	return gray
}
