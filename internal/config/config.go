// Package config handles session configuration
package config

import (
	"os"
	"strconv"
	"strings"

	apperrors "wafersight/internal/errors"
)

// GateMode selects how the two cascade stages combine into a per-frame hit.
type GateMode string

const (
	// GateInstant trusts the template gate alone; the fallback never runs.
	GateInstant GateMode = "instant"
	// GateCascade short-circuits on a gate hit and otherwise lets geometric
	// verification decide on its own.
	GateCascade GateMode = "cascade"
	// GateGated requires the gate's template score as a pre-qualification:
	// a hit needs both the template threshold and the inlier bar.
	GateGated GateMode = "gated"
)

type Config struct {
	HTTPAddr     string
	Input        string // capture device index, file path, or stream URL
	ReferenceDir string

	ProcWidth  int
	ProcHeight int

	TemplateSize      int
	TemplateThreshold float32
	EdgeTemplates     bool

	MaxFeatures     int
	RatioThreshold  float64
	MinGoodMatches  int
	MinInliers      int
	ReprojThreshold float64

	SmoothWindow      int
	GateMode          GateMode
	HoldSeconds       float64 // 0 disables auto-stop after pass
	CycleHz           float64
	SkipSimilarFrames bool
}

func Load() *Config {
	return &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8000"),
		Input:        getEnv("WAFER_INPUT", "0"),
		ReferenceDir: getEnv("WAFER_REFERENCE_DIR", "references"),

		ProcWidth:  getEnvInt("WAFER_PROC_WIDTH", 640),
		ProcHeight: getEnvInt("WAFER_PROC_HEIGHT", 480),

		TemplateSize:      getEnvInt("WAFER_TEMPLATE_SIZE", 96),
		TemplateThreshold: float32(getEnvFloat("WAFER_TEMPLATE_THRESHOLD", 0.55)),
		EdgeTemplates:     getEnvBool("WAFER_EDGE_TEMPLATES", false),

		MaxFeatures:     getEnvInt("WAFER_MAX_FEATURES", 1000),
		RatioThreshold:  getEnvFloat("WAFER_RATIO", 0.90),
		MinGoodMatches:  getEnvInt("WAFER_MIN_MATCHES", 3),
		MinInliers:      getEnvInt("WAFER_MIN_INLIERS", 6),
		ReprojThreshold: getEnvFloat("WAFER_REPROJ_THRESHOLD", 5.0),

		SmoothWindow:      getEnvInt("WAFER_SMOOTH_WINDOW", 5),
		GateMode:          GateMode(getEnv("WAFER_GATE_MODE", string(GateCascade))),
		HoldSeconds:       getEnvFloat("WAFER_HOLD_SECONDS", 2.0),
		CycleHz:           getEnvFloat("WAFER_CYCLE_HZ", 30.0),
		SkipSimilarFrames: getEnvBool("WAFER_SKIP_SIMILAR_FRAMES", true),
	}
}

// Validate rejects configurations the session cannot run with. Buffer sizes
// are fixed at session start, so a bad value here is fatal, not recoverable.
func (c *Config) Validate() error {
	switch {
	case c.ProcWidth <= 0 || c.ProcHeight <= 0:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "processing resolution %dx%d invalid", c.ProcWidth, c.ProcHeight)
	case c.TemplateSize <= 0 || c.TemplateSize > c.ProcWidth || c.TemplateSize > c.ProcHeight:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "template size %d does not fit %dx%d frame", c.TemplateSize, c.ProcWidth, c.ProcHeight)
	case c.TemplateThreshold < 0 || c.TemplateThreshold > 1:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "template threshold %.2f outside [0,1]", c.TemplateThreshold)
	case c.RatioThreshold <= 0 || c.RatioThreshold > 1:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "ratio threshold %.2f outside (0,1]", c.RatioThreshold)
	case c.MinGoodMatches < 1:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "min good matches %d invalid", c.MinGoodMatches)
	case c.MinInliers < 1:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "min inliers %d invalid", c.MinInliers)
	case c.SmoothWindow < 1:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "smoothing window %d invalid, minimum 1", c.SmoothWindow)
	case c.CycleHz <= 0:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "cycle rate %.1f Hz invalid", c.CycleHz)
	case c.MaxFeatures < 8:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "max features %d too low", c.MaxFeatures)
	}

	switch c.GateMode {
	case GateInstant, GateCascade, GateGated:
	default:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "gate mode %q unknown", c.GateMode)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return def
}
