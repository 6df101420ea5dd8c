// Package landmark implements the in-process landmark extraction
// operator. It scans a frame for skin-tone regions and luminance
// structure, reports which landmark groups (hands, face, pose) are
// present, and returns a copy of the frame with overlays drawn. The
// complexity knob trades sampling density for cost.
package landmark

import (
	"errors"
	"image"
)

// Complexity selects the extractor's sampling density.
type Complexity int

const (
	ComplexityFast Complexity = iota
	ComplexityMedium
	ComplexityAccurate
)

func (c Complexity) String() string {
	switch c {
	case ComplexityFast:
		return "fast"
	case ComplexityMedium:
		return "medium"
	case ComplexityAccurate:
		return "accurate"
	default:
		return "unknown"
	}
}

// stride returns the pixel sampling step for this complexity.
func (c Complexity) stride() int {
	switch {
	case c <= ComplexityFast:
		return 8
	case c == ComplexityMedium:
		return 4
	default:
		return 2
	}
}

// Point is a normalized [0,1]x[0,1] frame coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Keypoint is a named landmark with a detection confidence.
type Keypoint struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Result is the output of one extraction. HandCenter is nil when no
// hands were found. Keypoints is the opaque per-frame snapshot payload
// carried into gesture segments.
type Result struct {
	Annotated  *image.RGBA
	Hands      bool
	Face       bool
	Pose       bool
	HandCenter *Point
	Confidence float64
	Keypoints  []Keypoint
}

// Extractor analyzes frames for one client. Instances are not
// reentrant; each session owns exactly one and calls it from a single
// goroutine.
type Extractor interface {
	Extract(img image.Image, complexity Complexity) (*Result, error)
}

// Config tunes detection acceptance and cross-frame tracking.
type Config struct {
	// DetectionConfidence is the minimum region confidence required to
	// report a landmark group as present.
	DetectionConfidence float64
	// TrackingConfidence gates centroid smoothing: when the current
	// detection is at least this confident, the hand center is blended
	// with the previous frame's to suppress jitter.
	TrackingConfidence float64
}

// Factory creates one extractor per client session.
type Factory func() Extractor

// NewFactory returns a Factory producing region extractors with the
// given config.
func NewFactory(cfg Config) Factory {
	if cfg.DetectionConfidence <= 0 || cfg.DetectionConfidence > 1 {
		cfg.DetectionConfidence = 0.5
	}
	if cfg.TrackingConfidence <= 0 || cfg.TrackingConfidence > 1 {
		cfg.TrackingConfidence = 0.5
	}
	return func() Extractor {
		return &regionExtractor{cfg: cfg}
	}
}

var ErrNilFrame = errors.New("landmark: nil or empty frame")

// regionExtractor detects landmark groups by sampling the frame on a
// stride grid. Skin-tone pixels in the upper band indicate a face;
// skin-tone clusters below it indicate hands; broad luminance-gradient
// coverage indicates a pose. It keeps the previous hand centroid for
// tracking smoothing.
type regionExtractor struct {
	cfg        Config
	prevCenter *Point
}

// Minimum fraction of sampled pixels that must be skin-tone for a
// region to count as detected, before confidence scaling.
const (
	handRegionFraction = 0.02
	faceRegionFraction = 0.03
	poseRowFraction    = 0.40
)

func (e *regionExtractor) Extract(img image.Image, complexity Complexity) (*Result, error) {
	if img == nil {
		return nil, ErrNilFrame
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 1 || h < 1 {
		return nil, ErrNilFrame
	}

	stride := complexity.stride()
	faceBand := bounds.Min.Y + h/3

	var (
		sampled     int
		handCount   int
		handSumX    float64
		handSumY    float64
		faceCount   int
		faceSumX    float64
		faceSumY    float64
		upperCount  int
		lowerCount  int
		activeRows  int
		totalRows   int
		prevRowLuma = -1.0
	)

	for y := bounds.Min.Y; y < bounds.Max.Y; y += stride {
		totalRows++
		var rowLuma float64
		var rowSamples int
		rowActive := false

		for x := bounds.Min.X; x < bounds.Max.X; x += stride {
			sampled++
			r, g, b, _ := img.At(x, y).RGBA()
			r8, g8, b8 := int(r>>8), int(g>>8), int(b>>8)

			luma := 0.299*float64(r8) + 0.587*float64(g8) + 0.114*float64(b8)
			rowLuma += luma
			rowSamples++

			if isSkinTone(r8, g8, b8) {
				nx := float64(x-bounds.Min.X) / float64(w)
				ny := float64(y-bounds.Min.Y) / float64(h)
				if y < faceBand {
					upperCount++
					faceCount++
					faceSumX += nx
					faceSumY += ny
				} else {
					lowerCount++
					handCount++
					handSumX += nx
					handSumY += ny
				}
			}
		}

		if rowSamples > 0 {
			rowLuma /= float64(rowSamples)
			if prevRowLuma >= 0 && absf(rowLuma-prevRowLuma) > 8 {
				rowActive = true
			}
			prevRowLuma = rowLuma
		}
		if rowActive {
			activeRows++
		}
	}

	if sampled == 0 {
		return nil, ErrNilFrame
	}

	upperSamples := sampled / 3
	lowerSamples := sampled - upperSamples
	if upperSamples < 1 {
		upperSamples = 1
	}
	if lowerSamples < 1 {
		lowerSamples = 1
	}

	handConf := confidence(float64(handCount)/float64(lowerSamples), handRegionFraction)
	faceConf := confidence(float64(faceCount)/float64(upperSamples), faceRegionFraction)
	poseConf := 0.0
	if totalRows > 0 {
		poseConf = confidence(float64(activeRows)/float64(totalRows), poseRowFraction)
	}

	res := &Result{
		Hands:      handConf >= e.cfg.DetectionConfidence,
		Face:       faceConf >= e.cfg.DetectionConfidence,
		Pose:       poseConf >= e.cfg.DetectionConfidence,
		Confidence: maxf(handConf, maxf(faceConf, poseConf)),
	}

	if res.Hands && handCount > 0 {
		center := Point{
			X: handSumX / float64(handCount),
			Y: handSumY / float64(handCount),
		}
		// Blend with the previous centroid when tracking is confident
		// enough; a fresh detection after losing the hands starts clean.
		if e.prevCenter != nil && handConf >= e.cfg.TrackingConfidence {
			center.X = 0.5*e.prevCenter.X + 0.5*center.X
			center.Y = 0.5*e.prevCenter.Y + 0.5*center.Y
		}
		res.HandCenter = &center
		e.prevCenter = &center
		res.Keypoints = append(res.Keypoints, Keypoint{
			Name: "hand_center", X: center.X, Y: center.Y, Confidence: handConf,
		})
	} else {
		e.prevCenter = nil
	}

	if res.Face && faceCount > 0 {
		res.Keypoints = append(res.Keypoints, Keypoint{
			Name:       "face_center",
			X:          faceSumX / float64(faceCount),
			Y:          faceSumY / float64(faceCount),
			Confidence: faceConf,
		})
	}
	if res.Pose {
		res.Keypoints = append(res.Keypoints, Keypoint{
			Name: "torso_center", X: 0.5, Y: 0.6, Confidence: poseConf,
		})
	}

	res.Annotated = annotate(img, res)
	return res, nil
}

// confidence maps a region fraction to [0,1], saturating at 4x the
// detection floor.
func confidence(fraction, floor float64) float64 {
	if fraction <= 0 {
		return 0
	}
	c := fraction / (floor * 4)
	if c > 1 {
		c = 1
	}
	return c
}

// isSkinTone applies the classic RGB skin classifier: dominant red with
// sufficient spread between channels.
func isSkinTone(r, g, b int) bool {
	if r <= 95 || g <= 40 || b <= 20 {
		return false
	}
	max := r
	if g > max {
		max = g
	}
	if b > max {
		max = b
	}
	min := r
	if g < min {
		min = g
	}
	if b < min {
		min = b
	}
	return max-min > 15 && abs(r-g) > 15 && r > g && r > b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
