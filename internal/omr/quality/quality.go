// Package quality decides whether a captured exam photo is worth sending to the
// detection service. Every check is a pure function of the pixel buffer.
package quality

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/Dtcsrni/omr-review/internal/models"
)

// MaxSide is the longest edge, in pixels, the gate evaluates.
const MaxSide = 1200

// Rejection reasons reported in CaptureQualityReport.Reasons.
const (
	ReasonBlurry     = "image is blurry"
	ReasonTooDark    = "image is too dark"
	ReasonTooBright  = "image is too bright or has glare"
	ReasonBadFraming = "sheet is not fully framed"
	ReasonUnreadable = "image could not be read"
)

var (
	// ErrCaptureUnreadable indicates the bytes could not be decoded into an image.
	ErrCaptureUnreadable = errors.New("capture unreadable")
)

// CaptureRejectedError carries the reasons a capture failed the gate.
type CaptureRejectedError struct {
	Reasons []string
}

func (e *CaptureRejectedError) Error() string {
	return fmt.Sprintf("capture rejected: %s", strings.Join(e.Reasons, "; "))
}

// Thresholds tunes the gate.
type Thresholds struct {
	MinBlurVariance   float64
	MinBrightness     float64
	MaxBrightness     float64
	MinSheetAreaRatio float64
	EdgeGradient      int
	MinEdgePixels     int
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinBlurVariance:   120,
		MinBrightness:     70,
		MaxBrightness:     210,
		MinSheetAreaRatio: 0.65,
		EdgeGradient:      42,
		MinEdgePixels:     50,
	}
}

// Evaluate runs the gate with the default thresholds.
func Evaluate(img image.Image) models.CaptureQualityReport {
	return DefaultThresholds().Evaluate(img)
}

// Evaluate computes brightness, sharpness and framing metrics and lists every
// threshold the image violates.
func (t Thresholds) Evaluate(img image.Image) models.CaptureQualityReport {
	plane := newLuminancePlane(img)
	if plane == nil {
		return Unreadable()
	}

	report := models.CaptureQualityReport{
		BrightnessMean: plane.mean(),
		BlurVariance:   plane.laplacianVariance(),
		SheetAreaRatio: plane.sheetAreaRatio(t.EdgeGradient, t.MinEdgePixels),
		Reasons:        []string{},
	}

	if report.BlurVariance < t.MinBlurVariance {
		report.Reasons = append(report.Reasons, ReasonBlurry)
	}
	if report.BrightnessMean < t.MinBrightness {
		report.Reasons = append(report.Reasons, ReasonTooDark)
	}
	if report.BrightnessMean > t.MaxBrightness {
		report.Reasons = append(report.Reasons, ReasonTooBright)
	}
	if report.SheetAreaRatio < t.MinSheetAreaRatio {
		report.Reasons = append(report.Reasons, ReasonBadFraming)
	}
	report.Approved = len(report.Reasons) == 0

	return report
}

// Unreadable is the degenerate report for input that cannot be evaluated.
func Unreadable() models.CaptureQualityReport {
	return models.CaptureQualityReport{
		Approved: false,
		Reasons:  []string{ReasonUnreadable},
	}
}

// Rejection converts a failing report into a typed error, or nil when it passed.
func Rejection(report models.CaptureQualityReport) error {
	if report.Approved {
		return nil
	}
	return &CaptureRejectedError{Reasons: append([]string(nil), report.Reasons...)}
}

type luminancePlane struct {
	width  int
	height int
	pix    []int
}

func newLuminancePlane(img image.Image) *luminancePlane {
	if img == nil {
		return nil
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil
	}

	plane := &luminancePlane{width: width, height: height, pix: make([]int, width*height)}
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < height; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+width*4]
			for x := 0; x < width; x++ {
				r, g, b := int(row[x*4]), int(row[x*4+1]), int(row[x*4+2])
				plane.pix[y*width+x] = luma(r, g, b)
			}
		}
		return plane
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			plane.pix[y*width+x] = luma(int(r>>8), int(g>>8), int(b>>8))
		}
	}
	return plane
}

func luma(r, g, b int) int {
	return (r*77 + g*150 + b*29) >> 8
}

func (p *luminancePlane) at(x, y int) int {
	return p.pix[y*p.width+x]
}

func (p *luminancePlane) mean() float64 {
	var sum int64
	for _, v := range p.pix {
		sum += int64(v)
	}
	return float64(sum) / float64(len(p.pix))
}

// laplacianVariance is the population variance of the 4-neighbour Laplacian over
// interior pixels. Images without an interior report zero.
func (p *luminancePlane) laplacianVariance() float64 {
	if p.width < 3 || p.height < 3 {
		return 0
	}

	var sum, sumSq float64
	count := 0
	for y := 1; y < p.height-1; y++ {
		for x := 1; x < p.width-1; x++ {
			lap := p.at(x-1, y) + p.at(x+1, y) + p.at(x, y-1) + p.at(x, y+1) - 4*p.at(x, y)
			v := float64(lap)
			sum += v
			sumSq += v * v
			count++
		}
	}

	mean := sum / float64(count)
	return sumSq/float64(count) - mean*mean
}

// sheetAreaRatio is the bounding box of strong-gradient pixels relative to the frame.
func (p *luminancePlane) sheetAreaRatio(threshold, minEdges int) float64 {
	if p.width < 3 || p.height < 3 {
		return 0
	}

	minX, minY := p.width, p.height
	maxX, maxY := -1, -1
	edges := 0
	for y := 1; y < p.height-1; y++ {
		for x := 1; x < p.width-1; x++ {
			gx := p.at(x+1, y) - p.at(x-1, y)
			gy := p.at(x, y+1) - p.at(x, y-1)
			if abs(gx)+abs(gy) <= threshold {
				continue
			}
			edges++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if edges <= minEdges {
		return 0
	}

	bboxArea := float64((maxX - minX + 1) * (maxY - minY + 1))
	return bboxArea / float64(p.width*p.height)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
