package quality

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Dtcsrni/omr-review/internal/models"
)

// IsImage reports whether the payload sniffs as an image type the gate can decode.
func IsImage(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	mime := mimetype.Detect(data)
	return mime.Is("image/jpeg") || mime.Is("image/png") || mime.Is("image/gif")
}

// Decode turns raw upload bytes into an image no larger than MaxSide on its long edge.
func Decode(data []byte) (image.Image, error) {
	if !IsImage(data) {
		return nil, fmt.Errorf("unsupported content %q: %w", mimetype.Detect(data).String(), ErrCaptureUnreadable)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %v: %w", err, ErrCaptureUnreadable)
	}
	if img.Bounds().Dx() <= 0 || img.Bounds().Dy() <= 0 {
		return nil, fmt.Errorf("empty image: %w", ErrCaptureUnreadable)
	}

	return Downscale(img, MaxSide), nil
}

// EvaluateBytes decodes and evaluates an upload. Unreadable input returns the
// degenerate report together with ErrCaptureUnreadable.
func EvaluateBytes(data []byte) (models.CaptureQualityReport, error) {
	return DefaultThresholds().EvaluateBytes(data)
}

// EvaluateBytes decodes and evaluates an upload with these thresholds.
func (t Thresholds) EvaluateBytes(data []byte) (models.CaptureQualityReport, error) {
	img, err := Decode(data)
	if err != nil {
		return Unreadable(), err
	}
	return t.Evaluate(img), nil
}

// Downscale resamples with nearest neighbour so the longer side is at most maxSide.
// The result is always an *image.RGBA anchored at the origin.
func Downscale(img image.Image, maxSide int) *image.RGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	targetW, targetH := width, height
	longest := width
	if height > longest {
		longest = height
	}
	if maxSide > 0 && longest > maxSide {
		targetW = width * maxSide / longest
		targetH = height * maxSide / longest
		if targetW < 1 {
			targetW = 1
		}
		if targetH < 1 {
			targetH = 1
		}
	}

	if rgba, ok := img.(*image.RGBA); ok && targetW == width && targetH == height && bounds.Min == (image.Point{}) {
		return rgba
	}

	out := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	for y := 0; y < targetH; y++ {
		srcY := bounds.Min.Y + y*height/targetH
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*width/targetW
			out.Set(x, y, img.At(srcX, srcY))
		}
	}
	return out
}
