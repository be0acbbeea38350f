package quality

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func paint(width, height int, shade func(x, y int) uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := shade(x, y)
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func checker(low, high uint8) func(x, y int) uint8 {
	return func(x, y int) uint8 {
		if (x/4+y/4)%2 == 0 {
			return low
		}
		return high
	}
}

// cornerMarks draws four small dark squares near the corners of a flat sheet.
func cornerMarks(size int) func(x, y int) uint8 {
	inMark := func(v int) bool {
		return (v >= 5 && v < 11) || (v >= size-11 && v < size-5)
	}
	return func(x, y int) uint8 {
		if inMark(x) && inMark(y) {
			return 80
		}
		return 140
	}
}

func centerOnly(size int) func(x, y int) uint8 {
	inner := checker(100, 180)
	lo, hi := size/2-30, size/2+30
	return func(x, y int) uint8 {
		if x >= lo && x < hi && y >= lo && y < hi {
			return inner(x, y)
		}
		return 140
	}
}

func TestEvaluateApprovesSharpFramedSheet(t *testing.T) {
	report := Evaluate(paint(200, 200, checker(100, 180)))

	require.True(t, report.Approved)
	require.Empty(t, report.Reasons)
	require.InDelta(t, 140, report.BrightnessMean, 0.5)
	require.Greater(t, report.BlurVariance, 120.0)
	require.Greater(t, report.SheetAreaRatio, 0.9)
}

func TestEvaluateSingleThresholds(t *testing.T) {
	cases := []struct {
		name   string
		img    *image.RGBA
		reason string
	}{
		{name: "blurry", img: paint(200, 200, cornerMarks(200)), reason: ReasonBlurry},
		{name: "dark", img: paint(200, 200, checker(20, 100)), reason: ReasonTooDark},
		{name: "bright", img: paint(200, 200, checker(180, 255)), reason: ReasonTooBright},
		{name: "framing", img: paint(200, 200, centerOnly(200)), reason: ReasonBadFraming},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := Evaluate(tc.img)
			require.False(t, report.Approved)
			require.Equal(t, []string{tc.reason}, report.Reasons)
		})
	}
}

func TestEvaluateReportsEveryViolatedThreshold(t *testing.T) {
	report := Evaluate(paint(120, 80, func(int, int) uint8 { return 0 }))

	require.False(t, report.Approved)
	require.Equal(t, []string{ReasonBlurry, ReasonTooDark, ReasonBadFraming}, report.Reasons)
	require.Zero(t, report.BlurVariance)
	require.Zero(t, report.SheetAreaRatio)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	img := paint(160, 120, centerOnly(120))
	require.Equal(t, Evaluate(img), Evaluate(img))
}

func TestEvaluateGrayMatchesRGBA(t *testing.T) {
	shade := checker(60, 200)
	rgba := paint(64, 64, shade)
	gray := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			gray.SetGray(x, y, color.Gray{Y: shade(x, y)})
		}
	}

	require.Equal(t, Evaluate(rgba), Evaluate(gray))
}

func TestEvaluateZeroSizeIsUnreadable(t *testing.T) {
	report := Evaluate(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	require.False(t, report.Approved)
	require.Equal(t, []string{ReasonUnreadable}, report.Reasons)
	require.Zero(t, report.BrightnessMean)
}

func TestEvaluateBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, paint(200, 200, checker(100, 180))))

	report, err := EvaluateBytes(buf.Bytes())
	require.NoError(t, err)
	require.True(t, report.Approved)

	report, err = EvaluateBytes([]byte("definitely not an image"))
	require.ErrorIs(t, err, ErrCaptureUnreadable)
	require.False(t, report.Approved)
	require.Equal(t, []string{ReasonUnreadable}, report.Reasons)

	_, err = EvaluateBytes(nil)
	require.ErrorIs(t, err, ErrCaptureUnreadable)
}

func TestDownscaleKeepsAspect(t *testing.T) {
	out := Downscale(image.NewGray(image.Rect(0, 0, 2400, 1200)), MaxSide)
	require.Equal(t, 1200, out.Bounds().Dx())
	require.Equal(t, 600, out.Bounds().Dy())

	small := paint(10, 20, checker(0, 255))
	require.Same(t, small, Downscale(small, MaxSide))
}

func TestRejection(t *testing.T) {
	require.NoError(t, Rejection(Evaluate(paint(200, 200, checker(100, 180)))))

	err := Rejection(Evaluate(paint(200, 200, checker(20, 100))))
	var rejected *CaptureRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, []string{ReasonTooDark}, rejected.Reasons)
}
