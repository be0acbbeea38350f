package folio

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// DecodeText reads the raw text of the first QR code found in img.
func DecodeText(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", ErrQrUndecodable
	}

	bitmap, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarize: %v: %w", err, ErrQrUndecodable)
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := qrcode.NewQRCodeReader().Decode(bitmap, hints)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrQrUndecodable)
	}
	return result.GetText(), nil
}

// DecodeImage reads a QR code from img and parses it into a folio.
func DecodeImage(img image.Image) (Folio, string, error) {
	text, err := DecodeText(img)
	if err != nil {
		return Folio{}, "", err
	}
	parsed, err := Parse(text)
	return parsed, text, err
}

// FrameSource yields camera frames on demand.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// Scanner polls a FrameSource until a frame carries an exam folio.
type Scanner struct {
	Source   FrameSource
	Interval time.Duration
	// OnAccessCode, when set, is told about access QR codes seen while scanning.
	OnAccessCode func(text string)
}

// Scan returns the first folio decoded from the source, or the context error once
// the caller cancels. Frames without a readable code are skipped.
func (s Scanner) Scan(ctx context.Context) (Folio, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame, err := s.Source.Frame(ctx)
		if err == nil {
			parsed, text, decodeErr := DecodeImage(frame)
			switch {
			case decodeErr == nil && parsed.Token != "":
				return parsed, nil
			case errors.Is(decodeErr, ErrQrNotAFolio) && s.OnAccessCode != nil:
				s.OnAccessCode(text)
			}
		} else if ctx.Err() != nil {
			return Folio{}, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return Folio{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
