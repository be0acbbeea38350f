package folio

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "EXAMEN:ABC123:P2", want: "ABC123"},
		{in: "examen:abc123", want: "ABC123"},
		{in: "  EXAMEN:F-77:P10  ", want: "F-77"},
		{in: "FOLIO-000123", want: "FOLIO-000123"},
		{in: "folio 98a", want: "FOLIO98A"},
		{in: "Hoja FOLIO_X1 grupo B", want: "FOLIO_X1"},
		{in: "https://x.test/y", want: ""},
		{in: "HTTP://portal.example.org/acceso?t=1", want: ""},
		{in: "  abc-42 ", want: "ABC-42"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.want, Extract(tc.in))
		})
	}
}

func TestParseErrorsAndPage(t *testing.T) {
	parsed, err := Parse("EXAMEN:ABC123:P2")
	require.NoError(t, err)
	require.Equal(t, Folio{Token: "ABC123", Page: 2}, parsed)

	_, err = Parse("https://x.test/y")
	require.ErrorIs(t, err, ErrQrNotAFolio)

	_, err = Parse("   ")
	require.ErrorIs(t, err, ErrQrUndecodable)

	parsed, err = Parse("mailto:someone")
	require.NoError(t, err)
	require.Equal(t, "MAILTO:SOMEONE", parsed.Token)
}

func TestEqualIsCaseInsensitive(t *testing.T) {
	require.True(t, Equal("abc123", " ABC123"))
	require.False(t, Equal("abc123", "abc124"))
	require.Equal(t, "ABC123", Normalize(" abc123 "))
}

func encodeQR(t *testing.T, text string) image.Image {
	t.Helper()
	matrix, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 240, 240, nil)
	require.NoError(t, err)
	return matrix
}

func TestDecodeImage(t *testing.T) {
	parsed, text, err := DecodeImage(encodeQR(t, "EXAMEN:ABC123:P2"))
	require.NoError(t, err)
	require.Equal(t, "EXAMEN:ABC123:P2", text)
	require.Equal(t, Folio{Token: "ABC123", Page: 2}, parsed)

	_, _, err = DecodeImage(image.NewGray(image.Rect(0, 0, 64, 64)))
	require.ErrorIs(t, err, ErrQrUndecodable)

	_, _, err = DecodeImage(nil)
	require.ErrorIs(t, err, ErrQrUndecodable)
}

type scriptedSource struct {
	mu     sync.Mutex
	frames []image.Image
	calls  int
}

func (s *scriptedSource) Frame(context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.frames) == 0 {
		return image.NewGray(image.Rect(0, 0, 32, 32)), nil
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return frame, nil
}

func TestScannerStopsAtFirstExamCode(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 32, 32))
	source := &scriptedSource{frames: []image.Image{
		blank,
		encodeQR(t, "https://x.test/login"),
		encodeQR(t, "EXAMEN:ZX9:P1"),
	}}

	var access []string
	scanner := Scanner{
		Source:       source,
		Interval:     time.Millisecond,
		OnAccessCode: func(text string) { access = append(access, text) },
	}

	parsed, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, Folio{Token: "ZX9", Page: 1}, parsed)
	require.Equal(t, []string{"https://x.test/login"}, access)
	require.Equal(t, 3, source.calls)
}

func TestScannerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Scanner{Source: &scriptedSource{}, Interval: time.Millisecond}.Scan(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
