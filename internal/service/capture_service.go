package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/observability"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
)

// CaptureService exposes the capture-time checks: quality gate and folio reading.
type CaptureService interface {
	EvaluateQuality(ctx context.Context, data []byte) (models.CaptureQualityReport, error)
	ExtractFolio(ctx context.Context, payload dto.FolioExtractRequest) (dto.FolioResponse, error)
	DecodeQR(ctx context.Context, data []byte) (dto.FolioResponse, error)
}

type captureService struct {
	thresholds quality.Thresholds
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewCaptureService constructs the capture service with the given gate thresholds.
func NewCaptureService(thresholds quality.Thresholds, logger zerolog.Logger) CaptureService {
	return &captureService{
		thresholds: thresholds,
		logger:     logger.With().Str("component", "capture_service").Logger(),
		tracer:     otel.Tracer("github.com/Dtcsrni/omr-review/internal/service/capture"),
	}
}

// EvaluateQuality returns the report for an upload. Unreadable input yields the
// degenerate report together with quality.ErrCaptureUnreadable.
func (s *captureService) EvaluateQuality(ctx context.Context, data []byte) (models.CaptureQualityReport, error) {
	_, span := s.tracer.Start(ctx, "capture.quality", trace.WithAttributes(attribute.Int("capture.bytes", len(data))))
	defer span.End()

	report, err := s.thresholds.EvaluateBytes(data)
	recordQuality(report, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture_unreadable")
		return report, err
	}
	span.SetAttributes(attribute.Bool("capture.approved", report.Approved))
	return report, nil
}

func (s *captureService) ExtractFolio(_ context.Context, payload dto.FolioExtractRequest) (dto.FolioResponse, error) {
	parsed, err := folio.Parse(payload.Text)
	if err != nil {
		return dto.FolioResponse{}, err
	}
	return dto.FolioResponse{Folio: parsed.Token, Page: parsed.Page}, nil
}

func (s *captureService) DecodeQR(ctx context.Context, data []byte) (dto.FolioResponse, error) {
	_, span := s.tracer.Start(ctx, "capture.qr")
	defer span.End()

	img, err := quality.Decode(data)
	if err != nil {
		span.RecordError(err)
		return dto.FolioResponse{}, err
	}

	parsed, text, err := folio.DecodeImage(img)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, folio.ErrQrNotAFolio) {
			return dto.FolioResponse{Text: text}, err
		}
		return dto.FolioResponse{}, err
	}
	return dto.FolioResponse{Folio: parsed.Token, Page: parsed.Page, Text: text}, nil
}

func recordQuality(report models.CaptureQualityReport, err error) {
	switch {
	case err != nil:
		observability.QualityChecks().WithLabelValues("unreadable").Inc()
	case report.Approved:
		observability.QualityChecks().WithLabelValues("approved").Inc()
	default:
		observability.QualityChecks().WithLabelValues("rejected").Inc()
		for _, reason := range report.Reasons {
			observability.QualityRejections().WithLabelValues(reason).Inc()
		}
	}
}
