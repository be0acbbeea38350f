package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/observability"
	"github.com/Dtcsrni/omr-review/internal/omr/batch"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
	"github.com/Dtcsrni/omr-review/internal/omr/review"
)

var (
	// ErrFolioRequired indicates neither the form nor the page QR carried a folio.
	ErrFolioRequired = errors.New("folio is required: none was given and the page QR could not be read")
	// ErrPageImageNotFound indicates the page has no cached capture.
	ErrPageImageNotFound = errors.New("page image not found")
	// ErrPageNumberUnknown indicates neither the request, the QR nor the service gave a page.
	ErrPageNumberUnknown = errors.New("page number could not be inferred")
)

// ReviewService runs single pages through gate, analysis and the review store, and
// exposes the operator's edits on the consolidated sheet. Sheets are addressed by folio.
type ReviewService interface {
	IngestPage(ctx context.Context, payload dto.PageUploadRequest, fileName string, data []byte) (dto.PageIngestResponse, error)
	IngestResult(ctx context.Context, value string, pageNumber int, result models.PageAnalysisResult, data []byte, fileName string) (review.Summary, error)
	Get(ctx context.Context, value string) (review.Summary, error)
	EditAnswer(ctx context.Context, value string, payload dto.AnswerEditRequest) (review.Summary, error)
	SetConfirmed(ctx context.Context, value string, payload dto.ConfirmationRequest) (review.Summary, error)
	PageImage(ctx context.Context, value string, pageNumber int) ([]byte, string, error)
	Discard(ctx context.Context, value string) error
}

type reviewService struct {
	store      *review.Store
	keys       ExamKeyService
	analyzer   batch.Analyzer
	thresholds quality.Thresholds
	validator  *validator.Validate
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewReviewService wires the review flow around an explicit store handle.
func NewReviewService(store *review.Store, keys ExamKeyService, analyzer batch.Analyzer, thresholds quality.Thresholds, validate *validator.Validate, logger zerolog.Logger) ReviewService {
	return &reviewService{
		store:      store,
		keys:       keys,
		analyzer:   analyzer,
		thresholds: thresholds,
		validator:  validate,
		logger:     logger.With().Str("component", "review_service").Logger(),
		tracer:     otel.Tracer("github.com/Dtcsrni/omr-review/internal/service/review"),
	}
}

func (s *reviewService) IngestPage(ctx context.Context, payload dto.PageUploadRequest, fileName string, data []byte) (dto.PageIngestResponse, error) {
	ctx, span := s.tracer.Start(ctx, "review.ingest_page", trace.WithAttributes(
		attribute.String("review.file", fileName),
		attribute.Int("review.page_requested", payload.PageNumber),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.PageIngestResponse{}, err
	}

	img, err := quality.Decode(data)
	if err != nil {
		recordQuality(quality.Unreadable(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture_unreadable")
		return dto.PageIngestResponse{Quality: quality.Unreadable()}, err
	}
	report := s.thresholds.Evaluate(img)
	recordQuality(report, nil)
	if rejection := quality.Rejection(report); rejection != nil {
		span.SetStatus(codes.Error, "capture_rejected")
		return dto.PageIngestResponse{Quality: report}, rejection
	}

	token := folio.Normalize(payload.Folio)
	pageNumber := payload.PageNumber
	if token == "" {
		parsed, _, qrErr := folio.DecodeImage(img)
		if qrErr != nil {
			span.RecordError(qrErr)
			span.SetStatus(codes.Error, "folio_missing")
			return dto.PageIngestResponse{Quality: report}, fmt.Errorf("%w: %v", ErrFolioRequired, qrErr)
		}
		token = parsed.Token
		if pageNumber == 0 {
			pageNumber = parsed.Page
		}
	}
	span.SetAttributes(attribute.String("review.folio", token))

	result, err := s.analyzer.Analyze(ctx, token, pageNumber, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis_failed")
		return dto.PageIngestResponse{Quality: report}, err
	}

	summary, err := s.IngestResult(ctx, token, pageNumber, result, data, fileName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest_failed")
		return dto.PageIngestResponse{Quality: report}, err
	}

	return dto.PageIngestResponse{
		ExamID:     summary.Revision.ExamID,
		Folio:      summary.Revision.Folio,
		PageNumber: resolvePage(pageNumber, result),
		Quality:    report,
		Result:     result,
		Summary:    summary,
	}, nil
}

// IngestResult records an analysed page under the sheet the folio identifies.
func (s *reviewService) IngestResult(ctx context.Context, value string, pageNumber int, result models.PageAnalysisResult, data []byte, fileName string) (review.Summary, error) {
	page := resolvePage(pageNumber, result)
	if page == 0 {
		return review.Summary{}, ErrPageNumberUnknown
	}
	key, err := s.keys.GetByFolio(ctx, value)
	if err != nil {
		return review.Summary{}, err
	}

	before := len(s.store.Folios())
	revision, err := s.store.Ingest(review.ExamMeta{
		ExamID:            key.ExamID,
		Folio:             key.Folio,
		StudentID:         key.StudentID,
		QuestionOrder:     key.QuestionOrder,
		AnswerKeyByNumber: key.AnswerKeyByNumber,
	}, page, result, nil, data, fileName)
	if err != nil {
		return review.Summary{}, err
	}
	if after := len(s.store.Folios()); after != before {
		observability.ReviewExamsActive().Set(float64(after))
	}

	s.logger.Info().
		Str("exam_id", revision.ExamID).
		Str("folio", revision.Folio).
		Int("page", page).
		Str("estado", string(result.EstadoAnalisis)).
		Msg("page ingested")

	return review.Summarize(revision), nil
}

func (s *reviewService) Get(_ context.Context, value string) (review.Summary, error) {
	return s.store.Summary(value)
}

func (s *reviewService) EditAnswer(ctx context.Context, value string, payload dto.AnswerEditRequest) (review.Summary, error) {
	_, span := s.tracer.Start(ctx, "review.edit_answer", trace.WithAttributes(
		attribute.String("review.folio", folio.Normalize(value)),
		attribute.Int("review.question", payload.QuestionNumber),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return review.Summary{}, err
	}

	revision, err := s.store.EditAnswer(value, payload.QuestionNumber, payload.Option, payload.ActivePage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "edit_rejected")
		return review.Summary{}, err
	}
	return review.Summarize(revision), nil
}

func (s *reviewService) SetConfirmed(_ context.Context, value string, payload dto.ConfirmationRequest) (review.Summary, error) {
	if err := s.validator.Struct(payload); err != nil {
		return review.Summary{}, err
	}
	revision, err := s.store.SetConfirmed(value, *payload.Confirmed)
	if err != nil {
		return review.Summary{}, err
	}
	return review.Summarize(revision), nil
}

func (s *reviewService) PageImage(_ context.Context, value string, pageNumber int) ([]byte, string, error) {
	if _, err := s.store.Get(value); err != nil {
		return nil, "", err
	}
	data, name, ok := s.store.PageImage(value, pageNumber)
	if !ok {
		return nil, "", ErrPageImageNotFound
	}
	return data, name, nil
}

func (s *reviewService) Discard(_ context.Context, value string) error {
	if !s.store.Discard(value) {
		return review.ErrExamNotFound
	}
	observability.ReviewExamsActive().Set(float64(len(s.store.Folios())))
	s.logger.Info().Str("folio", folio.Normalize(value)).Msg("review state discarded")
	return nil
}

// resolvePage prefers the page the service reported, then the requested one. Zero
// means the page is unknown.
func resolvePage(requested int, result models.PageAnalysisResult) int {
	if result.PageNumber > 0 {
		return result.PageNumber
	}
	if requested > 0 {
		return requested
	}
	return 0
}
