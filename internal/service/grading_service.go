package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/observability"
	"github.com/Dtcsrni/omr-review/internal/omr/grading"
	"github.com/Dtcsrni/omr-review/internal/omr/review"
	"github.com/Dtcsrni/omr-review/internal/repository"
)

// GradingService previews and commits grades of reviewed exams.
type GradingService interface {
	Preview(ctx context.Context, value string, query dto.GradePreviewQuery) (models.GradeResult, error)
	Commit(ctx context.Context, value string, payload dto.GradeCommitRequest) (dto.GradeCommitResponse, error)
}

type gradingService struct {
	store     *review.Store
	gradebook repository.GradebookRepository
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewGradingService constructs the grading service.
func NewGradingService(store *review.Store, gradebook repository.GradebookRepository, validate *validator.Validate, logger zerolog.Logger) GradingService {
	return &gradingService{
		store:     store,
		gradebook: gradebook,
		validator: validate,
		logger:    logger.With().Str("component", "grading_service").Logger(),
		tracer:    otel.Tracer("github.com/Dtcsrni/omr-review/internal/service/grading"),
	}
}

// Preview computes the grade without writing anything.
func (s *gradingService) Preview(_ context.Context, value string, query dto.GradePreviewQuery) (models.GradeResult, error) {
	if err := s.validator.Struct(query); err != nil {
		return models.GradeResult{}, err
	}
	revision, err := s.store.Get(value)
	if err != nil {
		return models.GradeResult{}, err
	}
	return grading.ForRevision(revision, query.Bonus, query.BonusEnabled), nil
}

// Commit checks every gate and then writes the grade of the sheet. A failed gate
// never yields a partial score.
func (s *gradingService) Commit(ctx context.Context, value string, payload dto.GradeCommitRequest) (dto.GradeCommitResponse, error) {
	ctx, span := s.tracer.Start(ctx, "grading.commit", trace.WithAttributes(attribute.String("grading.folio", value)))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.GradeCommitResponse{}, err
	}

	revision, err := s.store.Get(value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exam_not_found")
		return dto.GradeCommitResponse{}, err
	}

	studentID := strings.TrimSpace(payload.StudentID)
	if studentID == "" && revision.StudentID != nil {
		studentID = *revision.StudentID
	}

	if err := grading.CheckCommit(revision, studentID); err != nil {
		observability.GradeCommits().WithLabelValues(commitOutcome(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit_blocked")
		return dto.GradeCommitResponse{}, err
	}

	grade := grading.ForRevision(revision, payload.Bonus, payload.BonusEnabled)
	receipt, err := s.gradebook.SubmitGrade(ctx, grading.Submission(revision, studentID, grade))
	if err != nil {
		observability.GradeCommits().WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "gradebook_failed")
		return dto.GradeCommitResponse{}, err
	}

	outcome := "committed"
	if receipt.Idempotent {
		outcome = "idempotent"
	}
	observability.GradeCommits().WithLabelValues(outcome).Inc()
	s.logger.Info().
		Str("exam_id", revision.ExamID).
		Str("folio", revision.Folio).
		Str("student_id", studentID).
		Float64("final_score", grade.FinalScore).
		Bool("idempotent", receipt.Idempotent).
		Msg("grade committed")

	return dto.GradeCommitResponse{Grade: grade, Receipt: receipt}, nil
}

func commitOutcome(err error) string {
	var keyErr *grading.KeyIncompleteError
	switch {
	case errors.As(err, &keyErr):
		return "key_incomplete"
	case errors.Is(err, grading.ErrConfirmationRequired):
		return "confirmation_required"
	default:
		return "invalid"
	}
}
