package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/observability"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
	"github.com/Dtcsrni/omr-review/internal/repository"
)

// ErrExamNotRegistered indicates the folio does not belong to any printed exam.
var ErrExamNotRegistered = errors.New("folio is not registered to an exam")

// ExamKeyService resolves a folio to its exam, question order and answer key.
type ExamKeyService interface {
	GetByFolio(ctx context.Context, value string) (models.ExamKey, error)
	Invalidate(ctx context.Context, value string) error
}

type examKeyService struct {
	repo     repository.ExamRepository
	cache    *redis.Client
	cacheTTL time.Duration
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewExamKeyService builds the lookup. A nil cache disables caching.
func NewExamKeyService(repo repository.ExamRepository, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) ExamKeyService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &examKeyService{
		repo:     repo,
		cache:    cache,
		cacheTTL: ttl,
		logger:   logger.With().Str("component", "exam_key_service").Logger(),
		tracer:   otel.Tracer("github.com/Dtcsrni/omr-review/internal/service/exam_key"),
	}
}

func examKeyCacheKey(value string) string {
	return fmt.Sprintf("omr:exam-key:%s", folio.Normalize(value))
}

func (s *examKeyService) GetByFolio(ctx context.Context, value string) (models.ExamKey, error) {
	ctx, span := s.tracer.Start(ctx, "exam_key.get", trace.WithAttributes(attribute.String("exam.folio", folio.Normalize(value))))
	defer span.End()

	cacheKey := examKeyCacheKey(value)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var key models.ExamKey
			if unmarshalErr := json.Unmarshal([]byte(cached), &key); unmarshalErr == nil {
				observability.ExamKeyCache().WithLabelValues("hit").Inc()
				return key, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read exam key cache")
		}
	}
	observability.ExamKeyCache().WithLabelValues("miss").Inc()

	sheet, err := s.repo.GetByFolio(ctx, value)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, repository.ErrExamSheetNotFound) {
			span.SetStatus(codes.Error, "exam_not_registered")
			return models.ExamKey{}, fmt.Errorf("%s: %w", folio.Normalize(value), ErrExamNotRegistered)
		}
		span.SetStatus(codes.Error, "exam_lookup_failed")
		return models.ExamKey{}, err
	}

	key := sheet.Key()
	if s.cache != nil {
		if payload, err := json.Marshal(key); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store exam key cache")
			}
		}
	}

	return key, nil
}

func (s *examKeyService) Invalidate(ctx context.Context, value string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, examKeyCacheKey(value)).Err()
}
