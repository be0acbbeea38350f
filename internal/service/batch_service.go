package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/observability"
	"github.com/Dtcsrni/omr-review/internal/omr/batch"
	"github.com/Dtcsrni/omr-review/internal/omr/grading"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
)

var (
	// ErrBatchNotFound indicates an unknown batch id.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrEmptyBatch indicates a batch without images.
	ErrEmptyBatch = errors.New("batch requires at least one image")
	// ErrImageTooLarge indicates an upload above the configured size limit.
	ErrImageTooLarge = errors.New("image exceeds the maximum allowed size")
	// ErrBatchRemote indicates the batch runs on another node, which holds its images.
	ErrBatchRemote = errors.New("batch is processed by another node")
)

// BatchConfig bounds batch processing. Snapshots, when set, publishes batch state to
// the other nodes.
type BatchConfig struct {
	Workers       int
	MaxImageBytes int
	Thresholds    quality.Thresholds
	Snapshots     BatchSnapshotStore
}

// BatchService creates batches, runs them in the background and streams status updates.
type BatchService interface {
	Create(ctx context.Context, uploads []batch.Upload) (dto.BatchResponse, error)
	Get(ctx context.Context, id string) (dto.BatchResponse, error)
	Retry(ctx context.Context, id string) (dto.BatchRetryResponse, error)
	Stream(ctx context.Context, id string) (dto.BatchResponse, <-chan models.BatchStatusUpdate, func(), error)
	Start(ctx context.Context)
}

type batchService struct {
	pipeline  *batch.Pipeline
	broker    BatchUpdateBroker
	snapshots BatchSnapshotStore
	maxBytes  int
	logger    zerolog.Logger
	tracer    trace.Tracer

	mu      sync.RWMutex
	batches map[string]*batch.Batch
	baseCtx context.Context
}

// NewBatchService wires the pipeline. Ready items are recorded in the review flow so
// they can be confirmed and committed later.
func NewBatchService(analyzer batch.Analyzer, reviews ReviewService, broker BatchUpdateBroker, cfg BatchConfig, logger zerolog.Logger) BatchService {
	return &batchService{
		pipeline: batch.NewPipeline(batch.Config{
			Analyzer:   analyzer,
			Previewer:  &reviewPreviewer{reviews: reviews},
			Thresholds: cfg.Thresholds,
			Workers:    cfg.Workers,
			Logger:     logger,
		}),
		broker:    broker,
		snapshots: cfg.Snapshots,
		maxBytes:  cfg.MaxImageBytes,
		logger:    logger.With().Str("component", "batch_service").Logger(),
		tracer:    otel.Tracer("github.com/Dtcsrni/omr-review/internal/service/batch"),
		batches:   make(map[string]*batch.Batch),
		baseCtx:   context.Background(),
	}
}

// Start binds background runs to ctx, so shutdown cancels in-flight analyses.
func (s *batchService) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

func (s *batchService) Create(ctx context.Context, uploads []batch.Upload) (dto.BatchResponse, error) {
	_, span := s.tracer.Start(ctx, "batch.create", trace.WithAttributes(attribute.Int("batch.uploads", len(uploads))))
	defer span.End()

	if len(uploads) == 0 {
		return dto.BatchResponse{}, ErrEmptyBatch
	}
	if s.maxBytes > 0 {
		for _, upload := range uploads {
			if len(upload.Data) > s.maxBytes {
				return dto.BatchResponse{}, fmt.Errorf("%w: %s", ErrImageTooLarge, upload.FileName)
			}
		}
	}

	b := s.pipeline.NewBatch(uploads)
	for _, item := range b.Items() {
		if item.Quality != nil {
			recordQuality(*item.Quality, nil)
		}
		if item.Status == models.BatchItemRejectedQuality {
			observability.BatchTransitions().WithLabelValues(string(item.Status)).Inc()
		}
	}

	s.mu.Lock()
	s.batches[b.ID] = b
	runCtx := s.baseCtx
	s.mu.Unlock()

	span.SetAttributes(attribute.String("batch.id", b.ID))
	s.share(runCtx, b)

	updates, err := s.pipeline.Run(runCtx, b)
	if err != nil {
		return dto.BatchResponse{}, err
	}
	s.forward(runCtx, b, updates)

	s.logger.Info().Str("batch_id", b.ID).Int("items", len(uploads)).Msg("batch created")
	return snapshotBatch(b), nil
}

func (s *batchService) Get(ctx context.Context, id string) (dto.BatchResponse, error) {
	b, err := s.lookup(id)
	if err == nil {
		return snapshotBatch(b), nil
	}
	if s.snapshots == nil {
		return dto.BatchResponse{}, err
	}
	return s.snapshots.Load(ctx, id)
}

func (s *batchService) Retry(ctx context.Context, id string) (dto.BatchRetryResponse, error) {
	_, span := s.tracer.Start(ctx, "batch.retry", trace.WithAttributes(attribute.String("batch.id", id)))
	defer span.End()

	b, err := s.lookup(id)
	if err != nil {
		if s.snapshots != nil {
			if _, loadErr := s.snapshots.Load(ctx, id); loadErr == nil {
				return dto.BatchRetryResponse{}, ErrBatchRemote
			}
		}
		return dto.BatchRetryResponse{}, err
	}

	s.mu.RLock()
	runCtx := s.baseCtx
	s.mu.RUnlock()

	updates, retried, err := s.pipeline.RetryFailed(runCtx, b)
	if err != nil {
		return dto.BatchRetryResponse{}, err
	}
	s.forward(runCtx, b, updates)

	s.logger.Info().Str("batch_id", id).Int("retried", retried).Msg("batch retry started")
	return dto.BatchRetryResponse{Batch: snapshotBatch(b), Retried: retried}, nil
}

// Stream subscribes to a batch and then takes its snapshot. Every transition after
// the snapshot reaches the channel; earlier ones may arrive again and carry the
// same item state.
func (s *batchService) Stream(ctx context.Context, id string) (dto.BatchResponse, <-chan models.BatchStatusUpdate, func(), error) {
	ch, cleanup := s.broker.Subscribe(id)
	snapshot, err := s.Get(ctx, id)
	if err != nil {
		cleanup()
		return dto.BatchResponse{}, nil, nil, err
	}

	observability.BatchStreamsActive().Inc()
	var once sync.Once
	return snapshot, ch, func() {
		once.Do(func() {
			observability.BatchStreamsActive().Dec()
			cleanup()
		})
	}, nil
}

func (s *batchService) lookup(id string) (*batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return b, nil
}

// forward shares the batch state before publishing each update, so a remote stream
// that loads the snapshot after subscribing never misses a transition.
func (s *batchService) forward(ctx context.Context, b *batch.Batch, updates <-chan models.BatchStatusUpdate) {
	publishCtx := context.WithoutCancel(ctx)
	go func() {
		for update := range updates {
			observability.BatchTransitions().WithLabelValues(string(update.Status)).Inc()
			s.share(publishCtx, b)
			s.broker.Publish(publishCtx, update)
		}
		s.share(publishCtx, b)
	}()
}

func (s *batchService) share(ctx context.Context, b *batch.Batch) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Save(context.WithoutCancel(ctx), snapshotBatch(b)); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("failed to share batch snapshot")
	}
}

func snapshotBatch(b *batch.Batch) dto.BatchResponse {
	return dto.BatchResponse{
		ID:        b.ID,
		CreatedAt: b.CreatedAt,
		Running:   b.Running(),
		Items:     b.Items(),
		Counts:    b.Counts(),
	}
}

// reviewPreviewer records a ready page in the review flow and scores the exam as it
// stands, without bonus.
type reviewPreviewer struct {
	reviews ReviewService
}

func (p *reviewPreviewer) Preview(ctx context.Context, value string, result models.PageAnalysisResult) (models.GradeResult, error) {
	summary, err := p.reviews.IngestResult(ctx, value, result.PageNumber, result, nil, "")
	if err != nil {
		return models.GradeResult{}, err
	}
	return grading.ForRevision(summary.Revision, 0, false), nil
}
