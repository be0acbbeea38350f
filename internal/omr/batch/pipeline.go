// Package batch drives many page images through quality check, analysis and grade
// preview while keeping each item's failure to itself.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
)

const (
	// MessageCancelled is the terminal message of items stopped by cancellation.
	MessageCancelled = "analysis cancelled"
	// MessageNoFolio is reported when neither the image nor the service yields a folio.
	MessageNoFolio = "folio could not be read from the page"
	// MessageNoPage is reported when neither the QR hint nor the service yields a page.
	MessageNoPage = "page number could not be inferred"
	// MessageNeedsReview is used for non-ok results without any motivo.
	MessageNeedsReview = "page requires manual review"
)

// ErrBatchRunning indicates the batch is already being processed.
var ErrBatchRunning = errors.New("batch is already running")

// Analyzer sends one page to the detection service.
type Analyzer interface {
	Analyze(ctx context.Context, folio string, pageNumber int, image []byte) (models.PageAnalysisResult, error)
}

// Previewer computes a grade without persisting it.
type Previewer interface {
	Preview(ctx context.Context, folio string, result models.PageAnalysisResult) (models.GradeResult, error)
}

// Upload is one image handed to a new batch.
type Upload struct {
	FileName string
	Data     []byte
}

// Config wires a Pipeline.
type Config struct {
	Analyzer   Analyzer
	Previewer  Previewer
	Thresholds quality.Thresholds
	// Workers bounds concurrent analyses. Zero or less means sequential.
	Workers int
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Pipeline creates and runs batches.
type Pipeline struct {
	analyzer   Analyzer
	previewer  Previewer
	thresholds quality.Thresholds
	workers    int
	logger     zerolog.Logger
	now        func() time.Time
}

// NewPipeline constructs a pipeline.
func NewPipeline(cfg Config) *Pipeline {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	thresholds := cfg.Thresholds
	if thresholds == (quality.Thresholds{}) {
		thresholds = quality.DefaultThresholds()
	}
	return &Pipeline{
		analyzer:   cfg.Analyzer,
		previewer:  cfg.Previewer,
		thresholds: thresholds,
		workers:    workers,
		logger:     cfg.Logger.With().Str("component", "batch_pipeline").Logger(),
		now:        now,
	}
}

// Batch is a set of items processed together. All item mutations go through the
// batch lock so every status update is atomic.
type Batch struct {
	ID        string
	CreatedAt time.Time

	mu      sync.Mutex
	items   []*models.BatchItem
	running bool
}

// NewBatch runs the quality gate synchronously on every upload, so rejected items
// are visible before any network call. Approved items wait in quality_check.
func (p *Pipeline) NewBatch(uploads []Upload) *Batch {
	b := &Batch{ID: uuid.NewString(), CreatedAt: p.now()}
	for _, upload := range uploads {
		item := &models.BatchItem{
			ID:        uuid.NewString(),
			FileName:  upload.FileName,
			Image:     upload.Data,
			Status:    models.BatchItemQueued,
			UpdatedAt: p.now(),
		}
		p.gate(item)
		b.items = append(b.items, item)
	}
	return b
}

func (p *Pipeline) gate(item *models.BatchItem) {
	item.Status = models.BatchItemQualityCheck

	img, err := quality.Decode(item.Image)
	if err != nil {
		report := quality.Unreadable()
		item.Quality = &report
		item.Status = models.BatchItemRejectedQuality
		item.Message = strings.Join(report.Reasons, "; ")
		item.Image = nil
		return
	}

	report := p.thresholds.Evaluate(img)
	item.Quality = &report
	if !report.Approved {
		item.Status = models.BatchItemRejectedQuality
		item.Message = strings.Join(report.Reasons, "; ")
		item.Image = nil
		return
	}

	if parsed, _, err := folio.DecodeImage(img); err == nil {
		item.Folio = parsed.Token
		item.PageNumber = parsed.Page
	}
}

// Items returns a snapshot of every item.
func (b *Batch) Items() []models.BatchItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.BatchItem, len(b.items))
	for i, item := range b.items {
		out[i] = snapshot(item)
	}
	return out
}

// Running reports whether the batch is being processed.
func (b *Batch) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Counts tallies items per status.
func (b *Batch) Counts() map[models.BatchItemStatus]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[models.BatchItemStatus]int)
	for _, item := range b.items {
		out[item.Status]++
	}
	return out
}

// Run processes every item waiting in quality_check. Updates are delivered on the
// returned channel, which is closed once every processed item is terminal.
func (p *Pipeline) Run(ctx context.Context, b *Batch) (<-chan models.BatchStatusUpdate, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil, ErrBatchRunning
	}
	pending := make([]*models.BatchItem, 0, len(b.items))
	for _, item := range b.items {
		if item.Status == models.BatchItemQualityCheck {
			pending = append(pending, item)
		}
	}
	b.running = true
	b.mu.Unlock()

	return p.run(ctx, b, pending, nil), nil
}

// RetryFailed reprocesses exactly the items currently in error. Items that are
// listo or rejected_quality are left alone.
func (p *Pipeline) RetryFailed(ctx context.Context, b *Batch) (<-chan models.BatchStatusUpdate, int, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil, 0, ErrBatchRunning
	}
	var (
		pending []*models.BatchItem
		resets  []models.BatchStatusUpdate
	)
	for _, item := range b.items {
		if item.Status != models.BatchItemError {
			continue
		}
		item.Status = models.BatchItemQualityCheck
		item.Message = ""
		item.Result = nil
		item.Preview = nil
		item.UpdatedAt = p.now()
		pending = append(pending, item)
		resets = append(resets, p.update(b, item))
	}
	b.running = true
	b.mu.Unlock()

	return p.run(ctx, b, pending, resets), len(pending), nil
}

func (p *Pipeline) run(ctx context.Context, b *Batch, pending []*models.BatchItem, initial []models.BatchStatusUpdate) <-chan models.BatchStatusUpdate {
	// Each item emits at most three updates per run.
	updates := make(chan models.BatchStatusUpdate, len(initial)+3*len(pending)+1)
	for _, update := range initial {
		updates <- update
	}

	go func() {
		defer close(updates)
		defer func() {
			b.mu.Lock()
			b.running = false
			b.mu.Unlock()
		}()

		emit := func(update models.BatchStatusUpdate) {
			updates <- update
		}

		var group errgroup.Group
		group.SetLimit(p.workers)
		for _, item := range pending {
			if ctx.Err() != nil {
				p.cancel(b, item, emit)
				continue
			}
			group.Go(func() error {
				p.process(ctx, b, item, emit)
				return nil
			})
		}
		_ = group.Wait()

		counts := b.Counts()
		p.logger.Info().
			Str("batch_id", b.ID).
			Int("processed", len(pending)).
			Int("listo", counts[models.BatchItemReady]).
			Int("error", counts[models.BatchItemError]).
			Msg("batch run finished")
	}()

	return updates
}

func (p *Pipeline) process(ctx context.Context, b *Batch, item *models.BatchItem, emit func(models.BatchStatusUpdate)) {
	if ctx.Err() != nil {
		p.cancel(b, item, emit)
		return
	}

	var (
		token string
		page  int
		image []byte
	)
	emit(p.transition(b, item, func(it *models.BatchItem) {
		it.Status = models.BatchItemAnalyzing
		it.Message = ""
		token, page, image = it.Folio, it.PageNumber, it.Image
	}))

	result, err := p.analyzer.Analyze(ctx, token, page, image)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.cancel(b, item, emit)
			return
		}
		p.logger.Warn().Err(err).Str("batch_id", b.ID).Str("item_id", item.ID).Msg("analysis failed")
		p.fail(b, item, err.Error(), nil, emit)
		return
	}

	if result.EstadoAnalisis != models.AnalysisStatusOK {
		p.fail(b, item, result.FirstReason(MessageNeedsReview), &result, emit)
		return
	}

	if token == "" && result.QRText != nil {
		if parsed, parseErr := folio.Parse(*result.QRText); parseErr == nil {
			token = parsed.Token
		}
	}
	if token == "" {
		p.fail(b, item, MessageNoFolio, &result, emit)
		return
	}

	if result.PageNumber <= 0 {
		result.PageNumber = page
	}
	if result.PageNumber <= 0 {
		p.fail(b, item, MessageNoPage, &result, emit)
		return
	}

	emit(p.transition(b, item, func(it *models.BatchItem) {
		it.Status = models.BatchItemPreviewing
		it.Folio = token
		it.PageNumber = result.PageNumber
		stored := result.Clone()
		it.Result = &stored
	}))

	preview, err := p.previewer.Preview(ctx, token, result)
	if err != nil {
		if ctx.Err() != nil {
			p.cancel(b, item, emit)
			return
		}
		p.fail(b, item, fmt.Sprintf("preview failed: %v", err), &result, emit)
		return
	}

	emit(p.transition(b, item, func(it *models.BatchItem) {
		it.Status = models.BatchItemReady
		it.Preview = &preview
		it.Image = nil
	}))
}

func (p *Pipeline) fail(b *Batch, item *models.BatchItem, message string, result *models.PageAnalysisResult, emit func(models.BatchStatusUpdate)) {
	emit(p.transition(b, item, func(it *models.BatchItem) {
		it.Status = models.BatchItemError
		it.Message = message
		if result != nil {
			stored := result.Clone()
			it.Result = &stored
		}
	}))
}

func (p *Pipeline) cancel(b *Batch, item *models.BatchItem, emit func(models.BatchStatusUpdate)) {
	p.fail(b, item, MessageCancelled, nil, emit)
}

func (p *Pipeline) transition(b *Batch, item *models.BatchItem, mutate func(*models.BatchItem)) models.BatchStatusUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	mutate(item)
	item.UpdatedAt = p.now()
	return p.update(b, item)
}

func (p *Pipeline) update(b *Batch, item *models.BatchItem) models.BatchStatusUpdate {
	var preview *models.GradeResult
	if item.Preview != nil {
		copied := *item.Preview
		preview = &copied
	}
	return models.BatchStatusUpdate{
		BatchID:    b.ID,
		ItemID:     item.ID,
		FileName:   item.FileName,
		Status:     item.Status,
		Message:    item.Message,
		Folio:      item.Folio,
		PageNumber: item.PageNumber,
		Preview:    preview,
		At:         item.UpdatedAt,
	}
}

func snapshot(item *models.BatchItem) models.BatchItem {
	out := *item
	out.Image = nil
	if item.Quality != nil {
		report := *item.Quality
		report.Reasons = append([]string(nil), item.Quality.Reasons...)
		out.Quality = &report
	}
	if item.Result != nil {
		result := item.Result.Clone()
		out.Result = &result
	}
	if item.Preview != nil {
		preview := *item.Preview
		out.Preview = &preview
	}
	if item.StudentID != nil {
		id := *item.StudentID
		out.StudentID = &id
	}
	return out
}
