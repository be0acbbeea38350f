package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Dtcsrni/omr-review/internal/models"
)

// ErrExamSheetNotFound indicates no printed sheet carries the folio.
var ErrExamSheetNotFound = errors.New("exam sheet not found")

// ExamRepository resolves printed sheets and their answer keys.
type ExamRepository interface {
	GetByFolio(ctx context.Context, folio string) (models.ExamSheet, error)
	Save(ctx context.Context, sheet *models.ExamSheet) error
}

type examRepository struct {
	db *gorm.DB
}

// NewExamRepository constructs a repository backed by GORM.
func NewExamRepository(db *gorm.DB) ExamRepository {
	return &examRepository{db: db}
}

func (r *examRepository) GetByFolio(ctx context.Context, folio string) (models.ExamSheet, error) {
	var sheet models.ExamSheet
	err := r.db.WithContext(ctx).
		Preload("Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("folio = ?", strings.ToUpper(strings.TrimSpace(folio))).
		First(&sheet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ExamSheet{}, ErrExamSheetNotFound
		}
		return models.ExamSheet{}, err
	}
	return sheet, nil
}

// Save inserts or replaces a sheet together with its questions.
func (r *examRepository) Save(ctx context.Context, sheet *models.ExamSheet) error {
	sheet.Folio = strings.ToUpper(strings.TrimSpace(sheet.Folio))
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ExamSheet
		err := tx.Where("folio = ?", sheet.Folio).First(&existing).Error
		switch {
		case err == nil:
			sheet.ID = existing.ID
			sheet.CreatedAt = existing.CreatedAt
			if err := tx.Where("exam_sheet_id = ?", existing.ID).Delete(&models.ExamKeyEntry{}).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		questions := sheet.Questions
		sheet.Questions = nil
		if err := tx.Omit(clause.Associations).Save(sheet).Error; err != nil {
			return err
		}
		for i := range questions {
			questions[i].ID = 0
			questions[i].ExamSheetID = sheet.ID
			questions[i].Option = strings.ToUpper(strings.TrimSpace(questions[i].Option))
		}
		if len(questions) > 0 {
			if err := tx.Create(&questions).Error; err != nil {
				return err
			}
		}
		sheet.Questions = questions
		return nil
	})
}
