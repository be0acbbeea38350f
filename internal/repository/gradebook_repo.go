package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Dtcsrni/omr-review/internal/models"
)

// GradebookRepository writes committed grades.
type GradebookRepository interface {
	SubmitGrade(ctx context.Context, submission models.GradeSubmission) (models.GradeReceipt, error)
	Get(ctx context.Context, examID, studentID string) (models.GradeRecord, error)
}

type gradebookRepository struct {
	db *gorm.DB
}

// NewGradebookRepository constructs a repository backed by GORM.
func NewGradebookRepository(db *gorm.DB) GradebookRepository {
	return &gradebookRepository{db: db}
}

// SubmitGrade stores one grade per exam and student. Re-submitting identical data
// returns the stored receipt flagged as idempotent; changed data replaces the row.
func (r *gradebookRepository) SubmitGrade(ctx context.Context, submission models.GradeSubmission) (models.GradeReceipt, error) {
	answers, err := json.Marshal(submission.DetectedAnswers)
	if err != nil {
		return models.GradeReceipt{}, err
	}
	metadata, err := json.Marshal(submission.OMRMetadata)
	if err != nil {
		return models.GradeReceipt{}, err
	}

	record := models.GradeRecord{
		ExamID:          submission.ExamID,
		StudentID:       submission.StudentID,
		Folio:           submission.Folio,
		Correct:         submission.Correct,
		Total:           submission.Total,
		Bonus:           submission.Bonus,
		FinalScore:      submission.FinalScore,
		DetectedAnswers: datatypes.JSON(answers),
		OMRMetadata:     datatypes.JSON(metadata),
	}

	idempotent := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.GradeRecord
		err := tx.Where("exam_id = ? AND student_id = ?", record.ExamID, record.StudentID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&record).Error
		}
		if err != nil {
			return err
		}

		if sameGrade(existing, record) {
			record = existing
			idempotent = true
			return nil
		}

		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		return tx.Save(&record).Error
	})
	if err != nil {
		return models.GradeReceipt{}, err
	}

	return models.GradeReceipt{
		ID:          record.ID,
		ExamID:      record.ExamID,
		StudentID:   record.StudentID,
		FinalScore:  record.FinalScore,
		CommittedAt: record.UpdatedAt,
		Idempotent:  idempotent,
	}, nil
}

func (r *gradebookRepository) Get(ctx context.Context, examID, studentID string) (models.GradeRecord, error) {
	var record models.GradeRecord
	err := r.db.WithContext(ctx).Where("exam_id = ? AND student_id = ?", examID, studentID).First(&record).Error
	return record, err
}

func sameGrade(a, b models.GradeRecord) bool {
	return a.Correct == b.Correct &&
		a.Total == b.Total &&
		math.Abs(a.Bonus-b.Bonus) < 1e-9 &&
		math.Abs(a.FinalScore-b.FinalScore) < 1e-9 &&
		bytes.Equal(compactJSON(a.DetectedAnswers), compactJSON(b.DetectedAnswers))
}

func compactJSON(raw datatypes.JSON) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
