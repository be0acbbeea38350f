package models

import (
	"sort"
	"time"
)

// ExamSheet is one printed exam instance identified by its folio.
type ExamSheet struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Folio           string         `gorm:"size:64;not null;uniqueIndex" json:"folio"`
	ExamID          string         `gorm:"size:64;not null;index" json:"exam_id"`
	StudentID       *string        `gorm:"size:64" json:"student_id"`
	TemplateVersion int            `gorm:"not null;default:1" json:"template_version"`
	Questions       []ExamKeyEntry `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"questions"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ExamKeyEntry is one question of a sheet in print order with its official option.
type ExamKeyEntry struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ExamSheetID uint   `gorm:"not null;index" json:"exam_sheet_id"`
	Number      int    `gorm:"not null" json:"number"`
	Position    int    `gorm:"not null" json:"position"`
	Option      string `gorm:"size:8" json:"option"`
}

// ExamKey is the lookup answer for a folio: official order and key.
type ExamKey struct {
	ExamID            string         `json:"examId"`
	Folio             string         `json:"folio"`
	StudentID         *string        `json:"studentId,omitempty"`
	TemplateVersion   int            `json:"templateVersion"`
	QuestionOrder     []int          `json:"questionOrder"`
	AnswerKeyByNumber map[int]string `json:"answerKeyByNumber"`
}

// Key converts the sheet into its lookup shape. Entries without an option stay out of
// the key map so incomplete keys remain visible to the grading gate.
func (s ExamSheet) Key() ExamKey {
	entries := append([]ExamKeyEntry(nil), s.Questions...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Position < entries[j].Position
	})

	key := ExamKey{
		ExamID:            s.ExamID,
		Folio:             s.Folio,
		StudentID:         s.StudentID,
		TemplateVersion:   s.TemplateVersion,
		QuestionOrder:     make([]int, 0, len(entries)),
		AnswerKeyByNumber: make(map[int]string, len(entries)),
	}
	for _, entry := range entries {
		key.QuestionOrder = append(key.QuestionOrder, entry.Number)
		if entry.Option != "" {
			key.AnswerKeyByNumber[entry.Number] = entry.Option
		}
	}
	return key
}
