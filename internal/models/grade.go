package models

import (
	"time"

	"gorm.io/datatypes"
)

// GradeResult is the outcome of comparing consolidated answers to the official key.
type GradeResult struct {
	Correct     int     `json:"correct"`
	Total       int     `json:"total"`
	Answered    int     `json:"answered"`
	ScoreOutOf5 float64 `json:"scoreOutOf5"`
	Bonus       float64 `json:"bonus"`
	FinalScore  float64 `json:"finalScore"`
}

// GradeSubmission is what gets committed to the gradebook.
type GradeSubmission struct {
	ExamID          string
	StudentID       string
	Folio           string
	Correct         int
	Total           int
	Bonus           float64
	FinalScore      float64
	DetectedAnswers []DetectedAnswer
	OMRMetadata     map[string]interface{}
}

// GradeReceipt acknowledges a committed grade.
type GradeReceipt struct {
	ID          uint      `json:"id"`
	ExamID      string    `json:"examId"`
	StudentID   string    `json:"studentId"`
	FinalScore  float64   `json:"finalScore"`
	CommittedAt time.Time `json:"committedAt"`
	Idempotent  bool      `json:"idempotent"`
}

// GradeRecord is the gradebook row written on an explicit commit.
type GradeRecord struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	ExamID          string         `gorm:"size:64;not null;index:idx_grade_exam_student,unique" json:"exam_id"`
	StudentID       string         `gorm:"size:64;not null;index:idx_grade_exam_student,unique" json:"student_id"`
	Folio           string         `gorm:"size:64" json:"folio"`
	Correct         int            `json:"correct"`
	Total           int            `json:"total"`
	Bonus           float64        `json:"bonus"`
	FinalScore      float64        `json:"final_score"`
	DetectedAnswers datatypes.JSON `json:"detected_answers"`
	OMRMetadata     datatypes.JSON `json:"omr_metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
