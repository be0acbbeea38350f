package dto

import (
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/review"
)

// PageUploadRequest describes the form fields that accompany a page image.
type PageUploadRequest struct {
	Folio      string `form:"folio" validate:"omitempty,max=64"`
	PageNumber int    `form:"pageNumber" validate:"gte=0,lte=100"`
}

// AnswerEditRequest sets or clears one answer. A null or empty option clears it.
type AnswerEditRequest struct {
	QuestionNumber int     `json:"questionNumber" validate:"required,gt=0"`
	Option         *string `json:"option" validate:"omitempty,max=3"`
	ActivePage     int     `json:"activePage" validate:"gte=0"`
}

// ConfirmationRequest records the operator's confirmation claim.
type ConfirmationRequest struct {
	Confirmed *bool `json:"confirmed" validate:"required"`
}

// PageIngestResponse is returned after a page went through gate, analysis and ingestion.
type PageIngestResponse struct {
	ExamID     string                      `json:"examId"`
	Folio      string                      `json:"folio"`
	PageNumber int                         `json:"pageNumber"`
	Quality    models.CaptureQualityReport `json:"quality"`
	Result     models.PageAnalysisResult   `json:"result"`
	Summary    review.Summary              `json:"summary"`
}
