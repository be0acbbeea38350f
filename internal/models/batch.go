package models

import "time"

// BatchItemStatus tracks one image through the batch pipeline.
type BatchItemStatus string

const (
	BatchItemQueued          BatchItemStatus = "queued"
	BatchItemQualityCheck    BatchItemStatus = "quality_check"
	BatchItemRejectedQuality BatchItemStatus = "rejected_quality"
	BatchItemAnalyzing       BatchItemStatus = "analyzing"
	BatchItemPreviewing      BatchItemStatus = "precalificando"
	BatchItemReady           BatchItemStatus = "listo"
	BatchItemError           BatchItemStatus = "error"
)

// Terminal reports whether no further processing happens without an explicit retry.
func (s BatchItemStatus) Terminal() bool {
	switch s {
	case BatchItemRejectedQuality, BatchItemReady, BatchItemError:
		return true
	default:
		return false
	}
}

// BatchItem is one uploaded image inside a batch.
type BatchItem struct {
	ID         string                `json:"id"`
	FileName   string                `json:"fileName"`
	Image      []byte                `json:"-"`
	Status     BatchItemStatus       `json:"status"`
	Message    string                `json:"message,omitempty"`
	Folio      string                `json:"folio,omitempty"`
	PageNumber int                   `json:"pageNumber,omitempty"`
	StudentID  *string               `json:"studentId,omitempty"`
	Quality    *CaptureQualityReport `json:"quality,omitempty"`
	Result     *PageAnalysisResult   `json:"result,omitempty"`
	Preview    *GradeResult          `json:"preview,omitempty"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// BatchStatusUpdate is emitted whenever an item changes status.
type BatchStatusUpdate struct {
	BatchID    string          `json:"batchId"`
	ItemID     string          `json:"itemId"`
	FileName   string          `json:"fileName"`
	Status     BatchItemStatus `json:"status"`
	Message    string          `json:"message,omitempty"`
	Folio      string          `json:"folio,omitempty"`
	PageNumber int             `json:"pageNumber,omitempty"`
	Preview    *GradeResult    `json:"preview,omitempty"`
	At         time.Time       `json:"at"`
}
