package dto

import (
	"time"

	"github.com/Dtcsrni/omr-review/internal/models"
)

// BatchResponse is the snapshot of a batch and its items.
type BatchResponse struct {
	ID        string                         `json:"id"`
	CreatedAt time.Time                      `json:"createdAt"`
	Running   bool                           `json:"running"`
	Items     []models.BatchItem             `json:"items"`
	Counts    map[models.BatchItemStatus]int `json:"counts"`
}

// BatchRetryResponse reports how many failed items were queued again.
type BatchRetryResponse struct {
	Batch   BatchResponse `json:"batch"`
	Retried int           `json:"retried"`
}

// BatchStreamMessage is one frame of the batch websocket: the snapshot sent on
// connect, then one frame per item transition.
type BatchStreamMessage struct {
	Type   string                    `json:"type"`
	Batch  *BatchResponse            `json:"batch,omitempty"`
	Update *models.BatchStatusUpdate `json:"update,omitempty"`
}
