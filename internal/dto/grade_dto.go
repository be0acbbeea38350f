package dto

import "github.com/Dtcsrni/omr-review/internal/models"

// GradePreviewQuery is bound from the preview query string.
type GradePreviewQuery struct {
	Bonus        float64 `query:"bonus" validate:"lte=5"`
	BonusEnabled bool    `query:"bonusEnabled"`
}

// GradeCommitRequest commits the reviewed exam to the gradebook. StudentID overrides
// the student bound to the folio, if any.
type GradeCommitRequest struct {
	StudentID    string  `json:"studentId" validate:"omitempty,max=64"`
	Bonus        float64 `json:"bonus" validate:"lte=5"`
	BonusEnabled bool    `json:"bonusEnabled"`
}

// GradeCommitResponse pairs the committed grade with its gradebook receipt.
type GradeCommitResponse struct {
	Grade   models.GradeResult  `json:"grade"`
	Receipt models.GradeReceipt `json:"receipt"`
}
