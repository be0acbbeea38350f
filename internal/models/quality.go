package models

// CaptureQualityReport is the verdict of the capture-quality gate for one image.
type CaptureQualityReport struct {
	BlurVariance   float64  `json:"blurVariance"`
	BrightnessMean float64  `json:"brightnessMean"`
	SheetAreaRatio float64  `json:"sheetAreaRatio"`
	Approved       bool     `json:"approved"`
	Reasons        []string `json:"reasons"`
}
