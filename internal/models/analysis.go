package models

import "strings"

// AnalysisStatus is the per-page verdict reported by the detection service.
type AnalysisStatus string

const (
	// AnalysisStatusOK indicates every mark on the page was read with acceptable confidence.
	AnalysisStatusOK AnalysisStatus = "ok"
	// AnalysisStatusRejectedQuality indicates the service could not read the page at all.
	AnalysisStatusRejectedQuality AnalysisStatus = "rechazado_calidad"
	// AnalysisStatusNeedsReview indicates the page was read but needs an operator.
	AnalysisStatusNeedsReview AnalysisStatus = "requiere_revision"
)

// Severity orders statuses so the worst one wins during consolidation.
func (s AnalysisStatus) Severity() int {
	switch s {
	case AnalysisStatusRejectedQuality:
		return 2
	case AnalysisStatusNeedsReview:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the status is one of the known values.
func (s AnalysisStatus) Valid() bool {
	switch s {
	case AnalysisStatusOK, AnalysisStatusRejectedQuality, AnalysisStatusNeedsReview:
		return true
	default:
		return false
	}
}

// AmbiguityConfidence is the confidence below which an answer is considered dudosa.
const AmbiguityConfidence = 0.75

// DetectedAnswer is the mark read for one question.
type DetectedAnswer struct {
	QuestionNumber int     `json:"numeroPregunta"`
	Option         *string `json:"opcion"`
	Confidence     float64 `json:"confianza"`
}

// IsDoubtful reports whether the answer needs operator attention.
func (a DetectedAnswer) IsDoubtful() bool {
	return a.Option == nil || a.Confidence < AmbiguityConfidence
}

// PageAnalysisResult is the canonical result for one scanned page.
type PageAnalysisResult struct {
	EstadoAnalisis    AnalysisStatus   `json:"estadoAnalisis"`
	CalidadPagina     float64          `json:"calidadPagina"`
	ConfianzaPromedio float64          `json:"confianzaPromedio"`
	RatioAmbiguas     float64          `json:"ratioAmbiguas"`
	TemplateVersion   int              `json:"templateVersion"`
	MotivosRevision   []string         `json:"motivosRevision"`
	DetectedAnswers   []DetectedAnswer `json:"respuestasDetectadas"`
	QRText            *string          `json:"qrTexto,omitempty"`
	PageNumber        int              `json:"numeroPagina,omitempty"`
}

// FirstReason returns the first review reason, or the fallback when none was reported.
func (r PageAnalysisResult) FirstReason(fallback string) string {
	for _, motivo := range r.MotivosRevision {
		if trimmed := strings.TrimSpace(motivo); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

// Clone returns a deep copy so stored results never alias caller slices.
func (r PageAnalysisResult) Clone() PageAnalysisResult {
	out := r
	if r.MotivosRevision != nil {
		out.MotivosRevision = append([]string{}, r.MotivosRevision...)
	}
	out.DetectedAnswers = CloneAnswers(r.DetectedAnswers)
	if r.QRText != nil {
		text := *r.QRText
		out.QRText = &text
	}
	return out
}

// CloneAnswers deep copies an answer list including option pointers.
func CloneAnswers(answers []DetectedAnswer) []DetectedAnswer {
	if answers == nil {
		return nil
	}
	out := make([]DetectedAnswer, len(answers))
	for i, answer := range answers {
		out[i] = answer
		if answer.Option != nil {
			option := *answer.Option
			out[i].Option = &option
		}
	}
	return out
}

// NormalizeOption upper-cases and trims an option, returning nil when it is not A–E.
func NormalizeOption(option *string) *string {
	if option == nil {
		return nil
	}
	value := strings.ToUpper(strings.TrimSpace(*option))
	switch value {
	case "A", "B", "C", "D", "E":
		return &value
	default:
		return nil
	}
}
