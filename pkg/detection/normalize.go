package detection

import (
	"html"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/Dtcsrni/omr-review/internal/models"
)

// RawAnswer mirrors one detected answer as the service sends it.
type RawAnswer struct {
	QuestionNumber *int     `json:"numeroPregunta"`
	Option         *string  `json:"opcion"`
	Confidence     *float64 `json:"confianza"`
}

// RawResult mirrors the detection response; every field may be absent.
type RawResult struct {
	EstadoAnalisis    *string     `json:"estadoAnalisis"`
	CalidadPagina     *float64    `json:"calidadPagina"`
	ConfianzaPromedio *float64    `json:"confianzaPromedio"`
	RatioAmbiguas     *float64    `json:"ratioAmbiguas"`
	TemplateVersion   *int        `json:"templateVersion"`
	MotivosRevision   []string    `json:"motivosRevision"`
	Answers           []RawAnswer `json:"respuestasDetectadas"`
	QRText            *string     `json:"qrTexto"`
	PageNumber        *int        `json:"numeroPagina"`
}

// Normalizer applies response defaults. It is the only place defaults are decided.
type Normalizer struct {
	DefaultTemplateVersion int
	sanitizer              *bluemonday.Policy
}

// NewNormalizer constructs a normalizer for the given template version.
func NewNormalizer(defaultTemplateVersion int) Normalizer {
	if defaultTemplateVersion <= 0 {
		defaultTemplateVersion = 1
	}
	return Normalizer{
		DefaultTemplateVersion: defaultTemplateVersion,
		sanitizer:              bluemonday.StripTagsPolicy(),
	}
}

// Normalize converts a raw response into the canonical page result. requestedPage is
// used when the service does not echo or infer a page number.
func (n Normalizer) Normalize(raw RawResult, requestedPage int) models.PageAnalysisResult {
	result := models.PageAnalysisResult{
		EstadoAnalisis:    normalizeStatus(raw.EstadoAnalisis),
		CalidadPagina:     unit(raw.CalidadPagina),
		ConfianzaPromedio: unit(raw.ConfianzaPromedio),
		RatioAmbiguas:     unit(raw.RatioAmbiguas),
		TemplateVersion:   n.DefaultTemplateVersion,
		MotivosRevision:   []string{},
		DetectedAnswers:   []models.DetectedAnswer{},
		PageNumber:        requestedPage,
	}

	if raw.TemplateVersion != nil && *raw.TemplateVersion > 0 {
		result.TemplateVersion = *raw.TemplateVersion
	}
	if raw.PageNumber != nil && *raw.PageNumber > 0 {
		result.PageNumber = *raw.PageNumber
	}
	if raw.QRText != nil && strings.TrimSpace(*raw.QRText) != "" {
		text := strings.TrimSpace(*raw.QRText)
		result.QRText = &text
	}

	for _, motivo := range raw.MotivosRevision {
		clean := strings.TrimSpace(n.sanitize(motivo))
		if clean != "" {
			result.MotivosRevision = append(result.MotivosRevision, clean)
		}
	}

	byNumber := make(map[int]models.DetectedAnswer, len(raw.Answers))
	for _, answer := range raw.Answers {
		if answer.QuestionNumber == nil || *answer.QuestionNumber <= 0 {
			continue
		}
		byNumber[*answer.QuestionNumber] = models.DetectedAnswer{
			QuestionNumber: *answer.QuestionNumber,
			Option:         models.NormalizeOption(answer.Option),
			Confidence:     unit(answer.Confidence),
		}
	}
	for _, answer := range byNumber {
		result.DetectedAnswers = append(result.DetectedAnswers, answer)
	}
	sort.Slice(result.DetectedAnswers, func(i, j int) bool {
		return result.DetectedAnswers[i].QuestionNumber < result.DetectedAnswers[j].QuestionNumber
	})

	return result
}

// sanitize drops markup from service text. The policy escapes entities on output, so
// they are decoded again to keep motivos as plain text.
func (n Normalizer) sanitize(value string) string {
	if n.sanitizer == nil {
		return value
	}
	return html.UnescapeString(n.sanitizer.Sanitize(value))
}

// normalizeStatus treats a missing or unknown verdict as needing review so that an
// incomplete response can never pass as a clean page.
func normalizeStatus(value *string) models.AnalysisStatus {
	if value == nil {
		return models.AnalysisStatusNeedsReview
	}
	status := models.AnalysisStatus(strings.ToLower(strings.TrimSpace(*value)))
	if !status.Valid() {
		return models.AnalysisStatusNeedsReview
	}
	return status
}

func unit(value *float64) float64 {
	if value == nil {
		return 0
	}
	switch {
	case *value < 0:
		return 0
	case *value > 1:
		return 1
	default:
		return *value
	}
}
