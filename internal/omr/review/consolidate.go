package review

import (
	"sort"

	"github.com/Dtcsrni/omr-review/internal/models"
)

// CombinePages merges the answers of every page into one list sorted by question
// number. When two pages carry the same question the page with the higher page number
// wins, independent of when either page was recorded.
func CombinePages(pages []models.ExamPageRevision) []models.DetectedAnswer {
	ordered := sortedPages(pages)

	merged := make(map[int]models.DetectedAnswer)
	for _, page := range ordered {
		for _, answer := range page.Answers {
			merged[answer.QuestionNumber] = answer
		}
	}

	out := make([]models.DetectedAnswer, 0, len(merged))
	for _, answer := range merged {
		out = append(out, answer)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuestionNumber < out[j].QuestionNumber
	})
	return models.CloneAnswers(out)
}

// AnswersByNumber indexes a combined answer list.
func AnswersByNumber(answers []models.DetectedAnswer) map[int]models.DetectedAnswer {
	out := make(map[int]models.DetectedAnswer, len(answers))
	for _, answer := range answers {
		out[answer.QuestionNumber] = answer
	}
	return out
}

// ConsolidateResult folds the per-page results into one exam-level result.
//
// The status is the worst page status (rechazado_calidad > requiere_revision > ok);
// quality and confidence are unweighted page means; the ambiguity ratio is recomputed
// over the merged answers. An exam with no pages is reported as needing review.
func ConsolidateResult(pages []models.ExamPageRevision) models.PageAnalysisResult {
	ordered := sortedPages(pages)
	merged := CombinePages(ordered)

	result := models.PageAnalysisResult{
		EstadoAnalisis:  models.AnalysisStatusNeedsReview,
		MotivosRevision: []string{},
		DetectedAnswers: merged,
	}
	if len(ordered) == 0 {
		return result
	}

	result.EstadoAnalisis = models.AnalysisStatusOK
	seenMotivo := make(map[string]struct{})
	var calidad, confianza float64
	for _, page := range ordered {
		status := page.Result.EstadoAnalisis
		if !status.Valid() {
			status = models.AnalysisStatusNeedsReview
		}
		if status.Severity() > result.EstadoAnalisis.Severity() {
			result.EstadoAnalisis = status
		}

		calidad += page.Result.CalidadPagina
		confianza += page.Result.ConfianzaPromedio

		if page.Result.TemplateVersion > result.TemplateVersion {
			result.TemplateVersion = page.Result.TemplateVersion
		}
		if result.QRText == nil && page.Result.QRText != nil {
			text := *page.Result.QRText
			result.QRText = &text
		}
		for _, motivo := range page.Result.MotivosRevision {
			if _, ok := seenMotivo[motivo]; ok {
				continue
			}
			seenMotivo[motivo] = struct{}{}
			result.MotivosRevision = append(result.MotivosRevision, motivo)
		}
	}

	count := float64(len(ordered))
	result.CalidadPagina = calidad / count
	result.ConfianzaPromedio = confianza / count
	result.RatioAmbiguas = AmbiguityRatio(merged)

	return result
}

// AmbiguityRatio is the share of answers that are dudosas.
func AmbiguityRatio(answers []models.DetectedAnswer) float64 {
	if len(answers) == 0 {
		return 0
	}
	return float64(len(DoubtfulQuestions(answers))) / float64(len(answers))
}

// DoubtfulQuestions lists the question numbers needing operator attention.
func DoubtfulQuestions(answers []models.DetectedAnswer) []int {
	out := []int{}
	for _, answer := range answers {
		if answer.IsDoubtful() {
			out = append(out, answer.QuestionNumber)
		}
	}
	sort.Ints(out)
	return out
}

// AllPagesOK reports whether every page came back clean.
func AllPagesOK(pages []models.ExamPageRevision) bool {
	for _, page := range pages {
		if page.Result.EstadoAnalisis != models.AnalysisStatusOK {
			return false
		}
	}
	return true
}

func sortedPages(pages []models.ExamPageRevision) []models.ExamPageRevision {
	ordered := append([]models.ExamPageRevision(nil), pages...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PageNumber < ordered[j].PageNumber
	})
	return ordered
}
