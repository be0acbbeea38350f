// Package grading turns consolidated answers into a score out of 5 and guards the
// gradebook commit.
package grading

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/review"
)

const (
	// MaxScore is the ceiling of both the raw and the final score.
	MaxScore = 5.00
	// MaxBonus is the largest bonus an operator may grant.
	MaxBonus = 0.5
)

var (
	// ErrMissingExam blocks a commit without an exam id.
	ErrMissingExam = errors.New("exam id is required")
	// ErrMissingStudent blocks a commit without a student id.
	ErrMissingStudent = errors.New("student id is required")
	// ErrEmptyQuestionOrder blocks a commit for an exam without questions.
	ErrEmptyQuestionOrder = errors.New("exam has no questions")
	// ErrConfirmationRequired blocks a commit when a page needs review and the operator has not confirmed.
	ErrConfirmationRequired = errors.New("review confirmation required before committing")
)

// KeyIncompleteError lists the questions without an official answer.
type KeyIncompleteError struct {
	Missing []int
}

func (e *KeyIncompleteError) Error() string {
	if len(e.Missing) == 0 {
		return "answer key is incomplete"
	}
	if len(e.Missing) == 1 {
		return fmt.Sprintf("missing key for question %d", e.Missing[0])
	}
	return fmt.Sprintf("missing key for question %d (and %d more)", e.Missing[0], len(e.Missing)-1)
}

// Input collects what Compute needs.
type Input struct {
	QuestionOrder     []int
	AnswerKeyByNumber map[int]string
	Answers           []models.DetectedAnswer
	Bonus             float64
	BonusEnabled      bool
}

// Compute scores the answers against the key. Every question in QuestionOrder counts
// toward the total, answered or not.
func Compute(in Input) models.GradeResult {
	detected := review.AnswersByNumber(in.Answers)

	result := models.GradeResult{Total: len(in.QuestionOrder)}
	for _, number := range in.QuestionOrder {
		option := normalize(detected[number].Option)
		key := normalize(optionPtr(in.AnswerKeyByNumber[number]))
		if option == "" {
			continue
		}
		result.Answered++
		if key != "" && option == key {
			result.Correct++
		}
	}

	if result.Total > 0 && result.Correct == result.Total {
		result.ScoreOutOf5 = MaxScore
	} else {
		denominator := result.Total
		if denominator < 1 {
			denominator = 1
		}
		result.ScoreOutOf5 = round2(float64(result.Correct) / float64(denominator) * MaxScore)
	}

	bonus := ClampBonus(in.Bonus)
	if result.ScoreOutOf5 >= MaxScore || !in.BonusEnabled {
		bonus = 0
	}
	result.Bonus = bonus
	result.FinalScore = round2(math.Min(MaxScore, result.ScoreOutOf5+bonus))
	return result
}

// ForRevision scores the merged answers of every page of an exam.
func ForRevision(revision models.ExamRevision, bonus float64, bonusEnabled bool) models.GradeResult {
	return Compute(Input{
		QuestionOrder:     revision.QuestionOrder,
		AnswerKeyByNumber: revision.AnswerKeyByNumber,
		Answers:           review.CombinePages(revision.Pages),
		Bonus:             bonus,
		BonusEnabled:      bonusEnabled,
	})
}

// ClampBonus bounds an operator bonus to [0, MaxBonus].
func ClampBonus(bonus float64) float64 {
	if math.IsNaN(bonus) || bonus < 0 {
		return 0
	}
	if bonus > MaxBonus {
		return MaxBonus
	}
	return bonus
}

// MissingKeys returns the questions of the order without a usable key option.
func MissingKeys(order []int, key map[int]string) []int {
	missing := []int{}
	for _, number := range order {
		if strings.TrimSpace(key[number]) == "" {
			missing = append(missing, number)
		}
	}
	return missing
}

// CheckCommit enforces the gates that must hold before a grade is written. It never
// degrades to a partial score.
func CheckCommit(revision models.ExamRevision, studentID string) error {
	if strings.TrimSpace(revision.ExamID) == "" {
		return ErrMissingExam
	}
	if strings.TrimSpace(studentID) == "" {
		return ErrMissingStudent
	}
	if len(revision.QuestionOrder) == 0 {
		return ErrEmptyQuestionOrder
	}
	if missing := MissingKeys(revision.QuestionOrder, revision.AnswerKeyByNumber); len(missing) > 0 {
		return &KeyIncompleteError{Missing: missing}
	}
	consolidated := review.ConsolidateResult(revision.Pages)
	if consolidated.EstadoAnalisis != models.AnalysisStatusOK && !revision.Confirmed {
		return ErrConfirmationRequired
	}
	return nil
}

// Submission assembles the gradebook payload for a checked revision.
func Submission(revision models.ExamRevision, studentID string, grade models.GradeResult) models.GradeSubmission {
	consolidated := review.ConsolidateResult(revision.Pages)
	return models.GradeSubmission{
		ExamID:          revision.ExamID,
		StudentID:       strings.TrimSpace(studentID),
		Folio:           revision.Folio,
		Correct:         grade.Correct,
		Total:           grade.Total,
		Bonus:           grade.Bonus,
		FinalScore:      grade.FinalScore,
		DetectedAnswers: consolidated.DetectedAnswers,
		OMRMetadata: map[string]interface{}{
			"estadoAnalisis":    string(consolidated.EstadoAnalisis),
			"calidadPagina":     consolidated.CalidadPagina,
			"confianzaPromedio": consolidated.ConfianzaPromedio,
			"ratioAmbiguas":     consolidated.RatioAmbiguas,
			"templateVersion":   consolidated.TemplateVersion,
			"motivosRevision":   consolidated.MotivosRevision,
			"paginas":           len(revision.Pages),
			"confirmado":        revision.Confirmed,
			"answered":          grade.Answered,
			"scoreOutOf5":       grade.ScoreOutOf5,
		},
	}
}

func optionPtr(option string) *string {
	return &option
}

func normalize(option *string) string {
	if option == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(*option))
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
