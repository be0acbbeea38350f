// Package review keeps the per-sheet review state of a scanning session and merges
// page results into one exam-level answer set.
//
// State only changes through Apply, a pure function of the previous state and one
// Event. Store serializes events per folio and records them so any sheet can be
// rebuilt with Replay.
package review

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
)

var (
	// ErrExamNotFound indicates the folio has no review state in this session.
	ErrExamNotFound = errors.New("exam revision not found")
	// ErrNoPages indicates an answer edit on an exam without any page.
	ErrNoPages = errors.New("exam has no pages to edit")
	// ErrInvalidQuestion indicates a non-positive question number.
	ErrInvalidQuestion = errors.New("question number must be positive")
	// ErrInvalidPage indicates a non-positive page number.
	ErrInvalidPage = errors.New("page number must be positive")
	// ErrInvalidOption indicates an option outside A–E.
	ErrInvalidOption = errors.New("option must be one of A, B, C, D, E or empty")
	// ErrFolioRequired indicates a page without the folio of its sheet.
	ErrFolioRequired = errors.New("folio is required to identify the exam sheet")
	// ErrFolioMismatch indicates an event addressed to a different sheet.
	ErrFolioMismatch = errors.New("event folio does not match the exam revision")
	// ErrUnknownEvent indicates an event kind Apply does not understand.
	ErrUnknownEvent = errors.New("unknown review event")
)

// EventKind names the three transitions of an exam revision.
type EventKind string

const (
	EventPageIngested    EventKind = "page_ingested"
	EventAnswerEdited    EventKind = "answer_edited"
	EventConfirmationSet EventKind = "confirmation_set"
)

// Event is one entry of a sheet's event log. At is advisory: it only feeds
// UpdatedAt and never decides how state merges. Image bytes never travel in events.
type Event struct {
	Kind  EventKind `json:"kind"`
	Folio string    `json:"folio"`
	At    time.Time `json:"at"`

	// page_ingested
	PageNumber int                        `json:"pageNumber,omitempty"`
	Result     *models.PageAnalysisResult `json:"result,omitempty"`
	Answers    []models.DetectedAnswer    `json:"answers,omitempty"`
	FileName   string                     `json:"fileName,omitempty"`

	// answer_edited
	QuestionNumber int     `json:"questionNumber,omitempty"`
	Option         *string `json:"option,omitempty"`
	ActivePage     int     `json:"activePage,omitempty"`

	// confirmation_set
	Confirmed bool `json:"confirmed,omitempty"`
}

// IngestPage builds a page_ingested event. A nil answers slice means "use the
// result's detected answers".
func IngestPage(folioValue string, pageNumber int, result models.PageAnalysisResult, answers []models.DetectedAnswer) Event {
	res := result.Clone()
	if answers == nil {
		answers = res.DetectedAnswers
	}
	return Event{
		Kind:       EventPageIngested,
		Folio:      folio.Normalize(folioValue),
		PageNumber: pageNumber,
		Result:     &res,
		Answers:    models.CloneAnswers(answers),
	}
}

// EditAnswer builds an answer_edited event. activePage is the page shown to the
// operator and is used only when no page holds the question yet.
func EditAnswer(folioValue string, questionNumber int, option *string, activePage int) Event {
	var opt *string
	if option != nil {
		value := *option
		opt = &value
	}
	return Event{
		Kind:           EventAnswerEdited,
		Folio:          folio.Normalize(folioValue),
		QuestionNumber: questionNumber,
		Option:         opt,
		ActivePage:     activePage,
	}
}

// SetConfirmed builds a confirmation_set event.
func SetConfirmed(folioValue string, confirmed bool) Event {
	return Event{Kind: EventConfirmationSet, Folio: folio.Normalize(folioValue), Confirmed: confirmed}
}

// Apply returns the state after ev. The input state is never modified.
func Apply(state models.ExamRevision, ev Event) (models.ExamRevision, error) {
	if state.Folio != "" && ev.Folio != "" && !folio.Equal(state.Folio, ev.Folio) {
		return state, fmt.Errorf("%w: %s is not %s", ErrFolioMismatch, ev.Folio, state.Folio)
	}
	next := state.Clone()

	switch ev.Kind {
	case EventPageIngested:
		if err := applyIngest(&next, ev); err != nil {
			return state, err
		}
	case EventAnswerEdited:
		if err := applyEdit(&next, ev); err != nil {
			return state, err
		}
	case EventConfirmationSet:
		next.Confirmed = ev.Confirmed
	default:
		return state, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}

	if !ev.At.IsZero() {
		next.UpdatedAt = ev.At
	}
	return next, nil
}

func applyIngest(state *models.ExamRevision, ev Event) error {
	if ev.PageNumber <= 0 {
		return ErrInvalidPage
	}
	if ev.Result == nil {
		return fmt.Errorf("page %d: missing analysis result", ev.PageNumber)
	}

	answers := sortAnswers(models.CloneAnswers(ev.Answers))
	result := ev.Result.Clone()
	result.DetectedAnswers = models.CloneAnswers(answers)
	result.PageNumber = ev.PageNumber

	page := models.ExamPageRevision{
		PageNumber: ev.PageNumber,
		Result:     result,
		Answers:    answers,
		FileName:   ev.FileName,
		UpdatedAt:  ev.At,
	}

	replaced := false
	for i := range state.Pages {
		if state.Pages[i].PageNumber == ev.PageNumber {
			state.Pages[i] = page
			replaced = true
			break
		}
	}
	if !replaced {
		state.Pages = append(state.Pages, page)
	}
	sort.SliceStable(state.Pages, func(i, j int) bool {
		return state.Pages[i].PageNumber < state.Pages[j].PageNumber
	})

	if result.EstadoAnalisis != models.AnalysisStatusOK {
		state.Confirmed = false
	}
	return nil
}

func applyEdit(state *models.ExamRevision, ev Event) error {
	if ev.QuestionNumber <= 0 {
		return ErrInvalidQuestion
	}
	option := models.NormalizeOption(ev.Option)
	if ev.Option != nil && *ev.Option != "" && option == nil {
		return ErrInvalidOption
	}
	if len(state.Pages) == 0 {
		return ErrNoPages
	}

	index := pageHolding(state.Pages, ev.QuestionNumber)
	if index < 0 {
		index = activePageIndex(state.Pages, ev.ActivePage)
	}
	page := &state.Pages[index]

	edited := models.DetectedAnswer{QuestionNumber: ev.QuestionNumber, Option: option, Confidence: 1}
	page.Answers = upsertAnswer(page.Answers, edited)
	page.Result.DetectedAnswers = models.CloneAnswers(page.Answers)
	page.UpdatedAt = ev.At

	state.Confirmed = false
	return nil
}

// pageHolding returns the index of the last page (by page number) holding the
// question, matching the page whose answer wins in CombinePages.
func pageHolding(pages []models.ExamPageRevision, question int) int {
	found := -1
	for i, page := range pages {
		for _, answer := range page.Answers {
			if answer.QuestionNumber == question {
				found = i
				break
			}
		}
	}
	return found
}

// activePageIndex falls back to the last page when the active page is unknown.
func activePageIndex(pages []models.ExamPageRevision, active int) int {
	for i, page := range pages {
		if page.PageNumber == active {
			return i
		}
	}
	return len(pages) - 1
}

func upsertAnswer(answers []models.DetectedAnswer, edited models.DetectedAnswer) []models.DetectedAnswer {
	for i := range answers {
		if answers[i].QuestionNumber == edited.QuestionNumber {
			answers[i] = edited
			return answers
		}
	}
	answers = append(answers, edited)
	return sortAnswers(answers)
}

func sortAnswers(answers []models.DetectedAnswer) []models.DetectedAnswer {
	sort.SliceStable(answers, func(i, j int) bool {
		return answers[i].QuestionNumber < answers[j].QuestionNumber
	})
	return answers
}
