package review

import (
	"sort"
	"sync"
	"time"

	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
)

// ExamMeta seeds a revision the first time a page for its folio arrives.
type ExamMeta struct {
	ExamID            string
	Folio             string
	StudentID         *string
	QuestionOrder     []int
	AnswerKeyByNumber map[int]string
}

// Summary is the consolidated view of one exam.
type Summary struct {
	Revision          models.ExamRevision       `json:"revision"`
	Consolidated      models.PageAnalysisResult `json:"consolidated"`
	DoubtfulQuestions []int                     `json:"doubtfulQuestions"`
	AllPagesOK        bool                      `json:"allPagesOk"`
}

// pageImage is a captured page kept for re-display. data is never written after
// it is stored.
type pageImage struct {
	data     []byte
	fileName string
}

type examEntry struct {
	mu       sync.Mutex
	revision models.ExamRevision
	events   []Event
	images   map[int]pageImage
}

// Store is the explicit handle to the review state of a session, keyed by the
// normalized folio of each sheet. Mutations of one sheet are serialized; different
// sheets proceed independently.
type Store struct {
	mu    sync.RWMutex
	exams map[string]*examEntry
	now   func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		exams: make(map[string]*examEntry),
		now:   time.Now,
	}
}

// WithClock overrides the clock used to stamp events.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) entry(value string) (*examEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exams[folio.Normalize(value)]
	return e, ok
}

func (s *Store) entryOrCreate(meta ExamMeta) (*examEntry, error) {
	token := folio.Normalize(meta.Folio)
	if token == "" {
		return nil, ErrFolioRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.exams[token]; ok {
		return e, nil
	}

	created := s.now()
	key := make(map[int]string, len(meta.AnswerKeyByNumber))
	for number, option := range meta.AnswerKeyByNumber {
		key[number] = option
	}
	var student *string
	if meta.StudentID != nil {
		id := *meta.StudentID
		student = &id
	}

	e := &examEntry{
		images: make(map[int]pageImage),
		revision: models.ExamRevision{
			ExamID:            meta.ExamID,
			Folio:             token,
			StudentID:         student,
			Pages:             []models.ExamPageRevision{},
			AnswerKeyByNumber: key,
			QuestionOrder:     append([]int(nil), meta.QuestionOrder...),
			CreatedAt:         created,
			UpdatedAt:         created,
		},
	}
	s.exams[token] = e
	return e, nil
}

// Ingest upserts a page, creating the sheet's revision on its first page. A page
// ingested without image bytes drops any capture cached for that page number.
func (s *Store) Ingest(meta ExamMeta, pageNumber int, result models.PageAnalysisResult, answers []models.DetectedAnswer, image []byte, fileName string) (models.ExamRevision, error) {
	if pageNumber <= 0 {
		return models.ExamRevision{}, ErrInvalidPage
	}
	e, err := s.entryOrCreate(meta)
	if err != nil {
		return models.ExamRevision{}, err
	}

	ev := IngestPage(meta.Folio, pageNumber, result, answers)
	ev.FileName = fileName

	e.mu.Lock()
	defer e.mu.Unlock()
	revision, err := s.applyLocked(e, ev)
	if err != nil {
		return revision, err
	}
	if len(image) > 0 {
		e.images[pageNumber] = pageImage{data: append([]byte(nil), image...), fileName: fileName}
	} else {
		delete(e.images, pageNumber)
	}
	return revision, nil
}

// EditAnswer sets or clears the option of one question.
func (s *Store) EditAnswer(value string, questionNumber int, option *string, activePage int) (models.ExamRevision, error) {
	return s.apply(value, EditAnswer(value, questionNumber, option, activePage))
}

// SetConfirmed records the operator's confirmation claim.
func (s *Store) SetConfirmed(value string, confirmed bool) (models.ExamRevision, error) {
	return s.apply(value, SetConfirmed(value, confirmed))
}

func (s *Store) apply(value string, ev Event) (models.ExamRevision, error) {
	e, ok := s.entry(value)
	if !ok {
		return models.ExamRevision{}, ErrExamNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.applyLocked(e, ev)
}

func (s *Store) applyLocked(e *examEntry, ev Event) (models.ExamRevision, error) {
	ev.At = s.now()
	next, err := Apply(e.revision, ev)
	if err != nil {
		return e.revision.Clone(), err
	}
	e.revision = next
	e.events = append(e.events, ev)
	return next.Clone(), nil
}

// Get returns a copy of the sheet's revision. The folio is compared
// case-insensitively.
func (s *Store) Get(value string) (models.ExamRevision, error) {
	e, ok := s.entry(value)
	if !ok {
		return models.ExamRevision{}, ErrExamNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision.Clone(), nil
}

// Summary returns the revision together with its consolidated result.
func (s *Store) Summary(value string) (Summary, error) {
	revision, err := s.Get(value)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(revision), nil
}

// Summarize computes the consolidated view of a revision.
func Summarize(revision models.ExamRevision) Summary {
	consolidated := ConsolidateResult(revision.Pages)
	return Summary{
		Revision:          revision,
		Consolidated:      consolidated,
		DoubtfulQuestions: DoubtfulQuestions(consolidated.DetectedAnswers),
		AllPagesOK:        len(revision.Pages) > 0 && AllPagesOK(revision.Pages),
	}
}

// PageImage returns a copy of the cached capture of a page for re-display.
func (s *Store) PageImage(value string, pageNumber int) ([]byte, string, bool) {
	e, ok := s.entry(value)
	if !ok {
		return nil, "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	img, found := e.images[pageNumber]
	if !found {
		return nil, "", false
	}
	return append([]byte(nil), img.data...), img.fileName, true
}

// Events returns a copy of the sheet's event log.
func (s *Store) Events(value string) ([]Event, error) {
	e, ok := s.entry(value)
	if !ok {
		return nil, ErrExamNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...), nil
}

// Discard drops the session state of a sheet, cached images included.
func (s *Store) Discard(value string) bool {
	token := folio.Normalize(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exams[token]; !ok {
		return false
	}
	delete(s.exams, token)
	return true
}

// Folios lists the sheets under review, sorted.
func (s *Store) Folios() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	folios := make([]string, 0, len(s.exams))
	for token := range s.exams {
		folios = append(folios, token)
	}
	sort.Strings(folios)
	return folios
}

// Replay rebuilds a revision from an initial state and an ordered event log.
// Events of other sheets are skipped.
func Replay(initial models.ExamRevision, events []Event) (models.ExamRevision, error) {
	state := initial.Clone()
	for _, ev := range events {
		if !folio.Equal(ev.Folio, initial.Folio) {
			continue
		}
		next, err := Apply(state, ev)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}
