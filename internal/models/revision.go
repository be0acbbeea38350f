package models

import "time"

// ExamPageRevision holds the latest analysis of one page of an exam.
type ExamPageRevision struct {
	PageNumber int                `json:"pageNumber"`
	Result     PageAnalysisResult `json:"result"`
	Answers    []DetectedAnswer   `json:"answers"`
	FileName   string             `json:"fileName,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// ExamRevision is the in-memory review state of one printed sheet during a session.
// Several sheets share an ExamID; Folio identifies the sheet.
type ExamRevision struct {
	ExamID            string             `json:"examId"`
	Folio             string             `json:"folio"`
	StudentID         *string            `json:"studentId,omitempty"`
	Pages             []ExamPageRevision `json:"pages"`
	AnswerKeyByNumber map[int]string     `json:"answerKeyByNumber"`
	QuestionOrder     []int              `json:"questionOrder"`
	Confirmed         bool               `json:"confirmed"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// Page returns the page with the given number.
func (e ExamRevision) Page(number int) (ExamPageRevision, bool) {
	for _, page := range e.Pages {
		if page.PageNumber == number {
			return page, true
		}
	}
	return ExamPageRevision{}, false
}

// Clone deep copies the revision so readers cannot mutate store state.
func (e ExamRevision) Clone() ExamRevision {
	out := e
	if e.StudentID != nil {
		id := *e.StudentID
		out.StudentID = &id
	}
	if e.Pages != nil {
		out.Pages = make([]ExamPageRevision, len(e.Pages))
		for i, page := range e.Pages {
			copied := page
			copied.Result = page.Result.Clone()
			copied.Answers = CloneAnswers(page.Answers)
			out.Pages[i] = copied
		}
	}
	if e.AnswerKeyByNumber != nil {
		out.AnswerKeyByNumber = make(map[int]string, len(e.AnswerKeyByNumber))
		for number, option := range e.AnswerKeyByNumber {
			out.AnswerKeyByNumber[number] = option
		}
	}
	if e.QuestionOrder != nil {
		out.QuestionOrder = append([]int{}, e.QuestionOrder...)
	}
	return out
}
