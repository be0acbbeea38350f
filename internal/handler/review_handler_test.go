package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/handler"
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/grading"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
	"github.com/Dtcsrni/omr-review/internal/omr/review"
	"github.com/Dtcsrni/omr-review/internal/service"
	"github.com/Dtcsrni/omr-review/pkg/detection"
)

type mockReviewService struct {
	ingestErr  error
	lastUpload dto.PageUploadRequest
	lastEdit   dto.AnswerEditRequest
	image      []byte
	imageName  string
	summary    review.Summary
	discardErr error
}

func (m *mockReviewService) IngestPage(_ context.Context, payload dto.PageUploadRequest, fileName string, _ []byte) (dto.PageIngestResponse, error) {
	m.lastUpload = payload
	if m.ingestErr != nil {
		return dto.PageIngestResponse{}, m.ingestErr
	}
	return dto.PageIngestResponse{ExamID: "exam-1", Folio: payload.Folio, PageNumber: payload.PageNumber, Summary: m.summary}, nil
}

func (m *mockReviewService) IngestResult(context.Context, string, int, models.PageAnalysisResult, []byte, string) (review.Summary, error) {
	return m.summary, nil
}

func (m *mockReviewService) Get(_ context.Context, value string) (review.Summary, error) {
	if value != "F-1" {
		return review.Summary{}, review.ErrExamNotFound
	}
	return m.summary, nil
}

func (m *mockReviewService) EditAnswer(_ context.Context, _ string, payload dto.AnswerEditRequest) (review.Summary, error) {
	m.lastEdit = payload
	if payload.Option != nil && *payload.Option == "Z" {
		return review.Summary{}, review.ErrInvalidOption
	}
	return m.summary, nil
}

func (m *mockReviewService) SetConfirmed(context.Context, string, dto.ConfirmationRequest) (review.Summary, error) {
	return m.summary, nil
}

func (m *mockReviewService) PageImage(_ context.Context, _ string, page int) ([]byte, string, error) {
	if page != 1 {
		return nil, "", service.ErrPageImageNotFound
	}
	if m.imageName == "" {
		return m.image, "page1.png", nil
	}
	return m.image, m.imageName, nil
}

func (m *mockReviewService) Discard(context.Context, string) error {
	return m.discardErr
}

type mockGradingService struct {
	commitErr error
	preview   models.GradeResult
	lastQuery dto.GradePreviewQuery
	calls     int
}

func (m *mockGradingService) Preview(_ context.Context, _ string, query dto.GradePreviewQuery) (models.GradeResult, error) {
	m.lastQuery = query
	return m.preview, nil
}

func (m *mockGradingService) Commit(_ context.Context, _ string, payload dto.GradeCommitRequest) (dto.GradeCommitResponse, error) {
	m.calls++
	if m.commitErr != nil {
		return dto.GradeCommitResponse{}, m.commitErr
	}
	return dto.GradeCommitResponse{
		Grade:   m.preview,
		Receipt: models.GradeReceipt{ID: 1, ExamID: "exam-1", StudentID: payload.StudentID, FinalScore: m.preview.FinalScore},
	}, nil
}

func newReviewApp(reviews *mockReviewService, grades *mockGradingService, role string) *fiber.App {
	app := fiber.New()
	group := app.Group("/api/v1/review", func(c *fiber.Ctx) error {
		c.Locals("user_id", "op-1")
		c.Locals("user_role", role)
		return c.Next()
	})
	handler.NewReviewHandler(reviews, grades, zerolog.Nop()).Register(group)
	return app
}

func TestReviewHandler_IngestPage(t *testing.T) {
	reviews := &mockReviewService{}
	app := newReviewApp(reviews, &mockGradingService{}, "operator")

	req := multipartRequest(t, http.MethodPost, "/api/v1/review/pages",
		map[string]string{"folio": "F-1", "pageNumber": "2"},
		formFile{field: "image", name: "p2.png", data: sheetPNG(t)})
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.Equal(t, "F-1", reviews.lastUpload.Folio)
	require.Equal(t, 2, reviews.lastUpload.PageNumber)

	var body envelope
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
}

func TestReviewHandler_IngestErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		details string
	}{
		{name: "rejected capture", err: &quality.CaptureRejectedError{Reasons: []string{"imagen borrosa"}}, status: fiber.StatusUnprocessableEntity, details: `{"reasons":["imagen borrosa"]}`},
		{name: "unreadable", err: quality.ErrCaptureUnreadable, status: fiber.StatusUnprocessableEntity},
		{name: "detection down", err: &detection.AnalysisServiceFailure{Folio: "F-1", PageNumber: 1, StatusCode: 503, Retryable: true, Err: detection.ErrServiceUnavailable}, status: fiber.StatusBadGateway, details: `{"retryable":true}`},
		{name: "detection cancelled", err: &detection.AnalysisServiceFailure{Err: context.Canceled}, status: fiber.StatusGatewayTimeout},
		{name: "unexpected", err: errors.New("boom"), status: fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newReviewApp(&mockReviewService{ingestErr: tc.err}, &mockGradingService{}, "operator")
			req := multipartRequest(t, http.MethodPost, "/api/v1/review/pages", map[string]string{"folio": "F-1"},
				formFile{field: "image", name: "p.png", data: sheetPNG(t)})
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			var body envelope
			decodeResponse(t, resp, &body)
			require.False(t, body.Success)
			if tc.details != "" {
				require.JSONEq(t, tc.details, string(body.Details))
			}
		})
	}
}

func TestReviewHandler_GetAndEdit(t *testing.T) {
	reviews := &mockReviewService{summary: review.Summary{AllPagesOK: true, DoubtfulQuestions: []int{}}}
	app := newReviewApp(reviews, &mockGradingService{}, "operator")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/review/F-1", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/review/F-404", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPatch, "/api/v1/review/F-1/answers", `{"questionNumber":3,"option":"b","activePage":2}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, 3, reviews.lastEdit.QuestionNumber)
	require.Equal(t, "b", *reviews.lastEdit.Option)
	require.Equal(t, 2, reviews.lastEdit.ActivePage)

	resp, err = app.Test(jsonRequest(http.MethodPatch, "/api/v1/review/F-1/answers", `{"questionNumber":3,"option":null}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Nil(t, reviews.lastEdit.Option)

	resp, err = app.Test(jsonRequest(http.MethodPatch, "/api/v1/review/F-1/answers", `{"questionNumber":3,"option":"Z"}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPut, "/api/v1/review/F-1/confirmation", `{"confirmed":true}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/review/F-1", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestReviewHandler_PageImage(t *testing.T) {
	image := sheetPNG(t)
	app := newReviewApp(&mockReviewService{image: image}, &mockGradingService{}, "operator")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/review/F-1/pages/1/image", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get(fiber.HeaderContentType))
	require.Equal(t, "inline; filename=page1.png", resp.Header.Get(fiber.HeaderContentDisposition))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/review/F-1/pages/zero/image", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestReviewHandler_PageImageEscapesFileName(t *testing.T) {
	app := newReviewApp(&mockReviewService{image: sheetPNG(t), imageName: `hoja "1"; x=y.png`}, &mockGradingService{}, "operator")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/review/F-1/pages/1/image", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	disposition, params, err := mime.ParseMediaType(resp.Header.Get(fiber.HeaderContentDisposition))
	require.NoError(t, err)
	require.Equal(t, "inline", disposition)
	require.Equal(t, `hoja "1"; x=y.png`, params["filename"])
	require.NotContains(t, params, "x")
}

func TestReviewHandler_GradePreview(t *testing.T) {
	grades := &mockGradingService{preview: models.GradeResult{Correct: 4, Total: 5, ScoreOutOf5: 4, Bonus: 0.3, FinalScore: 4.3}}
	app := newReviewApp(&mockReviewService{}, grades, "operator")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/review/F-1/grade?bonus=0.3&bonusEnabled=true", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, 0.3, grades.lastQuery.Bonus)
	require.True(t, grades.lastQuery.BonusEnabled)

	var body envelope
	decodeResponse(t, resp, &body)
	var grade models.GradeResult
	require.NoError(t, json.Unmarshal(body.Data, &grade))
	require.Equal(t, 4.3, grade.FinalScore)
}

func TestReviewHandler_CommitGrade(t *testing.T) {
	cases := []struct {
		name    string
		role    string
		err     error
		status  int
		details string
		called  bool
	}{
		{name: "operator is denied", role: "operator", status: fiber.StatusForbidden},
		{name: "teacher commits", role: "teacher", status: fiber.StatusOK, called: true},
		{name: "incomplete key", role: "admin", err: &grading.KeyIncompleteError{Missing: []int{4, 7}}, status: fiber.StatusConflict, details: `{"missing":[4,7]}`, called: true},
		{name: "needs confirmation", role: "teacher", err: grading.ErrConfirmationRequired, status: fiber.StatusConflict, called: true},
		{name: "missing student", role: "teacher", err: grading.ErrMissingStudent, status: fiber.StatusBadRequest, called: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			grades := &mockGradingService{commitErr: tc.err, preview: models.GradeResult{FinalScore: 5}}
			app := newReviewApp(&mockReviewService{}, grades, tc.role)

			resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v1/review/F-1/grade", `{"studentId":"S-1","bonus":0.2,"bonusEnabled":true}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.called, grades.calls == 1)

			var body envelope
			decodeResponse(t, resp, &body)
			if tc.details != "" {
				require.JSONEq(t, tc.details, string(body.Details))
			}
		})
	}
}
