package handler_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/handler"
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
	"github.com/Dtcsrni/omr-review/internal/service"
)

func newCaptureApp() *fiber.App {
	app := fiber.New()
	svc := service.NewCaptureService(quality.DefaultThresholds(), zerolog.Nop())
	handler.NewCaptureHandler(svc, validator.New(), zerolog.Nop()).Register(app.Group("/api/v1/capture"))
	return app
}

func TestCaptureHandler_Quality(t *testing.T) {
	app := newCaptureApp()

	cases := []struct {
		name     string
		data     []byte
		status   int
		approved bool
		message  string
	}{
		{name: "sharp sheet", data: sheetPNG(t), status: fiber.StatusOK, approved: true, message: "capture approved"},
		{name: "dark frame", data: darkPNG(t), status: fiber.StatusOK, approved: false, message: "capture rejected"},
		{name: "not an image", data: []byte("plain text"), status: fiber.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := multipartRequest(t, http.MethodPost, "/api/v1/capture/quality", nil, formFile{field: "image", name: "page.png", data: tc.data})
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			var body envelope
			decodeResponse(t, resp, &body)
			if tc.status != fiber.StatusOK {
				require.False(t, body.Success)
				var report models.CaptureQualityReport
				require.NoError(t, json.Unmarshal(body.Details, &report))
				require.Equal(t, quality.Unreadable().Reasons, report.Reasons)
				return
			}

			require.Equal(t, tc.message, body.Message)
			var report models.CaptureQualityReport
			require.NoError(t, json.Unmarshal(body.Data, &report))
			require.Equal(t, tc.approved, report.Approved)
		})
	}
}

func TestCaptureHandler_QualityRequiresFile(t *testing.T) {
	app := newCaptureApp()
	req := multipartRequest(t, http.MethodPost, "/api/v1/capture/quality", map[string]string{"other": "x"})
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCaptureHandler_Folio(t *testing.T) {
	app := newCaptureApp()

	resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v1/capture/folio", `{"text":"EXAMEN:abc123:P2"}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body envelope
	decodeResponse(t, resp, &body)
	var folio dto.FolioResponse
	require.NoError(t, json.Unmarshal(body.Data, &folio))
	require.Equal(t, "ABC123", folio.Folio)
	require.Equal(t, 2, folio.Page)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/api/v1/capture/folio", `{"text":"https://portal.example.org/acceso"}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/api/v1/capture/folio", `{"text":""}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
