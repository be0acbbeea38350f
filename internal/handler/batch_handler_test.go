package handler_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/handler"
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/omr/batch"
	"github.com/Dtcsrni/omr-review/internal/service"
)

type mockBatchService struct {
	uploads    []batch.Upload
	updates    chan models.BatchStatusUpdate
	subscribed chan struct{}
	released   chan struct{}
}

func newMockBatchService() *mockBatchService {
	return &mockBatchService{
		updates:    make(chan models.BatchStatusUpdate, 4),
		subscribed: make(chan struct{}, 1),
		released:   make(chan struct{}, 1),
	}
}

func (m *mockBatchService) snapshot() dto.BatchResponse {
	return dto.BatchResponse{
		ID:      "b-1",
		Running: true,
		Items: []models.BatchItem{
			{ID: "i-1", FileName: "a.png", Status: models.BatchItemQualityCheck},
			{ID: "i-2", FileName: "b.png", Status: models.BatchItemRejectedQuality, Message: "imagen muy oscura"},
		},
		Counts: map[models.BatchItemStatus]int{models.BatchItemQualityCheck: 1, models.BatchItemRejectedQuality: 1},
	}
}

func (m *mockBatchService) Create(_ context.Context, uploads []batch.Upload) (dto.BatchResponse, error) {
	m.uploads = uploads
	return m.snapshot(), nil
}

func (m *mockBatchService) Get(_ context.Context, id string) (dto.BatchResponse, error) {
	if id != "b-1" {
		return dto.BatchResponse{}, service.ErrBatchNotFound
	}
	return m.snapshot(), nil
}

func (m *mockBatchService) Retry(_ context.Context, id string) (dto.BatchRetryResponse, error) {
	if id != "b-1" {
		return dto.BatchRetryResponse{}, service.ErrBatchNotFound
	}
	return dto.BatchRetryResponse{Batch: m.snapshot(), Retried: 1}, nil
}

func (m *mockBatchService) Stream(_ context.Context, id string) (dto.BatchResponse, <-chan models.BatchStatusUpdate, func(), error) {
	if id != "b-1" {
		return dto.BatchResponse{}, nil, nil, service.ErrBatchNotFound
	}
	m.subscribed <- struct{}{}
	return m.snapshot(), m.updates, func() { m.released <- struct{}{} }, nil
}

func (m *mockBatchService) Start(context.Context) {}

func newBatchApp(svc service.BatchService) *fiber.App {
	app := fiber.New()
	handler.NewBatchHandler(svc, nil, zerolog.Nop()).Register(app.Group("/api/v1/batches"))
	return app
}

func TestBatchHandler_Create(t *testing.T) {
	svc := newMockBatchService()
	app := newBatchApp(svc)

	req := multipartRequest(t, http.MethodPost, "/api/v1/batches", nil,
		formFile{field: "images", name: "a.png", data: sheetPNG(t)},
		formFile{field: "images", name: "b.png", data: darkPNG(t)})
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	require.Len(t, svc.uploads, 2)
	require.Equal(t, "b.png", svc.uploads[1].FileName)

	var body envelope
	decodeResponse(t, resp, &body)
	require.JSONEq(t, `{"quality_check":1,"rejected_quality":1}`, string(body.Meta))

	req = multipartRequest(t, http.MethodPost, "/api/v1/batches", map[string]string{"note": "empty"})
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestBatchHandler_GetAndRetry(t *testing.T) {
	app := newBatchApp(newMockBatchService())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/batches/b-1", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/batches/b-9", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/batches/b-1/retry", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body envelope
	decodeResponse(t, resp, &body)
	var retry dto.BatchRetryResponse
	require.NoError(t, json.Unmarshal(body.Data, &retry))
	require.Equal(t, 1, retry.Retried)
}

func TestBatchHandler_StreamRequiresUpgrade(t *testing.T) {
	app := newBatchApp(newMockBatchService())
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/batches/b-1/ws", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestBatchHandler_Stream(t *testing.T) {
	svc := newMockBatchService()
	app := newBatchApp(svc)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	defer func() { _ = app.Shutdown() }()

	base := "ws://" + ln.Addr().String() + "/api/v1/batches/"

	_, resp, err := websocket.DefaultDialer.Dial(base+"b-9/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"b-1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first dto.BatchStreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "snapshot", first.Type)
	require.NotNil(t, first.Batch)
	require.Len(t, first.Batch.Items, 2)

	select {
	case <-svc.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never subscribed")
	}

	svc.updates <- models.BatchStatusUpdate{BatchID: "b-1", ItemID: "i-1", Status: models.BatchItemAnalyzing}
	svc.updates <- models.BatchStatusUpdate{BatchID: "b-1", ItemID: "i-1", Status: models.BatchItemReady, Preview: &models.GradeResult{FinalScore: 4.3}}

	var analyzing, ready dto.BatchStreamMessage
	require.NoError(t, conn.ReadJSON(&analyzing))
	require.NoError(t, conn.ReadJSON(&ready))
	require.Equal(t, "update", analyzing.Type)
	require.Equal(t, models.BatchItemAnalyzing, analyzing.Update.Status)
	require.Equal(t, models.BatchItemReady, ready.Update.Status)
	require.Equal(t, 4.3, ready.Update.Preview.FinalScore)

	require.NoError(t, conn.Close())
	select {
	case <-svc.released:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not released after the client left")
	}
}

func TestBatchHandler_StreamClosesWhenBrokerDropsSubscriber(t *testing.T) {
	svc := newMockBatchService()
	app := newBatchApp(svc)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	defer func() { _ = app.Shutdown() }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/v1/batches/b-1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first dto.BatchStreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "snapshot", first.Type)

	close(svc.updates)

	var next dto.BatchStreamMessage
	err = conn.ReadJSON(&next)
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "unexpected error: %v", err)

	select {
	case <-svc.released:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not released after the broker closed it")
	}
}
