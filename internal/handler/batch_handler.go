package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/omr/batch"
	"github.com/Dtcsrni/omr-review/internal/service"
	"github.com/Dtcsrni/omr-review/internal/utils"
)

const (
	streamMessageSnapshot = "snapshot"
	streamMessageUpdate   = "update"
	streamPingInterval    = 30 * time.Second
	streamLaggingReason   = "stream fell behind, reconnect for a fresh snapshot"
)

// BatchHandler accepts multi-image uploads and streams item status over a websocket.
type BatchHandler struct {
	service service.BatchService
	limiter fiber.Handler
	logger  zerolog.Logger
}

// NewBatchHandler constructs a batch handler. A nil limiter leaves creation unthrottled.
func NewBatchHandler(service service.BatchService, limiter fiber.Handler, logger zerolog.Logger) *BatchHandler {
	if limiter == nil {
		limiter = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &BatchHandler{
		service: service,
		limiter: limiter,
		logger:  logger.With().Str("component", "batch_handler").Logger(),
	}
}

// Register wires batch routes including the websocket upgrade.
func (h *BatchHandler) Register(router fiber.Router) {
	router.Post("", h.limiter, h.create)
	router.Get("/:id", h.get)
	router.Post("/:id/retry", h.retry)
	router.Get("/:id/ws", h.upgrade, websocket.New(h.stream))
}

func (h *BatchHandler) create(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "multipart form is required")
	}

	files := form.File["images"]
	if len(files) == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "images are required")
	}

	uploads := make([]batch.Upload, 0, len(files))
	for _, header := range files {
		data, err := readFile(header)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "failed to read "+header.Filename)
		}
		uploads = append(uploads, batch.Upload{FileName: header.Filename, Data: data})
	}

	resp, err := h.service.Create(requestContext(c), uploads)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to create batch")
	}
	requestLogger(h.logger, c).Info().Str("batch_id", resp.ID).Int("items", len(resp.Items)).Msg("batch accepted")
	return c.Status(fiber.StatusAccepted).JSON(utils.APIResponse{
		Success: true,
		Data:    resp,
		Meta:    resp.Counts,
		Message: "batch accepted",
	})
}

func (h *BatchHandler) get(c *fiber.Ctx) error {
	resp, err := h.service.Get(requestContext(c), c.Params("id"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to load batch")
	}
	return utils.OK(c, resp, "batch loaded", resp.Counts)
}

func (h *BatchHandler) retry(c *fiber.Ctx) error {
	resp, err := h.service.Retry(requestContext(c), c.Params("id"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to retry batch")
	}
	return utils.OK(c, resp, "batch retry started", resp.Batch.Counts)
}

// upgrade answers unknown batches with a plain 404 before the handshake. The snapshot
// sent on the socket is taken later, once the subscription is open.
func (h *BatchHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, err := h.service.Get(requestContext(c), c.Params("id")); err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to load batch")
	}
	c.Locals("request_ctx", requestContext(c))
	return c.Next()
}

func (h *BatchHandler) stream(conn *websocket.Conn) {
	batchID := conn.Params("id")
	logger := h.logger.With().Str("batch_id", batchID).Logger()
	if correlation, ok := conn.Locals("correlation_id").(string); ok && correlation != "" {
		logger = logger.With().Str("correlation_id", correlation).Logger()
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	snapshot, updates, cleanup, err := h.service.Stream(ctx, batchID)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
		return
	}
	defer cleanup()

	if err := conn.WriteJSON(dto.BatchStreamMessage{Type: streamMessageSnapshot, Batch: &snapshot}); err != nil {
		return
	}

	// the reader only detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Info().Msg("batch stream connected")
	defer logger.Info().Msg("batch stream disconnected")

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				logger.Warn().Msg("batch stream closed by broker")
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, streamLaggingReason))
				return
			}
			if err := conn.WriteJSON(dto.BatchStreamMessage{Type: streamMessageUpdate, Update: &update}); err != nil {
				logger.Debug().Err(err).Msg("batch stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
