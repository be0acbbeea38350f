package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
	"github.com/Dtcsrni/omr-review/internal/service"
	"github.com/Dtcsrni/omr-review/internal/utils"
)

// CaptureHandler exposes the capture-time checks used by the scanning client.
type CaptureHandler struct {
	service   service.CaptureService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewCaptureHandler constructs a capture handler.
func NewCaptureHandler(service service.CaptureService, validator *validator.Validate, logger zerolog.Logger) *CaptureHandler {
	return &CaptureHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "capture_handler").Logger(),
	}
}

// Register wires capture routes.
func (h *CaptureHandler) Register(router fiber.Router) {
	router.Post("/quality", h.quality)
	router.Post("/folio", h.folio)
	router.Post("/qr", h.qr)
}

func (h *CaptureHandler) quality(c *fiber.Ctx) error {
	data, _, err := readImage(c, "image")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	report, err := h.service.EvaluateQuality(requestContext(c), data)
	if err != nil {
		if errors.Is(err, quality.ErrCaptureUnreadable) {
			return utils.Fail(c, fiber.StatusUnprocessableEntity, err.Error(), report)
		}
		return respondError(c, requestLogger(h.logger, c), err, "failed to evaluate capture")
	}

	message := "capture approved"
	if !report.Approved {
		message = "capture rejected"
	}
	return utils.SendSuccess(c, message, report)
}

func (h *CaptureHandler) folio(c *fiber.Ctx) error {
	var payload dto.FolioExtractRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", err.Error())
	}

	resp, err := h.service.ExtractFolio(requestContext(c), payload)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to extract folio")
	}
	return utils.SendSuccess(c, "folio extracted", resp)
}

func (h *CaptureHandler) qr(c *fiber.Ctx) error {
	data, _, err := readImage(c, "image")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.service.DecodeQR(requestContext(c), data)
	if err != nil {
		if errors.Is(err, folio.ErrQrNotAFolio) {
			return utils.Fail(c, fiber.StatusUnprocessableEntity, err.Error(), resp)
		}
		return respondError(c, requestLogger(h.logger, c), err, "failed to decode qr")
	}
	return utils.SendSuccess(c, "qr decoded", resp)
}
