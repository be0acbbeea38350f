package handler

import (
	"mime"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/Dtcsrni/omr-review/internal/dto"
	"github.com/Dtcsrni/omr-review/internal/middleware"
	"github.com/Dtcsrni/omr-review/internal/service"
	"github.com/Dtcsrni/omr-review/internal/utils"
)

// ReviewHandler serves the per-sheet review flow, addressed by folio: page ingestion,
// operator edits, confirmation and the grade preview and commit.
type ReviewHandler struct {
	reviews service.ReviewService
	grading service.GradingService
	logger  zerolog.Logger
}

// NewReviewHandler constructs a review handler.
func NewReviewHandler(reviews service.ReviewService, grading service.GradingService, logger zerolog.Logger) *ReviewHandler {
	return &ReviewHandler{
		reviews: reviews,
		grading: grading,
		logger:  logger.With().Str("component", "review_handler").Logger(),
	}
}

// Register wires review routes. Committing to the gradebook is limited to teachers and admins.
func (h *ReviewHandler) Register(router fiber.Router) {
	router.Post("/pages", h.ingestPage)
	router.Get("/:folio", h.get)
	router.Delete("/:folio", h.discard)
	router.Patch("/:folio/answers", h.editAnswer)
	router.Put("/:folio/confirmation", h.setConfirmation)
	router.Get("/:folio/pages/:page/image", h.pageImage)
	router.Get("/:folio/grade", h.previewGrade)
	router.Post("/:folio/grade", middleware.RequireRole(middleware.RoleTeacher, middleware.RoleAdmin), h.commitGrade)
}

func (h *ReviewHandler) ingestPage(c *fiber.Ctx) error {
	data, fileName, err := readImage(c, "image")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.PageUploadRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid form fields")
	}

	resp, err := h.reviews.IngestPage(requestContext(c), payload, fileName, data)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to ingest page")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "page ingested", resp)
}

func (h *ReviewHandler) get(c *fiber.Ctx) error {
	summary, err := h.reviews.Get(requestContext(c), c.Params("folio"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to load review")
	}
	return utils.SendSuccess(c, "review loaded", summary)
}

func (h *ReviewHandler) discard(c *fiber.Ctx) error {
	if err := h.reviews.Discard(requestContext(c), c.Params("folio")); err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to discard review")
	}
	return utils.SendSuccess(c, "review discarded", nil)
}

func (h *ReviewHandler) editAnswer(c *fiber.Ctx) error {
	var payload dto.AnswerEditRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	summary, err := h.reviews.EditAnswer(requestContext(c), c.Params("folio"), payload)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to edit answer")
	}
	return utils.SendSuccess(c, "answer updated", summary)
}

func (h *ReviewHandler) setConfirmation(c *fiber.Ctx) error {
	var payload dto.ConfirmationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	summary, err := h.reviews.SetConfirmed(requestContext(c), c.Params("folio"), payload)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to update confirmation")
	}
	return utils.SendSuccess(c, "confirmation updated", summary)
}

func (h *ReviewHandler) pageImage(c *fiber.Ctx) error {
	page, err := strconv.Atoi(c.Params("page"))
	if err != nil || page <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page number")
	}

	data, fileName, err := h.reviews.PageImage(requestContext(c), c.Params("folio"), page)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to load page image")
	}

	c.Set(fiber.HeaderContentType, mimetype.Detect(data).String())
	if fileName != "" {
		if disposition := mime.FormatMediaType("inline", map[string]string{"filename": fileName}); disposition != "" {
			c.Set(fiber.HeaderContentDisposition, disposition)
		}
	}
	return c.Status(fiber.StatusOK).Send(data)
}

func (h *ReviewHandler) previewGrade(c *fiber.Ctx) error {
	var query dto.GradePreviewQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	grade, err := h.grading.Preview(requestContext(c), c.Params("folio"), query)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err, "failed to preview grade")
	}
	return utils.SendSuccess(c, "grade preview", grade)
}

func (h *ReviewHandler) commitGrade(c *fiber.Ctx) error {
	var payload dto.GradeCommitRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	logger := requestLogger(h.logger, c)
	resp, err := h.grading.Commit(requestContext(c), c.Params("folio"), payload)
	if err != nil {
		return respondError(c, logger, err, "failed to commit grade")
	}

	logger.Info().Str("exam_id", resp.Receipt.ExamID).Str("folio", c.Params("folio")).Bool("idempotent", resp.Receipt.Idempotent).Msg("grade committed")
	message := "grade committed"
	if resp.Receipt.Idempotent {
		message = "grade already committed"
	}
	return utils.SendSuccess(c, message, resp)
}
