package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/Dtcsrni/omr-review/internal/middleware"
	"github.com/Dtcsrni/omr-review/internal/omr/batch"
	"github.com/Dtcsrni/omr-review/internal/omr/folio"
	"github.com/Dtcsrni/omr-review/internal/omr/grading"
	"github.com/Dtcsrni/omr-review/internal/omr/quality"
	"github.com/Dtcsrni/omr-review/internal/omr/review"
	"github.com/Dtcsrni/omr-review/internal/service"
	"github.com/Dtcsrni/omr-review/internal/utils"
	"github.com/Dtcsrni/omr-review/pkg/detection"
)

func userIDStringFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		switch id := v.(type) {
		case string:
			return strings.TrimSpace(id)
		case uint:
			return strconv.FormatUint(uint64(id), 10)
		case int:
			if id < 0 {
				return ""
			}
			return strconv.Itoa(id)
		case fmt.Stringer:
			return strings.TrimSpace(id.String())
		}
	}
	return ""
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
		if operator := userIDStringFromContext(c); operator != "" {
			logger = logger.With().Str("operator_id", operator).Logger()
		}
	}
	return &logger
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func readFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// readImage loads the named multipart file into memory.
func readImage(c *fiber.Ctx, field string) ([]byte, string, error) {
	header, err := c.FormFile(field)
	if err != nil {
		return nil, "", fmt.Errorf("%s file is required", field)
	}
	data, err := readFile(header)
	if err != nil {
		return nil, "", err
	}
	return data, header.Filename, nil
}

// respondError maps domain failures onto HTTP statuses. Anything unknown is logged and
// answered with 500.
func respondError(c *fiber.Ctx, logger *zerolog.Logger, err error, fallback string) error {
	var (
		rejected    *quality.CaptureRejectedError
		keyMissing  *grading.KeyIncompleteError
		serviceFail *detection.AnalysisServiceFailure
	)

	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", err.Error())
	case errors.As(err, &rejected):
		return utils.Fail(c, fiber.StatusUnprocessableEntity, "capture rejected", fiber.Map{"reasons": rejected.Reasons})
	case errors.Is(err, quality.ErrCaptureUnreadable),
		errors.Is(err, folio.ErrQrUndecodable),
		errors.Is(err, folio.ErrQrNotAFolio):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &keyMissing):
		return utils.Fail(c, fiber.StatusConflict, err.Error(), fiber.Map{"missing": keyMissing.Missing})
	case errors.Is(err, grading.ErrConfirmationRequired),
		errors.Is(err, batch.ErrBatchRunning),
		errors.Is(err, service.ErrBatchRemote),
		errors.Is(err, review.ErrFolioMismatch):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, review.ErrExamNotFound),
		errors.Is(err, service.ErrExamNotRegistered),
		errors.Is(err, service.ErrPageImageNotFound),
		errors.Is(err, service.ErrBatchNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrImageTooLarge):
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, service.ErrPageNumberUnknown):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrFolioRequired),
		errors.Is(err, review.ErrFolioRequired),
		errors.Is(err, service.ErrEmptyBatch),
		errors.Is(err, review.ErrNoPages),
		errors.Is(err, review.ErrInvalidOption),
		errors.Is(err, review.ErrInvalidQuestion),
		errors.Is(err, review.ErrInvalidPage),
		errors.Is(err, grading.ErrMissingExam),
		errors.Is(err, grading.ErrMissingStudent),
		errors.Is(err, grading.ErrEmptyQuestionOrder):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.As(err, &serviceFail):
		logger.Warn().Err(err).Bool("retryable", serviceFail.Retryable).Msg("detection service failure")
		if serviceFail.Cancelled() {
			return utils.SendError(c, fiber.StatusGatewayTimeout, "analysis cancelled")
		}
		return utils.Fail(c, fiber.StatusBadGateway, "detection service failed", fiber.Map{"retryable": serviceFail.Retryable})
	default:
		logger.Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
