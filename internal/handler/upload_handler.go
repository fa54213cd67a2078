package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/middleware"
	"github.com/noah-isme/gema-chat-api/internal/service"
	"github.com/noah-isme/gema-chat-api/internal/utils"
)

// UploadHandler stores attachment media before it is referenced by a message.
type UploadHandler struct {
	service service.AttachmentService
	logger  zerolog.Logger
}

// NewUploadHandler constructs an upload handler.
func NewUploadHandler(service service.AttachmentService, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		service: service,
		logger:  logger.With().Str("component", "upload_handler").Logger(),
	}
}

// Register wires upload routes.
func (h *UploadHandler) Register(router fiber.Router) {
	router.Post("", h.upload)
}

func (h *UploadHandler) upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return sendServiceError(c, h.logger, service.ErrUploadMissing, "upload")
	}

	result, err := h.service.Upload(requestContext(c), middleware.UserID(c), file)
	if err != nil {
		if errors.Is(err, service.ErrUploadTooLarge) {
			return utils.Fail(c, fiber.StatusRequestEntityTooLarge, service.ReasonOf(err), string(service.KindValidation), nil)
		}
		return sendServiceError(c, h.logger, err, "upload")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "upload successful", result)
}
