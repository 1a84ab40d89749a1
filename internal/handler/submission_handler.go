package handler

import (
	"fmt"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/middleware"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/service"
	"github.com/peergramming/peer-testing/internal/utils"
)

const uploadField = "files"

// SubmissionHandler manages uploads and file access for submissions.
type SubmissionHandler struct {
	service   service.SubmissionService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(service service.SubmissionService, validator *validator.Validate, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to the authenticated API group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	router.Get("/courseworks/:cw/submissions", h.listOwn)
	router.Post("/courseworks/:cw/submissions", h.upload)
	router.Get("/submissions/:id", h.get)
	router.Delete("/submissions/:id", h.delete)
	router.Put("/submissions/:id/content", middleware.RequireTeacher(), h.updateContent)
	router.Get("/submissions/:id/versions/:version/files/:name", h.download)
}

func (h *SubmissionHandler) listOwn(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	submissions, err := h.service.ListOwn(requestContext(c), user, c.Params("cw"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "submissions retrieved", submissions)
}

func (h *SubmissionHandler) upload(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)
	user, ok := principal(c)
	if !ok {
		return nil
	}

	payload := dto.SubmissionUploadRequest{
		Type:         strings.TrimSpace(c.FormValue("type")),
		SubmissionID: strings.TrimSpace(c.FormValue("submission_id")),
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, logger, err)
	}

	files, cleanup, err := openUploads(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	defer cleanup()

	resp, err := h.service.Upload(requestContext(c), user, service.UploadInput{
		CourseworkID: c.Params("cw"),
		Type:         models.SubmissionType(payload.Type),
		SubmissionID: payload.SubmissionID,
		Files:        files,
	})
	if err != nil {
		return respondError(c, logger, err)
	}

	status := fiber.StatusCreated
	if payload.SubmissionID != "" || resp.Submission.LatestVersion > 1 {
		status = fiber.StatusOK
	}
	return utils.SendSuccessWithStatus(c, status, "submission uploaded", resp)
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	version, err := parseQueryInt(c, "version")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid version")
	}

	submission, err := h.service.Get(requestContext(c), user, c.Params("id"), testContext(c, version))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "submission retrieved", submission)
}

func (h *SubmissionHandler) delete(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	if err := h.service.Delete(requestContext(c), user, c.Params("id")); err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "submission deleted", nil)
}

func (h *SubmissionHandler) updateContent(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	files, cleanup, err := openUploads(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	defer cleanup()

	submission, err := h.service.UpdateContent(requestContext(c), user, c.Params("id"), files)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "submission content updated", submission)
}

func (h *SubmissionHandler) download(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	version, err := strconv.Atoi(c.Params("version"))
	if err != nil || version < 1 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid version")
	}
	name, err := url.PathUnescape(c.Params("name"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid file name")
	}

	file, err := h.service.OpenFile(requestContext(c), user, c.Params("id"), version, name, testContext(c, version))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}

	c.Set(fiber.HeaderContentType, file.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", file.Name))
	return c.SendStream(file.Content, int(file.Size))
}

// openUploads opens every file of the multipart "files" field.
func openUploads(c *fiber.Ctx) ([]service.UploadedFile, func(), error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, func() {}, fmt.Errorf("multipart form required")
	}

	headers := form.File[uploadField]
	files := make([]service.UploadedFile, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	cleanup := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("unable to read %s", header.Filename)
		}
		opened = append(opened, f)
		files = append(files, service.UploadedFile{Name: header.Filename, Content: f})
	}
	return files, cleanup, nil
}
