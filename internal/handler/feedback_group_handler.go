package handler

import (
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/middleware"
	"github.com/peergramming/peer-testing/internal/service"
	"github.com/peergramming/peer-testing/internal/utils"
)

// FeedbackGroupHandler manages feedback groups and the matches inside them.
type FeedbackGroupHandler struct {
	service service.FeedbackGroupService
	logger  zerolog.Logger
}

// NewFeedbackGroupHandler constructs a feedback group handler.
func NewFeedbackGroupHandler(service service.FeedbackGroupService, logger zerolog.Logger) *FeedbackGroupHandler {
	return &FeedbackGroupHandler{
		service: service,
		logger:  logger.With().Str("component", "feedback_group_handler").Logger(),
	}
}

// Register binds the group routes.
func (h *FeedbackGroupHandler) Register(router fiber.Router) {
	teacher := middleware.RequireTeacher()

	router.Get("/courseworks/:cw/groups", teacher, h.list)
	router.Post("/courseworks/:cw/groups", teacher, h.create)
	router.Get("/courseworks/:cw/groups/export", teacher, h.export)
	router.Post("/courseworks/:cw/groups/import", teacher, h.importGroups)
	router.Get("/courseworks/:cw/my-groups", h.mine)

	router.Put("/groups/:id", teacher, h.modify)
	router.Delete("/groups/:id", teacher, h.delete)
	router.Get("/groups/:id/matches", h.matches)
}

func (h *FeedbackGroupHandler) list(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	groups, err := h.service.List(requestContext(c), user, c.Params("cw"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "feedback groups retrieved", groups)
}

func (h *FeedbackGroupHandler) create(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	var payload dto.FeedbackGroupRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	group, err := h.service.Create(requestContext(c), user, c.Params("cw"), payload)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "feedback group created", group)
}

func (h *FeedbackGroupHandler) modify(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.FeedbackGroupRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	group, err := h.service.Modify(requestContext(c), user, id, payload)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "feedback group updated", group)
}

func (h *FeedbackGroupHandler) delete(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.Delete(requestContext(c), user, id); err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "feedback group deleted", nil)
}

func (h *FeedbackGroupHandler) export(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	payload, err := h.service.Export(requestContext(c), user, c.Params("cw"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "groups-"+c.Params("cw")+".json"))
	return c.Send(payload)
}

func (h *FeedbackGroupHandler) importGroups(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	body := c.Body()
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "unable to read upload")
		}
		defer f.Close()
		if body, err = io.ReadAll(f); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "unable to read upload")
		}
	}

	groups, err := h.service.Import(requestContext(c), user, c.Params("cw"), body)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "feedback groups imported", groups)
}

func (h *FeedbackGroupHandler) mine(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	groups, err := h.service.GroupsForUser(requestContext(c), user, c.Params("cw"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "feedback groups retrieved", groups)
}

func (h *FeedbackGroupHandler) matches(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	matches, err := h.service.MatchesForUser(requestContext(c), user, id)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "test matches retrieved", matches)
}
