package handler

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/middleware"
	"github.com/peergramming/peer-testing/internal/service"
	"github.com/peergramming/peer-testing/internal/utils"
)

// CourseHandler exposes courses, enrolment and coursework management.
type CourseHandler struct {
	service service.CourseService
	logger  zerolog.Logger
}

// NewCourseHandler constructs a course handler.
func NewCourseHandler(service service.CourseService, logger zerolog.Logger) *CourseHandler {
	return &CourseHandler{
		service: service,
		logger:  logger.With().Str("component", "course_handler").Logger(),
	}
}

// Register binds the course and coursework routes.
func (h *CourseHandler) Register(router fiber.Router) {
	teacher := middleware.RequireTeacher()

	router.Get("/courses", h.listCourses)
	router.Post("/courses", teacher, h.createCourse)
	router.Post("/courses/:code/enrolments", teacher, h.enrol)
	router.Post("/courses/:code/courseworks", teacher, h.createCoursework)

	router.Get("/courseworks", h.listCourseworks)
	router.Get("/courseworks/:cw", h.getCoursework)
	router.Patch("/courseworks/:cw", teacher, h.updateCoursework)
	router.Post("/courseworks/:cw/requeue", teacher, h.requeue)
}

func (h *CourseHandler) listCourses(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	courses, err := h.service.ListCourses(requestContext(c), user)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "courses retrieved", courses)
}

func (h *CourseHandler) createCourse(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	var payload dto.CourseCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	course, err := h.service.CreateCourse(requestContext(c), user, payload)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "course created", dto.NewCourseResponse(course))
}

func (h *CourseHandler) enrol(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	var payload dto.EnrolRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	users, err := h.service.Enrol(requestContext(c), user, strings.ToUpper(c.Params("code")), payload)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "users enrolled", dto.NewUserResponseSlice(users))
}

func (h *CourseHandler) createCoursework(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	var payload dto.CourseworkCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	coursework, err := h.service.CreateCoursework(requestContext(c), user, strings.ToUpper(c.Params("code")), payload, nil)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "coursework created", dto.NewCourseworkResponse(coursework))
}

func (h *CourseHandler) listCourseworks(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	courseworks, hit, err := h.service.ListCourseworks(requestContext(c), user)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	c.Set("X-Cache-Hit", strconv.FormatBool(hit))
	return utils.SendSuccess(c, "courseworks retrieved", courseworks)
}

func (h *CourseHandler) getCoursework(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)
	user, ok := principal(c)
	if !ok {
		return nil
	}

	ctx := requestContext(c)
	coursework, err := h.service.GetCoursework(ctx, user, c.Params("cw"))
	if err != nil {
		return respondError(c, logger, err)
	}
	files, err := h.service.Singletons(ctx, user, coursework.ID)
	if err != nil {
		return respondError(c, logger, err)
	}

	return utils.SendSuccess(c, "coursework retrieved", dto.CourseworkDetailResponse{
		CourseworkResponse: dto.NewCourseworkResponse(coursework),
		Files:              files,
	})
}

func (h *CourseHandler) updateCoursework(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	var payload dto.CourseworkUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	coursework, err := h.service.UpdateCoursework(requestContext(c), user, c.Params("cw"), payload)
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccess(c, "coursework updated", dto.NewCourseworkResponse(coursework))
}

func (h *CourseHandler) requeue(c *fiber.Ctx) error {
	user, ok := principal(c)
	if !ok {
		return nil
	}

	result, err := h.service.RequeuePending(requestContext(c), user, c.Params("cw"))
	if err != nil {
		return respondError(c, requestLogger(h.logger, c), err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "pending test matches queued", result)
}
