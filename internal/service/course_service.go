package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
)

const courseworkCacheGeneration = "courseworks:generation"

// Display names of the singleton submissions every coursework owns.
var singletonNames = map[models.SubmissionType]string{
	models.SubmissionDescriptor:       "Coursework Descriptor",
	models.SubmissionOracleExecutable: "Oracle Solution",
	models.SubmissionSignatureTest:    "Signature Test",
}

// CourseService manages courses, enrolment and courseworks.
type CourseService interface {
	CreateCourse(ctx context.Context, teacher models.User, req dto.CourseCreateRequest) (models.Course, error)
	Enrol(ctx context.Context, teacher models.User, code string, req dto.EnrolRequest) ([]models.User, error)
	ListCourses(ctx context.Context, user models.User) ([]dto.CourseResponse, error)
	CreateCoursework(ctx context.Context, teacher models.User, code string, req dto.CourseworkCreateRequest, files map[models.SubmissionType][]UploadedFile) (models.Coursework, error)
	UpdateCoursework(ctx context.Context, teacher models.User, courseworkID string, req dto.CourseworkUpdateRequest) (models.Coursework, error)
	GetCoursework(ctx context.Context, user models.User, courseworkID string) (models.Coursework, error)
	ListCourseworks(ctx context.Context, user models.User) ([]dto.CourseworkResponse, bool, error)
	Singletons(ctx context.Context, user models.User, courseworkID string) ([]dto.SubmissionResponse, error)
	RequeuePending(ctx context.Context, teacher models.User, courseworkID string) (dto.RequeueResponse, error)
}

type courseService struct {
	store       *repository.Store
	files       SubmissionFiles
	permissions PermissionService
	dispatcher  ExecutionDispatcher
	cache       *redis.Client
	ttl         time.Duration
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
}

// NewCourseService constructs a course service. cache may be nil.
func NewCourseService(store *repository.Store, files SubmissionFiles, permissions PermissionService, dispatcher ExecutionDispatcher, cache *redis.Client, ttl time.Duration, validate *validator.Validate, logger zerolog.Logger) CourseService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &courseService{
		store:       store,
		files:       files,
		permissions: permissions,
		dispatcher:  dispatcher,
		cache:       cache,
		ttl:         ttl,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "course_service").Logger(),
	}
}

func (s *courseService) CreateCourse(ctx context.Context, teacher models.User, req dto.CourseCreateRequest) (models.Course, error) {
	if !teacher.IsTeacher() {
		return models.Course{}, ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return models.Course{}, err
	}

	course := models.Course{
		Code: strings.ToUpper(strings.TrimSpace(req.Code)),
		Name: s.cleanName(req.Name),
	}
	if course.Name == "" {
		return models.Course{}, invalid("course name is required")
	}

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		if _, err := tx.Courses.GetByCode(ctx, course.Code); err == nil {
			return invalid("course %s already exists", course.Code)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Courses.Create(ctx, &course); err != nil {
			return err
		}
		return tx.Courses.Enrol(ctx, teacher.ID, course.Code)
	})
	if err != nil {
		return models.Course{}, err
	}

	s.invalidate(ctx)
	s.logger.Info().Str("course", course.Code).Uint("teacher_id", teacher.ID).Msg("course created")
	return course, nil
}

func (s *courseService) Enrol(ctx context.Context, teacher models.User, code string, req dto.EnrolRequest) ([]models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	course, err := s.managedCourse(ctx, teacher, code)
	if err != nil {
		return nil, err
	}

	users, err := resolveUsernames(ctx, s.store, req.Usernames)
	if err != nil {
		return nil, err
	}

	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		for _, user := range users {
			if err := tx.Courses.Enrol(ctx, user.ID, course.Code); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx)
	s.logger.Info().Str("course", course.Code).Int("users", len(users)).Msg("users enrolled")
	return users, nil
}

func (s *courseService) ListCourses(ctx context.Context, user models.User) ([]dto.CourseResponse, error) {
	courses, err := s.store.Courses.ListForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.CourseResponse, 0, len(courses))
	for _, course := range courses {
		out = append(out, dto.NewCourseResponse(course))
	}
	return out, nil
}

// CreateCoursework creates the coursework and its three singleton
// submissions atomically. Provided files become version 1 of the singletons.
func (s *courseService) CreateCoursework(ctx context.Context, teacher models.User, code string, req dto.CourseworkCreateRequest, files map[models.SubmissionType][]UploadedFile) (models.Coursework, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.Coursework{}, err
	}
	course, err := s.managedCourse(ctx, teacher, code)
	if err != nil {
		return models.Coursework{}, err
	}
	for submissionType := range files {
		if !submissionType.IsSingleton() {
			return models.Coursework{}, invalid("%s is not a coursework file type", submissionType)
		}
	}

	coursework := models.Coursework{
		CourseCode:      course.Code,
		Name:            s.cleanName(req.Name),
		State:           models.CourseworkState(req.State),
		Runtime:         models.Runtime(req.Runtime),
		TestSelector:    strings.TrimSpace(req.TestSelector),
		ExecuteScript:   strings.TrimSpace(req.ExecuteScript),
		SolutionPattern: strings.TrimSpace(req.SolutionPattern),
		TestPattern:     strings.TrimSpace(req.TestPattern),
	}
	if coursework.State == "" {
		coursework.State = models.CourseworkInvisible
	}
	if coursework.Runtime == "" {
		coursework.Runtime = models.RuntimeNone
	}
	if err := validateCoursework(coursework); err != nil {
		return models.Coursework{}, err
	}

	var created []models.Submission
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Courseworks.Create(ctx, &coursework); err != nil {
			return err
		}
		for _, submissionType := range []models.SubmissionType{models.SubmissionDescriptor, models.SubmissionOracleExecutable, models.SubmissionSignatureTest} {
			submission := models.Submission{
				CourseworkID:  coursework.ID,
				CreatorID:     teacher.ID,
				Type:          submissionType,
				DisplayName:   singletonNames[submissionType],
				LatestVersion: 1,
			}
			if err := tx.Submissions.Create(ctx, &submission); err != nil {
				return err
			}
			created = append(created, submission)
			if err := saveFiles(ctx, s.files, fileKey(course.Code, submission), 1, files[submissionType]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, submission := range created {
			if rmErr := s.files.Delete(ctx, fileKey(course.Code, submission)); rmErr != nil {
				s.logger.Warn().Err(rmErr).Str("submission_id", submission.ID).Msg("failed to remove files of aborted coursework")
			}
		}
		return models.Coursework{}, err
	}

	s.invalidate(ctx)
	s.logger.Info().Str("coursework_id", coursework.ID).Str("course", course.Code).Msg("coursework created")
	coursework.Course = course
	return coursework, nil
}

func (s *courseService) UpdateCoursework(ctx context.Context, teacher models.User, courseworkID string, req dto.CourseworkUpdateRequest) (models.Coursework, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.Coursework{}, err
	}
	coursework, err := s.managedCoursework(ctx, teacher, courseworkID)
	if err != nil {
		return models.Coursework{}, err
	}

	if req.Name != nil {
		coursework.Name = s.cleanName(*req.Name)
	}
	if req.State != nil {
		coursework.State = models.CourseworkState(*req.State)
	}
	if req.Runtime != nil {
		coursework.Runtime = models.Runtime(*req.Runtime)
	}
	if req.TestSelector != nil {
		coursework.TestSelector = strings.TrimSpace(*req.TestSelector)
	}
	if req.ExecuteScript != nil {
		coursework.ExecuteScript = strings.TrimSpace(*req.ExecuteScript)
	}
	if req.SolutionPattern != nil {
		coursework.SolutionPattern = strings.TrimSpace(*req.SolutionPattern)
	}
	if req.TestPattern != nil {
		coursework.TestPattern = strings.TrimSpace(*req.TestPattern)
	}
	if err := validateCoursework(coursework); err != nil {
		return models.Coursework{}, err
	}

	if err := s.store.Courseworks.Update(ctx, &coursework); err != nil {
		return models.Coursework{}, err
	}

	s.invalidate(ctx)
	s.logger.Info().Str("coursework_id", coursework.ID).Str("state", string(coursework.State)).Msg("coursework updated")
	return coursework, nil
}

func (s *courseService) GetCoursework(ctx context.Context, user models.User, courseworkID string) (models.Coursework, error) {
	coursework, err := s.store.Courseworks.GetByID(ctx, courseworkID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Coursework{}, ErrCourseworkNotFound
	}
	if err != nil {
		return models.Coursework{}, err
	}
	ok, err := s.permissions.CanViewCoursework(ctx, user, coursework)
	if err != nil {
		return models.Coursework{}, err
	}
	if !ok {
		return models.Coursework{}, ErrCourseworkNotFound
	}
	return coursework, nil
}

// Singletons lists the coursework files the user may see, at their latest version.
func (s *courseService) Singletons(ctx context.Context, user models.User, courseworkID string) ([]dto.SubmissionResponse, error) {
	coursework, err := s.GetCoursework(ctx, user, courseworkID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.SubmissionResponse, 0, len(singletonNames))
	for _, submissionType := range []models.SubmissionType{models.SubmissionDescriptor, models.SubmissionOracleExecutable, models.SubmissionSignatureTest} {
		submission, err := s.store.Submissions.FindSingleton(ctx, coursework.ID, submissionType)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ok, err := s.permissions.CanViewSubmission(ctx, user, submission, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		names, err := s.files.Files(fileKey(coursework.CourseCode, submission), submission.LatestVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, dto.NewSubmissionResponse(submission, names))
	}
	return out, nil
}

// ListCourseworks returns the courseworks the user can view. The boolean
// reports whether the list came from the cache.
func (s *courseService) ListCourseworks(ctx context.Context, user models.User) ([]dto.CourseworkResponse, bool, error) {
	key := s.cacheKey(ctx, user.ID)
	if cached, ok := s.fetchCache(ctx, key); ok {
		return cached, true, nil
	}

	courses, err := s.store.Courses.ListForUser(ctx, user.ID)
	if err != nil {
		return nil, false, err
	}
	codes := make([]string, 0, len(courses))
	for _, course := range courses {
		codes = append(codes, course.Code)
	}

	courseworks, err := s.store.Courseworks.ListByCourses(ctx, codes)
	if err != nil {
		return nil, false, err
	}

	out := make([]dto.CourseworkResponse, 0, len(courseworks))
	for _, coursework := range courseworks {
		if !user.IsTeacher() && !coursework.IsVisible() {
			continue
		}
		out = append(out, dto.NewCourseworkResponse(coursework))
	}

	s.writeCache(ctx, key, out)
	return out, false, nil
}

// RequeuePending dispatches every unresolved match of the coursework.
// Matches rejected by a full queue are counted as skipped.
func (s *courseService) RequeuePending(ctx context.Context, teacher models.User, courseworkID string) (dto.RequeueResponse, error) {
	coursework, err := s.managedCoursework(ctx, teacher, courseworkID)
	if err != nil {
		return dto.RequeueResponse{}, err
	}

	pending, err := s.store.TestMatches.ListPending(ctx, coursework.ID)
	if err != nil {
		return dto.RequeueResponse{}, err
	}

	var result dto.RequeueResponse
	for _, match := range pending {
		switch err := s.dispatcher.Dispatch(ctx, match); {
		case err == nil:
			result.Queued++
		case errors.Is(err, ErrQueueFull), errors.Is(err, ErrAlreadyResolved):
			result.Skipped++
		default:
			return result, err
		}
	}

	s.logger.Info().
		Str("coursework_id", coursework.ID).
		Int("queued", result.Queued).
		Int("skipped", result.Skipped).
		Msg("pending test matches requeued")
	return result, nil
}

func (s *courseService) managedCourse(ctx context.Context, teacher models.User, code string) (models.Course, error) {
	if !teacher.IsTeacher() {
		return models.Course{}, ErrForbidden
	}
	course, err := s.store.Courses.GetByCode(ctx, code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Course{}, ErrCourseNotFound
	}
	if err != nil {
		return models.Course{}, err
	}
	enrolled, err := s.store.Courses.IsEnrolled(ctx, teacher.ID, course.Code)
	if err != nil {
		return models.Course{}, err
	}
	if !enrolled {
		return models.Course{}, ErrForbidden
	}
	return course, nil
}

func (s *courseService) managedCoursework(ctx context.Context, teacher models.User, courseworkID string) (models.Coursework, error) {
	if !teacher.IsTeacher() {
		return models.Coursework{}, ErrForbidden
	}
	coursework, err := s.store.Courseworks.GetByID(ctx, courseworkID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Coursework{}, ErrCourseworkNotFound
	}
	if err != nil {
		return models.Coursework{}, err
	}
	if _, err := s.managedCourse(ctx, teacher, coursework.CourseCode); err != nil {
		return models.Coursework{}, err
	}
	return coursework, nil
}

func (s *courseService) cleanName(name string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(name))
}

func (s *courseService) cacheKey(ctx context.Context, userID uint) string {
	generation := "0"
	if s.cache != nil {
		if value, err := s.cache.Get(ctx, courseworkCacheGeneration).Result(); err == nil {
			generation = value
		}
	}
	return fmt.Sprintf("courseworks:v1:%s:%d", generation, userID)
}

func (s *courseService) fetchCache(ctx context.Context, key string) ([]dto.CourseworkResponse, bool) {
	if s.cache == nil {
		return nil, false
	}
	payload, err := s.cache.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}

	var result []dto.CourseworkResponse
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode coursework cache")
		return nil, false
	}
	return result, true
}

func (s *courseService) writeCache(ctx context.Context, key string, result []dto.CourseworkResponse) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode coursework cache")
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store coursework cache")
	}
}

// invalidate moves every cached coursework list to a new generation.
func (s *courseService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Incr(ctx, courseworkCacheGeneration).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate coursework cache")
	}
}

func validateCoursework(coursework models.Coursework) error {
	if coursework.Name == "" {
		return invalid("coursework name is required")
	}
	if !coursework.State.Valid() {
		return invalid("unknown coursework state %q", coursework.State)
	}
	if !coursework.Runtime.Valid() {
		return invalid("unknown runtime %q", coursework.Runtime)
	}
	for _, pattern := range []string{coursework.SolutionPattern, coursework.TestPattern} {
		if err := validPattern(pattern); err != nil {
			return err
		}
	}
	return nil
}
