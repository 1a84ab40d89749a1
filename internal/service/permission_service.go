package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
)

// TestContext names the test match (and pinned version) through which a
// submission is being accessed.
type TestContext struct {
	TestMatchID string
	Version     int
}

// PermissionService answers visibility questions. It only reads.
type PermissionService interface {
	CanViewCoursework(ctx context.Context, user models.User, coursework models.Coursework) (bool, error)
	CanViewSubmission(ctx context.Context, user models.User, submission models.Submission, testCtx *TestContext) (bool, error)
	UserHasTestAccess(ctx context.Context, user models.User, match models.TestMatch) (bool, error)
	UserHasSubmissionAccess(ctx context.Context, user models.User, submission models.Submission, testCtx *TestContext) (bool, error)
	UserIsSelfTesting(ctx context.Context, user models.User, match models.TestMatch) (bool, error)
}

type permissionService struct {
	store *repository.Store
}

// NewPermissionService constructs the permission engine.
func NewPermissionService(store *repository.Store) PermissionService {
	return &permissionService{store: store}
}

func (s *permissionService) CanViewCoursework(ctx context.Context, user models.User, coursework models.Coursework) (bool, error) {
	enrolled, err := s.store.Courses.IsEnrolled(ctx, user.ID, coursework.CourseCode)
	if err != nil || !enrolled {
		return false, err
	}
	if user.IsTeacher() {
		return true, nil
	}
	return coursework.IsVisible(), nil
}

func (s *permissionService) CanViewSubmission(ctx context.Context, user models.User, submission models.Submission, testCtx *TestContext) (bool, error) {
	coursework, err := s.courseworkOf(ctx, submission)
	if err != nil {
		return false, err
	}
	if ok, err := s.CanViewCoursework(ctx, user, coursework); err != nil || !ok {
		return false, err
	}
	if user.IsTeacher() {
		return true, nil
	}

	switch submission.Type {
	case models.SubmissionDescriptor, models.SubmissionSignatureTest:
		return true, nil
	case models.SubmissionOracleExecutable:
		return false, nil
	case models.SubmissionSolution, models.SubmissionTestCase, models.SubmissionTestResult:
	default:
		return false, nil
	}

	if submission.CreatorID == user.ID {
		return true, nil
	}

	if testCtx != nil {
		ok, err := s.UserHasSubmissionAccess(ctx, user, submission, testCtx)
		if err != nil || ok {
			return ok, err
		}
	}

	if submission.Type != models.SubmissionTestResult {
		return false, nil
	}

	match, err := s.store.TestMatches.FindByResult(ctx, submission.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ok, err := s.UserIsSelfTesting(ctx, user, match); err != nil || ok {
		return ok, err
	}
	return s.UserHasTestAccess(ctx, user, match)
}

func (s *permissionService) UserHasTestAccess(ctx context.Context, user models.User, match models.TestMatch) (bool, error) {
	access, err := s.store.Feedback.FindAccess(ctx, match.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if user.ID != access.InitiatorID {
		solution, err := s.solutionOf(ctx, match)
		if err != nil {
			return false, err
		}
		if solution.CreatorID != user.ID {
			return false, nil
		}
	}

	_, err = s.store.Feedback.FindMembership(ctx, access.GroupID, user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *permissionService) UserHasSubmissionAccess(ctx context.Context, user models.User, submission models.Submission, testCtx *TestContext) (bool, error) {
	if submission.CreatorID == user.ID {
		return true, nil
	}
	if testCtx == nil || testCtx.TestMatchID == "" {
		return false, nil
	}

	match, err := s.store.TestMatches.GetByID(ctx, testCtx.TestMatchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if match.CourseworkID != submission.CourseworkID {
		return false, nil
	}

	var pinned bool
	switch {
	case match.SolutionID == submission.ID:
		pinned = testCtx.Version == match.SolutionVersion
	case match.TestID == submission.ID:
		pinned = testCtx.Version == match.TestVersion
	case match.ResultID != nil && *match.ResultID == submission.ID:
		pinned = true
	}
	if !pinned {
		return false, nil
	}

	return s.UserHasTestAccess(ctx, user, match)
}

func (s *permissionService) UserIsSelfTesting(ctx context.Context, user models.User, match models.TestMatch) (bool, error) {
	if match.Type != models.TestMatchSelf {
		return false, nil
	}
	solution, err := s.solutionOf(ctx, match)
	if err != nil {
		return false, err
	}
	if solution.CreatorID == user.ID {
		return true, nil
	}
	test, err := s.testOf(ctx, match)
	if err != nil {
		return false, err
	}
	return test.CreatorID == user.ID, nil
}

func (s *permissionService) courseworkOf(ctx context.Context, submission models.Submission) (models.Coursework, error) {
	if submission.Coursework.ID == submission.CourseworkID && submission.Coursework.CourseCode != "" {
		return submission.Coursework, nil
	}
	coursework, err := s.store.Courseworks.GetByID(ctx, submission.CourseworkID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Coursework{}, ErrCourseworkNotFound
	}
	return coursework, err
}

func (s *permissionService) solutionOf(ctx context.Context, match models.TestMatch) (models.Submission, error) {
	if match.Solution.ID == match.SolutionID {
		return match.Solution, nil
	}
	return s.store.Submissions.GetByID(ctx, match.SolutionID)
}

func (s *permissionService) testOf(ctx context.Context, match models.TestMatch) (models.Submission, error) {
	if match.Test.ID == match.TestID {
		return match.Test, nil
	}
	return s.store.Submissions.GetByID(ctx, match.TestID)
}
