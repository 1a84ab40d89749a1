package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
)

// CreateTestMatchInput identifies the pairing to create.
type CreateTestMatchInput struct {
	Mode         models.TestMatchType
	CourseworkID string
	SolutionID   string
	TestID       string
	GroupID      uint
}

// TestMatchService creates test matches in self, peer and teacher modes.
type TestMatchService interface {
	Create(ctx context.Context, initiator models.User, input CreateTestMatchInput) (models.TestMatch, error)
	CreateSelfTestForSolution(ctx context.Context, solution models.Submission) (models.TestMatch, error)
	Get(ctx context.Context, id string) (models.TestMatch, error)
}

// ErrNoSignatureTest is returned when a coursework has no signature test to self-test against.
var ErrNoSignatureTest = fmt.Errorf("signature test %w", ErrNotFound)

type testMatchService struct {
	store       *repository.Store
	permissions PermissionService
	logger      zerolog.Logger
}

// NewTestMatchService constructs the test match factory.
func NewTestMatchService(store *repository.Store, permissions PermissionService, logger zerolog.Logger) TestMatchService {
	return &testMatchService{
		store:       store,
		permissions: permissions,
		logger:      logger.With().Str("component", "test_match_service").Logger(),
	}
}

// Create validates the request against the coursework state and the
// initiator's standing, then creates the match. Students self-test while the
// coursework accepts uploads and peer-test during feedback; teacher mode is
// reserved for teachers.
func (s *testMatchService) Create(ctx context.Context, initiator models.User, input CreateTestMatchInput) (models.TestMatch, error) {
	coursework, err := s.store.Courseworks.GetByID(ctx, input.CourseworkID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TestMatch{}, ErrCourseworkNotFound
	}
	if err != nil {
		return models.TestMatch{}, err
	}

	visible, err := s.permissions.CanViewCoursework(ctx, initiator, coursework)
	if err != nil {
		return models.TestMatch{}, err
	}
	if !visible {
		return models.TestMatch{}, ErrCourseworkNotFound
	}

	switch input.Mode {
	case models.TestMatchTeacher:
		if !initiator.IsTeacher() {
			return models.TestMatch{}, ErrForbidden
		}
	case models.TestMatchSelf:
		if !initiator.IsTeacher() && !coursework.AcceptsUploads() {
			return models.TestMatch{}, invalid("self-testing is not open for this coursework")
		}
	case models.TestMatchPeer:
		if !initiator.IsTeacher() && coursework.State != models.CourseworkFeedback {
			return models.TestMatch{}, invalid("peer-testing is only open during the feedback phase")
		}
	default:
		return models.TestMatch{}, invalid("unknown test mode %q", input.Mode)
	}

	var match models.TestMatch
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		created, err := s.create(ctx, tx, coursework, initiator, input)
		match = created
		return err
	})
	if err != nil {
		return models.TestMatch{}, err
	}

	s.logger.Info().
		Str("test_match_id", match.ID).
		Str("type", string(match.Type)).
		Uint("initiator_id", initiator.ID).
		Msg("test match created")

	return match, nil
}

// CreateSelfTestForSolution pairs a solution's latest version with the coursework's signature test.
func (s *testMatchService) CreateSelfTestForSolution(ctx context.Context, solution models.Submission) (models.TestMatch, error) {
	var match models.TestMatch
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		coursework, err := tx.Courseworks.GetByID(ctx, solution.CourseworkID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCourseworkNotFound
		}
		if err != nil {
			return err
		}

		signature, err := tx.Submissions.FindSingleton(ctx, coursework.ID, models.SubmissionSignatureTest)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoSignatureTest
		}
		if err != nil {
			return err
		}

		creator := models.User{ID: solution.CreatorID}
		match, err = s.create(ctx, tx, coursework, creator, CreateTestMatchInput{
			Mode:         models.TestMatchSelf,
			CourseworkID: coursework.ID,
			SolutionID:   solution.ID,
			TestID:       signature.ID,
		})
		return err
	})
	if err != nil {
		return models.TestMatch{}, err
	}
	return match, nil
}

func (s *testMatchService) Get(ctx context.Context, id string) (models.TestMatch, error) {
	match, err := s.store.TestMatches.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TestMatch{}, ErrTestMatchNotFound
	}
	return match, err
}

// create is the validation core shared by every entry point. It runs inside tx.
func (s *testMatchService) create(ctx context.Context, tx *repository.Store, coursework models.Coursework, initiator models.User, input CreateTestMatchInput) (models.TestMatch, error) {
	solution, err := s.submissionIn(ctx, tx, coursework.ID, input.SolutionID)
	if err != nil {
		return models.TestMatch{}, err
	}
	test, err := s.submissionIn(ctx, tx, coursework.ID, input.TestID)
	if err != nil {
		return models.TestMatch{}, err
	}

	if solution.Type != models.SubmissionSolution && solution.Type != models.SubmissionOracleExecutable {
		return models.TestMatch{}, invalid("submission %s is not a solution", solution.ID)
	}
	if test.Type != models.SubmissionTestCase && test.Type != models.SubmissionSignatureTest {
		return models.TestMatch{}, invalid("submission %s is not a test", test.ID)
	}

	oracle := solution.Type == models.SubmissionOracleExecutable
	signature := test.Type == models.SubmissionSignatureTest
	if oracle && signature {
		return models.TestMatch{}, invalid("the oracle solution cannot be matched against the signature test")
	}

	var group models.FeedbackGroup
	switch input.Mode {
	case models.TestMatchSelf:
		if solution.CreatorID != initiator.ID && !oracle {
			return models.TestMatch{}, invalid("you can only self-test your own solution")
		}
		if test.CreatorID != initiator.ID && !signature {
			return models.TestMatch{}, invalid("you can only self-test with your own test")
		}
	case models.TestMatchPeer:
		group, err = tx.Feedback.GetGroup(ctx, input.GroupID)
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && group.CourseworkID != coursework.ID) {
			return models.TestMatch{}, ErrGroupNotFound
		}
		if err != nil {
			return models.TestMatch{}, err
		}
		if !isGroupMember(group, initiator.ID) {
			return models.TestMatch{}, invalid("you are not a member of this feedback group")
		}
		if !oracle && !isGroupMember(group, solution.CreatorID) {
			return models.TestMatch{}, invalid("the solution's author is not in this feedback group")
		}
		if test.CreatorID != initiator.ID && !signature {
			return models.TestMatch{}, invalid("you can only peer-test with your own test")
		}
	case models.TestMatchTeacher:
	default:
		return models.TestMatch{}, invalid("unknown test mode %q", input.Mode)
	}

	match := models.TestMatch{
		CourseworkID:    coursework.ID,
		TestID:          test.ID,
		TestVersion:     test.LatestVersion,
		SolutionID:      solution.ID,
		SolutionVersion: solution.LatestVersion,
		Type:            input.Mode,
	}
	if err := tx.TestMatches.Create(ctx, &match); err != nil {
		return models.TestMatch{}, err
	}

	if input.Mode == models.TestMatchPeer {
		access := models.TestAccessControl{TestMatchID: match.ID, GroupID: group.ID, InitiatorID: initiator.ID}
		if err := tx.Feedback.CreateAccess(ctx, &access); err != nil {
			return models.TestMatch{}, err
		}
	}

	match.Coursework = coursework
	match.Test = test
	match.Solution = solution
	return match, nil
}

func (s *testMatchService) submissionIn(ctx context.Context, tx *repository.Store, courseworkID, id string) (models.Submission, error) {
	submission, err := tx.Submissions.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && submission.CourseworkID != courseworkID) {
		return models.Submission{}, ErrSubmissionNotFound
	}
	return submission, err
}

func isGroupMember(group models.FeedbackGroup, userID uint) bool {
	for _, member := range group.Members {
		if member.UserID == userID {
			return true
		}
	}
	return false
}
