package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
)

// FeedbackMode is what a user may do with a test match's feedback.
type FeedbackMode string

const (
	FeedbackDeny  FeedbackMode = "deny"
	FeedbackWait  FeedbackMode = "wait"
	FeedbackRead  FeedbackMode = "read"
	FeedbackWrite FeedbackMode = "write"
)

// FeedbackAccessService decides the feedback mode of a user on a test match.
type FeedbackAccessService interface {
	UserFeedbackMode(ctx context.Context, user models.User, match models.TestMatch) (FeedbackMode, error)
}

type feedbackAccessService struct {
	store       *repository.Store
	permissions PermissionService
}

// NewFeedbackAccessService constructs the feedback access controller.
func NewFeedbackAccessService(store *repository.Store, permissions PermissionService) FeedbackAccessService {
	return &feedbackAccessService{store: store, permissions: permissions}
}

func (s *feedbackAccessService) UserFeedbackMode(ctx context.Context, user models.User, match models.TestMatch) (FeedbackMode, error) {
	coursework := match.Coursework
	if coursework.ID != match.CourseworkID {
		loaded, err := s.store.Courseworks.GetByID(ctx, match.CourseworkID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return FeedbackDeny, nil
		}
		if err != nil {
			return FeedbackDeny, err
		}
		coursework = loaded
	}

	visible, err := s.permissions.CanViewCoursework(ctx, user, coursework)
	if err != nil || !visible {
		return FeedbackDeny, err
	}
	if user.IsTeacher() {
		return FeedbackWrite, nil
	}

	selfTesting, err := s.permissions.UserIsSelfTesting(ctx, user, match)
	if err != nil {
		return FeedbackDeny, err
	}
	if selfTesting {
		return waitUntilRun(match, FeedbackRead), nil
	}

	hasAccess, err := s.permissions.UserHasTestAccess(ctx, user, match)
	if err != nil || !hasAccess {
		return FeedbackDeny, err
	}

	mode := FeedbackRead
	if coursework.State == models.CourseworkFeedback {
		mode = FeedbackWrite
	}
	return waitUntilRun(match, mode), nil
}

func waitUntilRun(match models.TestMatch, mode FeedbackMode) FeedbackMode {
	if !match.HasBeenRun() {
		return FeedbackWait
	}
	return mode
}
