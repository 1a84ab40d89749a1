package service

import (
	"context"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
)

// TestMatchViewService renders a test match for one viewer.
type TestMatchViewService interface {
	// Detail returns the viewer's feedback mode on the match. The response is
	// only populated when the mode is read or write.
	Detail(ctx context.Context, viewer models.User, matchID string) (dto.TestMatchResponse, FeedbackMode, error)
}

type testMatchViewService struct {
	matches TestMatchService
	access  FeedbackAccessService
	groups  FeedbackGroupService
	files   SubmissionFiles
}

// NewTestMatchViewService constructs a test match view service.
func NewTestMatchViewService(matches TestMatchService, access FeedbackAccessService, groups FeedbackGroupService, files SubmissionFiles) TestMatchViewService {
	return &testMatchViewService{matches: matches, access: access, groups: groups, files: files}
}

func (s *testMatchViewService) Detail(ctx context.Context, viewer models.User, matchID string) (dto.TestMatchResponse, FeedbackMode, error) {
	match, err := s.matches.Get(ctx, matchID)
	if err != nil {
		return dto.TestMatchResponse{}, FeedbackDeny, err
	}

	mode, err := s.access.UserFeedbackMode(ctx, viewer, match)
	if err != nil {
		return dto.TestMatchResponse{}, FeedbackDeny, err
	}
	switch mode {
	case FeedbackDeny:
		return dto.TestMatchResponse{}, mode, nil
	case FeedbackWait:
		return dto.TestMatchResponse{TestMatchStatus: dto.NewTestMatchStatus(match)}, mode, nil
	}

	description, err := s.groups.DescribeMatch(ctx, viewer, match)
	if err != nil {
		return dto.TestMatchResponse{}, FeedbackDeny, err
	}

	courseCode := match.Coursework.CourseCode
	solution, err := s.ref(courseCode, match.Solution, match.SolutionVersion, description.SolutionName)
	if err != nil {
		return dto.TestMatchResponse{}, FeedbackDeny, err
	}
	test, err := s.ref(courseCode, match.Test, match.TestVersion, description.TestName)
	if err != nil {
		return dto.TestMatchResponse{}, FeedbackDeny, err
	}

	response := dto.TestMatchResponse{
		TestMatchStatus: dto.NewTestMatchStatus(match),
		CourseworkID:    match.CourseworkID,
		Mode:            string(mode),
		Solution:        solution,
		Test:            test,
		CreatedAt:       match.CreatedAt,
	}
	if match.Result != nil {
		result, err := s.ref(courseCode, *match.Result, 1, match.Result.DisplayName)
		if err != nil {
			return dto.TestMatchResponse{}, FeedbackDeny, err
		}
		response.Result = &result
	}
	return response, mode, nil
}

func (s *testMatchViewService) ref(courseCode string, submission models.Submission, version int, name string) (dto.SubmissionRef, error) {
	files, err := s.files.Files(fileKey(courseCode, submission), version)
	if err != nil {
		return dto.SubmissionRef{}, err
	}
	return dto.SubmissionRef{
		ID:          submission.ID,
		Type:        string(submission.Type),
		DisplayName: name,
		Version:     version,
		Files:       files,
	}, nil
}
