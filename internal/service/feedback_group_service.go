package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
)

// NicknamePrefix prefixes the anonymous names of group members.
const NicknamePrefix = "Peer #"

const groupImportSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"items": {"type": "string", "minLength": 1, "pattern": "\\S"}
}`

// FeedbackGroupService manages feedback groups and their anonymised views.
type FeedbackGroupService interface {
	Create(ctx context.Context, teacher models.User, courseworkID string, req dto.FeedbackGroupRequest) (dto.FeedbackGroupResponse, error)
	Modify(ctx context.Context, teacher models.User, groupID uint, req dto.FeedbackGroupRequest) (dto.FeedbackGroupResponse, error)
	Delete(ctx context.Context, teacher models.User, groupID uint) error
	List(ctx context.Context, teacher models.User, courseworkID string) ([]dto.FeedbackGroupResponse, error)
	Export(ctx context.Context, teacher models.User, courseworkID string) ([]byte, error)
	Import(ctx context.Context, teacher models.User, courseworkID string, payload []byte) ([]dto.FeedbackGroupResponse, error)
	GroupsForUser(ctx context.Context, user models.User, courseworkID string) ([]dto.FeedbackGroupResponse, error)
	MatchesForUser(ctx context.Context, user models.User, groupID uint) ([]dto.MatchDescription, error)
	DescribeMatch(ctx context.Context, viewer models.User, match models.TestMatch) (dto.MatchDescription, error)
}

type feedbackGroupService struct {
	store       *repository.Store
	permissions PermissionService
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	schema      *jsonschema.Schema
	logger      zerolog.Logger
}

// NewFeedbackGroupService constructs a feedback group service.
func NewFeedbackGroupService(store *repository.Store, permissions PermissionService, validate *validator.Validate, logger zerolog.Logger) FeedbackGroupService {
	return &feedbackGroupService{
		store:       store,
		permissions: permissions,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		schema:      jsonschema.MustCompileString("feedback_groups.schema.json", groupImportSchema),
		logger:      logger.With().Str("component", "feedback_group_service").Logger(),
	}
}

func (s *feedbackGroupService) Create(ctx context.Context, teacher models.User, courseworkID string, req dto.FeedbackGroupRequest) (dto.FeedbackGroupResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.FeedbackGroupResponse{}, err
	}
	coursework, err := s.managedCoursework(ctx, teacher, courseworkID)
	if err != nil {
		return dto.FeedbackGroupResponse{}, err
	}

	var group models.FeedbackGroup
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		created, err := s.createGroup(ctx, tx, coursework, strings.TrimSpace(s.sanitizer.Sanitize(req.Name)), req.Usernames)
		group = created
		return err
	})
	if err != nil {
		return dto.FeedbackGroupResponse{}, err
	}

	s.logger.Info().Uint("group_id", group.ID).Str("coursework_id", coursework.ID).Int("members", len(group.Members)).Msg("feedback group created")
	return s.reload(ctx, teacher, group.ID)
}

// Modify makes the group's members exactly the listed users. Existing
// members keep their nicknames; new members are numbered after the highest.
func (s *feedbackGroupService) Modify(ctx context.Context, teacher models.User, groupID uint, req dto.FeedbackGroupRequest) (dto.FeedbackGroupResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.FeedbackGroupResponse{}, err
	}
	group, err := s.managedGroup(ctx, teacher, groupID)
	if err != nil {
		return dto.FeedbackGroupResponse{}, err
	}

	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		users, err := s.enrolledUsers(ctx, tx, group.Coursework, req.Usernames)
		if err != nil {
			return err
		}

		wanted := make(map[uint]struct{}, len(users))
		for _, user := range users {
			wanted[user.ID] = struct{}{}
		}
		current := make(map[uint]struct{}, len(group.Members))
		for _, member := range group.Members {
			current[member.UserID] = struct{}{}
			if _, keep := wanted[member.UserID]; !keep {
				if err := tx.Feedback.RemoveMember(ctx, group.ID, member.UserID); err != nil {
					return err
				}
			}
		}

		next := nextNickNumber(group.Members)
		for _, user := range users {
			if _, exists := current[user.ID]; exists {
				continue
			}
			membership := models.FeedbackMembership{GroupID: group.ID, UserID: user.ID, Nickname: NicknamePrefix + strconv.Itoa(next)}
			if err := tx.Feedback.AddMember(ctx, &membership); err != nil {
				return err
			}
			next++
		}
		return nil
	})
	if err != nil {
		return dto.FeedbackGroupResponse{}, err
	}

	s.logger.Info().Uint("group_id", group.ID).Msg("feedback group modified")
	return s.reload(ctx, teacher, group.ID)
}

func (s *feedbackGroupService) Delete(ctx context.Context, teacher models.User, groupID uint) error {
	group, err := s.managedGroup(ctx, teacher, groupID)
	if err != nil {
		return err
	}
	if err := s.store.Feedback.DeleteGroup(ctx, group.ID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGroupNotFound
		}
		return err
	}
	s.logger.Info().Uint("group_id", group.ID).Msg("feedback group deleted")
	return nil
}

func (s *feedbackGroupService) List(ctx context.Context, teacher models.User, courseworkID string) ([]dto.FeedbackGroupResponse, error) {
	coursework, err := s.managedCoursework(ctx, teacher, courseworkID)
	if err != nil {
		return nil, err
	}
	groups, err := s.store.Feedback.ListGroups(ctx, coursework.ID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.FeedbackGroupResponse, 0, len(groups))
	for _, group := range groups {
		out = append(out, groupResponse(group, teacher))
	}
	return out, nil
}

// Export renders every group of the coursework as a comma-joined list of usernames.
func (s *feedbackGroupService) Export(ctx context.Context, teacher models.User, courseworkID string) ([]byte, error) {
	coursework, err := s.managedCoursework(ctx, teacher, courseworkID)
	if err != nil {
		return nil, err
	}
	groups, err := s.store.Feedback.ListGroups(ctx, coursework.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]string, 0, len(groups))
	for _, group := range groups {
		names := make([]string, 0, len(group.Members))
		for _, member := range group.Members {
			names = append(names, member.User.Username)
		}
		entries = append(entries, strings.Join(names, ","))
	}
	return json.Marshal(entries)
}

// Import creates one group per entry of a JSON array of comma-joined
// usernames. Either every group is created or none is.
func (s *feedbackGroupService) Import(ctx context.Context, teacher models.User, courseworkID string, payload []byte) ([]dto.FeedbackGroupResponse, error) {
	coursework, err := s.managedCoursework(ctx, teacher, courseworkID)
	if err != nil {
		return nil, err
	}

	var document interface{}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&document); err != nil {
		return nil, invalid("import is not valid JSON: %v", err)
	}
	if err := s.schema.Validate(document); err != nil {
		return nil, invalid("import does not match the group list format: %v", err)
	}

	var entries []string
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, invalid("import is not a list of groups: %v", err)
	}

	var groups []models.FeedbackGroup
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		for i, entry := range entries {
			group, err := s.createGroup(ctx, tx, coursework, "", strings.Split(entry, ","))
			if err != nil {
				var validationErr *ValidationError
				if errors.As(err, &validationErr) {
					return invalid("group %d: %s", i+1, validationErr.Message)
				}
				return err
			}
			groups = append(groups, group)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("coursework_id", coursework.ID).Int("groups", len(groups)).Msg("feedback groups imported")
	out := make([]dto.FeedbackGroupResponse, 0, len(groups))
	for _, group := range groups {
		response, err := s.reload(ctx, teacher, group.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, response)
	}
	return out, nil
}

func (s *feedbackGroupService) GroupsForUser(ctx context.Context, user models.User, courseworkID string) ([]dto.FeedbackGroupResponse, error) {
	coursework, err := s.store.Courseworks.GetByID(ctx, courseworkID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCourseworkNotFound
	}
	if err != nil {
		return nil, err
	}
	if ok, err := s.permissions.CanViewCoursework(ctx, user, coursework); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrCourseworkNotFound
	}

	groups, err := s.store.Feedback.GroupsForUser(ctx, coursework.ID, user.ID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.FeedbackGroupResponse, 0, len(groups))
	for _, group := range groups {
		out = append(out, groupResponse(group, user))
	}
	return out, nil
}

// MatchesForUser lists the group's peer matches the user initiated or whose
// solution the user wrote.
func (s *feedbackGroupService) MatchesForUser(ctx context.Context, user models.User, groupID uint) ([]dto.MatchDescription, error) {
	group, err := s.store.Feedback.GetGroup(ctx, groupID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	if !user.IsTeacher() && !isGroupMember(group, user.ID) {
		return nil, ErrGroupNotFound
	}

	matches, err := s.store.Feedback.MatchesInGroup(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.MatchDescription, 0, len(matches))
	for _, match := range matches {
		access, err := s.store.Feedback.FindAccess(ctx, match.ID)
		if err != nil {
			return nil, err
		}
		if !user.IsTeacher() && access.InitiatorID != user.ID && match.Solution.CreatorID != user.ID {
			continue
		}
		out = append(out, describe(user, match, &group))
	}
	return out, nil
}

// DescribeMatch names the submissions of a match as the viewer may see them.
func (s *feedbackGroupService) DescribeMatch(ctx context.Context, viewer models.User, match models.TestMatch) (dto.MatchDescription, error) {
	access, err := s.store.Feedback.FindAccess(ctx, match.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return describe(viewer, match, nil), nil
	}
	if err != nil {
		return dto.MatchDescription{}, err
	}
	group, err := s.store.Feedback.GetGroup(ctx, access.GroupID)
	if err != nil {
		return dto.MatchDescription{}, err
	}
	return describe(viewer, match, &group), nil
}

func (s *feedbackGroupService) createGroup(ctx context.Context, tx *repository.Store, coursework models.Coursework, name string, usernames []string) (models.FeedbackGroup, error) {
	users, err := s.enrolledUsers(ctx, tx, coursework, usernames)
	if err != nil {
		return models.FeedbackGroup{}, err
	}

	group := models.FeedbackGroup{CourseworkID: coursework.ID, Name: name}
	for i, user := range users {
		group.Members = append(group.Members, models.FeedbackMembership{
			UserID:   user.ID,
			Nickname: NicknamePrefix + strconv.Itoa(i+1),
		})
	}
	if err := tx.Feedback.CreateGroup(ctx, &group); err != nil {
		return models.FeedbackGroup{}, err
	}
	return group, nil
}

func (s *feedbackGroupService) enrolledUsers(ctx context.Context, tx *repository.Store, coursework models.Coursework, usernames []string) ([]models.User, error) {
	users, err := resolveUsernames(ctx, tx, usernames)
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		enrolled, err := tx.Courses.IsEnrolled(ctx, user.ID, coursework.CourseCode)
		if err != nil {
			return nil, err
		}
		if !enrolled {
			return nil, invalid("user %s is not enrolled in %s", user.Username, coursework.CourseCode)
		}
	}
	return users, nil
}

func (s *feedbackGroupService) reload(ctx context.Context, viewer models.User, groupID uint) (dto.FeedbackGroupResponse, error) {
	group, err := s.store.Feedback.GetGroup(ctx, groupID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.FeedbackGroupResponse{}, ErrGroupNotFound
	}
	if err != nil {
		return dto.FeedbackGroupResponse{}, err
	}
	return groupResponse(group, viewer), nil
}

func (s *feedbackGroupService) managedCoursework(ctx context.Context, teacher models.User, courseworkID string) (models.Coursework, error) {
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
	ok, err := s.permissions.CanViewCoursework(ctx, teacher, coursework)
	if err != nil {
		return models.Coursework{}, err
	}
	if !ok {
		return models.Coursework{}, ErrForbidden
	}
	return coursework, nil
}

func (s *feedbackGroupService) managedGroup(ctx context.Context, teacher models.User, groupID uint) (models.FeedbackGroup, error) {
	if !teacher.IsTeacher() {
		return models.FeedbackGroup{}, ErrForbidden
	}
	group, err := s.store.Feedback.GetGroup(ctx, groupID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.FeedbackGroup{}, ErrGroupNotFound
	}
	if err != nil {
		return models.FeedbackGroup{}, err
	}
	coursework, err := s.managedCoursework(ctx, teacher, group.CourseworkID)
	if err != nil {
		return models.FeedbackGroup{}, err
	}
	group.Coursework = coursework
	return group, nil
}

// groupResponse hides member usernames from students other than the member themself.
func groupResponse(group models.FeedbackGroup, viewer models.User) dto.FeedbackGroupResponse {
	response := dto.FeedbackGroupResponse{
		ID:           group.ID,
		CourseworkID: group.CourseworkID,
		Name:         group.Name,
		Members:      make([]dto.FeedbackMemberResponse, 0, len(group.Members)),
	}
	if response.Name == "" {
		response.Name = fmt.Sprintf("Group %d", group.ID)
	}
	for _, member := range group.Members {
		entry := dto.FeedbackMemberResponse{UserID: member.UserID, Nickname: member.Nickname}
		if viewer.IsTeacher() || viewer.ID == member.UserID {
			entry.Username = member.User.Username
		} else {
			entry.UserID = 0
		}
		response.Members = append(response.Members, entry)
	}
	return response
}

func describe(viewer models.User, match models.TestMatch, group *models.FeedbackGroup) dto.MatchDescription {
	description := dto.MatchDescription{
		TestMatchID:  match.ID,
		Outcome:      dto.Outcome(match.ErrorLevel),
		Mode:         string(match.Type),
		SolutionName: match.Solution.DisplayName,
		TestName:     match.Test.DisplayName,
	}
	if group == nil {
		return description
	}
	description.SolutionName = displayName(viewer, match.Solution, match.SolutionVersion, *group)
	description.TestName = displayName(viewer, match.Test, match.TestVersion, *group)
	return description
}

// displayName is "My <name>" for the viewer's own work, the author's username
// for teachers and the author's group nickname for peers. Solutions carry their version.
func displayName(viewer models.User, submission models.Submission, version int, group models.FeedbackGroup) string {
	suffix := ""
	if submission.Type == models.SubmissionSolution {
		suffix = fmt.Sprintf(" (v%d)", version)
	}

	if submission.CreatorID == viewer.ID {
		return "My " + submission.DisplayName + suffix
	}
	if viewer.IsTeacher() {
		author := submission.Creator.Username
		if author == "" {
			author = "User " + strconv.FormatUint(uint64(submission.CreatorID), 10)
		}
		return author + " " + submission.DisplayName + suffix
	}
	if submission.Type.IsSingleton() {
		return submission.DisplayName
	}
	for _, member := range group.Members {
		if member.UserID == submission.CreatorID {
			return member.Nickname + " " + submission.DisplayName + suffix
		}
	}
	return "Unknown Peer " + submission.DisplayName + suffix
}

func nextNickNumber(members []models.FeedbackMembership) int {
	highest := 0
	for _, member := range members {
		n, err := strconv.Atoi(strings.TrimPrefix(member.Nickname, NicknamePrefix))
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}
