package dto

import (
	"time"

	"github.com/peergramming/peer-testing/internal/models"
)

// CourseCreateRequest creates a course.
type CourseCreateRequest struct {
	Code string `json:"code" validate:"required,alphanum,max=32"`
	Name string `json:"name" validate:"required,min=1,max=255"`
}

// EnrolRequest enrols users in a course.
type EnrolRequest struct {
	Usernames []string `json:"usernames" validate:"required,min=1,dive,required,max=64"`
}

// CourseResponse describes a course.
type CourseResponse struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// NewCourseResponse converts a course model to DTO.
func NewCourseResponse(course models.Course) CourseResponse {
	return CourseResponse{Code: course.Code, Name: course.Name}
}

// CourseworkCreateRequest creates a coursework.
type CourseworkCreateRequest struct {
	Name            string `json:"name" validate:"required,min=1,max=255"`
	State           string `json:"state" validate:"omitempty,oneof=invisible closed upload feedback"`
	Runtime         string `json:"runtime" validate:"omitempty,oneof=none python3 java8 script"`
	TestSelector    string `json:"test_selector" validate:"omitempty,max=255"`
	ExecuteScript   string `json:"execute_script" validate:"omitempty,max=255"`
	SolutionPattern string `json:"solution_pattern" validate:"omitempty,max=255"`
	TestPattern     string `json:"test_pattern" validate:"omitempty,max=255"`
}

// CourseworkUpdateRequest edits a coursework. Nil fields are left unchanged.
type CourseworkUpdateRequest struct {
	Name            *string `json:"name" validate:"omitempty,min=1,max=255"`
	State           *string `json:"state" validate:"omitempty,oneof=invisible closed upload feedback"`
	Runtime         *string `json:"runtime" validate:"omitempty,oneof=none python3 java8 script"`
	TestSelector    *string `json:"test_selector" validate:"omitempty,max=255"`
	ExecuteScript   *string `json:"execute_script" validate:"omitempty,max=255"`
	SolutionPattern *string `json:"solution_pattern" validate:"omitempty,max=255"`
	TestPattern     *string `json:"test_pattern" validate:"omitempty,max=255"`
}

// CourseworkResponse describes a coursework.
type CourseworkResponse struct {
	ID              string    `json:"id"`
	CourseCode      string    `json:"course_code"`
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Runtime         string    `json:"runtime"`
	TestSelector    string    `json:"test_selector,omitempty"`
	ExecuteScript   string    `json:"execute_script,omitempty"`
	SolutionPattern string    `json:"solution_pattern,omitempty"`
	TestPattern     string    `json:"test_pattern,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewCourseworkResponse converts a coursework model to DTO.
func NewCourseworkResponse(cw models.Coursework) CourseworkResponse {
	return CourseworkResponse{
		ID:              cw.ID,
		CourseCode:      cw.CourseCode,
		Name:            cw.Name,
		State:           string(cw.State),
		Runtime:         string(cw.Runtime),
		TestSelector:    cw.TestSelector,
		ExecuteScript:   cw.ExecuteScript,
		SolutionPattern: cw.SolutionPattern,
		TestPattern:     cw.TestPattern,
		UpdatedAt:       cw.UpdatedAt,
	}
}

// RequeueResponse reports how many pending matches were queued.
type RequeueResponse struct {
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

// UserResponse describes an enrolled account.
type UserResponse struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// NewUserResponseSlice converts users to DTOs.
func NewUserResponseSlice(users []models.User) []UserResponse {
	out := make([]UserResponse, 0, len(users))
	for _, user := range users {
		out = append(out, UserResponse{ID: user.ID, Username: user.Username, Role: user.Role})
	}
	return out
}

// CourseworkDetailResponse is a coursework with the coursework files the viewer may open.
type CourseworkDetailResponse struct {
	CourseworkResponse
	Files []SubmissionResponse `json:"files"`
}
