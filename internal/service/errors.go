package service

import (
	"errors"
	"fmt"

	"github.com/peergramming/peer-testing/internal/repository"
)

// ErrNotFound is the root of every lookup failure returned by services.
var ErrNotFound = errors.New("not found")

var (
	ErrUserNotFound       = fmt.Errorf("user %w", ErrNotFound)
	ErrCourseNotFound     = fmt.Errorf("course %w", ErrNotFound)
	ErrCourseworkNotFound = fmt.Errorf("coursework %w", ErrNotFound)
	ErrSubmissionNotFound = fmt.Errorf("submission %w", ErrNotFound)
	ErrTestMatchNotFound  = fmt.Errorf("test match %w", ErrNotFound)
	ErrGroupNotFound      = fmt.Errorf("feedback group %w", ErrNotFound)
	ErrFileNotFound       = fmt.Errorf("file %w", ErrNotFound)
)

var (
	// ErrForbidden indicates the caller lacks the role or standing for the action.
	ErrForbidden = errors.New("forbidden")
	// ErrQueueFull is returned when the execution queue cannot accept more work.
	ErrQueueFull = errors.New("execution queue is full")
	// ErrAlreadyResolved is returned when dispatching a match that already has an outcome.
	ErrAlreadyResolved = fmt.Errorf("test match already resolved: %w", repository.ErrInvariantViolation)
)

// ValidationError is a user-correctable rejection of a request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
