package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrInvariantViolation is returned when a write would break a persisted invariant,
// such as re-resolving an already resolved test match.
var ErrInvariantViolation = errors.New("repository: invariant violation")

// Store bundles the repositories sharing a single database handle.
type Store struct {
	db *gorm.DB

	Users         UserRepository
	Courses       CourseRepository
	Courseworks   CourseworkRepository
	Submissions   SubmissionRepository
	TestMatches   TestMatchRepository
	Feedback      FeedbackRepository
	Notifications NotificationRepository
}

// NewStore constructs repositories backed by the provided connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:            db,
		Users:         NewUserRepository(db),
		Courses:       NewCourseRepository(db),
		Courseworks:   NewCourseworkRepository(db),
		Submissions:   NewSubmissionRepository(db),
		TestMatches:   NewTestMatchRepository(db),
		Feedback:      NewFeedbackRepository(db),
		Notifications: NewNotificationRepository(db),
	}
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a store bound to a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
