package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/models"
)

// CourseRepository persists courses and enrolments.
type CourseRepository interface {
	Create(ctx context.Context, course *models.Course) error
	GetByCode(ctx context.Context, code string) (models.Course, error)
	Enrol(ctx context.Context, userID uint, code string) error
	IsEnrolled(ctx context.Context, userID uint, code string) (bool, error)
	ListForUser(ctx context.Context, userID uint) ([]models.Course, error)
	ListAll(ctx context.Context) ([]models.Course, error)
}

type courseRepository struct {
	db *gorm.DB
}

// NewCourseRepository constructs a course repository backed by GORM.
func NewCourseRepository(db *gorm.DB) CourseRepository {
	return &courseRepository{db: db}
}

func (r *courseRepository) Create(ctx context.Context, course *models.Course) error {
	return r.db.WithContext(ctx).Create(course).Error
}

func (r *courseRepository) GetByCode(ctx context.Context, code string) (models.Course, error) {
	var course models.Course
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&course).Error; err != nil {
		return models.Course{}, err
	}
	return course, nil
}

func (r *courseRepository) Enrol(ctx context.Context, userID uint, code string) error {
	enrolment := models.EnrolledUser{UserID: userID, CourseCode: code}
	return r.db.WithContext(ctx).
		Where("user_id = ? AND course_code = ?", userID, code).
		Omit("User", "Course").
		FirstOrCreate(&enrolment).Error
}

func (r *courseRepository) IsEnrolled(ctx context.Context, userID uint, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.EnrolledUser{}).
		Where("user_id = ? AND course_code = ?", userID, code).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *courseRepository) ListForUser(ctx context.Context, userID uint) ([]models.Course, error) {
	var courses []models.Course
	err := r.db.WithContext(ctx).
		Joins("JOIN enrolled_users ON enrolled_users.course_code = courses.code").
		Where("enrolled_users.user_id = ?", userID).
		Order("courses.code ASC").
		Find(&courses).Error
	if err != nil {
		return nil, err
	}
	return courses, nil
}

func (r *courseRepository) ListAll(ctx context.Context) ([]models.Course, error) {
	var courses []models.Course
	if err := r.db.WithContext(ctx).Order("code ASC").Find(&courses).Error; err != nil {
		return nil, err
	}
	return courses, nil
}
