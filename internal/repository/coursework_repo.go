package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peergramming/peer-testing/internal/models"
)

// CourseworkRepository persists courseworks.
type CourseworkRepository interface {
	Create(ctx context.Context, coursework *models.Coursework) error
	GetByID(ctx context.Context, id string) (models.Coursework, error)
	Update(ctx context.Context, coursework *models.Coursework) error
	ListByCourses(ctx context.Context, codes []string) ([]models.Coursework, error)
}

type courseworkRepository struct {
	db *gorm.DB
}

// NewCourseworkRepository constructs a coursework repository backed by GORM.
func NewCourseworkRepository(db *gorm.DB) CourseworkRepository {
	return &courseworkRepository{db: db}
}

func (r *courseworkRepository) Create(ctx context.Context, coursework *models.Coursework) error {
	if coursework.ID != "" {
		return insert(ctx, r.db, coursework)
	}
	return insertWithSlug(ctx, r.db, coursework, func(id string) { coursework.ID = id })
}

func (r *courseworkRepository) GetByID(ctx context.Context, id string) (models.Coursework, error) {
	var coursework models.Coursework
	if err := r.db.WithContext(ctx).Preload("Course").Where("id = ?", id).First(&coursework).Error; err != nil {
		return models.Coursework{}, err
	}
	return coursework, nil
}

func (r *courseworkRepository) Update(ctx context.Context, coursework *models.Coursework) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(coursework).Error
}

func (r *courseworkRepository) ListByCourses(ctx context.Context, codes []string) ([]models.Coursework, error) {
	if len(codes) == 0 {
		return nil, nil
	}

	var courseworks []models.Coursework
	err := r.db.WithContext(ctx).
		Where("course_code IN ?", codes).
		Order("course_code ASC, name ASC").
		Find(&courseworks).Error
	if err != nil {
		return nil, err
	}
	return courseworks, nil
}
