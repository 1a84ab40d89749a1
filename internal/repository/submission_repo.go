package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/models"
)

// SubmissionRepository persists submissions and their version counters.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id string) (models.Submission, error)
	Delete(ctx context.Context, id string) error
	IncrementVersion(ctx context.Context, id string) (int, error)
	FindSingleton(ctx context.Context, courseworkID string, submissionType models.SubmissionType) (models.Submission, error)
	ListByCreator(ctx context.Context, courseworkID string, creatorID uint, submissionType models.SubmissionType) ([]models.Submission, error)
	ListByCoursework(ctx context.Context, courseworkID string, submissionType models.SubmissionType) ([]models.Submission, error)
	IsReferenced(ctx context.Context, id string) (bool, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository constructs a submission repository backed by GORM.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	if submission.LatestVersion <= 0 {
		submission.LatestVersion = 1
	}
	if submission.ID != "" {
		return insert(ctx, r.db, submission)
	}
	return insertWithSlug(ctx, r.db, submission, func(id string) { submission.ID = id })
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (models.Submission, error) {
	var submission models.Submission
	err := r.db.WithContext(ctx).
		Preload("Coursework").
		Preload("Creator").
		Where("id = ?", id).
		First(&submission).Error
	if err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Submission{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *submissionRepository) IncrementVersion(ctx context.Context, id string) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		UpdateColumn("latest_version", gorm.Expr("latest_version + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}

	var submission models.Submission
	if err := r.db.WithContext(ctx).Select("latest_version").Where("id = ?", id).First(&submission).Error; err != nil {
		return 0, err
	}
	return submission.LatestVersion, nil
}

func (r *submissionRepository) FindSingleton(ctx context.Context, courseworkID string, submissionType models.SubmissionType) (models.Submission, error) {
	var submission models.Submission
	err := r.db.WithContext(ctx).
		Where("coursework_id = ? AND type = ?", courseworkID, submissionType).
		Order("created_at ASC").
		First(&submission).Error
	if err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) ListByCreator(ctx context.Context, courseworkID string, creatorID uint, submissionType models.SubmissionType) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.db.WithContext(ctx).
		Where("coursework_id = ? AND creator_id = ? AND type = ?", courseworkID, creatorID, submissionType).
		Order("created_at ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *submissionRepository) ListByCoursework(ctx context.Context, courseworkID string, submissionType models.SubmissionType) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.db.WithContext(ctx).
		Preload("Creator").
		Where("coursework_id = ? AND type = ?", courseworkID, submissionType).
		Order("created_at ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *submissionRepository) IsReferenced(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.TestMatch{}).
		Where("test_id = ? OR solution_id = ? OR result_id = ?", id, id, id).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
