package repository

import (
	"context"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/models"
)

// TestMatchRepository persists test matches. Resolution fields are write-once.
type TestMatchRepository interface {
	Create(ctx context.Context, match *models.TestMatch) error
	GetByID(ctx context.Context, id string) (models.TestMatch, error)
	FindByResult(ctx context.Context, resultID string) (models.TestMatch, error)
	ListPending(ctx context.Context, courseworkID string) ([]models.TestMatch, error)
	ListBySubmission(ctx context.Context, submissionID string) ([]models.TestMatch, error)
	SetErrorLevel(ctx context.Context, id string, level int, details datatypes.JSONMap) error
	SetResult(ctx context.Context, id string, resultID string) error
}

type testMatchRepository struct {
	db *gorm.DB
}

// NewTestMatchRepository constructs a test match repository backed by GORM.
func NewTestMatchRepository(db *gorm.DB) TestMatchRepository {
	return &testMatchRepository{db: db}
}

func (r *testMatchRepository) Create(ctx context.Context, match *models.TestMatch) error {
	if match.ID != "" {
		return insert(ctx, r.db, match)
	}
	return insertWithSlug(ctx, r.db, match, func(id string) { match.ID = id })
}

func (r *testMatchRepository) preloaded(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Coursework").
		Preload("Test.Creator").
		Preload("Solution.Creator").
		Preload("Result")
}

func (r *testMatchRepository) GetByID(ctx context.Context, id string) (models.TestMatch, error) {
	var match models.TestMatch
	if err := r.preloaded(ctx).Where("id = ?", id).First(&match).Error; err != nil {
		return models.TestMatch{}, err
	}
	return match, nil
}

func (r *testMatchRepository) FindByResult(ctx context.Context, resultID string) (models.TestMatch, error) {
	var match models.TestMatch
	if err := r.preloaded(ctx).Where("result_id = ?", resultID).First(&match).Error; err != nil {
		return models.TestMatch{}, err
	}
	return match, nil
}

func (r *testMatchRepository) ListPending(ctx context.Context, courseworkID string) ([]models.TestMatch, error) {
	var matches []models.TestMatch
	query := r.db.WithContext(ctx).Where("error_level IS NULL")
	if courseworkID != "" {
		query = query.Where("coursework_id = ?", courseworkID)
	}
	if err := query.Order("created_at ASC").Find(&matches).Error; err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *testMatchRepository) ListBySubmission(ctx context.Context, submissionID string) ([]models.TestMatch, error) {
	var matches []models.TestMatch
	err := r.preloaded(ctx).
		Where("test_id = ? OR solution_id = ?", submissionID, submissionID).
		Order("created_at DESC").
		Find(&matches).Error
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *testMatchRepository) SetErrorLevel(ctx context.Context, id string, level int, details datatypes.JSONMap) error {
	updates := map[string]interface{}{"error_level": level}
	if details != nil {
		updates["details"] = details
	}

	result := r.db.WithContext(ctx).
		Model(&models.TestMatch{}).
		Where("id = ? AND error_level IS NULL", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrResolved(ctx, id)
	}
	return nil
}

func (r *testMatchRepository) SetResult(ctx context.Context, id string, resultID string) error {
	result := r.db.WithContext(ctx).
		Model(&models.TestMatch{}).
		Where("id = ? AND result_id IS NULL", id).
		Update("result_id", resultID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrResolved(ctx, id)
	}
	return nil
}

func (r *testMatchRepository) missingOrResolved(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.TestMatch{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return fmt.Errorf("%w: test match %s already resolved", ErrInvariantViolation, id)
}
