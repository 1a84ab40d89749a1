package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peergramming/peer-testing/internal/models"
)

// FeedbackRepository persists feedback groups, memberships and test access records.
type FeedbackRepository interface {
	CreateGroup(ctx context.Context, group *models.FeedbackGroup) error
	GetGroup(ctx context.Context, id uint) (models.FeedbackGroup, error)
	DeleteGroup(ctx context.Context, id uint) error
	ListGroups(ctx context.Context, courseworkID string) ([]models.FeedbackGroup, error)
	GroupsForUser(ctx context.Context, courseworkID string, userID uint) ([]models.FeedbackGroup, error)
	AddMember(ctx context.Context, membership *models.FeedbackMembership) error
	RemoveMember(ctx context.Context, groupID, userID uint) error
	FindMembership(ctx context.Context, groupID, userID uint) (models.FeedbackMembership, error)
	CreateAccess(ctx context.Context, access *models.TestAccessControl) error
	FindAccess(ctx context.Context, testMatchID string) (models.TestAccessControl, error)
	MatchesInGroup(ctx context.Context, groupID uint) ([]models.TestMatch, error)
}

type feedbackRepository struct {
	db *gorm.DB
}

// NewFeedbackRepository constructs a feedback repository backed by GORM.
func NewFeedbackRepository(db *gorm.DB) FeedbackRepository {
	return &feedbackRepository{db: db}
}

func (r *feedbackRepository) CreateGroup(ctx context.Context, group *models.FeedbackGroup) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		members := group.Members
		group.Members = nil
		if err := tx.Omit(clause.Associations).Create(group).Error; err != nil {
			return err
		}
		for i := range members {
			members[i].GroupID = group.ID
			if err := tx.Omit(clause.Associations).Create(&members[i]).Error; err != nil {
				return err
			}
		}
		group.Members = members
		return nil
	})
}

func (r *feedbackRepository) GetGroup(ctx context.Context, id uint) (models.FeedbackGroup, error) {
	var group models.FeedbackGroup
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Members.User").
		First(&group, id).Error
	if err != nil {
		return models.FeedbackGroup{}, err
	}
	return group, nil
}

func (r *feedbackRepository) DeleteGroup(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", id).Delete(&models.TestAccessControl{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", id).Delete(&models.FeedbackMembership{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.FeedbackGroup{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *feedbackRepository) ListGroups(ctx context.Context, courseworkID string) ([]models.FeedbackGroup, error) {
	var groups []models.FeedbackGroup
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Members.User").
		Where("coursework_id = ?", courseworkID).
		Order("id ASC").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *feedbackRepository) GroupsForUser(ctx context.Context, courseworkID string, userID uint) ([]models.FeedbackGroup, error) {
	var groups []models.FeedbackGroup
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Members.User").
		Joins("JOIN feedback_memberships ON feedback_memberships.group_id = feedback_groups.id").
		Where("feedback_groups.coursework_id = ? AND feedback_memberships.user_id = ?", courseworkID, userID).
		Order("feedback_groups.id ASC").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *feedbackRepository) AddMember(ctx context.Context, membership *models.FeedbackMembership) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(membership).Error
}

func (r *feedbackRepository) RemoveMember(ctx context.Context, groupID, userID uint) error {
	return r.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&models.FeedbackMembership{}).Error
}

func (r *feedbackRepository) FindMembership(ctx context.Context, groupID, userID uint) (models.FeedbackMembership, error) {
	var membership models.FeedbackMembership
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		First(&membership).Error
	if err != nil {
		return models.FeedbackMembership{}, err
	}
	return membership, nil
}

func (r *feedbackRepository) CreateAccess(ctx context.Context, access *models.TestAccessControl) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(access).Error
}

func (r *feedbackRepository) FindAccess(ctx context.Context, testMatchID string) (models.TestAccessControl, error) {
	var access models.TestAccessControl
	if err := r.db.WithContext(ctx).Where("test_match_id = ?", testMatchID).First(&access).Error; err != nil {
		return models.TestAccessControl{}, err
	}
	return access, nil
}

func (r *feedbackRepository) MatchesInGroup(ctx context.Context, groupID uint) ([]models.TestMatch, error) {
	var matches []models.TestMatch
	err := r.db.WithContext(ctx).
		Preload("Test.Creator").
		Preload("Solution.Creator").
		Joins("JOIN test_access_controls ON test_access_controls.test_match_id = test_matches.id").
		Where("test_access_controls.group_id = ?", groupID).
		Order("test_matches.created_at DESC").
		Find(&matches).Error
	if err != nil {
		return nil, err
	}
	return matches, nil
}
