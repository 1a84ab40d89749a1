package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/models"
)

// Models lists every persisted entity in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Course{},
		&models.EnrolledUser{},
		&models.Coursework{},
		&models.Submission{},
		&models.TestMatch{},
		&models.FeedbackGroup{},
		&models.FeedbackMembership{},
		&models.TestAccessControl{},
		&models.Notification{},
	}
}

// oneSolutionPerCreator backs the rule that a user owns at most one solution
// per coursework. Struct tags cannot express the partial predicate.
var oneSolutionPerCreator = fmt.Sprintf(
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_one_solution ON submissions (coursework_id, creator_id) WHERE type = '%s'",
	models.SubmissionSolution,
)

// Migrate creates or updates the schema for all models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	if err := db.Exec(oneSolutionPerCreator).Error; err != nil {
		return fmt.Errorf("failed to create solution index: %w", err)
	}
	return nil
}
