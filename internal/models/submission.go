package models

import "time"

// SubmissionType classifies a submission.
type SubmissionType string

const (
	SubmissionSolution         SubmissionType = "solution"
	SubmissionTestCase         SubmissionType = "test_case"
	SubmissionTestResult       SubmissionType = "test_result"
	SubmissionDescriptor       SubmissionType = "cw_descriptor"
	SubmissionOracleExecutable SubmissionType = "oracle_executable"
	SubmissionSignatureTest    SubmissionType = "signature_test"
)

// Storage buckets for submission files.
const (
	BucketDescriptors = "descriptors"
	BucketRuns        = "runs"
	BucketStudents    = "students"
)

// Valid reports whether the type is known.
func (t SubmissionType) Valid() bool {
	return t.Bucket() != ""
}

// Bucket returns the storage bucket for the type, or "" for unknown types.
func (t SubmissionType) Bucket() string {
	switch t {
	case SubmissionDescriptor, SubmissionOracleExecutable, SubmissionSignatureTest:
		return BucketDescriptors
	case SubmissionTestResult:
		return BucketRuns
	case SubmissionSolution, SubmissionTestCase:
		return BucketStudents
	}
	return ""
}

// IsSingleton reports whether a coursework has exactly one submission of this type.
func (t SubmissionType) IsSingleton() bool {
	return t.Bucket() == BucketDescriptors
}

// Submission is a versioned uploaded artefact.
type Submission struct {
	ID            string         `gorm:"primaryKey;size:16" json:"id"`
	CourseworkID  string         `gorm:"size:16;not null;index" json:"coursework_id"`
	CreatorID     uint           `gorm:"not null;index" json:"creator_id"`
	Type          SubmissionType `gorm:"size:32;not null;index" json:"type"`
	DisplayName   string         `gorm:"size:255;not null" json:"display_name"`
	LatestVersion int            `gorm:"not null;default:1" json:"latest_version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Coursework    Coursework     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Creator       User           `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}
