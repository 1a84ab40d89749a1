package models

import (
	"time"

	"gorm.io/datatypes"
)

// TestMatchType is the mode a test match was created in.
type TestMatchType string

const (
	TestMatchSelf    TestMatchType = "self"
	TestMatchPeer    TestMatchType = "peer"
	TestMatchTeacher TestMatchType = "teacher"
)

// Valid reports whether the type is known.
func (t TestMatchType) Valid() bool {
	switch t {
	case TestMatchSelf, TestMatchPeer, TestMatchTeacher:
		return true
	}
	return false
}

// Reserved error levels for runs that did not produce an exit status.
// Non-negative levels are process exit codes; signal deaths are 128+signal.
const (
	ErrorLevelTimedOut       = -1
	ErrorLevelExecutionError = -2
)

// TestMatch pairs a test version with a solution version for execution.
// ErrorLevel and ResultID are written once, when the match is resolved.
type TestMatch struct {
	ID              string            `gorm:"primaryKey;size:16" json:"id"`
	CourseworkID    string            `gorm:"size:16;not null;index" json:"coursework_id"`
	TestID          string            `gorm:"size:16;not null;index" json:"test_id"`
	TestVersion     int               `gorm:"not null" json:"test_version"`
	SolutionID      string            `gorm:"size:16;not null;index" json:"solution_id"`
	SolutionVersion int               `gorm:"not null" json:"solution_version"`
	ResultID        *string           `gorm:"size:16;index" json:"result_id,omitempty"`
	ErrorLevel      *int              `json:"error_level,omitempty"`
	Type            TestMatchType     `gorm:"size:16;not null" json:"type"`
	Details         datatypes.JSONMap `gorm:"type:json" json:"details,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Coursework      Coursework        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Test            Submission        `gorm:"foreignKey:TestID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Solution        Submission        `gorm:"foreignKey:SolutionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Result          *Submission       `gorm:"foreignKey:ResultID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`
}

// HasBeenRun reports whether the match has been resolved.
func (m TestMatch) HasBeenRun() bool {
	return m.ErrorLevel != nil
}

// Passed reports whether the match resolved with a zero error level.
func (m TestMatch) Passed() bool {
	return m.ErrorLevel != nil && *m.ErrorLevel == 0
}
