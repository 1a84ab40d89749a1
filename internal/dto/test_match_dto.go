package dto

import (
	"time"

	"github.com/peergramming/peer-testing/internal/models"
)

// Outcomes reported for a test match.
const (
	OutcomePending        = "pending"
	OutcomePassed         = "passed"
	OutcomeFailed         = "failed"
	OutcomeTimedOut       = "timed_out"
	OutcomeExecutionError = "execution_error"
)

// TestMatchCreateRequest is the payload for creating a test match.
type TestMatchCreateRequest struct {
	Mode       string `json:"mode" validate:"required,oneof=self peer teacher"`
	SolutionID string `json:"solution_id" validate:"required,len=8"`
	TestID     string `json:"test_id" validate:"required,len=8"`
	GroupID    uint   `json:"group_id" validate:"required_if=Mode peer"`
}

// TestMatchStatus is the execution state of a match, pushed to watchers.
type TestMatchStatus struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Outcome    string `json:"outcome"`
	ErrorLevel *int   `json:"error_level,omitempty"`
	ResultID   string `json:"result_id,omitempty"`
	Resolved   bool   `json:"resolved"`
}

// NewTestMatchStatus summarises the execution state of a match.
func NewTestMatchStatus(match models.TestMatch) TestMatchStatus {
	status := TestMatchStatus{
		ID:         match.ID,
		Type:       string(match.Type),
		Outcome:    Outcome(match.ErrorLevel),
		ErrorLevel: match.ErrorLevel,
		Resolved:   match.HasBeenRun(),
	}
	if match.ResultID != nil {
		status.ResultID = *match.ResultID
	}
	return status
}

// Outcome names an error level.
func Outcome(level *int) string {
	switch {
	case level == nil:
		return OutcomePending
	case *level == models.ErrorLevelTimedOut:
		return OutcomeTimedOut
	case *level == models.ErrorLevelExecutionError:
		return OutcomeExecutionError
	case *level == 0:
		return OutcomePassed
	default:
		return OutcomeFailed
	}
}

// SubmissionRef is a version-pinned reference shown in a test match.
type SubmissionRef struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	DisplayName string   `json:"display_name"`
	Version     int      `json:"version"`
	Files       []string `json:"files"`
}

// TestMatchResponse is returned when viewing a test match.
type TestMatchResponse struct {
	TestMatchStatus
	CourseworkID string         `json:"coursework_id"`
	Mode         string         `json:"mode"`
	Solution     SubmissionRef  `json:"solution"`
	Test         SubmissionRef  `json:"test"`
	Result       *SubmissionRef `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
