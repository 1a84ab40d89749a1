package dto

import (
	"time"

	"github.com/peergramming/peer-testing/internal/models"
)

// SubmissionUploadRequest describes the multipart fields of an upload.
type SubmissionUploadRequest struct {
	Type         string `form:"type" validate:"required,oneof=solution test_case"`
	SubmissionID string `form:"submission_id" validate:"omitempty,len=8"`
}

// SubmissionResponse describes a submission.
type SubmissionResponse struct {
	ID            string    `json:"id"`
	CourseworkID  string    `json:"coursework_id"`
	CreatorID     uint      `json:"creator_id"`
	Type          string    `json:"type"`
	DisplayName   string    `json:"display_name"`
	LatestVersion int       `json:"latest_version"`
	Files         []string  `json:"files,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewSubmissionResponse converts a submission model to DTO.
func NewSubmissionResponse(sub models.Submission, files []string) SubmissionResponse {
	return SubmissionResponse{
		ID:            sub.ID,
		CourseworkID:  sub.CourseworkID,
		CreatorID:     sub.CreatorID,
		Type:          string(sub.Type),
		DisplayName:   sub.DisplayName,
		LatestVersion: sub.LatestVersion,
		Files:         files,
		UpdatedAt:     sub.UpdatedAt,
	}
}

// UploadResponse is returned after an upload.
type UploadResponse struct {
	Submission SubmissionResponse `json:"submission"`
	SelfTestID string             `json:"self_test_id,omitempty"`
}
