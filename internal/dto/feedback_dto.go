package dto

// FeedbackGroupRequest lists the usernames of a group.
type FeedbackGroupRequest struct {
	Name      string   `json:"name" validate:"omitempty,max=255"`
	Usernames []string `json:"usernames" validate:"required,min=1,dive,required,max=64"`
}

// FeedbackMemberResponse describes a group member.
type FeedbackMemberResponse struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username,omitempty"`
	Nickname string `json:"nickname"`
}

// FeedbackGroupResponse describes a feedback group.
type FeedbackGroupResponse struct {
	ID           uint                     `json:"id"`
	CourseworkID string                   `json:"coursework_id"`
	Name         string                   `json:"name"`
	Members      []FeedbackMemberResponse `json:"members"`
}

// MatchDescription is a test match described from one viewer's perspective.
type MatchDescription struct {
	TestMatchID  string `json:"test_match_id"`
	Outcome      string `json:"outcome"`
	SolutionName string `json:"solution_name"`
	TestName     string `json:"test_name"`
	Mode         string `json:"mode"`
}
