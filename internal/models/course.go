package models

import "time"

// Course groups courseworks; identified by its course code.
type Course struct {
	Code      string    `gorm:"primaryKey;size:32" json:"code"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnrolledUser links a user to a course.
type EnrolledUser struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_enrolment" json:"user_id"`
	CourseCode string    `gorm:"size:32;not null;uniqueIndex:idx_enrolment" json:"course_code"`
	CreatedAt  time.Time `json:"created_at"`
	User       User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Course     Course    `gorm:"foreignKey:CourseCode;references:Code;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// CourseworkState is the lifecycle phase of a coursework.
type CourseworkState string

const (
	CourseworkInvisible CourseworkState = "invisible"
	CourseworkClosed    CourseworkState = "closed"
	CourseworkUpload    CourseworkState = "upload"
	CourseworkFeedback  CourseworkState = "feedback"
)

// Valid reports whether the state is one of the known phases.
func (s CourseworkState) Valid() bool {
	switch s {
	case CourseworkInvisible, CourseworkClosed, CourseworkUpload, CourseworkFeedback:
		return true
	}
	return false
}

// Runtime selects how test matches of a coursework are executed.
type Runtime string

const (
	RuntimeNone    Runtime = "none"
	RuntimePython3 Runtime = "python3"
	RuntimeJava8   Runtime = "java8"
	RuntimeScript  Runtime = "script"
)

// Valid reports whether the runtime is supported.
func (r Runtime) Valid() bool {
	switch r {
	case RuntimeNone, RuntimePython3, RuntimeJava8, RuntimeScript:
		return true
	}
	return false
}

// Coursework is an assignment within a course.
type Coursework struct {
	ID              string          `gorm:"primaryKey;size:16" json:"id"`
	CourseCode      string          `gorm:"size:32;not null;index" json:"course_code"`
	Name            string          `gorm:"size:255;not null" json:"name"`
	State           CourseworkState `gorm:"size:16;not null;default:invisible" json:"state"`
	Runtime         Runtime         `gorm:"size:16;not null;default:none" json:"runtime"`
	TestSelector    string          `gorm:"size:255" json:"test_selector"`
	ExecuteScript   string          `gorm:"size:255" json:"execute_script"`
	SolutionPattern string          `gorm:"size:255" json:"solution_pattern"`
	TestPattern     string          `gorm:"size:255" json:"test_pattern"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Course          Course          `gorm:"foreignKey:CourseCode;references:Code;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// IsVisible reports whether students may see the coursework.
func (c Coursework) IsVisible() bool {
	return c.State != CourseworkInvisible
}

// AcceptsUploads reports whether students may upload or delete submissions.
func (c Coursework) AcceptsUploads() bool {
	return c.State == CourseworkUpload || c.State == CourseworkFeedback
}
