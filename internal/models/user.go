package models

import "time"

// Roles recognised by the platform.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// User is an authenticated account. Teachers bypass ownership rules.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Role      string    `gorm:"size:16;not null;default:student" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTeacher reports whether the user holds teacher privileges.
func (u User) IsTeacher() bool {
	return u.Role == RoleTeacher
}
