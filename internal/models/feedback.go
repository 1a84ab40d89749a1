package models

import "time"

// FeedbackGroup is a set of students who anonymously peer-test each other.
type FeedbackGroup struct {
	ID           uint                 `gorm:"primaryKey" json:"id"`
	CourseworkID string               `gorm:"size:16;not null;index" json:"coursework_id"`
	Name         string               `gorm:"size:255" json:"name"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Coursework   Coursework           `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Members      []FeedbackMembership `gorm:"foreignKey:GroupID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"members,omitempty"`
}

// FeedbackMembership places a user in a group under an anonymous nickname.
type FeedbackMembership struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	GroupID   uint      `gorm:"not null;uniqueIndex:idx_membership_user;uniqueIndex:idx_membership_nick" json:"group_id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_membership_user" json:"user_id"`
	Nickname  string    `gorm:"size:64;not null;uniqueIndex:idx_membership_nick" json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
	User      User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// TestAccessControl records the group context in which a peer match was created.
type TestAccessControl struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	TestMatchID string        `gorm:"size:16;not null;uniqueIndex" json:"test_match_id"`
	GroupID     uint          `gorm:"not null;index" json:"group_id"`
	InitiatorID uint          `gorm:"not null;index" json:"initiator_id"`
	CreatedAt   time.Time     `json:"created_at"`
	TestMatch   TestMatch     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Group       FeedbackGroup `gorm:"foreignKey:GroupID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}
