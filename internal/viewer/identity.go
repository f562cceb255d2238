package viewer

import (
	"strings"
	"time"
)

// Role classifies an account for quota and session enforcement.
type Role string

const (
	// RoleStudent marks a quota-bound viewer subject to watch-time limits
	// and single-session enforcement.
	RoleStudent Role = "student"
	// RoleTeacher marks a privileged viewer exempt from both.
	RoleTeacher Role = "teacher"
	// RoleAdmin marks a privileged platform operator.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes a raw role claim, defaulting unknown values to the
// most restricted class.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleTeacher):
		return RoleTeacher
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleStudent
	}
}

// Privileged reports whether the role is exempt from watch-time limits,
// single-session enforcement, and the watermark overlay.
func (r Role) Privileged() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// Identity captures the viewer profile fields the playback surface needs:
// the role for policy decisions and the display fields for the watermark.
type Identity struct {
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	Role        Role      `gorm:"column:role;size:32;not null;default:student"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Email       string    `gorm:"column:email;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing viewer identities.
func (Identity) TableName() string {
	return "viewer_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
