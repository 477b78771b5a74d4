package model

import "strconv"

// UserID is the canonical identifier for a user across the messaging core.
// Heterogeneous inputs are normalized by the identity package.
type UserID int64

// String returns the decimal form used in conversation IDs and topic keys.
func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Role values gate who may converse with whom.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleTutor   Role = "tutor"
	RoleStudent Role = "student"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleTeacher, RoleTutor, RoleStudent:
		return true
	}
	return false
}

// User is an external identity consumed by the messaging core.
type User struct {
	ID        UserID `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Role      Role   `json:"role" db:"role"`
	AvatarURL string `json:"avatar_url,omitempty" db:"avatar_url"`
}

// Session carries the acting user for a single operation. Its lifecycle is
// owned by the auth provider, never by the core.
type Session struct {
	UserID UserID
	Role   Role
}
