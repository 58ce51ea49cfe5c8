package auth

import "time"

type Role string

const (
	// RoleUser is a participant acting on their own deals.
	RoleUser Role = "user"
	// RoleAdmin is a platform operator with override powers.
	RoleAdmin Role = "admin"
)

// Identity is the verified caller behind a token.
type Identity struct {
	UserID    string
	Role      Role
	ExpiresAt time.Time
}

func (i Identity) Admin() bool {
	return i.Role == RoleAdmin
}
