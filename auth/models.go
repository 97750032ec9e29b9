package auth

import "time"

type Role string

const (
	// RoleMember covers owners and finders alike; authorization on records is
	// decided per row (owner/finder/depositor/beneficiary), not per account.
	RoleMember Role = "member"
	// RoleArbitrator is the privileged identity that resolves disputes and
	// may force emergency refunds.
	RoleArbitrator Role = "arbitrator"
)

// User is the domain representation of an authenticated identity.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
