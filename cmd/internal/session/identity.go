package session

import (
	"strings"

	v1 "bankline/shared/contracts/bankline/v1"
)

// Role selects which console an identity may use.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
)

// Identity is the signed-in user as reported by the API.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Role     Role   `json:"role"`
}

// IsOperator reports whether the identity may use the operator console.
func (i Identity) IsOperator() bool { return i.Role == RoleOperator }

func identityFromUser(u v1.User) Identity {
	role := Role(strings.ToLower(strings.TrimSpace(u.Role)))
	switch role {
	case "", "user", "client":
		role = RoleCustomer
	case "admin", "staff":
		role = RoleOperator
	}
	return Identity{
		ID:       string(u.ID),
		Username: u.Username,
		Email:    u.Email,
		FullName: u.FullName,
		Role:     role,
	}
}

// State is a snapshot of the session. User is non-nil iff Authenticated.
type State struct {
	Authenticated bool
	User          *Identity
}
