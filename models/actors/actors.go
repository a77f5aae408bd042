// Package actors defines the authenticated identity the auth layer hands to
// every operation. Session issuance lives outside this application, we only
// ever consume actors.
package actors

// Role determines what an actor is allowed to do and see
type Role string

const (
	// RoleAdmin sees all departments and can execute payments
	RoleAdmin Role = "admin"
	// RoleManager can approve and decline drafts and execute payments,
	// scoped to their own department
	RoleManager Role = "manager"
	// RoleMember can submit drafts and read their department's activity
	RoleMember Role = "member"
)

// Actor is an authenticated staff member
type Actor struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Role       Role   `json:"role"`
	Department string `json:"department"`
}

// IsAdmin reports whether the actor sees across departments
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CanExecutePayments reports whether the actor may trigger operations that
// move funds
func (a Actor) CanExecutePayments() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager
}

// ValidRole reports whether the given string is a role we know
func ValidRole(role string) bool {
	switch Role(role) {
	case RoleAdmin, RoleManager, RoleMember:
		return true
	default:
		return false
	}
}
