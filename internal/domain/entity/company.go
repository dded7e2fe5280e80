package entity

import "time"

// Company is a tenant. Each company owns at most one active approval rule.
type Company struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an employee, manager or admin of a company
type User struct {
	ID        int64     `json:"id"`
	CompanyID int64     `json:"company_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	ManagerID *int64    `json:"manager_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Role constants
const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
)

// CanApprove returns true for roles that may be configured as approvers
func (u *User) CanApprove() bool {
	return u.Role == RoleAdmin || u.Role == RoleManager
}
