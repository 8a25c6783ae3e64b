package models

import "time"

type UserRole string

const (
	RoleAdmin     UserRole = "admin"
	RoleDeveloper UserRole = "developer"
	RoleStaff     UserRole = "staff"
)

// Administrative reports whether the role may restock, transfer and correct stock.
func (r UserRole) Administrative() bool {
	return r == RoleAdmin || r == RoleDeveloper
}

// User is the trusted role store. Token claims are checked against it on
// every privileged call.
type User struct {
	ID        string   `gorm:"primaryKey;size:36" json:"id"`
	Name      string   `gorm:"size:100;not null" json:"name"`
	Role      UserRole `gorm:"size:20;not null" json:"role"`
	Active    bool     `gorm:"not null" json:"active"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
