package domain

// Role represents a hospital-department role carried by the session user.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// User is the snapshot of the signed-in user held alongside a credential.
type User struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	Role         Role    `json:"role"`
	DepartmentID *string `json:"departmentId,omitempty"`
}

// Equal compares two snapshots field by field.
func (u User) Equal(o User) bool {
	if u.ID != o.ID || u.Username != o.Username || u.Role != o.Role {
		return false
	}
	switch {
	case u.DepartmentID == nil && o.DepartmentID == nil:
		return true
	case u.DepartmentID == nil || o.DepartmentID == nil:
		return false
	default:
		return *u.DepartmentID == *o.DepartmentID
	}
}

// Account is a login identity known to the dev auth server.
type Account struct {
	User
	PasswordHash string
}
