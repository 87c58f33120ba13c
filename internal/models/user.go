package models

import "time"

// Role is an identity's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// UserRecord is the per-identity profile and role document.
type UserRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	AuthProvider string    `json:"authProvider,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// User document field names.
const (
	FieldName         = "name"
	FieldEmail        = "email"
	FieldRole         = "role"
	FieldAuthProvider = "authProvider"
)

// UsersCollection is the collection holding user/role documents.
const UsersCollection = "users"
