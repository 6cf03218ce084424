package auth

import "time"

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	// RoleService is carried by scheduler tokens; it has no profile row.
	RoleService Role = "service"
)

// User is the domain representation of a marketplace profile.
// It mirrors the profiles table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID        string
	Email     string
	FullName  string
	Role      Role
	CreatedAt time.Time
}
