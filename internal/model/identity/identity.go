package identity

import "fmt"

// Role classifies a participant of the relay.
type Role string

const (
	RoleCaregiver Role = "caregiver"
	RoleRecipient Role = "recipient"
)

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleCaregiver, RoleRecipient}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCaregiver, RoleRecipient:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// ParseRole converts a persisted or configured value into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(raw)
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return role, nil
}

// Identity is a verified participant. Only the identity resolver produces it.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Profile is the stored account behind an Identity.
type Profile struct {
	ID             string   `json:"id"`
	Role           Role     `json:"role"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	Qualifications []string `json:"qualifications,omitempty"`
}

// Identity returns the relay identity of the profile.
func (p Profile) Identity() Identity {
	return Identity{ID: p.ID, Role: p.Role}
}
