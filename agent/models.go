package agent

import "time"

// Role controls which actions an agent may take.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanApprove reports whether the role may approve settlement offers.
func (r Role) CanApprove() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// Agent is a collections team member who can be assigned cases.
type Agent struct {
	ID        string
	Email     string
	FullName  string
	Role      Role
	Active    bool
	CreatedAt time.Time
}
