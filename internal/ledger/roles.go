package ledger

import (
	"fmt"
	"strings"
)

// Role is a capability held by an account.
type Role uint8

const (
	RoleAdmin Role = 1 << iota
	RoleLiquidator
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleLiquidator:
		return "liquidator"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole maps a role name to a Role.
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "admin":
		return RoleAdmin, nil
	case "liquidator":
		return RoleLiquidator, nil
	default:
		return 0, fmt.Errorf("role %q: %w", name, ErrInvalidRole)
	}
}

// RoleSet is a bit set of roles.
type RoleSet uint8

func (s RoleSet) Has(r Role) bool {
	return s&RoleSet(r) != 0
}

func (s RoleSet) With(r Role) RoleSet {
	return s | RoleSet(r)
}

func (s RoleSet) Without(r Role) RoleSet {
	return s &^ RoleSet(r)
}
