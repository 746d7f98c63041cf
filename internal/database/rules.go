package database

import "github.com/npezzotti/go-chatfanout/internal/types"

func countAdmins(roles map[int]types.Role) int {
	admins := 0
	for _, role := range roles {
		if role == types.RoleAdmin {
			admins++
		}
	}
	return admins
}

// checkRemoval enforces that a room keeps an admin while any member remains.
func checkRemoval(roles map[int]types.Role, userId int) error {
	role, ok := roles[userId]
	if !ok {
		return ErrNotMember
	}

	if role == types.RoleAdmin && countAdmins(roles) == 1 && len(roles) > 1 {
		return ErrLastAdmin
	}

	return nil
}

func checkRoleChange(roles map[int]types.Role, userId int, role types.Role) error {
	current, ok := roles[userId]
	if !ok {
		return ErrNotMember
	}

	if current == types.RoleAdmin && role != types.RoleAdmin && countAdmins(roles) == 1 {
		return ErrLastAdmin
	}

	return nil
}
