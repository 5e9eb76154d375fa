package relay

import (
	"github.com/samber/lo"

	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
)

// Predicate selects connections out of a registry snapshot.
type Predicate func(candidate *Connection) bool

// IsOppositeRoleOf matches connections whose role differs from self's.
func IsOppositeRoleOf(self *Connection) Predicate {
	return func(candidate *Connection) bool {
		return candidate.role != self.role
	}
}

// IsNotSelf matches every connection except self, compared by identity id.
func IsNotSelf(self *Connection) Predicate {
	return func(candidate *Connection) bool {
		return candidate.id != self.id
	}
}

// HasRole matches connections registered with role.
func HasRole(role identity.Role) Predicate {
	return func(candidate *Connection) bool {
		return candidate.role == role
	}
}

// All combines predicates; the result matches when every predicate does.
func All(preds ...Predicate) Predicate {
	return func(candidate *Connection) bool {
		for _, pred := range preds {
			if !pred(candidate) {
				return false
			}
		}
		return true
	}
}

// Audience applies preds to a single snapshot.
func Audience(snapshot []*Connection, preds ...Predicate) []*Connection {
	match := All(preds...)
	return lo.Filter(snapshot, func(candidate *Connection, _ int) bool {
		return match(candidate)
	})
}

// peerAudience is who hears about self joining or leaving, and who self hears about on join.
func peerAudience(snapshot []*Connection, self *Connection) []*Connection {
	return Audience(snapshot, IsOppositeRoleOf(self), IsNotSelf(self))
}
