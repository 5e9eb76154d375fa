package presence

import "github.com/zhouzirui/care-relay/backend/internal/model/identity"

// Kind is the presence transition carried by an Event.
type Kind string

const (
	Connected    Kind = "connect"
	Disconnected Kind = "disconnect"
)

// Event describes a participant joining or leaving the relay. It is never stored.
type Event struct {
	Kind      Kind
	SubjectID string
	Role      identity.Role
}
