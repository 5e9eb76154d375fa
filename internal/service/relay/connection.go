package relay

import "github.com/zhouzirui/care-relay/backend/internal/model/identity"

// Transport pushes outbound frames to one live channel.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Connection is the registry record of one live channel. It is immutable after construction.
type Connection struct {
	id        string
	role      identity.Role
	transport Transport
}

// NewConnection binds a verified identity to its transport.
func NewConnection(who identity.Identity, transport Transport) *Connection {
	return &Connection{id: who.ID, role: who.Role, transport: transport}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Role() identity.Role { return c.role }

// Identity returns the identity the connection was registered with.
func (c *Connection) Identity() identity.Identity {
	return identity.Identity{ID: c.id, Role: c.role}
}

func (c *Connection) send(data []byte) error {
	return c.transport.Send(data)
}

func (c *Connection) close() error {
	return c.transport.Close()
}
