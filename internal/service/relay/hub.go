package relay

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/zhouzirui/care-relay/backend/internal/metrics"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
	"github.com/zhouzirui/care-relay/backend/internal/model/presence"
)

// Outcome reports what Relay did with a message. It is informational; Relay never fails.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRecipientOffline
	OutcomeSenderGone
	OutcomeSendFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRecipientOffline:
		return "recipient_offline"
	case OutcomeSenderGone:
		return "sender_gone"
	case OutcomeSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// PresenceObserver is told about every presence transition after peers were notified.
type PresenceObserver interface {
	PresenceChanged(ev presence.Event)
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger.With().Str("component", "relay-hub").Logger()
	}
}

// WithObserver registers a presence observer.
func WithObserver(observer PresenceObserver) Option {
	return func(h *Hub) {
		h.observer = observer
	}
}

// Hub owns the registry of live connections and routes frames between them.
// Registry mutation and snapshots happen under mu; transport writes never do.
// presenceMu orders presence notifications so peers and the observer see the
// transitions of an id in the order the registry applied them. It is always
// taken before mu, never while holding it.
type Hub struct {
	mu         sync.RWMutex
	presenceMu sync.Mutex
	conns      map[string]*Connection
	logger     zerolog.Logger
	observer   PresenceObserver
}

// NewHub returns an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		conns:  make(map[string]*Connection),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers who on transport. A previous connection of the same identity is
// replaced and its transport closed. Opposite-role peers are told about the new
// connection, and the new connection is told about every opposite-role peer already online.
func (h *Hub) Connect(who identity.Identity, transport Transport) *Connection {
	conn := NewConnection(who, transport)

	h.mu.Lock()
	prev := h.conns[conn.id]
	h.conns[conn.id] = conn
	updateGauges(h.snapshotLocked())
	h.mu.Unlock()

	log := h.logger.With().Str("identity", conn.id).Str("role", conn.role.String()).Logger()

	if prev != nil {
		log.Info().Msg("identity reconnected, closing superseded transport")
		if err := prev.close(); err != nil {
			log.Debug().Err(err).Msg("close superseded transport")
		}
	}

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	// A disconnect that ran in the meantime already told peers; announcing now would contradict it.
	snapshot, current := h.snapshotWith(conn.id)
	if current != conn {
		log.Debug().Msg("connection removed before announcement, presence skipped")
		return conn
	}

	peers := peerAudience(snapshot, conn)
	log.Info().Int("audience", len(peers)).Msg("connection registered, broadcasting presence")
	h.notify(peers, presence.Event{Kind: presence.Connected, SubjectID: conn.id, Role: conn.role})

	for _, peer := range peers {
		frame, err := PresenceFrame(presence.Connected, peer.id)
		if err != nil {
			log.Error().Err(err).Msg("encode peer presence")
			continue
		}
		h.deliver(conn, frame)
	}

	return conn
}

// Disconnect removes the connection registered for id, if any, and tells
// opposite-role peers. Removing an absent id is a no-op.
func (h *Hub) Disconnect(id string) {
	h.remove(id, nil)
}

// DisconnectConn removes conn only while it still owns its identity's slot.
// A session replaced by a newer connection of the same identity leaves the newer one alone.
func (h *Hub) DisconnectConn(conn *Connection) {
	if conn == nil {
		return
	}
	h.remove(conn.id, conn)
}

func (h *Hub) remove(id string, expected *Connection) {
	h.mu.Lock()
	current, ok := h.conns[id]
	if !ok || (expected != nil && current != expected) {
		h.mu.Unlock()
		h.logger.Debug().Str("identity", id).Msg("disconnect ignored, connection not registered")
		return
	}
	delete(h.conns, id)
	updateGauges(h.snapshotLocked())
	h.mu.Unlock()

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	// The id came back before peers were told it left; its Connect announces it instead.
	snapshot, again := h.snapshotWith(id)
	if again != nil {
		h.logger.Debug().Str("identity", id).Msg("identity re-registered, disconnect presence skipped")
		return
	}

	peers := peerAudience(snapshot, current)
	h.logger.Info().
		Str("identity", id).
		Str("role", current.role.String()).
		Int("audience", len(peers)).
		Msg("connection removed, broadcasting presence")
	h.notify(peers, presence.Event{Kind: presence.Disconnected, SubjectID: id, Role: current.role})
}

// Relay pushes text from senderID to recipientID. A missing recipient, a sender that
// left in the meantime and a failed write are logged and reported through the Outcome.
func (h *Hub) Relay(text, senderID, recipientID string) Outcome {
	outcome := h.relay(text, senderID, recipientID)
	metrics.RelayOutcomes.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (h *Hub) relay(text, senderID, recipientID string) Outcome {
	h.mu.RLock()
	recipient, recipientOK := h.conns[recipientID]
	sender, senderOK := h.conns[senderID]
	h.mu.RUnlock()

	log := h.logger.With().Str("sender", senderID).Str("recipient", recipientID).Logger()
	if !recipientOK {
		log.Warn().Msg("recipient not connected, message not relayed")
		return OutcomeRecipientOffline
	}
	if !senderOK {
		log.Debug().Msg("sender no longer connected, message not relayed")
		return OutcomeSenderGone
	}

	frame, err := MessageFrame(text, sender.id)
	if err != nil {
		log.Error().Err(err).Msg("encode message frame")
		return OutcomeSendFailed
	}
	if !h.deliver(recipient, frame) {
		return OutcomeSendFailed
	}
	log.Debug().Msg("message relayed")
	return OutcomeDelivered
}

// Broadcast sends payload to every connection registered with targetRole.
func (h *Hub) Broadcast(targetRole identity.Role, payload []byte) {
	h.broadcast(Audience(h.snapshot(), HasRole(targetRole)), payload)
}

// Online lists the ids currently registered with role, sorted.
func (h *Hub) Online(role identity.Role) []string {
	ids := lo.Map(Audience(h.snapshot(), HasRole(role)), func(conn *Connection, _ int) string {
		return conn.id
	})
	sort.Strings(ids)
	return ids
}

// Lookup returns the connection registered for id.
func (h *Hub) Lookup(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	return conn, ok
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every registered transport. Each owning session then runs its own disconnect.
func (h *Hub) CloseAll() {
	snapshot := h.snapshot()
	h.logger.Info().Int("connections", len(snapshot)).Msg("closing all connections")
	for _, conn := range snapshot {
		if err := conn.close(); err != nil {
			h.logger.Debug().Err(err).Str("identity", conn.id).Msg("close transport")
		}
	}
}

func (h *Hub) notify(peers []*Connection, ev presence.Event) {
	metrics.PresenceEvents.WithLabelValues(string(ev.Kind)).Inc()

	frame, err := PresenceFrame(ev.Kind, ev.SubjectID)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode presence frame")
	} else {
		h.broadcast(peers, frame)
	}

	if h.observer != nil {
		h.observer.PresenceChanged(ev)
	}
}

func (h *Hub) broadcast(targets []*Connection, payload []byte) {
	h.logger.Debug().Int("targets", len(targets)).Msg("broadcasting frame")
	for _, conn := range targets {
		h.deliver(conn, payload)
	}
}

// deliver writes one frame. On failure the peer's transport is closed so that its own
// receive loop notices and disconnects; the registry is left untouched here.
func (h *Hub) deliver(conn *Connection, payload []byte) bool {
	if err := conn.send(payload); err != nil {
		metrics.TransportFailures.Inc()
		h.logger.Warn().Err(err).Str("identity", conn.id).Msg("send failed, closing peer transport")
		if closeErr := conn.close(); closeErr != nil {
			h.logger.Debug().Err(closeErr).Str("identity", conn.id).Msg("close failed peer transport")
		}
		return false
	}
	return true
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

// snapshotWith returns a snapshot together with the record currently registered for id.
func (h *Hub) snapshotWith(id string) ([]*Connection, *Connection) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked(), h.conns[id]
}

func (h *Hub) snapshotLocked() []*Connection {
	return lo.Values(h.conns)
}

func updateGauges(snapshot []*Connection) {
	counts := lo.CountValuesBy(snapshot, func(conn *Connection) identity.Role {
		return conn.role
	})
	for _, role := range identity.Roles() {
		metrics.ActiveConnections.WithLabelValues(role.String()).Set(float64(counts[role]))
	}
}
