package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/care-relay/backend/internal/metrics"
	"github.com/zhouzirui/care-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
	identityservice "github.com/zhouzirui/care-relay/backend/internal/service/identity"
	relayservice "github.com/zhouzirui/care-relay/backend/internal/service/relay"
	"github.com/zhouzirui/care-relay/backend/internal/store"
)

// Options tunes the websocket sessions.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	// MaxMessageBytes caps an inbound frame; zero leaves it unlimited.
	MaxMessageBytes int64
}

// WebSocketHandler is the session endpoint of the relay: it authenticates the
// upgrade request, registers the connection with the hub and runs the receive loop.
type WebSocketHandler struct {
	hub      *relayservice.Hub
	auth     *identityservice.Authenticator
	store    store.ConversationStore
	logger   zerolog.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the relay session endpoint.
func NewWebSocketHandler(hub *relayservice.Hub, auth *identityservice.Authenticator, conversations store.ConversationStore, logger zerolog.Logger, opts Options) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		auth:   auth,
		store:  conversations,
		logger: logger.With().Str("component", "relay-session").Logger(),
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket route.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// session is the per-connection state once the identity is known.
type session struct {
	who       identity.Identity
	conn      *websocket.Conn
	transport *relayservice.WebSocketTransport
	logger    zerolog.Logger
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Unauthenticated: nothing is accepted until the identity is resolved.
	who, err := h.auth.Authenticate(r)
	if err != nil {
		reason := identityservice.FailureReason(err)
		metrics.SessionRejections.WithLabelValues(reason).Inc()
		if identityservice.IsAuthFailure(err) {
			h.logger.Warn().Str("reason", reason).Str("remote_addr", r.RemoteAddr).Msg("unauthenticated websocket request")
			http.Error(w, "unauthenticated", http.StatusForbidden)
			return
		}
		h.logger.Error().Err(err).Msg("identity resolution failed")
		http.Error(w, "identity service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("identity", who.ID).Msg("upgrade failed")
		return
	}

	s := &session{
		who:       who,
		conn:      conn,
		transport: relayservice.NewWebSocketTransport(conn, h.opts.WriteTimeout),
		logger:    h.logger.With().Str("identity", who.ID).Str("role", who.Role.String()).Logger(),
	}
	defer s.transport.Close()

	h.serve(r.Context(), s)
}

// serve runs Registered -> Receiving -> Closed. The deferred DisconnectConn is the
// only way out, whatever ends the loop.
func (h *WebSocketHandler) serve(parent context.Context, s *session) {
	record := h.hub.Connect(s.who, s.transport)
	opened := time.Now()
	defer func() {
		h.hub.DisconnectConn(record)
		metrics.SessionDuration.WithLabelValues(s.who.Role.String()).Observe(time.Since(opened).Seconds())
		s.logger.Info().Msg("session closed")
	}()

	s.logger.Info().Msg("session registered")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if h.opts.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(h.opts.MaxMessageBytes)
	}
	h.refreshReadDeadline(s.conn)
	s.conn.SetPongHandler(func(string) error {
		h.refreshReadDeadline(s.conn)
		return nil
	})

	if h.opts.PingInterval > 0 {
		go h.pingLoop(ctx, s)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
			messageType, data, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					s.logger.Warn().Err(err).Msg("read error")
				}
				return
			}

			h.refreshReadDeadline(s.conn)

			if messageType != websocket.TextMessage {
				h.reject(s, errors.Wrap(relayservice.ErrInvalidFrame, "binary frame"))
				continue
			}
			h.handleFrame(ctx, s, data)
		}
	}
}

// handleFrame validates, persists and relays one inbound frame. Only a decode
// failure is reported back to the sender.
func (h *WebSocketHandler) handleFrame(ctx context.Context, s *session, data []byte) {
	envelope, err := relayservice.DecodeEnvelope(data)
	if err != nil {
		h.reject(s, err)
		return
	}

	log := s.logger.With().Str("recipient", envelope.RecipientID).Logger()
	caregiverID, recipientID := conversation.Pair(s.who, envelope.RecipientID)

	start := time.Now()
	conv, err := h.store.FindConversation(ctx, caregiverID, recipientID)
	metrics.StoreLatency.WithLabelValues("find_conversation").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("lookup").Inc()
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Msg("no conversation for pair, message dropped")
		} else {
			log.Error().Err(err).Msg("conversation lookup failed, message dropped")
		}
		return
	}

	start = time.Now()
	entryID, err := h.store.AppendEntry(ctx, conv.ID, s.who.Role, envelope.Text)
	metrics.StoreLatency.WithLabelValues("append_entry").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("append").Inc()
		log.Error().Err(err).Str("conversation", conv.ID).Msg("append entry failed, message dropped")
		return
	}

	outcome := h.hub.Relay(envelope.Text, s.who.ID, envelope.RecipientID)
	log.Info().
		Str("conversation", conv.ID).
		Int64("entry", entryID).
		Stringer("outcome", outcome).
		Msg("message recorded")
}

func (h *WebSocketHandler) reject(s *session, cause error) {
	metrics.DecodeFailures.Inc()
	s.logger.Warn().Err(cause).Msg("invalid frame")
	if err := s.transport.Send([]byte(relayservice.RejectionFrame)); err != nil {
		s.logger.Warn().Err(err).Msg("write rejection failed")
	}
}

func (h *WebSocketHandler) refreshReadDeadline(conn *websocket.Conn) {
	if h.opts.ReadTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
}

// pingLoop keeps the read deadline alive through pong replies.
func (h *WebSocketHandler) pingLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.transport.Ping(); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
