package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/zhouzirui/care-relay/backend/internal/middleware"
	"github.com/zhouzirui/care-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
	"github.com/zhouzirui/care-relay/backend/internal/store"
	"github.com/zhouzirui/care-relay/backend/pkg/utils"
)

// Store is the part of the data store the conversation API reads and writes.
type Store interface {
	CreateConversation(ctx context.Context, caregiverID, recipientID string) (conversation.Conversation, error)
	FindConversation(ctx context.Context, caregiverID, recipientID string) (conversation.Conversation, error)
	ListPeers(ctx context.Context, self identity.Identity) ([]conversation.Peer, error)
	ListEntries(ctx context.Context, conversationID string) ([]conversation.Entry, error)
}

// Presence reports who is connected to the relay.
type Presence interface {
	Online(role identity.Role) []string
}

// Handler serves the conversation history and presence API of the authenticated caller.
type Handler struct {
	store    Store
	presence Presence
	validate *validator.Validate
	logger   zerolog.Logger
}

// New creates the conversation handler.
func New(s Store, presence Presence, logger zerolog.Logger) *Handler {
	return &Handler{
		store:    s,
		presence: presence,
		validate: validator.New(),
		logger:   logger.With().Str("component", "conversation-api").Logger(),
	}
}

// RegisterRoutes mounts the routes. r must sit behind middleware.RequireIdentity.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleListConversations)
	r.Post("/conversations", h.handleCreateConversation)
	r.Get("/conversations/{peerID}/entries", h.handleListEntries)
	r.Get("/presence", h.handlePresence)
}

type entryView struct {
	conversation.Entry
	FromCaregiver bool `json:"from_caregiver"`
}

type createRequest struct {
	ID string `json:"id" validate:"required,uuid4"`
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	who, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusForbidden, "unauthenticated")
		return
	}

	peers, err := h.store.ListPeers(r.Context(), who)
	if err != nil {
		h.logger.Error().Err(err).Str("identity", who.ID).Msg("list peers failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string][]conversation.Peer{"conversations": peers})
}

// handleCreateConversation lets a recipient open a conversation with a caregiver.
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	who, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusForbidden, "unauthenticated")
		return
	}
	if who.Role != identity.RoleRecipient {
		utils.RespondError(w, http.StatusForbidden, "only recipients can open conversations")
		return
	}

	req, err := decodeCreateRequest(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ID = strings.ToLower(strings.TrimSpace(req.ID))
	if err := h.validate.Struct(req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "id must be a caregiver id")
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), req.ID, who.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "caregiver not found")
			return
		}
		h.logger.Error().Err(err).Str("identity", who.ID).Msg("create conversation failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	h.logger.Info().Str("conversation", conv.ID).Str("caregiver", conv.CaregiverID).Str("recipient", conv.RecipientID).Msg("conversation opened")
	utils.RespondJSON(w, http.StatusCreated, conv)
}

func decodeCreateRequest(r *http.Request) (createRequest, error) {
	var req createRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.ID = r.PostFormValue("id")
	return req, nil
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	who, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusForbidden, "unauthenticated")
		return
	}

	peerID := chi.URLParam(r, "peerID")
	caregiverID, recipientID := conversation.Pair(who, peerID)

	conv, err := h.store.FindConversation(r.Context(), caregiverID, recipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error().Err(err).Str("identity", who.ID).Msg("find conversation failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	entries, err := h.store.ListEntries(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation", conv.ID).Msg("list entries failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to load entries")
		return
	}

	views := lo.Map(entries, func(entry conversation.Entry, _ int) entryView {
		return entryView{Entry: entry, FromCaregiver: entry.FromCaregiver()}
	})
	utils.RespondJSON(w, http.StatusOK, map[string][]entryView{"entries": views})
}

// handlePresence lists the online ids of the caller's opposite role.
func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	who, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusForbidden, "unauthenticated")
		return
	}

	role := identity.RoleCaregiver
	if who.Role == identity.RoleCaregiver {
		role = identity.RoleRecipient
	}
	utils.RespondJSON(w, http.StatusOK, map[string][]string{"online": h.presence.Online(role)})
}
