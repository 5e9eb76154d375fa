package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/care-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
)

type pairKey struct {
	caregiverID string
	recipientID string
}

// MemoryStore keeps everything in process memory. Suitable for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	profiles      map[identity.Role]map[string]identity.Profile
	conversations map[pairKey]conversation.Conversation
	entries       map[string][]conversation.Entry
	nextEntryID   int64
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: map[identity.Role]map[string]identity.Profile{
			identity.RoleCaregiver: {},
			identity.RoleRecipient: {},
		},
		conversations: make(map[pairKey]conversation.Conversation),
		entries:       make(map[string][]conversation.Entry),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// CreateProfile stores a new account. Email must be unique per role.
func (s *MemoryStore) CreateProfile(_ context.Context, profile identity.Profile) (identity.Profile, error) {
	if err := validProfile(profile); err != nil {
		return identity.Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.profiles[profile.Role] {
		if existing.Email == profile.Email {
			return identity.Profile{}, ErrConflict
		}
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	profile.Qualifications = append([]string(nil), profile.Qualifications...)
	s.profiles[profile.Role][profile.ID] = profile
	return profile, nil
}

// FindProfile retrieves an account by role and id.
func (s *MemoryStore) FindProfile(_ context.Context, role identity.Role, id string) (identity.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[role][id]
	if !ok {
		return identity.Profile{}, ErrNotFound
	}
	return profile, nil
}

// CreateConversation returns the conversation of the pair, creating it when missing.
func (s *MemoryStore) CreateConversation(_ context.Context, caregiverID, recipientID string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[identity.RoleCaregiver][caregiverID]; !ok {
		return conversation.Conversation{}, ErrNotFound
	}
	if _, ok := s.profiles[identity.RoleRecipient][recipientID]; !ok {
		return conversation.Conversation{}, ErrNotFound
	}

	key := pairKey{caregiverID: caregiverID, recipientID: recipientID}
	if conv, ok := s.conversations[key]; ok {
		return conv, nil
	}
	conv := conversation.Conversation{
		ID:          uuid.NewString(),
		CaregiverID: caregiverID,
		RecipientID: recipientID,
		CreatedAt:   time.Now().UTC(),
	}
	s.conversations[key] = conv
	s.entries[conv.ID] = make([]conversation.Entry, 0, 16)
	return conv, nil
}

// FindConversation looks up the conversation of a (caregiver, recipient) pair.
func (s *MemoryStore) FindConversation(_ context.Context, caregiverID, recipientID string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[pairKey{caregiverID: caregiverID, recipientID: recipientID}]
	if !ok {
		return conversation.Conversation{}, ErrNotFound
	}
	return conv, nil
}

// AppendEntry records a message in a conversation.
func (s *MemoryStore) AppendEntry(_ context.Context, conversationID string, author identity.Role, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.entries[conversationID]
	if !ok {
		return 0, ErrNotFound
	}

	s.nextEntryID++
	entry := conversation.Entry{
		ID:             s.nextEntryID,
		ConversationID: conversationID,
		Author:         author,
		Message:        message,
		Time:           time.Now().UTC(),
	}
	s.entries[conversationID] = append(entries, entry)
	return entry.ID, nil
}

// ListPeers returns the other side of every conversation self takes part in, ordered by name.
func (s *MemoryStore) ListPeers(_ context.Context, self identity.Identity) ([]conversation.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]conversation.Peer, 0)
	for key := range s.conversations {
		var peerID string
		var peerRole identity.Role
		switch {
		case self.Role == identity.RoleCaregiver && key.caregiverID == self.ID:
			peerID, peerRole = key.recipientID, identity.RoleRecipient
		case self.Role == identity.RoleRecipient && key.recipientID == self.ID:
			peerID, peerRole = key.caregiverID, identity.RoleCaregiver
		default:
			continue
		}
		profile := s.profiles[peerRole][peerID]
		peers = append(peers, conversation.Peer{ID: peerID, Name: profile.Name})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	return peers, nil
}

// ListEntries returns a copy of the entries of a conversation in insertion order.
func (s *MemoryStore) ListEntries(_ context.Context, conversationID string) ([]conversation.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.entries[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]conversation.Entry, len(entries))
	copy(copied, entries)
	return copied, nil
}
