package conversation

import (
	"time"

	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
)

// Conversation is the persisted thread between one caregiver and one recipient.
type Conversation struct {
	ID          string    `json:"id"`
	CaregiverID string    `json:"caregiverId"`
	RecipientID string    `json:"recipientId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Entry is a single recorded message of a conversation.
type Entry struct {
	ID             int64         `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Author         identity.Role `json:"author"`
	Message        string        `json:"message"`
	Time           time.Time     `json:"time"`
}

// FromCaregiver reports whether the caregiver side wrote the entry.
func (e Entry) FromCaregiver() bool {
	return e.Author == identity.RoleCaregiver
}

// Peer is the other side of a conversation as seen from one participant.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Pair returns the (caregiver, recipient) ids of a conversation between self and peerID.
func Pair(self identity.Identity, peerID string) (caregiverID, recipientID string) {
	switch self.Role {
	case identity.RoleCaregiver:
		return self.ID, peerID
	default:
		return peerID, self.ID
	}
}
