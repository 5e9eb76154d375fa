package store

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks ConversationStore,ProfileStore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/care-relay/backend/internal/config"
	"github.com/zhouzirui/care-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
)

var (
	// ErrNotFound is returned when a profile or conversation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique field (email) is already taken.
	ErrConflict = errors.New("conflict")
)

// ConversationStore is what the relay session needs to record messages.
type ConversationStore interface {
	FindConversation(ctx context.Context, caregiverID, recipientID string) (conversation.Conversation, error)
	AppendEntry(ctx context.Context, conversationID string, author identity.Role, message string) (int64, error)
}

// ProfileStore looks up participant accounts.
type ProfileStore interface {
	FindProfile(ctx context.Context, role identity.Role, id string) (identity.Profile, error)
}

// DataStore is implemented by every backend: MemoryStore, SQLiteStore and PostgresStore.
type DataStore interface {
	ConversationStore
	ProfileStore

	// Connection management
	Close()
	Ping(ctx context.Context) error

	CreateProfile(ctx context.Context, profile identity.Profile) (identity.Profile, error)
	CreateConversation(ctx context.Context, caregiverID, recipientID string) (conversation.Conversation, error)
	ListPeers(ctx context.Context, self identity.Identity) ([]conversation.Peer, error)
	ListEntries(ctx context.Context, conversationID string) ([]conversation.Entry, error)
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (DataStore, error) {
	log := logger.With().Str("component", "store").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return NewMemoryStore(), nil
	case config.DriverSQLite:
		s, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite store")
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite store ready")
		return s, nil
	case config.DriverPostgres:
		s, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres store")
		}
		log.Info().Msg("connected to PostgreSQL")
		return s, nil
	default:
		return nil, errors.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func validProfile(profile identity.Profile) error {
	if !profile.Role.Valid() {
		return errors.Errorf("invalid role %q", profile.Role)
	}
	if profile.Email == "" {
		return errors.New("email is required")
	}
	return nil
}
