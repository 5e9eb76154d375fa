package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/zhouzirui/care-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
)

const pgUniqueViolation = "23505"
const pgForeignKeyViolation = "23503"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store and makes sure the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres driver")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "init postgres schema")
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS caregivers (
		id UUID PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		qualifications TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS recipients (
		id UUID PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		caregiver_id UUID NOT NULL REFERENCES caregivers(id),
		recipient_id UUID NOT NULL REFERENCES recipients(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (caregiver_id, recipient_id)
	);

	CREATE TABLE IF NOT EXISTS conversation_entries (
		id BIGSERIAL PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		time TIMESTAMPTZ NOT NULL,
		author_role TEXT NOT NULL CHECK (author_role IN ('caregiver', 'recipient')),
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_recipient ON conversations(recipient_id);
	CREATE INDEX IF NOT EXISTS idx_entries_conversation ON conversation_entries(conversation_id, id);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateProfile inserts a caregiver or recipient account.
func (s *PostgresStore) CreateProfile(ctx context.Context, profile identity.Profile) (identity.Profile, error) {
	if err := validProfile(profile); err != nil {
		return identity.Profile{}, err
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(profile.ID); err != nil {
		return identity.Profile{}, errors.Wrap(err, "profile id")
	}

	var err error
	switch profile.Role {
	case identity.RoleCaregiver:
		qualifications := profile.Qualifications
		if qualifications == nil {
			qualifications = []string{}
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO caregivers (id, email, name, qualifications) VALUES ($1, $2, $3, $4)
		`, profile.ID, profile.Email, profile.Name, qualifications)
	case identity.RoleRecipient:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO recipients (id, email, name) VALUES ($1, $2, $3)
		`, profile.ID, profile.Email, profile.Name)
	}
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return identity.Profile{}, ErrConflict
		}
		return identity.Profile{}, errors.Wrap(err, "insert profile")
	}

	return s.FindProfile(ctx, profile.Role, profile.ID)
}

// FindProfile retrieves an account by role and id.
func (s *PostgresStore) FindProfile(ctx context.Context, role identity.Role, id string) (identity.Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return identity.Profile{}, ErrNotFound
	}

	profile := identity.Profile{Role: role}
	var err error
	switch role {
	case identity.RoleCaregiver:
		err = s.pool.QueryRow(ctx, `
			SELECT id::text, email, name, qualifications FROM caregivers WHERE id = $1
		`, id).Scan(&profile.ID, &profile.Email, &profile.Name, &profile.Qualifications)
	case identity.RoleRecipient:
		err = s.pool.QueryRow(ctx, `
			SELECT id::text, email, name FROM recipients WHERE id = $1
		`, id).Scan(&profile.ID, &profile.Email, &profile.Name)
	default:
		return identity.Profile{}, errors.Errorf("invalid role %q", role)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Profile{}, ErrNotFound
		}
		return identity.Profile{}, errors.Wrap(err, "select profile")
	}
	return profile, nil
}

// CreateConversation returns the conversation of the pair, creating it when missing.
func (s *PostgresStore) CreateConversation(ctx context.Context, caregiverID, recipientID string) (conversation.Conversation, error) {
	if _, err := s.FindProfile(ctx, identity.RoleCaregiver, caregiverID); err != nil {
		return conversation.Conversation{}, err
	}
	if _, err := s.FindProfile(ctx, identity.RoleRecipient, recipientID); err != nil {
		return conversation.Conversation{}, err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, caregiver_id, recipient_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (caregiver_id, recipient_id) DO NOTHING
	`, uuid.NewString(), caregiverID, recipientID)
	if err != nil {
		return conversation.Conversation{}, errors.Wrap(err, "insert conversation")
	}

	return s.FindConversation(ctx, caregiverID, recipientID)
}

// FindConversation looks up the conversation of a (caregiver, recipient) pair.
func (s *PostgresStore) FindConversation(ctx context.Context, caregiverID, recipientID string) (conversation.Conversation, error) {
	if !validUUIDs(caregiverID, recipientID) {
		return conversation.Conversation{}, ErrNotFound
	}

	conv := conversation.Conversation{}
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, caregiver_id::text, recipient_id::text, created_at
		FROM conversations WHERE caregiver_id = $1 AND recipient_id = $2
	`, caregiverID, recipientID).Scan(&conv.ID, &conv.CaregiverID, &conv.RecipientID, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return conversation.Conversation{}, ErrNotFound
		}
		return conversation.Conversation{}, errors.Wrap(err, "select conversation")
	}
	return conv, nil
}

// AppendEntry records a message and returns its id.
func (s *PostgresStore) AppendEntry(ctx context.Context, conversationID string, author identity.Role, message string) (int64, error) {
	if !validUUIDs(conversationID) {
		return 0, ErrNotFound
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversation_entries (conversation_id, time, author_role, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, conversationID, time.Now().UTC(), string(author), message).Scan(&id)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return 0, ErrNotFound
		}
		return 0, errors.Wrap(err, "insert entry")
	}
	return id, nil
}

// ListPeers returns the other side of every conversation self takes part in, ordered by name.
func (s *PostgresStore) ListPeers(ctx context.Context, self identity.Identity) ([]conversation.Peer, error) {
	if !validUUIDs(self.ID) {
		return []conversation.Peer{}, nil
	}

	var query string
	switch self.Role {
	case identity.RoleCaregiver:
		query = `
			SELECT r.id::text, r.name FROM conversations c
			JOIN recipients r ON r.id = c.recipient_id
			WHERE c.caregiver_id = $1 ORDER BY r.name`
	case identity.RoleRecipient:
		query = `
			SELECT d.id::text, d.name FROM conversations c
			JOIN caregivers d ON d.id = c.caregiver_id
			WHERE c.recipient_id = $1 ORDER BY d.name`
	default:
		return nil, errors.Errorf("invalid role %q", self.Role)
	}

	rows, err := s.pool.Query(ctx, query, self.ID)
	if err != nil {
		return nil, errors.Wrap(err, "select peers")
	}
	defer rows.Close()

	peers := make([]conversation.Peer, 0)
	for rows.Next() {
		var peer conversation.Peer
		if err := rows.Scan(&peer.ID, &peer.Name); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// ListEntries returns the entries of a conversation in insertion order.
func (s *PostgresStore) ListEntries(ctx context.Context, conversationID string) ([]conversation.Entry, error) {
	if !validUUIDs(conversationID) {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id::text, time, author_role, message
		FROM conversation_entries WHERE conversation_id = $1 ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "select entries")
	}
	defer rows.Close()

	entries := make([]conversation.Entry, 0)
	for rows.Next() {
		var entry conversation.Entry
		var author string
		if err := rows.Scan(&entry.ID, &entry.ConversationID, &entry.Time, &author, &entry.Message); err != nil {
			return nil, err
		}
		if entry.Author, err = identity.ParseRole(author); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// validUUIDs guards UUID columns: a malformed id can never match a row.
func validUUIDs(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}
