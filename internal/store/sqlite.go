package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zhouzirui/care-relay/backend/internal/model/conversation"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/care-relay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/care-relay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init sqlite schema")
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS caregivers (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		qualifications TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS recipients (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		caregiver_id TEXT NOT NULL REFERENCES caregivers(id),
		recipient_id TEXT NOT NULL REFERENCES recipients(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (caregiver_id, recipient_id)
	);

	CREATE TABLE IF NOT EXISTS conversation_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		time DATETIME NOT NULL,
		author_role TEXT NOT NULL CHECK (author_role IN ('caregiver', 'recipient')),
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_recipient ON conversations(recipient_id);
	CREATE INDEX IF NOT EXISTS idx_entries_conversation ON conversation_entries(conversation_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateProfile inserts a caregiver or recipient account.
func (s *SQLiteStore) CreateProfile(ctx context.Context, profile identity.Profile) (identity.Profile, error) {
	if err := validProfile(profile); err != nil {
		return identity.Profile{}, err
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}

	var err error
	switch profile.Role {
	case identity.RoleCaregiver:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO caregivers (id, email, name, qualifications, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, profile.ID, profile.Email, profile.Name, joinQualifications(profile.Qualifications), time.Now().UTC())
	case identity.RoleRecipient:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO recipients (id, email, name, created_at)
			VALUES (?, ?, ?, ?)
		`, profile.ID, profile.Email, profile.Name, time.Now().UTC())
	}
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return identity.Profile{}, ErrConflict
		}
		return identity.Profile{}, errors.Wrap(err, "insert profile")
	}

	return s.FindProfile(ctx, profile.Role, profile.ID)
}

// FindProfile retrieves an account by role and id.
func (s *SQLiteStore) FindProfile(ctx context.Context, role identity.Role, id string) (identity.Profile, error) {
	profile := identity.Profile{Role: role}
	var err error

	switch role {
	case identity.RoleCaregiver:
		var qualifications string
		err = s.db.QueryRowContext(ctx, `
			SELECT id, email, name, qualifications FROM caregivers WHERE id = ?
		`, id).Scan(&profile.ID, &profile.Email, &profile.Name, &qualifications)
		profile.Qualifications = splitQualifications(qualifications)
	case identity.RoleRecipient:
		err = s.db.QueryRowContext(ctx, `
			SELECT id, email, name FROM recipients WHERE id = ?
		`, id).Scan(&profile.ID, &profile.Email, &profile.Name)
	default:
		return identity.Profile{}, errors.Errorf("invalid role %q", role)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Profile{}, ErrNotFound
		}
		return identity.Profile{}, errors.Wrap(err, "select profile")
	}
	return profile, nil
}

// CreateConversation returns the conversation of the pair, creating it when missing.
func (s *SQLiteStore) CreateConversation(ctx context.Context, caregiverID, recipientID string) (conversation.Conversation, error) {
	if _, err := s.FindProfile(ctx, identity.RoleCaregiver, caregiverID); err != nil {
		return conversation.Conversation{}, err
	}
	if _, err := s.FindProfile(ctx, identity.RoleRecipient, recipientID); err != nil {
		return conversation.Conversation{}, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, caregiver_id, recipient_id, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), caregiverID, recipientID, time.Now().UTC())
	if err != nil {
		return conversation.Conversation{}, errors.Wrap(err, "insert conversation")
	}

	return s.FindConversation(ctx, caregiverID, recipientID)
}

// FindConversation looks up the conversation of a (caregiver, recipient) pair.
func (s *SQLiteStore) FindConversation(ctx context.Context, caregiverID, recipientID string) (conversation.Conversation, error) {
	conv := conversation.Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, caregiver_id, recipient_id, created_at
		FROM conversations WHERE caregiver_id = ? AND recipient_id = ?
	`, caregiverID, recipientID).Scan(&conv.ID, &conv.CaregiverID, &conv.RecipientID, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Conversation{}, ErrNotFound
		}
		return conversation.Conversation{}, errors.Wrap(err, "select conversation")
	}
	return conv, nil
}

// AppendEntry records a message. The insert is a single statement, so it is atomic.
func (s *SQLiteStore) AppendEntry(ctx context.Context, conversationID string, author identity.Role, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_entries (conversation_id, time, author_role, message)
		VALUES (?, ?, ?, ?)
	`, conversationID, time.Now().UTC(), string(author), message)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return 0, ErrNotFound
		}
		return 0, errors.Wrap(err, "insert entry")
	}
	return res.LastInsertId()
}

// ListPeers returns the other side of every conversation self takes part in, ordered by name.
func (s *SQLiteStore) ListPeers(ctx context.Context, self identity.Identity) ([]conversation.Peer, error) {
	var query string
	switch self.Role {
	case identity.RoleCaregiver:
		query = `
			SELECT r.id, r.name FROM conversations c
			JOIN recipients r ON r.id = c.recipient_id
			WHERE c.caregiver_id = ? ORDER BY r.name`
	case identity.RoleRecipient:
		query = `
			SELECT d.id, d.name FROM conversations c
			JOIN caregivers d ON d.id = c.caregiver_id
			WHERE c.recipient_id = ? ORDER BY d.name`
	default:
		return nil, errors.Errorf("invalid role %q", self.Role)
	}

	rows, err := s.db.QueryContext(ctx, query, self.ID)
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
func (s *SQLiteStore) ListEntries(ctx context.Context, conversationID string) ([]conversation.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, time, author_role, message
		FROM conversation_entries WHERE conversation_id = ? ORDER BY id
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

func joinQualifications(qualifications []string) string {
	return strings.Join(qualifications, ",")
}

func splitQualifications(raw string) []string {
	var out []string
	for _, q := range strings.Split(raw, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}
