package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
	"github.com/zhouzirui/care-relay/backend/internal/model/presence"
)

const presenceWriteTimeout = 2 * time.Second

// RedisPresence mirrors the hub's online set into Redis so other services can read it.
type RedisPresence struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisPresence connects to redisURL.
func NewRedisPresence(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisPresence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisPresence{
		client: client,
		logger: logger.With().Str("component", "presence-mirror").Logger(),
	}, nil
}

// presenceKey returns the key of the online set for role.
func presenceKey(role identity.Role) string {
	return fmt.Sprintf("presence:%s", role)
}

// Close closes the Redis connection.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}

// Ping checks the Redis connection.
func (p *RedisPresence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Reset clears the online sets. The hub starts empty, so the mirror must too.
func (p *RedisPresence) Reset(ctx context.Context) error {
	keys := make([]string, 0, len(identity.Roles()))
	for _, role := range identity.Roles() {
		keys = append(keys, presenceKey(role))
	}
	return p.client.Del(ctx, keys...).Err()
}

// PresenceChanged applies one hub transition to the mirror. Failures are logged only.
func (p *RedisPresence) PresenceChanged(ev presence.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case presence.Connected:
		err = p.client.SAdd(ctx, presenceKey(ev.Role), ev.SubjectID).Err()
	case presence.Disconnected:
		err = p.client.SRem(ctx, presenceKey(ev.Role), ev.SubjectID).Err()
	}
	if err != nil {
		p.logger.Warn().Err(err).
			Str("identity", ev.SubjectID).
			Str("kind", string(ev.Kind)).
			Msg("presence mirror update failed")
	}
}
