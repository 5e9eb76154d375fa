//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
	"github.com/zhouzirui/care-relay/backend/internal/model/presence"
)

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("care_relay"),
		tcpostgres.WithUsername("relay"),
		tcpostgres.WithPassword("relay"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	suite.Run(t, &StoreSuite{open: func(t *testing.T) DataStore {
		s, err := NewPostgresStore(context.Background(), dsn)
		require.NoError(t, err)
		_, err = s.pool.Exec(context.Background(), `TRUNCATE conversation_entries, conversations, caregivers, recipients`)
		require.NoError(t, err)
		return s
	}})
}

func TestRedisPresenceMirrorsHubTransitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	mirror, err := NewRedisPresence(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })

	require.NoError(t, mirror.Ping(ctx))

	mirror.PresenceChanged(presence.Event{Kind: presence.Connected, SubjectID: "d1", Role: identity.RoleCaregiver})
	mirror.PresenceChanged(presence.Event{Kind: presence.Connected, SubjectID: "r1", Role: identity.RoleRecipient})
	mirror.PresenceChanged(presence.Event{Kind: presence.Connected, SubjectID: "r2", Role: identity.RoleRecipient})
	mirror.PresenceChanged(presence.Event{Kind: presence.Disconnected, SubjectID: "r1", Role: identity.RoleRecipient})

	recipients, err := mirror.client.SMembers(ctx, presenceKey(identity.RoleRecipient)).Result()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"r2"}, recipients)

	caregivers, err := mirror.client.SMembers(ctx, presenceKey(identity.RoleCaregiver)).Result()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"d1"}, caregivers)

	resetCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, mirror.Reset(resetCtx))

	count, err := mirror.client.Exists(ctx, presenceKey(identity.RoleRecipient), presenceKey(identity.RoleCaregiver)).Result()
	require.NoError(t, err)
	require.Zero(t, count)
}
