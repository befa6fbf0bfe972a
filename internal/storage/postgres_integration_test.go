//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tradewatch/internal/config"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("tradewatch"),
		postgres.WithUsername("tradewatch"),
		postgres.WithPassword("tradewatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	backend, err := Open(ctx, config.DatabaseConfig{Driver: "postgres", DSN: dsn, MaxOpenConns: 4, AutoMigrate: true})
	require.NoError(t, err)
	defer backend.Close()

	exerciseBackend(t, backend)

	store := backend.(*Store)
	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, second, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.False(t, second, "lock held by another session must not be granted")
	unlock()
}
