package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestConnectSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.db")
	db, err := Connect(context.Background(), sqlitePrefix+path)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.Equal(t, "sqlite", db.Dialector.Name())
}

func TestConnectRejectsEmptyDSN(t *testing.T) {
	_, err := Connect(context.Background(), "  ")
	require.Error(t, err)
}

func TestConnectRedis(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	require.True(t, server.Exists("k"))
}

func TestConnectRedisGivesUp(t *testing.T) {
	prev := connectAttempts
	connectAttempts = 0
	t.Cleanup(func() { connectAttempts = prev })

	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := ConnectRedis(context.Background(), "redis://"+addr)
	require.Error(t, err)

	_, err = ConnectRedis(context.Background(), "")
	require.Error(t, err)
}
