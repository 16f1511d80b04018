package database

import (
	"context"
	"testing"

	"bidding-kb-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMySQLReportsUnreachableServer(t *testing.T) {
	db, err := OpenMySQL(config.MySQLConfig{DSN: "kb:kb@tcp(127.0.0.1:1)/kb?timeout=200ms", MaxIdleConns: 1, MaxOpenConns: 1})
	require.Error(t, err)
	assert.Nil(t, db)
	assert.Nil(t, DB, "opening must not touch the shared handle")
}

func TestOpenRedisReportsUnreachableServer(t *testing.T) {
	client, err := OpenRedis(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Nil(t, RDB)
}
