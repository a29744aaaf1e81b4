package database

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medical-coding-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testDatabaseConfig() domain.DatabaseConfig {
	return domain.DatabaseConfig{
		Host:     "127.0.0.1",
		Port:     1,
		Database: "medcode",
		Username: "medcode",
		Password: "medcode",
		SSLMode:  "disable",
	}
}

func TestNewConnection_InvalidSSLMode(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.SSLMode = "bogus"

	_, err := NewConnection(context.Background(), cfg, testLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing database config")
}

func TestNewConnection_UnreachableHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Port 1 is never a postgres listener, so the verification ping fails.
	_, err := NewConnection(ctx, testDatabaseConfig(), testLogger())

	assert.Error(t, err)
}

// newIdleDB builds a DB over a lazily initialized pool, so handle-level
// behavior is testable without a running server.
func newIdleDB(t *testing.T) *DB {
	t.Helper()
	poolConfig, err := pgxpool.ParseConfig("host=127.0.0.1 port=1 dbname=medcode user=medcode sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	require.NoError(t, err)

	db := &DB{Pool: pool, log: testLogger()}
	t.Cleanup(db.Close)
	return db
}

func TestDB_SQLDB(t *testing.T) {
	db := newIdleDB(t)

	sqlDB := db.SQLDB()

	require.NotNil(t, sqlDB)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, sqlDB.PingContext(ctx), "the handle shares the unreachable pool")
}

func TestDB_Stats_IdlePool(t *testing.T) {
	db := newIdleDB(t)

	stats := db.Stats()

	require.NotNil(t, stats)
	assert.Equal(t, int32(0), stats.TotalConns(), "no connections before first use")
}

func TestDB_Health_Unreachable(t *testing.T) {
	db := newIdleDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, db.Health(ctx))
}
