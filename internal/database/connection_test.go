package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lab-validation-server/internal/domain"
)

func startPostgres(t *testing.T) (Config, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    "testpass",
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: time.Minute * 30,
		SSLMode:     "disable",
	}
	url := fmt.Sprintf("postgres://testuser:testpass@%s:%d/testdb?sslmode=disable", host, port.Int())
	return config, url
}

func TestDatabaseConnection(t *testing.T) {
	config, _ := startPostgres(t)
	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := NewConnection(ctx, config, logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Health(ctx))

	stats := db.Stats()
	assert.NotZero(t, stats.TotalConns(), "Expected at least one connection in pool")
}

func TestMigrationRunner(t *testing.T) {
	config, url := startPostgres(t)
	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	runner, err := NewMigrationRunner(url, "../../migrations", logger)
	require.NoError(t, err)
	defer runner.Close()

	version, _, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, runner.Up(ctx))
	require.NoError(t, runner.Up(ctx), "second up is a no-op")

	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	db, err := NewConnection(ctx, config, logger)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Pool.Exec(ctx, `INSERT INTO lab_drafts (order_id, test_id, parameter_id, value, flag) VALUES ('O1', 'T1', 'P1', '5.2', 'Normal')`)
	require.NoError(t, err)

	_, err = db.Pool.Exec(ctx, `INSERT INTO lab_drafts (order_id, test_id, parameter_id, value, flag) VALUES ('O1', 'T1', 'P2', '1', 'Borderline')`)
	assert.Error(t, err, "flag check constraint")

	_, err = db.Pool.Exec(ctx, `INSERT INTO audit_log (id, order_id, action) VALUES (gen_random_uuid(), 'O1', 'approval')`)
	require.NoError(t, err)
	_, err = db.Pool.Exec(ctx, `DELETE FROM audit_log`)
	assert.Error(t, err, "audit log is append-only")

	require.NoError(t, runner.Down(ctx))
	version, _, err = runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(domain.DatabaseConfig{
		Host:            "db",
		Port:            5432,
		Database:        "lab",
		Username:        "lab",
		MaxOpenConns:    4,
		MaxIdleConns:    8,
		ConnMaxLifetime: time.Minute,
		SSLMode:         "require",
	})

	assert.Equal(t, int32(4), cfg.MaxConns)
	assert.Equal(t, int32(4), cfg.MinConns, "min conns is capped at max conns")
	assert.Equal(t, time.Minute, cfg.MaxConnLife)
	assert.Equal(t, "require", cfg.SSLMode)

	assert.Equal(t, int32(10), ConfigFromDomain(domain.DatabaseConfig{}).MaxConns)
}
