package drafts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStore creates a new PostgreSQL draft store.
// It expects the lab_drafts table to already exist (created via migrations).
func NewPostgresStore(db *sql.DB, logger *logrus.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL draft store from a connection string.
func NewPostgresStoreFromURL(databaseURL string, cfg domain.DatabaseConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	store, err := NewPostgresStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// DB exposes the underlying handle for health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const postgresUpsert = `
	INSERT INTO lab_drafts (
		order_id, test_id, parameter_id, value, not_applicable,
		flag, delta, delta_direction, status, revision, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
	ON CONFLICT (order_id, test_id, parameter_id) DO UPDATE SET
		value = EXCLUDED.value,
		not_applicable = EXCLUDED.not_applicable,
		flag = EXCLUDED.flag,
		delta = EXCLUDED.delta,
		delta_direction = EXCLUDED.delta_direction,
		status = EXCLUDED.status,
		revision = lab_drafts.revision + 1,
		updated_at = EXCLUDED.updated_at
	WHERE $11 = 0 OR lab_drafts.revision = $11
	RETURNING revision
`

// SaveDrafts upserts the batch in one transaction. A stale record aborts the
// whole batch.
func (s *PostgresStore) SaveDrafts(ctx context.Context, records []domain.DraftRecord) error {
	if err := validateBatch(records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ts := now()
	for i := range records {
		r := &records[i]
		normalizeStatus(r)

		var revision int64
		err := tx.QueryRowContext(ctx, postgresUpsert,
			r.OrderID, r.TestID, r.ParameterID, r.Value, r.NotApplicable,
			string(r.Flag), nullableDelta(r.Delta), string(r.DeltaDirection), r.Status, ts,
			r.Revision,
		).Scan(&revision)
		if isNoRows(err) {
			return staleError(*r)
		}
		if err != nil {
			return fmt.Errorf("failed to save draft: %w", err)
		}
		r.Revision = revision
		r.UpdatedAt = ts
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit drafts: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"backend": "postgres",
		"count":   len(records),
	}).Debug("Saved drafts")
	return nil
}

// LoadDrafts returns the drafts of one test ordered by parameter id.
func (s *PostgresStore) LoadDrafts(ctx context.Context, orderID, testID string) ([]domain.DraftRecord, error) {
	query := `
		SELECT order_id, test_id, parameter_id, value, not_applicable,
			flag, delta, delta_direction, status, revision, updated_at
		FROM lab_drafts
		WHERE order_id = $1 AND test_id = $2
		ORDER BY parameter_id
	`

	rows, err := s.db.QueryContext(ctx, query, orderID, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load drafts: %w", err)
	}
	defer rows.Close()

	result := []domain.DraftRecord{}
	for rows.Next() {
		r, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

// PurgeOrder removes every draft of an order.
func (s *PostgresStore) PurgeOrder(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM lab_drafts WHERE order_id = $1", orderID)
	if err != nil {
		return fmt.Errorf("failed to purge drafts: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
