package drafts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/lab-validation-server/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite. It backs
// standalone deployments where drafts stay on the workstation.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	logger *logrus.Logger
}

// NewSQLiteStore creates a new SQLite draft store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	// Writers serialize on one connection; busy errors are otherwise likely under WAL.
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS lab_drafts (
		order_id TEXT NOT NULL,
		test_id TEXT NOT NULL,
		parameter_id TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		not_applicable INTEGER NOT NULL DEFAULT 0,
		flag TEXT NOT NULL DEFAULT '',
		delta REAL,
		delta_direction TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		revision INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (order_id, test_id, parameter_id)
	);

	CREATE INDEX IF NOT EXISTS idx_lab_drafts_order ON lab_drafts(order_id);
	`

	_, err := db.Exec(schema)
	return err
}

const sqliteUpsert = `
	INSERT INTO lab_drafts (
		order_id, test_id, parameter_id, value, not_applicable,
		flag, delta, delta_direction, status, revision, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT (order_id, test_id, parameter_id) DO UPDATE SET
		value = excluded.value,
		not_applicable = excluded.not_applicable,
		flag = excluded.flag,
		delta = excluded.delta,
		delta_direction = excluded.delta_direction,
		status = excluded.status,
		revision = lab_drafts.revision + 1,
		updated_at = excluded.updated_at
	WHERE ? = 0 OR lab_drafts.revision = ?
	RETURNING revision
`

// SaveDrafts upserts the batch in one transaction. On success each record's
// Revision and UpdatedAt hold the stored values.
func (s *SQLiteStore) SaveDrafts(ctx context.Context, records []domain.DraftRecord) error {
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
		err := tx.QueryRowContext(ctx, sqliteUpsert,
			r.OrderID, r.TestID, r.ParameterID, r.Value, r.NotApplicable,
			string(r.Flag), nullableDelta(r.Delta), string(r.DeltaDirection), r.Status, ts,
			r.Revision, r.Revision,
		).Scan(&revision)
		if isNoRows(err) {
			return staleError(*r)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert draft: %w", err)
		}
		r.Revision = revision
		r.UpdatedAt = ts
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit drafts: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"backend": "sqlite",
		"count":   len(records),
	}).Debug("Saved drafts")
	return nil
}

// LoadDrafts returns the drafts of one test ordered by parameter id.
func (s *SQLiteStore) LoadDrafts(ctx context.Context, orderID, testID string) ([]domain.DraftRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, test_id, parameter_id, value, not_applicable,
			flag, delta, delta_direction, status, revision, updated_at
		FROM lab_drafts
		WHERE order_id = ? AND test_id = ?
		ORDER BY parameter_id
	`, orderID, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
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
func (s *SQLiteStore) PurgeOrder(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM lab_drafts WHERE order_id = ?", orderID)
	if err != nil {
		return fmt.Errorf("failed to purge drafts: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health probes.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
