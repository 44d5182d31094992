package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
)

// AuditRepository persists the append-only audit log in PostgreSQL.
type AuditRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *pgxpool.Pool, logger *logrus.Logger) *AuditRepository {
	return &AuditRepository{
		db:  db,
		log: logger,
	}
}

// Append inserts an entry. A missing ID or timestamp is filled in.
func (r *AuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	prepareEntry(entry)

	id, err := uuid.Parse(entry.ID)
	if err != nil {
		return domain.NewValidationError("id", "audit entry id must be a UUID", entry.ID)
	}

	query := `
		INSERT INTO audit_log (id, order_id, test_id, action, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.Exec(ctx, query,
		id,
		entry.OrderID,
		entry.TestID,
		string(entry.Action),
		entry.Actor,
		entry.Detail,
		entry.Timestamp,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"order_id": entry.OrderID,
			"action":   entry.Action,
			"error":    err,
		}).Error("Failed to append audit entry")
		return fmt.Errorf("appending audit entry: %w", err)
	}

	return nil
}

// ListByOrder returns the audit trail of an order, oldest first.
func (r *AuditRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	query := `
		SELECT id, order_id, test_id, action, actor, detail, created_at
		FROM audit_log
		WHERE order_id = $1
		ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"order_id": orderID,
			"error":    err,
		}).Error("Failed to list audit entries")
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			e      domain.AuditEntry
			id     uuid.UUID
			action string
		)
		if err := rows.Scan(&id, &e.OrderID, &e.TestID, &action, &e.Actor, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.ID = id.String()
		e.Action = domain.AuditAction(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return entries, nil
}

func prepareEntry(entry *domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
}
