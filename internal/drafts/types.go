// Package drafts provides local persistence backends for in-progress result
// drafts. Every backend keeps at most one record per (order, test, parameter)
// and enforces optimistic revisions.
package drafts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lab-validation-server/internal/domain"
)

// Store is a draft repository with local lifecycle hooks.
type Store interface {
	domain.DraftRepository

	// PurgeOrder removes every draft of an order once it leaves the editable
	// part of the workflow.
	PurgeOrder(ctx context.Context, orderID string) error

	// Close closes the store and releases resources.
	Close() error
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDraft(s scanner) (domain.DraftRecord, error) {
	var (
		r         domain.DraftRecord
		flag      string
		direction string
		delta     sql.NullFloat64
	)
	err := s.Scan(
		&r.OrderID, &r.TestID, &r.ParameterID, &r.Value, &r.NotApplicable,
		&flag, &delta, &direction, &r.Status, &r.Revision, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	r.Flag = domain.Flag(flag)
	r.DeltaDirection = domain.DeltaDirection(direction)
	if delta.Valid {
		v := delta.Float64
		r.Delta = &v
	}
	return r, nil
}

func nullableDelta(d *float64) sql.NullFloat64 {
	if d == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *d, Valid: true}
}

// validateBatch rejects records that cannot be keyed and duplicate keys
// within one batch.
func validateBatch(records []domain.DraftRecord) error {
	seen := make(map[domain.DraftKey]struct{}, len(records))
	for i, r := range records {
		if r.OrderID == "" || r.TestID == "" || r.ParameterID == "" {
			return domain.NewValidationError(fmt.Sprintf("records[%d]", i), "order, test and parameter ids are required", r.Key())
		}
		if _, dup := seen[r.Key()]; dup {
			return domain.NewValidationError(fmt.Sprintf("records[%d]", i), "duplicate draft key in batch", r.Key())
		}
		seen[r.Key()] = struct{}{}
	}
	return nil
}

func normalizeStatus(r *domain.DraftRecord) {
	if r.Status == "" {
		r.Status = domain.DraftStatus
	}
}

func staleError(r domain.DraftRecord) error {
	return fmt.Errorf("draft %s/%s/%s at revision %d: %w",
		r.OrderID, r.TestID, r.ParameterID, r.Revision, domain.ErrStaleRevision)
}

func sortByParameter(records []domain.DraftRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ParameterID < records[j].ParameterID
	})
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func now() time.Time {
	return time.Now().UTC()
}
