package repository

import (
	"context"
	"sync"

	"github.com/lab-validation-server/internal/domain"
)

// MemoryAuditLog keeps the audit trail in process. It is the default backend
// when no database is configured.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries map[string][]domain.AuditEntry
}

// NewMemoryAuditLog creates an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{entries: make(map[string][]domain.AuditEntry)}
}

// Append records an entry.
func (m *MemoryAuditLog) Append(_ context.Context, entry *domain.AuditEntry) error {
	prepareEntry(entry)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.OrderID] = append(m.entries[entry.OrderID], *entry)
	return nil
}

// ListByOrder returns a copy of an order's trail in append order.
func (m *MemoryAuditLog) ListByOrder(_ context.Context, orderID string) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.AuditEntry{}, m.entries[orderID]...), nil
}
