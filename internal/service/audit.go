package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
)

// SystemActor is recorded when an action has no human author.
const SystemActor = "system"

var (
	// ErrWorksheetNotOpen is returned when a worksheet operation runs before Open.
	ErrWorksheetNotOpen = errors.New("worksheet is not open")
	// ErrOrderBusy is returned when another lifecycle action on the order is in flight.
	ErrOrderBusy = errors.New("order has an action in progress")
)

// auditor appends entries and only logs when the log rejects them: a failing
// audit backend must not block result entry.
type auditor struct {
	log    domain.AuditLog
	logger *logrus.Logger
}

func (a auditor) record(ctx context.Context, orderID, testID string, action domain.AuditAction, actor, detail string) {
	if a.log == nil {
		return
	}
	if actor == "" {
		actor = SystemActor
	}
	entry := &domain.AuditEntry{
		OrderID:   orderID,
		TestID:    testID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := a.log.Append(ctx, entry); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"order_id": orderID,
			"test_id":  testID,
			"action":   action,
		}).Error("Failed to append audit entry")
	}
}
