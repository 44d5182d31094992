package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/monitoring"
)

const defaultArchiveSize = 1024

// DraftPurger removes the local drafts of a finished order.
type DraftPurger interface {
	PurgeOrder(ctx context.Context, orderID string) error
}

// ApprovalResult is returned by a successful approval.
type ApprovalResult struct {
	Order  *domain.Order   `json:"order"`
	Report *PipelineResult `json:"report"`
}

// LifecycleController owns the status of tracked orders and drives them from
// collection to validation or rejection.
type LifecycleController struct {
	api      domain.LabAPI
	drafts   *DraftStore
	pipeline *ValidationPipeline
	purger   DraftPurger
	audit    auditor
	metrics  *monitoring.Metrics
	logger   *logrus.Logger

	mu       sync.RWMutex
	orders   map[string]*domain.Order
	busy     map[string]string
	entering map[string]int
	archived *lru.Cache[string, *domain.Order]
}

// NewLifecycleController creates a controller. purger and metrics may be nil.
func NewLifecycleController(
	api domain.LabAPI,
	drafts *DraftStore,
	pipeline *ValidationPipeline,
	purger DraftPurger,
	auditLog domain.AuditLog,
	metrics *monitoring.Metrics,
	logger *logrus.Logger,
) *LifecycleController {
	archived, _ := lru.New[string, *domain.Order](defaultArchiveSize)
	return &LifecycleController{
		api:      api,
		drafts:   drafts,
		pipeline: pipeline,
		purger:   purger,
		audit:    auditor{log: auditLog, logger: logger},
		metrics:  metrics,
		logger:   logger,
		orders:   make(map[string]*domain.Order),
		busy:     make(map[string]string),
		entering: make(map[string]int),
		archived: archived,
	}
}

// Track registers an order or refreshes it from a remote listing. Orders in a
// terminal state go straight to the archive. An order with an action in
// flight keeps its local state.
func (c *LifecycleController) Track(order domain.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, inFlight := c.busy[order.ID]; inFlight {
		return
	}
	if order.Status.IsTerminal() {
		delete(c.orders, order.ID)
		c.archived.Add(order.ID, order.Clone())
		return
	}
	c.orders[order.ID] = order.Clone()
}

// Order returns a copy of a tracked or archived order.
func (c *LifecycleController) Order(orderID string) (*domain.Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if o, ok := c.orders[orderID]; ok {
		return o.Clone(), nil
	}
	if o, ok := c.archived.Get(orderID); ok {
		return o.Clone(), nil
	}
	return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotTracked)
}

// acquire marks an active order as busy with action and returns a copy of it.
func (c *LifecycleController) acquire(orderID, action string) (*domain.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[orderID]
	if !ok {
		if a, archived := c.archived.Get(orderID); archived {
			return nil, &domain.TransitionError{OrderID: orderID, From: a.Status, Action: action}
		}
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotTracked)
	}
	if current, inFlight := c.busy[orderID]; inFlight {
		return nil, fmt.Errorf("order %s (%s): %w", orderID, current, ErrOrderBusy)
	}
	if c.entering[orderID] > 0 {
		return nil, fmt.Errorf("order %s (result entry): %w", orderID, ErrOrderBusy)
	}
	c.busy[orderID] = action
	return o.Clone(), nil
}

// beginEntry reserves an order for one result entry. Entries run concurrently
// with each other but not with an action.
func (c *LifecycleController) beginEntry(orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[orderID]; !ok {
		if a, archived := c.archived.Get(orderID); archived {
			return &domain.TransitionError{OrderID: orderID, From: a.Status, Action: "enter result"}
		}
		return fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotTracked)
	}
	if current, inFlight := c.busy[orderID]; inFlight {
		return fmt.Errorf("order %s (%s): %w", orderID, current, ErrOrderBusy)
	}
	c.entering[orderID]++
	return nil
}

func (c *LifecycleController) endEntry(orderID string) {
	c.mu.Lock()
	if c.entering[orderID]--; c.entering[orderID] <= 0 {
		delete(c.entering, orderID)
	}
	c.mu.Unlock()
}

func (c *LifecycleController) release(orderID string) {
	c.mu.Lock()
	delete(c.busy, orderID)
	c.mu.Unlock()
}

// transition moves an order to a new status and records it.
func (c *LifecycleController) transition(ctx context.Context, orderID string, to domain.OrderStatus, actor, detail string) {
	c.mu.Lock()
	o, ok := c.orders[orderID]
	if !ok {
		c.mu.Unlock()
		return
	}
	from := o.Status
	o.Status = to
	c.mu.Unlock()

	c.metrics.RecordTransition(string(from), string(to))
	c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"from":     from,
		"to":       to,
		"actor":    actor,
	}).Info("Order status changed")

	msg := fmt.Sprintf("%s -> %s", from, to)
	if detail != "" {
		msg += ": " + detail
	}
	c.audit.record(ctx, orderID, "", domain.AuditStatusChange, actor, msg)
}

func (c *LifecycleController) setTestStatus(orderID, testID string, status domain.TestStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orders[orderID]; ok {
		if t, found := o.Test(testID); found {
			t.Status = status
		}
	}
}

// archive retires a finished order and discards its working state.
func (c *LifecycleController) archive(ctx context.Context, orderID string) {
	c.mu.Lock()
	if o, ok := c.orders[orderID]; ok {
		delete(c.orders, orderID)
		c.archived.Add(orderID, o)
	}
	c.mu.Unlock()

	c.drafts.DropOrder(orderID)
	if c.purger != nil {
		if err := c.purger.PurgeOrder(ctx, orderID); err != nil {
			c.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to purge drafts of archived order")
		}
	}
}

// BeginEntry moves a collected order into processing. It is a no-op for an
// order already in processing.
func (c *LifecycleController) BeginEntry(ctx context.Context, orderID, actor string) (*domain.Order, error) {
	o, err := c.acquire(orderID, "begin entry")
	if err != nil {
		return nil, err
	}
	defer c.release(orderID)

	switch o.Status {
	case domain.OrderProcessing:
		return o, nil
	case domain.OrderCollected:
		c.transition(ctx, orderID, domain.OrderProcessing, actor, "")
		return c.Order(orderID)
	default:
		return nil, &domain.TransitionError{OrderID: orderID, From: o.Status, Action: "begin entry"}
	}
}

// OpenWorksheet opens the worksheet of a test in an active order.
func (c *LifecycleController) OpenWorksheet(ctx context.Context, orderID, testID string) (*Worksheet, error) {
	o, err := c.Order(orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return nil, &domain.TransitionError{OrderID: orderID, From: o.Status, Action: "open worksheet"}
	}
	return c.drafts.Open(ctx, o, testID)
}

// EnterResult records a value. The first entry on a collected order moves it
// into processing; results may still be corrected while validation is pending.
// An entry is rejected with ErrOrderBusy while an action on the order is in
// flight.
func (c *LifecycleController) EnterResult(ctx context.Context, e Entry) (domain.ResultValue, error) {
	o, err := c.Order(e.OrderID)
	if err != nil {
		return domain.ResultValue{}, err
	}
	if o.Status.IsTerminal() {
		return domain.ResultValue{}, &domain.TransitionError{OrderID: o.ID, From: o.Status, Action: "enter result"}
	}
	test, ok := o.Test(e.TestID)
	if !ok {
		return domain.ResultValue{}, fmt.Errorf("test %s in order %s: %w", e.TestID, o.ID, domain.ErrNotFound)
	}
	if test.Status.IsTerminal() {
		return domain.ResultValue{}, domain.NewValidationError("test_id", fmt.Sprintf("test is %s", test.Status), e.TestID)
	}

	if o.Status == domain.OrderCollected {
		if _, err := c.BeginEntry(ctx, o.ID, e.Actor); err != nil && !errors.Is(err, ErrOrderBusy) {
			return domain.ResultValue{}, err
		}
	}

	if err := c.beginEntry(o.ID); err != nil {
		return domain.ResultValue{}, err
	}
	defer c.endEntry(o.ID)

	v, err := c.drafts.Edit(ctx, e)
	if err != nil {
		return domain.ResultValue{}, err
	}
	if test.Status == domain.TestProcessing {
		c.setTestStatus(o.ID, test.ID, domain.TestResultsEntered)
	}
	return v, nil
}

// SubmitForValidation saves the drafts of the order and submits each test
// that is not yet pending validation. Submissions are independent: when some
// fail, the successful ones stay submitted, the order stays in processing and
// a *domain.SubmissionError lists the failures. A later call retries only the
// tests that failed.
func (c *LifecycleController) SubmitForValidation(ctx context.Context, orderID, actor string) (*domain.Order, error) {
	o, err := c.acquire(orderID, "submit for validation")
	if err != nil {
		return nil, err
	}
	defer c.release(orderID)

	if o.Status != domain.OrderProcessing {
		return nil, &domain.TransitionError{OrderID: orderID, From: o.Status, Action: "submit for validation"}
	}
	if err := c.drafts.SaveOrder(ctx, orderID); err != nil {
		return nil, err
	}

	subErr := &domain.SubmissionError{OrderID: orderID, Failed: make(map[string]error)}
	for _, t := range o.Tests {
		if t.Status == domain.TestValidationPending || t.Status.IsTerminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			subErr.Failed[t.ID] = err
			continue
		}

		err := c.api.SubmitTest(ctx, orderID, t.ID)
		c.metrics.RecordSubmission(err == nil)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"order_id": orderID,
				"test_id":  t.ID,
			}).Warn("Test submission failed")
			subErr.Failed[t.ID] = err
			continue
		}
		c.setTestStatus(orderID, t.ID, domain.TestValidationPending)
		subErr.Submitted = append(subErr.Submitted, t.ID)
		c.audit.record(ctx, orderID, t.ID, domain.AuditSubmission, actor, "submitted for validation")
	}

	if len(subErr.Failed) > 0 {
		c.audit.record(ctx, orderID, "", domain.AuditSubmission, actor,
			fmt.Sprintf("submission incomplete, failed: %s", strings.Join(subErr.FailedTestIDs(), ", ")))
		return nil, subErr
	}

	c.transition(ctx, orderID, domain.OrderValidationPending, actor, "")
	return c.Order(orderID)
}

// ApproveAndGenerate validates an order pending validation and produces its
// report. The order is Validated only after the report upload succeeds.
func (c *LifecycleController) ApproveAndGenerate(ctx context.Context, orderID string, req ApprovalRequest) (*ApprovalResult, error) {
	req.Reviewer = strings.TrimSpace(req.Reviewer)
	if req.Reviewer == "" {
		return nil, domain.NewValidationError("reviewer", "reviewer is required", req.Reviewer)
	}

	o, err := c.acquire(orderID, "approve")
	if err != nil {
		return nil, err
	}
	defer c.release(orderID)

	if o.Status != domain.OrderValidationPending {
		return nil, &domain.TransitionError{OrderID: orderID, From: o.Status, Action: "approve"}
	}

	missing, err := c.drafts.Missing(ctx, o)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &domain.IncompleteResultsError{OrderID: orderID, Missing: missing}
	}

	result, err := c.pipeline.Run(ctx, o, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if tracked, ok := c.orders[orderID]; ok {
		for i := range tracked.Tests {
			tracked.Tests[i].Status = domain.TestValidated
		}
	}
	c.mu.Unlock()

	c.audit.record(ctx, orderID, "", domain.AuditApproval, req.Reviewer, req.Comments)
	c.audit.record(ctx, orderID, "", domain.AuditReportUploaded, req.Reviewer,
		fmt.Sprintf("report %s uploaded to %s", result.ReportID, result.Receipt.Location))
	c.transition(ctx, orderID, domain.OrderValidated, req.Reviewer, "")

	validated, err := c.Order(orderID)
	if err != nil {
		return nil, err
	}
	c.archive(ctx, orderID)
	return &ApprovalResult{Order: validated, Report: result}, nil
}

// RequestRetest rejects an order pending validation. A retest covers the whole
// result set: testIDs may be empty or must name every test of the order. The
// order and its tests become Rejected and the order is archived.
func (c *LifecycleController) RequestRetest(ctx context.Context, orderID string, testIDs []string, reason, actor string) (*domain.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.NewValidationError("reason", "a retest reason is required", reason)
	}

	o, err := c.acquire(orderID, "request retest")
	if err != nil {
		return nil, err
	}
	defer c.release(orderID)

	if o.Status != domain.OrderValidationPending {
		return nil, &domain.TransitionError{OrderID: orderID, From: o.Status, Action: "request retest"}
	}
	named := make(map[string]bool, len(testIDs))
	for _, id := range testIDs {
		if _, ok := o.Test(id); !ok {
			return nil, domain.NewValidationError("test_ids", "test is not part of the order", id)
		}
		named[id] = true
	}
	if len(testIDs) > 0 {
		var omitted []string
		for _, id := range o.TestIDs() {
			if !named[id] {
				omitted = append(omitted, id)
			}
		}
		if len(omitted) > 0 {
			return nil, domain.NewValidationError("test_ids", "a retest must cover every test of the order", strings.Join(omitted, ","))
		}
	}
	testIDs = o.TestIDs()

	if err := c.api.RequestRetest(ctx, orderID, testIDs, reason); err != nil {
		return nil, fmt.Errorf("failed to request retest of order %s: %w", orderID, err)
	}

	for _, id := range testIDs {
		c.setTestStatus(orderID, id, domain.TestRejected)
		c.audit.record(ctx, orderID, id, domain.AuditRetestRequested, actor, reason)
	}
	c.transition(ctx, orderID, domain.OrderRejected, actor, reason)

	rejected, err := c.Order(orderID)
	if err != nil {
		return nil, err
	}
	c.archive(ctx, orderID)
	return rejected, nil
}

// Orders returns copies of the active orders.
func (c *LifecycleController) Orders() []domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	orders := make([]domain.Order, 0, len(c.orders))
	for _, o := range c.orders {
		orders = append(orders, *o.Clone())
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}
