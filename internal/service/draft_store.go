package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/cache"
	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/monitoring"
	"github.com/lab-validation-server/internal/rules"
)

// Entry is one value typed into a worksheet.
type Entry struct {
	OrderID       string `json:"order_id"`
	TestID        string `json:"test_id"`
	ParameterID   string `json:"parameter_id"`
	Value         string `json:"value"`
	NotApplicable bool   `json:"not_applicable"`
	Actor         string `json:"actor"`
}

// Worksheet is a point-in-time view of the values of one test.
type Worksheet struct {
	OrderID  string         `json:"order_id"`
	TestID   string         `json:"test_id"`
	TestName string         `json:"test_name"`
	Saved    bool           `json:"saved"`
	Rows     []WorksheetRow `json:"rows"`
}

// WorksheetRow pairs a parameter with its resolved range and current value.
type WorksheetRow struct {
	Parameter domain.Parameter     `json:"parameter"`
	Range     domain.ResolvedRange `json:"range"`
	Value     domain.ResultValue   `json:"value"`
	Revision  int64                `json:"revision"`
}

type sheetKey struct {
	orderID string
	testID  string
}

// sheet is the mutable editing state of one test.
type sheet struct {
	orderID    string
	testID     string
	testName   string
	definition *domain.TestDefinition
	ranges     map[string]domain.ResolvedRange
	values     map[string]domain.ResultValue
	revisions  map[string]int64
	// previous holds the last numeric value of each parameter seen in this
	// session; it is the baseline of the delta check.
	previous   map[string]float64
	saved      bool
	generation uint64
}

func (s *sheet) snapshot() *Worksheet {
	ws := &Worksheet{
		OrderID:  s.orderID,
		TestID:   s.testID,
		TestName: s.testName,
		Saved:    s.saved,
		Rows:     make([]WorksheetRow, 0, len(s.definition.Parameters)),
	}
	for _, p := range s.definition.Parameters {
		v, ok := s.values[p.ID]
		if !ok {
			v = domain.ResultValue{ParameterID: p.ID}
		}
		if !v.NotApplicable && v.Value != "" {
			v.Flag = rules.EvaluateText(v.Value, s.ranges[p.ID])
		}
		ws.Rows = append(ws.Rows, WorksheetRow{Parameter: p, Range: s.ranges[p.ID], Value: v, Revision: s.revisions[p.ID]})
	}
	return ws
}

// DraftStore owns the working values of every open worksheet, persists them as
// drafts through a DraftRepository and keeps the order cache current.
type DraftStore struct {
	api     domain.LabAPI
	repo    domain.DraftRepository
	cache   *cache.OrderCache
	audit   auditor
	metrics *monitoring.Metrics
	logger  *logrus.Logger

	mu     sync.Mutex
	sheets map[sheetKey]*sheet
}

// NewDraftStore creates a draft store. metrics may be nil.
func NewDraftStore(
	api domain.LabAPI,
	repo domain.DraftRepository,
	orderCache *cache.OrderCache,
	auditLog domain.AuditLog,
	metrics *monitoring.Metrics,
	logger *logrus.Logger,
) *DraftStore {
	return &DraftStore{
		api:     api,
		repo:    repo,
		cache:   orderCache,
		audit:   auditor{log: auditLog, logger: logger},
		metrics: metrics,
		logger:  logger,
		sheets:  make(map[sheetKey]*sheet),
	}
}

// Open loads the definition and saved drafts of a test and seeds its
// worksheet. Reopening an open worksheet keeps its unsaved values.
func (d *DraftStore) Open(ctx context.Context, order *domain.Order, testID string) (*Worksheet, error) {
	key := sheetKey{order.ID, testID}

	d.mu.Lock()
	if s, ok := d.sheets[key]; ok {
		ws := s.snapshot()
		d.mu.Unlock()
		return ws, nil
	}
	d.mu.Unlock()

	test, ok := order.Test(testID)
	if !ok {
		return nil, fmt.Errorf("test %s in order %s: %w", testID, order.ID, domain.ErrNotFound)
	}

	def, err := d.definition(ctx, order.ID, test)
	if err != nil {
		return nil, err
	}
	drafts, err := d.LoadDrafts(ctx, order.ID, testID)
	if err != nil {
		return nil, err
	}

	s := newSheet(order, test, def, drafts)

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another caller may have opened the sheet while we were loading.
	if existing, ok := d.sheets[key]; ok {
		return existing.snapshot(), nil
	}
	d.sheets[key] = s

	d.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"test_id":  testID,
		"drafts":   len(drafts),
	}).Debug("Worksheet opened")
	return s.snapshot(), nil
}

func newSheet(order *domain.Order, test *domain.Test, def *domain.TestDefinition, drafts []domain.DraftRecord) *sheet {
	s := &sheet{
		orderID:    order.ID,
		testID:     test.ID,
		testName:   test.Name,
		definition: def,
		ranges:     make(map[string]domain.ResolvedRange, len(def.Parameters)),
		values:     make(map[string]domain.ResultValue, len(def.Parameters)),
		revisions:  make(map[string]int64, len(drafts)),
		previous:   make(map[string]float64),
		saved:      len(drafts) > 0,
	}
	for i := range def.Parameters {
		p := &def.Parameters[i]
		s.ranges[p.ID] = rules.ResolveRange(p, order.Patient.Sex)
	}

	for _, r := range drafts {
		if _, known := s.ranges[r.ParameterID]; !known {
			continue
		}
		v := domain.ResultValue{ParameterID: r.ParameterID, Value: r.Value, NotApplicable: r.NotApplicable}
		if r.Delta != nil && r.DeltaDirection != "" {
			v.Delta = &domain.Delta{PercentMagnitude: *r.Delta, Direction: r.DeltaDirection}
		}
		s.values[r.ParameterID] = v
		s.revisions[r.ParameterID] = r.Revision
		if n, ok := rules.ParseValue(r.Value); ok && !r.NotApplicable {
			s.previous[r.ParameterID] = n
		}
	}
	return s
}

func (d *DraftStore) definition(ctx context.Context, orderID string, test *domain.Test) (*domain.TestDefinition, error) {
	if def, ok := d.cache.Definition(orderID, test.ID); ok {
		return def, nil
	}
	def, err := d.api.FetchTestDefinition(ctx, test.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch definition %s of test %s: %w", test.DefinitionID, test.ID, err)
	}
	d.cache.PutDefinition(orderID, test.ID, def)
	return def, nil
}

// Edit records a value, recomputing its flag and its delta against the last
// value entered for the parameter in this session.
func (d *DraftStore) Edit(ctx context.Context, e Entry) (domain.ResultValue, error) {
	d.mu.Lock()
	s, ok := d.sheets[sheetKey{e.OrderID, e.TestID}]
	if !ok {
		d.mu.Unlock()
		return domain.ResultValue{}, fmt.Errorf("order %s test %s: %w", e.OrderID, e.TestID, ErrWorksheetNotOpen)
	}
	resolved, known := s.ranges[e.ParameterID]
	if !known {
		d.mu.Unlock()
		return domain.ResultValue{}, domain.NewValidationError("parameter_id", "parameter is not part of the test definition", e.ParameterID)
	}

	value := strings.TrimSpace(e.Value)
	v := domain.ResultValue{ParameterID: e.ParameterID, Value: value, NotApplicable: e.NotApplicable}
	if e.NotApplicable {
		v.Flag = domain.FlagNormal
	} else {
		v.Flag = rules.EvaluateText(value, resolved)
		var prev *float64
		if p, seen := s.previous[e.ParameterID]; seen {
			prev = &p
		}
		v.Delta = rules.AnalyzeDelta(prev, value)
		if n, parsed := rules.ParseValue(value); parsed {
			s.previous[e.ParameterID] = n
		}
	}

	s.values[e.ParameterID] = v
	s.saved = false
	s.generation++
	d.mu.Unlock()

	fields := logrus.Fields{
		"order_id":     e.OrderID,
		"test_id":      e.TestID,
		"parameter_id": e.ParameterID,
		"flag":         v.Flag,
	}
	d.logger.WithFields(fields).Debug("Result entered")

	d.audit.record(ctx, e.OrderID, e.TestID, domain.AuditResultEntry, e.Actor,
		fmt.Sprintf("%s=%q flag=%s", e.ParameterID, displayValue(v), v.Flag))
	if v.Flag == domain.FlagCritical {
		d.metrics.RecordCriticalResult()
		d.logger.WithFields(fields).Warn("Critical result entered")
		d.audit.record(ctx, e.OrderID, e.TestID, domain.AuditCriticalAlert, e.Actor,
			fmt.Sprintf("critical value %s for %s", value, e.ParameterID))
	}
	return v, nil
}

func displayValue(v domain.ResultValue) string {
	if v.NotApplicable {
		return "N/A"
	}
	return v.Value
}

// SaveDrafts persists a batch. Revisions assigned by the repository are written
// back into entries. On failure nothing in memory changes.
func (d *DraftStore) SaveDrafts(ctx context.Context, entries []domain.DraftRecord) error {
	return d.save(ctx, entries, nil)
}

func (d *DraftStore) save(ctx context.Context, entries []domain.DraftRecord, generations map[sheetKey]uint64) error {
	if len(entries) == 0 {
		return nil
	}

	start := time.Now()
	err := d.repo.SaveDrafts(ctx, entries)
	d.metrics.RecordDraftSave(err == nil, time.Since(start))
	if err != nil {
		d.logger.WithError(err).WithField("records", len(entries)).Warn("Failed to save drafts")
		if errors.Is(err, domain.ErrStaleRevision) {
			// The next load must see the other writer's revisions.
			for key := range sheetKeys(entries) {
				d.cache.InvalidateDrafts(key.orderID, key.testID)
			}
		}
		return fmt.Errorf("failed to save drafts: %w", err)
	}

	d.cache.MergeDrafts(entries)

	touched := make(map[sheetKey]int)
	d.mu.Lock()
	for _, r := range entries {
		key := sheetKey{r.OrderID, r.TestID}
		touched[key]++
		s, ok := d.sheets[key]
		if !ok {
			continue
		}
		s.revisions[r.ParameterID] = r.Revision
	}
	for key := range touched {
		s, ok := d.sheets[key]
		if !ok {
			continue
		}
		// An edit that landed while the save was in flight keeps the sheet dirty.
		if gen, tracked := generations[key]; tracked && gen != s.generation {
			continue
		}
		s.saved = true
	}
	d.mu.Unlock()

	for key, n := range touched {
		d.audit.record(ctx, key.orderID, key.testID, domain.AuditDraftsSaved, SystemActor,
			fmt.Sprintf("%d draft value(s) saved", n))
	}
	return nil
}

func sheetKeys(entries []domain.DraftRecord) map[sheetKey]struct{} {
	keys := make(map[sheetKey]struct{})
	for _, r := range entries {
		keys[sheetKey{r.OrderID, r.TestID}] = struct{}{}
	}
	return keys
}

// Save persists the current values of one worksheet.
func (d *DraftStore) Save(ctx context.Context, orderID, testID string) error {
	d.mu.Lock()
	s, ok := d.sheets[sheetKey{orderID, testID}]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("order %s test %s: %w", orderID, testID, ErrWorksheetNotOpen)
	}
	entries := s.records()
	generations := map[sheetKey]uint64{{orderID, testID}: s.generation}
	if len(entries) == 0 {
		s.saved = true
	}
	d.mu.Unlock()

	return d.save(ctx, entries, generations)
}

// SaveOrder persists every open worksheet of an order in one batch.
func (d *DraftStore) SaveOrder(ctx context.Context, orderID string) error {
	var entries []domain.DraftRecord
	generations := make(map[sheetKey]uint64)

	d.mu.Lock()
	for key, s := range d.sheets {
		if key.orderID != orderID {
			continue
		}
		entries = append(entries, s.records()...)
		generations[key] = s.generation
	}
	d.mu.Unlock()

	return d.save(ctx, entries, generations)
}

// records builds draft records from the values entered so far, with the flag
// recomputed from the current value and range. Callers hold d.mu.
func (s *sheet) records() []domain.DraftRecord {
	records := make([]domain.DraftRecord, 0, len(s.values))
	for _, p := range s.definition.Parameters {
		v, ok := s.values[p.ID]
		if !ok || (v.Value == "" && !v.NotApplicable) {
			continue
		}
		r := domain.DraftRecord{
			OrderID:       s.orderID,
			TestID:        s.testID,
			ParameterID:   p.ID,
			Value:         v.Value,
			NotApplicable: v.NotApplicable,
			Flag:          domain.FlagNormal,
			Status:        domain.DraftStatus,
			Revision:      s.revisions[p.ID],
		}
		if !v.NotApplicable {
			r.Flag = rules.EvaluateText(v.Value, s.ranges[p.ID])
		}
		if v.Delta != nil {
			magnitude := v.Delta.PercentMagnitude
			r.Delta = &magnitude
			r.DeltaDirection = v.Delta.Direction
		}
		records = append(records, r)
	}
	return records
}

// LoadDrafts returns the saved drafts of a test, from the order cache when present.
func (d *DraftStore) LoadDrafts(ctx context.Context, orderID, testID string) ([]domain.DraftRecord, error) {
	if drafts, ok := d.cache.Drafts(orderID, testID); ok {
		return drafts, nil
	}
	drafts, err := d.repo.LoadDrafts(ctx, orderID, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load drafts of test %s: %w", testID, err)
	}
	d.cache.PutDrafts(orderID, testID, drafts)
	return drafts, nil
}

// Reset discards the unsaved values of a worksheet. Saved drafts are kept and
// are read again from the repository on the next Open.
func (d *DraftStore) Reset(orderID, testID string) {
	d.mu.Lock()
	delete(d.sheets, sheetKey{orderID, testID})
	d.mu.Unlock()
	d.cache.InvalidateDrafts(orderID, testID)
}

// Saved reports whether the worksheet has no edits since its last successful save.
func (d *DraftStore) Saved(orderID, testID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sheets[sheetKey{orderID, testID}]
	return ok && s.saved
}

// Worksheet returns the current view of an open worksheet.
func (d *DraftStore) Worksheet(orderID, testID string) (*Worksheet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sheets[sheetKey{orderID, testID}]
	if !ok {
		return nil, fmt.Errorf("order %s test %s: %w", orderID, testID, ErrWorksheetNotOpen)
	}
	return s.snapshot(), nil
}

// Prefetch warms the order cache with the definitions and drafts of every
// editable test. Failures are only logged.
func (d *DraftStore) Prefetch(ctx context.Context, order *domain.Order) {
	for i := range order.Tests {
		test := &order.Tests[i]
		if test.Status.IsTerminal() {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		fields := logrus.Fields{"order_id": order.ID, "test_id": test.ID}
		if _, err := d.definition(ctx, order.ID, test); err != nil {
			d.logger.WithError(err).WithFields(fields).Debug("Definition prefetch failed")
			continue
		}
		if _, err := d.LoadDrafts(ctx, order.ID, test.ID); err != nil {
			d.logger.WithError(err).WithFields(fields).Debug("Draft prefetch failed")
		}
	}
}

// Missing lists the required parameters of the order that have neither a
// numeric value nor a not-applicable mark. Tests without an open worksheet are
// opened from their saved drafts.
func (d *DraftStore) Missing(ctx context.Context, order *domain.Order) ([]domain.MissingValue, error) {
	var missing []domain.MissingValue
	for _, test := range order.Tests {
		if _, err := d.Open(ctx, order, test.ID); err != nil {
			return nil, err
		}

		d.mu.Lock()
		s, ok := d.sheets[sheetKey{order.ID, test.ID}]
		if !ok {
			d.mu.Unlock()
			return nil, fmt.Errorf("order %s test %s: %w", order.ID, test.ID, ErrWorksheetNotOpen)
		}
		for _, p := range s.definition.Parameters {
			if p.Optional {
				continue
			}
			v := s.values[p.ID]
			if v.NotApplicable {
				continue
			}
			if _, ok := rules.ParseValue(v.Value); ok {
				continue
			}
			missing = append(missing, domain.MissingValue{TestID: test.ID, ParameterID: p.ID, Name: p.Name})
		}
		d.mu.Unlock()
	}
	sort.SliceStable(missing, func(i, j int) bool { return missing[i].TestID < missing[j].TestID })
	return missing, nil
}

// DropOrder forgets every worksheet and cached entry of an order.
func (d *DraftStore) DropOrder(orderID string) {
	d.mu.Lock()
	for key := range d.sheets {
		if key.orderID == orderID {
			delete(d.sheets, key)
		}
	}
	d.mu.Unlock()
	d.cache.Invalidate(orderID)
}
