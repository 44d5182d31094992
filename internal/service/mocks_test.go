package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/lab-validation-server/internal/cache"
	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/report"
	"github.com/lab-validation-server/internal/repository"
)

type MockLabAPI struct {
	mock.Mock
}

func (m *MockLabAPI) FetchQueue(ctx context.Context, kind domain.QueueKind) ([]domain.Order, error) {
	args := m.Called(ctx, kind)
	orders, _ := args.Get(0).([]domain.Order)
	return orders, args.Error(1)
}

func (m *MockLabAPI) FetchTestDefinition(ctx context.Context, definitionID string) (*domain.TestDefinition, error) {
	args := m.Called(ctx, definitionID)
	def, _ := args.Get(0).(*domain.TestDefinition)
	return def, args.Error(1)
}

func (m *MockLabAPI) SubmitTest(ctx context.Context, orderID, testID string) error {
	return m.Called(ctx, orderID, testID).Error(0)
}

func (m *MockLabAPI) Approve(ctx context.Context, orderID string, testIDs []string, comments string) error {
	return m.Called(ctx, orderID, testIDs, comments).Error(0)
}

func (m *MockLabAPI) RequestRetest(ctx context.Context, orderID string, testIDs []string, reason string) error {
	return m.Called(ctx, orderID, testIDs, reason).Error(0)
}

func (m *MockLabAPI) FetchReportDetail(ctx context.Context, orderID string) (*domain.ReportDetail, error) {
	args := m.Called(ctx, orderID)
	detail, _ := args.Get(0).(*domain.ReportDetail)
	return detail, args.Error(1)
}

type MockDraftRepository struct {
	mock.Mock
}

func (m *MockDraftRepository) SaveDrafts(ctx context.Context, records []domain.DraftRecord) error {
	return m.Called(ctx, records).Error(0)
}

func (m *MockDraftRepository) LoadDrafts(ctx context.Context, orderID, testID string) ([]domain.DraftRecord, error) {
	args := m.Called(ctx, orderID, testID)
	records, _ := args.Get(0).([]domain.DraftRecord)
	return records, args.Error(1)
}

type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) Upload(ctx context.Context, artifact *domain.ReportArtifact) (*domain.UploadReceipt, error) {
	args := m.Called(ctx, artifact)
	receipt, _ := args.Get(0).(*domain.UploadReceipt)
	return receipt, args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func floatPtr(v float64) *float64 { return &v }

// cbcDefinition has one sex-specific required parameter with critical values
// and one optional free-text parameter.
func cbcDefinition() *domain.TestDefinition {
	return &domain.TestDefinition{
		ID:   "def-cbc",
		Name: "Complete Blood Count",
		Parameters: []domain.Parameter{
			{
				ID:   "hb",
				Name: "Hemoglobin",
				Unit: "g/dL",
				Ranges: []domain.ReferenceRange{
					{Sex: "Male", Min: 13.5, Max: 17.5},
					{Sex: "Female", Min: 12, Max: 15.5},
				},
				Critical: &domain.CriticalValues{Low: floatPtr(7), High: floatPtr(20)},
			},
			{ID: "note", Name: "Smear comment", Optional: true},
		},
	}
}

func glucoseDefinition() *domain.TestDefinition {
	return &domain.TestDefinition{
		ID:   "def-glu",
		Name: "Glucose",
		Parameters: []domain.Parameter{
			{ID: "glu", Name: "Glucose", Unit: "mg/dL", Ranges: []domain.ReferenceRange{{Min: 70, Max: 100}}},
		},
	}
}

func testOrder(status domain.OrderStatus, testStatus domain.TestStatus) domain.Order {
	return domain.Order{
		ID:          "o-1",
		Patient:     domain.Patient{ID: "p-1", Name: "Jane Roe", Sex: "female"},
		TreatmentID: "tr-1",
		CreatedAt:   time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Status:      status,
		Tests: []domain.Test{
			{ID: "t-1", OrderID: "o-1", Name: "CBC", Status: testStatus, DefinitionID: "def-cbc"},
			{ID: "t-2", OrderID: "o-1", Name: "Glucose", Status: testStatus, DefinitionID: "def-glu"},
		},
	}
}

type fixture struct {
	api        *MockLabAPI
	repo       *MockDraftRepository
	store      *MockArtifactStore
	audit      *repository.MemoryAuditLog
	cache      *cache.OrderCache
	drafts     *DraftStore
	pipeline   *ValidationPipeline
	controller *LifecycleController
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		api:   new(MockLabAPI),
		repo:  new(MockDraftRepository),
		store: new(MockArtifactStore),
		audit: repository.NewMemoryAuditLog(),
		cache: cache.NewOrderCache(16, time.Hour),
	}
	logger := testLogger()
	f.drafts = NewDraftStore(f.api, f.repo, f.cache, f.audit, nil, logger)
	f.pipeline = NewValidationPipeline(f.api, f.drafts, f.store,
		report.NewBuilder(domain.ReportConfig{OrganizationName: "Central Lab", Disclaimer: "Computer generated."}), nil, logger)
	f.pipeline.newID = func() string { return "rep-1" }
	f.controller = NewLifecycleController(f.api, f.drafts, f.pipeline, nil, f.audit, nil, logger)
	return f
}

// expectDefinitions makes both test definitions and empty draft sets available.
func (f *fixture) expectDefinitions() {
	f.api.On("FetchTestDefinition", mock.Anything, "def-cbc").Return(cbcDefinition(), nil).Maybe()
	f.api.On("FetchTestDefinition", mock.Anything, "def-glu").Return(glucoseDefinition(), nil).Maybe()
	f.repo.On("LoadDrafts", mock.Anything, "o-1", mock.Anything).Return([]domain.DraftRecord{}, nil).Maybe()
}

func (f *fixture) auditActions(t *testing.T, orderID string) []domain.AuditAction {
	t.Helper()
	entries, _ := f.audit.ListByOrder(context.Background(), orderID)
	actions := make([]domain.AuditAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}
