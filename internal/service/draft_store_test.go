package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lab-validation-server/internal/cache"
	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/drafts"
)

func TestDraftStore_OpenResolvesRangesBySex(t *testing.T) {
	f := newFixture(t)
	f.expectDefinitions()
	order := testOrder(domain.OrderProcessing, domain.TestProcessing)

	ws, err := f.drafts.Open(context.Background(), &order, "t-1")
	require.NoError(t, err)

	require.Len(t, ws.Rows, 2)
	hb := ws.Rows[0]
	assert.Equal(t, "hb", hb.Parameter.ID)
	assert.True(t, hb.Range.Known)
	assert.Equal(t, 12.0, hb.Range.Min, "female range chosen for lower-case sex")
	assert.Equal(t, 15.5, hb.Range.Max)
	assert.False(t, ws.Rows[1].Range.Known)
	assert.False(t, ws.Saved)
}

func TestDraftStore_OpenUsesOrderCache(t *testing.T) {
	f := newFixture(t)
	f.expectDefinitions()
	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()

	_, err := f.drafts.Open(ctx, &order, "t-1")
	require.NoError(t, err)
	f.drafts.Reset("o-1", "t-1")
	_, err = f.drafts.Open(ctx, &order, "t-1")
	require.NoError(t, err)

	f.api.AssertNumberOfCalls(t, "FetchTestDefinition", 1)
	f.repo.AssertNumberOfCalls(t, "LoadDrafts", 1)
}

func TestDraftStore_OpenUnknownTest(t *testing.T) {
	f := newFixture(t)
	order := testOrder(domain.OrderProcessing, domain.TestProcessing)

	_, err := f.drafts.Open(context.Background(), &order, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDraftStore_EditFlagsAndSessionDelta(t *testing.T) {
	f := newFixture(t)
	f.expectDefinitions()
	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()
	_, err := f.drafts.Open(ctx, &order, "t-2")
	require.NoError(t, err)

	entry := Entry{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", Actor: "tech"}

	entry.Value = "100"
	v, err := f.drafts.Edit(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, domain.FlagNormal, v.Flag)
	assert.Nil(t, v.Delta, "no previous value in session")

	entry.Value = "106"
	v, err = f.drafts.Edit(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, domain.FlagHigh, v.Flag)
	require.NotNil(t, v.Delta)
	assert.Equal(t, domain.DeltaUp, v.Delta.Direction)
	assert.InDelta(t, 6.0, v.Delta.PercentMagnitude, 1e-9)

	entry.Value = "abc"
	v, err = f.drafts.Edit(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, domain.FlagUnknown, v.Flag)
	assert.Nil(t, v.Delta)

	// The unparseable entry does not replace the baseline.
	entry.Value = "100"
	v, err = f.drafts.Edit(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, v.Delta)
	assert.Equal(t, domain.DeltaDown, v.Delta.Direction)
}

func TestDraftStore_EditCriticalIsAudited(t *testing.T) {
	f := newFixture(t)
	f.expectDefinitions()
	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()
	_, err := f.drafts.Open(ctx, &order, "t-1")
	require.NoError(t, err)

	v, err := f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-1", ParameterID: "hb", Value: "6.1", Actor: "tech"})
	require.NoError(t, err)
	assert.Equal(t, domain.FlagCritical, v.Flag)

	assert.Equal(t, []domain.AuditAction{domain.AuditResultEntry, domain.AuditCriticalAlert}, f.auditActions(t, "o-1"))
}

func TestDraftStore_EditErrors(t *testing.T) {
	f := newFixture(t)
	f.expectDefinitions()
	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()

	_, err := f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-1", ParameterID: "hb", Value: "1"})
	assert.ErrorIs(t, err, ErrWorksheetNotOpen)

	_, err = f.drafts.Open(ctx, &order, "t-1")
	require.NoError(t, err)
	_, err = f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-1", ParameterID: "missing", Value: "1"})
	var validationErr *domain.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestDraftStore_SaveSetsIndicatorAndRevisions(t *testing.T) {
	f := newFixture(t)
	f.expectDefinitions()
	var sentRevisions []int64
	f.repo.On("SaveDrafts", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		records := args.Get(1).([]domain.DraftRecord)
		sentRevisions = append(sentRevisions, records[0].Revision)
		for i := range records {
			records[i].Revision++
		}
	}).Return(nil)

	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()
	_, err := f.drafts.Open(ctx, &order, "t-1")
	require.NoError(t, err)

	_, err = f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-1", ParameterID: "hb", Value: "11.0"})
	require.NoError(t, err)
	_, err = f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-1", ParameterID: "note", NotApplicable: true})
	require.NoError(t, err)
	assert.False(t, f.drafts.Saved("o-1", "t-1"))

	require.NoError(t, f.drafts.Save(ctx, "o-1", "t-1"))
	assert.True(t, f.drafts.Saved("o-1", "t-1"))

	saved := f.repo.Calls[len(f.repo.Calls)-1].Arguments.Get(1).([]domain.DraftRecord)
	require.Len(t, saved, 2)
	assert.Equal(t, domain.FlagLow, saved[0].Flag)
	assert.Equal(t, domain.DraftStatus, saved[0].Status)
	assert.True(t, saved[1].NotApplicable)

	ws, err := f.drafts.Worksheet("o-1", "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.Rows[0].Revision)

	cached, ok := f.cache.Drafts("o-1", "t-1")
	require.True(t, ok)
	assert.Len(t, cached, 2)

	// A second save sends the revision it last saw.
	_, err = f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-1", ParameterID: "hb", Value: "12.5"})
	require.NoError(t, err)
	require.NoError(t, f.drafts.Save(ctx, "o-1", "t-1"))
	assert.Equal(t, []int64{0, 1}, sentRevisions)
}

func TestDraftStore_SaveFailureKeepsEdits(t *testing.T) {
	f := newFixture(t)
	f.expectDefinitions()
	f.repo.On("SaveDrafts", mock.Anything, mock.Anything).Return(domain.ErrStaleRevision)

	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()
	_, err := f.drafts.Open(ctx, &order, "t-2")
	require.NoError(t, err)
	_, err = f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", Value: "88"})
	require.NoError(t, err)

	err = f.drafts.Save(ctx, "o-1", "t-2")
	assert.ErrorIs(t, err, domain.ErrStaleRevision)
	assert.False(t, f.drafts.Saved("o-1", "t-2"))

	ws, err := f.drafts.Worksheet("o-1", "t-2")
	require.NoError(t, err)
	assert.Equal(t, "88", ws.Rows[0].Value.Value)

	cached, ok := f.cache.Drafts("o-1", "t-2")
	require.True(t, ok)
	assert.Empty(t, cached, "cache not updated by a failed save")
}

func TestDraftStore_LoadDraftsErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	f.repo.On("LoadDrafts", mock.Anything, "o-1", "t-1").Return(nil, errors.New("connection refused"))

	_, err := f.drafts.LoadDrafts(context.Background(), "o-1", "t-1")
	assert.ErrorContains(t, err, "connection refused")
	_, cached := f.cache.Drafts("o-1", "t-1")
	assert.False(t, cached)
}

func TestDraftStore_RoundTripThroughSQLite(t *testing.T) {
	store, err := drafts.NewSQLiteStore(filepath.Join(t.TempDir(), "drafts.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	api := new(MockLabAPI)
	api.On("FetchTestDefinition", mock.Anything, "def-cbc").Return(cbcDefinition(), nil)
	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()

	first := NewDraftStore(api, store, cache.NewOrderCache(4, time.Hour), nil, nil, testLogger())
	_, err = first.Open(ctx, &order, "t-1")
	require.NoError(t, err)
	_, err = first.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-1", ParameterID: "hb", Value: "5.2"})
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "o-1", "t-1"))

	// A fresh store with an empty cache reads the saved value back.
	second := NewDraftStore(api, store, cache.NewOrderCache(4, time.Hour), nil, nil, testLogger())
	ws, err := second.Open(ctx, &order, "t-1")
	require.NoError(t, err)

	assert.True(t, ws.Saved)
	hb := ws.Rows[0].Value
	assert.Equal(t, "5.2", hb.Value)
	assert.Equal(t, domain.FlagCritical, hb.Flag)
	assert.Equal(t, int64(1), ws.Rows[0].Revision)
}

func TestDraftStore_ResetDropsUnsavedValues(t *testing.T) {
	f := newFixture(t)
	f.api.On("FetchTestDefinition", mock.Anything, "def-glu").Return(glucoseDefinition(), nil)
	f.repo.On("LoadDrafts", mock.Anything, "o-1", "t-2").Return([]domain.DraftRecord{
		{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", Value: "90", Flag: domain.FlagNormal, Revision: 3},
	}, nil)

	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()
	_, err := f.drafts.Open(ctx, &order, "t-2")
	require.NoError(t, err)
	_, err = f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", Value: "150"})
	require.NoError(t, err)

	f.drafts.Reset("o-1", "t-2")
	assert.False(t, f.drafts.Saved("o-1", "t-2"))

	ws, err := f.drafts.Open(ctx, &order, "t-2")
	require.NoError(t, err)
	assert.Equal(t, "90", ws.Rows[0].Value.Value)
	assert.Equal(t, int64(3), ws.Rows[0].Revision)
	assert.True(t, ws.Saved)
	f.repo.AssertNumberOfCalls(t, "LoadDrafts", 2)
}

func TestDraftStore_StaleSaveRecoversAfterReset(t *testing.T) {
	store, err := drafts.NewSQLiteStore(filepath.Join(t.TempDir(), "drafts.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	api := new(MockLabAPI)
	api.On("FetchTestDefinition", mock.Anything, "def-glu").Return(glucoseDefinition(), nil)
	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	ctx := context.Background()
	orderCache := cache.NewOrderCache(4, time.Hour)
	ds := NewDraftStore(api, store, orderCache, nil, nil, testLogger())

	_, err = ds.Open(ctx, &order, "t-2")
	require.NoError(t, err)
	_, err = ds.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", Value: "90"})
	require.NoError(t, err)
	require.NoError(t, ds.Save(ctx, "o-1", "t-2"))

	// Another session saves over revision 1.
	require.NoError(t, store.SaveDrafts(ctx, []domain.DraftRecord{
		{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", Value: "91", Flag: domain.FlagNormal, Revision: 1},
	}))

	_, err = ds.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", Value: "92"})
	require.NoError(t, err)
	err = ds.Save(ctx, "o-1", "t-2")
	require.ErrorIs(t, err, domain.ErrStaleRevision)
	_, cached := orderCache.Drafts("o-1", "t-2")
	assert.False(t, cached)

	ds.Reset("o-1", "t-2")
	ws, err := ds.Open(ctx, &order, "t-2")
	require.NoError(t, err)
	assert.Equal(t, "91", ws.Rows[0].Value.Value)
	assert.Equal(t, int64(2), ws.Rows[0].Revision)

	_, err = ds.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", Value: "93"})
	require.NoError(t, err)
	require.NoError(t, ds.Save(ctx, "o-1", "t-2"))

	saved, err := store.LoadDrafts(ctx, "o-1", "t-2")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "93", saved[0].Value)
	assert.Equal(t, int64(3), saved[0].Revision)
}

func TestDraftStore_PrefetchFailuresOnlyLog(t *testing.T) {
	f := newFixture(t)
	f.api.On("FetchTestDefinition", mock.Anything, "def-cbc").Return(nil, errors.New("timeout"))
	f.api.On("FetchTestDefinition", mock.Anything, "def-glu").Return(glucoseDefinition(), nil)
	f.repo.On("LoadDrafts", mock.Anything, "o-1", "t-2").Return([]domain.DraftRecord{}, nil)

	order := testOrder(domain.OrderProcessing, domain.TestProcessing)
	f.drafts.Prefetch(context.Background(), &order)

	_, ok := f.cache.Definition("o-1", "t-1")
	assert.False(t, ok)
	_, ok = f.cache.Definition("o-1", "t-2")
	assert.True(t, ok)
	_, ok = f.cache.Drafts("o-1", "t-2")
	assert.True(t, ok)
}

func TestDraftStore_Missing(t *testing.T) {
	f := newFixture(t)
	f.expectDefinitions()
	order := testOrder(domain.OrderValidationPending, domain.TestValidationPending)
	ctx := context.Background()

	missing, err := f.drafts.Missing(ctx, &order)
	require.NoError(t, err)
	assert.Equal(t, []domain.MissingValue{
		{TestID: "t-1", ParameterID: "hb", Name: "Hemoglobin"},
		{TestID: "t-2", ParameterID: "glu", Name: "Glucose"},
	}, missing)

	_, err = f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-1", ParameterID: "hb", Value: "see note"})
	require.NoError(t, err)
	_, err = f.drafts.Edit(ctx, Entry{OrderID: "o-1", TestID: "t-2", ParameterID: "glu", NotApplicable: true})
	require.NoError(t, err)

	missing, err = f.drafts.Missing(ctx, &order)
	require.NoError(t, err)
	require.Len(t, missing, 1, "non-numeric value is still missing")
	assert.Equal(t, "hb", missing[0].ParameterID)
}
