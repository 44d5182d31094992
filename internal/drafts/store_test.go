package drafts

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-validation-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func floatPtr(f float64) *float64 {
	return &f
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		records := []domain.DraftRecord{
			{OrderID: "O1", TestID: "T1", ParameterID: "P1", Value: "5.2", Flag: domain.FlagNormal},
		}
		require.NoError(t, store.SaveDrafts(ctx, records))
		assert.Equal(t, int64(1), records[0].Revision)
		assert.False(t, records[0].UpdatedAt.IsZero())

		loaded, err := store.LoadDrafts(ctx, "O1", "T1")
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, "5.2", loaded[0].Value)
		assert.Equal(t, domain.FlagNormal, loaded[0].Flag)
		assert.Equal(t, domain.DraftStatus, loaded[0].Status)
		assert.Nil(t, loaded[0].Delta)
	})

	t.Run("last save wins", func(t *testing.T) {
		require.NoError(t, store.SaveDrafts(ctx, []domain.DraftRecord{
			{OrderID: "O2", TestID: "T1", ParameterID: "P1", Value: "100"},
		}))
		require.NoError(t, store.SaveDrafts(ctx, []domain.DraftRecord{
			{OrderID: "O2", TestID: "T1", ParameterID: "P1", Value: "106", Flag: domain.FlagHigh,
				Delta: floatPtr(6), DeltaDirection: domain.DeltaUp},
		}))

		loaded, err := store.LoadDrafts(ctx, "O2", "T1")
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, "106", loaded[0].Value)
		assert.Equal(t, int64(2), loaded[0].Revision)
		require.NotNil(t, loaded[0].Delta)
		assert.InDelta(t, 6.0, *loaded[0].Delta, 1e-9)
		assert.Equal(t, domain.DeltaUp, loaded[0].DeltaDirection)
	})

	t.Run("stale revision rejects the whole batch", func(t *testing.T) {
		require.NoError(t, store.SaveDrafts(ctx, []domain.DraftRecord{
			{OrderID: "O3", TestID: "T1", ParameterID: "P1", Value: "1"},
			{OrderID: "O3", TestID: "T1", ParameterID: "P2", Value: "2"},
		}))

		err := store.SaveDrafts(ctx, []domain.DraftRecord{
			{OrderID: "O3", TestID: "T1", ParameterID: "P1", Value: "1.5", Revision: 1},
			{OrderID: "O3", TestID: "T1", ParameterID: "P2", Value: "2.5", Revision: 7},
		})
		require.ErrorIs(t, err, domain.ErrStaleRevision)

		loaded, err := store.LoadDrafts(ctx, "O3", "T1")
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, "1", loaded[0].Value)
		assert.Equal(t, "2", loaded[1].Value)

		require.NoError(t, store.SaveDrafts(ctx, []domain.DraftRecord{
			{OrderID: "O3", TestID: "T1", ParameterID: "P1", Value: "1.5", Revision: 1},
		}))
	})

	t.Run("not applicable is kept", func(t *testing.T) {
		require.NoError(t, store.SaveDrafts(ctx, []domain.DraftRecord{
			{OrderID: "O4", TestID: "T1", ParameterID: "P1", NotApplicable: true, Flag: domain.FlagUnknown},
		}))
		loaded, err := store.LoadDrafts(ctx, "O4", "T1")
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.True(t, loaded[0].NotApplicable)
	})

	t.Run("invalid batch", func(t *testing.T) {
		err := store.SaveDrafts(ctx, []domain.DraftRecord{{OrderID: "O5", TestID: "T1"}})
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)

		err = store.SaveDrafts(ctx, []domain.DraftRecord{
			{OrderID: "O5", TestID: "T1", ParameterID: "P1"},
			{OrderID: "O5", TestID: "T1", ParameterID: "P1"},
		})
		require.ErrorAs(t, err, &verr)
	})

	t.Run("purge order", func(t *testing.T) {
		require.NoError(t, store.SaveDrafts(ctx, []domain.DraftRecord{
			{OrderID: "O6", TestID: "T1", ParameterID: "P1", Value: "1"},
			{OrderID: "O6", TestID: "T2", ParameterID: "P1", Value: "2"},
		}))
		require.NoError(t, store.PurgeOrder(ctx, "O6"))

		for _, testID := range []string{"T1", "T2"} {
			loaded, err := store.LoadDrafts(ctx, "O6", testID)
			require.NoError(t, err)
			assert.Empty(t, loaded)
		}
	})

	t.Run("unknown test loads empty", func(t *testing.T) {
		loaded, err := store.LoadDrafts(ctx, "nope", "nope")
		require.NoError(t, err)
		assert.NotNil(t, loaded)
		assert.Empty(t, loaded)
	})
}
