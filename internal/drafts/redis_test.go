package drafts

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-validation-server/internal/domain"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStoreWithClient(client, "test:drafts", testLogger())
}

func TestRedisStore_Contract(t *testing.T) {
	_, store := setupTestRedis(t)
	defer store.Close()
	runStoreContract(t, store)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveDrafts(ctx, []domain.DraftRecord{
		{OrderID: "O1", TestID: "T1", ParameterID: "P1", Value: "5.2"},
	}))

	assert.True(t, mr.Exists("test:drafts:O1:T1"))
	members, err := mr.Members("test:drafts:O1:tests")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, members)
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0", "", testLogger())
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, "lab:drafts", store.prefix)

	_, err = NewRedisStore(context.Background(), "not a url", "", testLogger())
	assert.Error(t, err)
}
