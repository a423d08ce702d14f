package store

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore creates a RedisSessionStore backed by a miniredis server.
func newTestRedisStore(t *testing.T, opts ...Option) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSessionStoreWithClient(client, opts...), mr
}

func TestRedisSessionStore_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	got, err := s.Get(ctx, "5511900000002")
	require.NoError(t, err)
	assert.Nil(t, got)

	sess := models.NewSession("5511900000002", time.Now().UTC())
	require.NoError(t, s.Save(ctx, sess))
	assert.Equal(t, int64(1), sess.Version)
	assert.True(t, mr.Exists(DefaultKeyPrefix+"5511900000002"))

	got, err = s.Get(ctx, "5511900000002")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StepArea, got.Step)
	assert.Equal(t, int64(1), got.Version)

	require.NoError(t, s.Delete(ctx, "5511900000002", got.Version))
	got, err = s.Get(ctx, "5511900000002")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(DefaultKeyPrefix+"5511900000002"))
}

func TestRedisSessionStore_DeleteVersionConflict(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	require.NoError(t, s.Save(ctx, models.NewSession("1", time.Now())))

	stale, err := s.Get(ctx, "1")
	require.NoError(t, err)
	fresh, err := s.Get(ctx, "1")
	require.NoError(t, err)
	fresh.Step = models.StepHasLawyer
	require.NoError(t, s.Save(ctx, fresh))

	assert.ErrorIs(t, s.Delete(ctx, "1", stale.Version), ErrVersionConflict)
	assert.True(t, mr.Exists(DefaultKeyPrefix+"1"))

	require.NoError(t, s.Delete(ctx, "1", fresh.Version))
	assert.False(t, mr.Exists(DefaultKeyPrefix+"1"))
	require.NoError(t, s.Delete(ctx, "1", 0), "absent session at version zero")
}

func TestRedisSessionStore_TTLSlidesOnSave(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t, WithSessionTTL(time.Hour), WithKeyPrefix("test:"))

	sess := models.NewSession("1", time.Now())
	require.NoError(t, s.Save(ctx, sess))
	assert.Equal(t, time.Hour, mr.TTL("test:1"))

	mr.FastForward(40 * time.Minute)
	sess.Step = models.StepHasLawyer
	require.NoError(t, s.Save(ctx, sess))
	assert.Equal(t, time.Hour, mr.TTL("test:1"))

	mr.FastForward(61 * time.Minute)
	got, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisSessionStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)
	require.NoError(t, s.Save(ctx, models.NewSession("1", time.Now())))

	a, _ := s.Get(ctx, "1")
	b, _ := s.Get(ctx, "1")
	a.Step = models.StepHasLawyer
	require.NoError(t, s.Save(ctx, a))

	b.Step = models.StepLawyerSwitch
	assert.ErrorIs(t, s.Save(ctx, b), ErrVersionConflict)

	stored, _ := s.Get(ctx, "1")
	assert.Equal(t, models.StepHasLawyer, stored.Step)
}

func TestRedisSessionStore_Dedup(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	first, err := s.RecordInbound(ctx, "wamid.1", "1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.RecordInbound(ctx, "wamid.1", "1")
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(DefaultDedupWindow + time.Second)
	later, err := s.RecordInbound(ctx, "wamid.1", "1")
	require.NoError(t, err)
	assert.True(t, later)
}

func TestNewRedisSessionStore_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisSessionStore(ctx, WithRedis(addr, "", 0))
	assert.Error(t, err)
}
