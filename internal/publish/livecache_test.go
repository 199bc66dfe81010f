package publish

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLiveCache(t *testing.T) (*LiveCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLiveCache(rdb), mr
}

func TestLiveCacheRoundTrip(t *testing.T) {
	cache, _ := testLiveCache(t)
	ctx := context.Background()
	camID := uuid.New()

	snap := LiveSnapshot{
		CameraID:      camID,
		PublicationID: uuid.New(),
		PathName:      "cam-front",
		Status:        StatusPublishing,
		FPS:           25,
		BitrateKbps:   2048.5,
		Frames:        12500,
		QualityScore:  97,
		ViewerCount:   3,
		UpdatedAt:     time.Now().Truncate(time.Millisecond),
	}
	require.NoError(t, cache.Set(ctx, snap))

	got, err := cache.Get(ctx, camID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.PathName, got.PathName)
	assert.Equal(t, snap.FPS, got.FPS)
	assert.Equal(t, snap.ViewerCount, got.ViewerCount)
}

func TestLiveCacheMissing(t *testing.T) {
	cache, _ := testLiveCache(t)

	got, err := cache.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLiveCacheDelete(t *testing.T) {
	cache, _ := testLiveCache(t)
	ctx := context.Background()
	camID := uuid.New()

	require.NoError(t, cache.Set(ctx, LiveSnapshot{CameraID: camID, Status: StatusPublishing}))
	require.NoError(t, cache.Delete(ctx, camID))

	got, err := cache.Get(ctx, camID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLiveCacheExpires(t *testing.T) {
	cache, mr := testLiveCache(t)
	ctx := context.Background()
	camID := uuid.New()

	require.NoError(t, cache.Set(ctx, LiveSnapshot{CameraID: camID, Status: StatusPublishing}))
	mr.FastForward(liveTTL + time.Second)

	got, err := cache.Get(ctx, camID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
