package publicid_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/publicid"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRefusesSecondClaim(t *testing.T) {
	ctx := context.Background()
	m := publicid.NewMemory(100, time.Minute)

	require.NoError(t, m.Reserve(ctx, "gallery/a-1"))
	err := m.Reserve(ctx, "gallery/a-1")
	assert.True(t, errors.Is(err, publicid.ErrTaken))

	require.NoError(t, m.Release(ctx, "gallery/a-1"))
	assert.NoError(t, m.Reserve(ctx, "gallery/a-1"))
}

func TestMemoryExpires(t *testing.T) {
	ctx := context.Background()
	m := publicid.NewMemory(10, 20*time.Millisecond)

	require.NoError(t, m.Reserve(ctx, "x"))
	assert.Eventually(t, func() bool {
		return m.Reserve(ctx, "x") == nil
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	m := publicid.NewMemory(100, time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Reserve(ctx, "same") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisReserver(t *testing.T) {
	addr := os.Getenv("CAMPAIGNMEDIA_REDIS_ADDR")
	if addr == "" {
		t.Skip("CAMPAIGNMEDIA_REDIS_ADDR env not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	r := publicid.NewRedis(client, "test:publicid:", time.Minute)
	id := uuid.New().String()

	require.NoError(t, r.Reserve(ctx, id))
	assert.True(t, errors.Is(r.Reserve(ctx, id), publicid.ErrTaken))
	require.NoError(t, r.Release(ctx, id))
	require.NoError(t, r.Release(ctx, id))
}
