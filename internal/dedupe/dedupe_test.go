package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ClaimOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Claim(ctx, "battle:1")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	ok, err := m.Claim(ctx, "battle:2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScoped_SeparatesMatches(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, b := Scoped(m, "m1"), Scoped(m, "m2")

	ok, _ := a.Claim(ctx, "state:1")
	assert.True(t, ok)
	ok, _ = b.Claim(ctx, "state:1")
	assert.True(t, ok)
	ok, _ = a.Claim(ctx, "state:1")
	assert.False(t, ok)
}

func TestRedis_Claim(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()
	c := Scoped(NewRedis(rdb, "claims:", time.Minute), "m1")

	ok, err := c.Claim(ctx, "round_end:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "round_end:1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	assert.True(t, mr.Exists("claims:m1:round_end:1"))
	assert.Equal(t, time.Minute, mr.TTL("claims:m1:round_end:1"))

	mr.FastForward(time.Minute)
	ok, err = c.Claim(ctx, "round_end:1")
	require.NoError(t, err)
	assert.True(t, ok, "expired claim is free again")
}

func TestRedis_ClaimFailsWhenServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	_, err := NewRedis(rdb, "claims:", 0).Claim(context.Background(), "state:1")
	assert.ErrorContains(t, err, "claim state:1")
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rdb, err := DialRedis(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	ok, err := NewRedis(rdb, "", time.Hour).Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = DialRedis(ctx, "not a url")
	assert.Error(t, err)
}
