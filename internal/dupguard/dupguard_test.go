package dupguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixgateway/internal/compositekey"
)

type fakeCache struct {
	held map[string]interface{}
}

func newFakeCache() *fakeCache { return &fakeCache{held: map[string]interface{}{}} }

func (f *fakeCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if _, ok := f.held[key]; ok {
		return false, nil
	}
	f.held[key] = value
	return true, nil
}

func (f *fakeCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.held, k)
	}
	return nil
}

func (f *fakeCache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return nil
}

func TestAcquireSucceedsOnce(t *testing.T) {
	c := newFakeCache()
	g := New(c, time.Minute, "node-a")
	key := compositekey.New("A", "", "", "B")

	ok, err := g.Acquire(context.Background(), key, "host1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSecondAcquireFailsUntilReleased(t *testing.T) {
	c := newFakeCache()
	gA := New(c, time.Minute, "node-a")
	gB := New(c, time.Minute, "node-b")
	key := compositekey.New("A", "", "", "B")

	ok, err := gA.Acquire(context.Background(), key, "host1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = gB.Acquire(context.Background(), key, "host1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, gA.Release(context.Background(), key, "host1"))

	ok, err = gB.Acquire(context.Background(), key, "host1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDifferentHostProfilesDoNotContend(t *testing.T) {
	c := newFakeCache()
	g := New(c, time.Minute, "node-a")
	key := compositekey.New("A", "", "", "B")

	ok1, err := g.Acquire(context.Background(), key, "host1")
	require.NoError(t, err)
	ok2, err := g.Acquire(context.Background(), key, "host2")
	require.NoError(t, err)

	assert.True(t, ok1)
	assert.True(t, ok2)
}
