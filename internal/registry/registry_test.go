package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixgateway/internal/compositekey"
)

type fakeSession struct{}

func (fakeSession) Poll(int64) (int, error) { return 0, nil }

func nextID(counter *uint64) func() (uint64, error) {
	return func() (uint64, error) {
		*counter++
		return *counter, nil
	}
}

func TestLookupOrCreateReturnsSameIDOnSecondCall(t *testing.T) {
	r := New()
	var counter uint64
	key := compositekey.New("A", "", "", "B")

	id1, created1, err := r.LookupOrCreate(key, "host1", nextID(&counter), func(uint64) (Pollable, error) { return fakeSession{}, nil })
	require.NoError(t, err)
	assert.True(t, created1)

	id2, created2, err := r.LookupOrCreate(key, "host1", nextID(&counter), func(uint64) (Pollable, error) { return fakeSession{}, nil })
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, id1, id2)
}

func TestDifferentHostProfilesGetDistinctSessions(t *testing.T) {
	r := New()
	var counter uint64
	key := compositekey.New("A", "", "", "B")

	id1, _, err := r.LookupOrCreate(key, "host1", nextID(&counter), func(uint64) (Pollable, error) { return fakeSession{}, nil })
	require.NoError(t, err)
	id2, _, err := r.LookupOrCreate(key, "host2", nextID(&counter), func(uint64) (Pollable, error) { return fakeSession{}, nil })
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestBindRejectsDuplicateConnection(t *testing.T) {
	r := New()
	var counter uint64
	key := compositekey.New("A", "", "", "B")
	id, _, err := r.LookupOrCreate(key, "host1", nextID(&counter), func(uint64) (Pollable, error) { return fakeSession{}, nil })
	require.NoError(t, err)

	require.NoError(t, r.Bind(id, 100))
	err = r.Bind(id, 200)
	assert.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestRouteFailsForUnknownConnection(t *testing.T) {
	r := New()
	_, err := r.Route(999)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRouteReturnsBoundSession(t *testing.T) {
	r := New()
	var counter uint64
	key := compositekey.New("A", "", "", "B")
	id, _, err := r.LookupOrCreate(key, "host1", nextID(&counter), func(uint64) (Pollable, error) { return fakeSession{}, nil })
	require.NoError(t, err)
	require.NoError(t, r.Bind(id, 100))

	sess, err := r.Route(100)
	require.NoError(t, err)
	assert.NotNil(t, sess)
}

func TestMarkTerminalAllowsRebind(t *testing.T) {
	r := New()
	var counter uint64
	key := compositekey.New("A", "", "", "B")
	id, _, err := r.LookupOrCreate(key, "host1", nextID(&counter), func(uint64) (Pollable, error) { return fakeSession{}, nil })
	require.NoError(t, err)
	require.NoError(t, r.Bind(id, 100))

	r.MarkTerminal(id)

	newID, created, err := r.LookupOrCreate(key, "host1", nextID(&counter), func(uint64) (Pollable, error) { return fakeSession{}, nil })
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id, newID)
}
