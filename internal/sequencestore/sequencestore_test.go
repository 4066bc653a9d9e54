package sequencestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixgateway/internal/compositekey"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	key := compositekey.New("SENDER", "SUB", "", "TARGET")
	state := SequenceState{
		NextSentSeqNo: 42,
		NextRecvSeqNo: 7,
		SequenceIndex: 2,
		UUID:          0xDEADBEEF,
		LastUUID:      0xCAFEBABE,
	}

	require.NoError(t, store.Save(key, state))

	loaded, err := store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	key := compositekey.New("SENDER", "", "", "TARGET")
	_, err = store.Load(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetDeletesState(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	key := compositekey.New("SENDER", "", "", "TARGET")
	require.NoError(t, store.Save(key, SequenceState{NextSentSeqNo: 1, NextRecvSeqNo: 1}))
	require.NoError(t, store.Reset(key))

	_, err = store.Load(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDifferentKeysDoNotCollide(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	keyA := compositekey.New("SENDER_A", "", "", "TARGET")
	keyB := compositekey.New("SENDER_B", "", "", "TARGET")

	require.NoError(t, store.Save(keyA, SequenceState{NextSentSeqNo: 1, NextRecvSeqNo: 1}))
	require.NoError(t, store.Save(keyB, SequenceState{NextSentSeqNo: 99, NextRecvSeqNo: 99}))

	loadedA, err := store.Load(keyA)
	require.NoError(t, err)
	assert.EqualValues(t, 1, loadedA.NextSentSeqNo)

	loadedB, err := store.Load(keyB)
	require.NoError(t, err)
	assert.EqualValues(t, 99, loadedB.NextSentSeqNo)
}
