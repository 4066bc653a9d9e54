package retransmit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmallGapSingleBatch(t *testing.T) {
	e := New(2500)
	e.RequestGap(1, 1, 2)

	b, ok := e.Next()
	require.True(t, ok)
	assert.Equal(t, Batch{UUID: 1, FromSeqNo: 1, Count: 2}, b)
	assert.True(t, e.InFlight())

	_, ok = e.Next()
	assert.False(t, ok, "second Next before the first resolves must not start another batch")
}

func TestLargeGapSplitsIntoBoundedBatches(t *testing.T) {
	e := New(2500)
	e.RequestGap(1, 1, 4999)

	first, ok := e.Next()
	require.True(t, ok)
	assert.Equal(t, Batch{UUID: 1, FromSeqNo: 1, Count: 2500}, first)

	e.OnAccepted()
	fill, ok := e.FillSeqNo()
	require.True(t, ok)
	assert.Equal(t, uint64(2501), fill)

	assert.False(t, e.ObserveFillProgress(2500))
	assert.True(t, e.ObserveFillProgress(2501))
	assert.False(t, e.InFlight())

	second, ok := e.Next()
	require.True(t, ok)
	assert.Equal(t, Batch{UUID: 1, FromSeqNo: 2501, Count: 2499}, second)

	e.OnAccepted()
	assert.True(t, e.ObserveFillProgress(5000))
	assert.False(t, e.Pending())
}

func TestRejectSkipsBatchWithoutStalling(t *testing.T) {
	e := New(2500)
	e.RequestGap(1, 1, 4999)

	_, ok := e.Next()
	require.True(t, ok)
	e.OnReject()
	assert.False(t, e.InFlight())

	next, ok := e.Next()
	require.True(t, ok)
	assert.Equal(t, Batch{UUID: 1, FromSeqNo: 2501, Count: 2499}, next)

	e.OnReject()
	assert.False(t, e.Pending(), "fill watermark must reach NOT_AWAITING_RETRANSMIT even through rejects")
}

func TestEmptyGapIsNoop(t *testing.T) {
	e := New(2500)
	e.RequestGap(1, 5, 4)
	_, ok := e.Next()
	assert.False(t, ok)
}
