package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixgateway/internal/clock"
	"github.com/wyfcoding/fixgateway/internal/compositekey"
	"github.com/wyfcoding/fixgateway/internal/publication"
	"github.com/wyfcoding/fixgateway/internal/sequencestore"
	"github.com/wyfcoding/fixgateway/internal/wire/ilink3"
)

func newTestILink3Session(t *testing.T) (*ILink3Session, *clock.Mock, *publication.Reader, *stubHandler) {
	t.Helper()
	store, err := sequencestore.Open(t.TempDir())
	require.NoError(t, err)
	pub, err := publication.New(16)
	require.NoError(t, err)
	clk := clock.NewMock(1_000_000)
	handler := &stubHandler{}
	key := compositekey.New("INITIATOR", "", "", "CME")
	cfg := ILink3Config{
		AccessKeyID: "ak", FirmID: "firm1", HostProfile: "CME-ILINK3-PROD-A",
		KeepAliveIntervalMs: 500, NegotiateTimeoutMs: 1000,
		NextUUID: func() uint64 { return 42 },
	}
	sess, err := NewILink3Session(key, 1, cfg, clk, pub, 1, store, handler, nil)
	require.NoError(t, err)
	return sess, clk, publication.NewReader(pub), handler
}

func drain(r *publication.Reader) [][]byte {
	var out [][]byte
	for {
		_, data, ok := r.Poll()
		if !ok {
			return out
		}
		out = append(out, data)
	}
}

func TestILink3HappyPath(t *testing.T) {
	sess, _, reader, handler := newTestILink3Session(t)
	require.NoError(t, sess.Initiate())
	assert.Equal(t, ILink3SentNegotiate, sess.State())
	drain(reader)

	require.NoError(t, sess.HandleInbound(ilink3.Header{TemplateID: ilink3.TemplateNegotiateResponse},
		ilink3.NegotiateResponse{UUID: 42, RequestTimestamp: 1, PreviousUUID: 0}))
	assert.Equal(t, ILink3SentEstablish, sess.State())
	drain(reader)

	require.NoError(t, sess.HandleInbound(ilink3.Header{TemplateID: ilink3.TemplateEstablishmentAck},
		ilink3.EstablishmentAck{UUID: 42, NextSeqNo: 1, PreviousSeqNo: 0, PreviousUUID: 0, KeepAliveIntervalMs: 500}))

	assert.Equal(t, ILink3Established, sess.State())
	assert.Equal(t, uint64(42), sess.SequenceState().UUID)
	assert.Equal(t, 1, handler.readyCount)
}

func TestILink3InitiateArchivesOutboundFrame(t *testing.T) {
	sess, _, reader, handler := newTestILink3Session(t)
	require.NoError(t, sess.Initiate())

	require.Len(t, handler.sent, 1)
	_, data, ok := reader.Poll()
	require.True(t, ok)
	assert.Equal(t, data, handler.sent[0].data)
}

func TestILink3BusinessMessageDeliveredAndSequenced(t *testing.T) {
	sess, _, reader, handler := newTestILink3Session(t)
	require.NoError(t, sess.Initiate())
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.NegotiateResponse{UUID: 42}))
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.EstablishmentAck{UUID: 42, NextSeqNo: 1}))
	drain(reader)

	payload := []byte("new order single payload")
	require.NoError(t, sess.HandleInbound(ilink3.Header{TemplateID: 42},
		ilink3.BusinessMessage{SeqNo: 1, Payload: payload}))

	require.Len(t, handler.messages, 1)
	assert.Equal(t, uint64(1), handler.messages[0].seq)
	assert.Equal(t, payload, handler.messages[0].data)
	assert.Equal(t, uint64(2), sess.SequenceState().NextRecvSeqNo)
}

func TestILink3KeepaliveEmitsSequenceThenTerminatesOnSilence(t *testing.T) {
	sess, clk, reader, _ := newTestILink3Session(t)
	require.NoError(t, sess.Initiate())
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.NegotiateResponse{UUID: 42}))
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.EstablishmentAck{UUID: 42, NextSeqNo: 1}))
	drain(reader)

	clk.Advance(500)
	progress, err := sess.Poll(clk.NowMillis())
	require.NoError(t, err)
	assert.Equal(t, 1, progress)
	frames := drain(reader)
	require.Len(t, frames, 1)
	_, msg, _, err := ilink3.Decode(frames[0])
	require.NoError(t, err)
	seqMsg, ok := msg.(ilink3.Sequence)
	require.True(t, ok)
	assert.Equal(t, ilink3.NotLapsed, seqMsg.KeepAliveLapsed)

	// Push the send deadline far out so the remaining polls exercise only
	// the receive-timeout branch, not another keepalive send.
	sess.nextSendDeadline = clk.NowMillis() + 100_000

	clk.Advance(600)
	_, err = sess.Poll(clk.NowMillis())
	require.NoError(t, err)
	assert.True(t, sess.lapsedWarningSent)
	assert.Equal(t, ILink3Established, sess.State())

	clk.Advance(500)
	_, err = sess.Poll(clk.NowMillis())
	require.NoError(t, err)
	assert.Equal(t, ILink3Unbinding, sess.State())
}

func TestILink3GapTriggersRetransmitRequest(t *testing.T) {
	sess, _, reader, _ := newTestILink3Session(t)
	require.NoError(t, sess.Initiate())
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.NegotiateResponse{UUID: 42}))
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.EstablishmentAck{UUID: 42, NextSeqNo: 1}))
	drain(reader)

	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.Sequence{UUID: 42, NextSeqNo: 3, KeepAliveLapsed: ilink3.NotLapsed}))
	assert.True(t, sess.retransmitEngine.Pending())

	progress, err := sess.Poll(sess.clock.NowMillis())
	require.NoError(t, err)
	assert.Equal(t, 1, progress)
	assert.Equal(t, ILink3AwaitingRetransmit, sess.State())

	frames := drain(reader)
	require.Len(t, frames, 1)
	_, msg, _, err := ilink3.Decode(frames[0])
	require.NoError(t, err)
	req, ok := msg.(ilink3.RetransmitRequest)
	require.True(t, ok)
	assert.Equal(t, uint64(1), req.FromSeqNo)
	assert.Equal(t, uint32(2), req.Count)
}

func TestILink3RetransmitFillResyncsNextRecvToLiveWatermark(t *testing.T) {
	sess, _, reader, handler := newTestILink3Session(t)
	require.NoError(t, sess.Initiate())
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.NegotiateResponse{UUID: 42}))
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.EstablishmentAck{UUID: 42, NextSeqNo: 1}))
	drain(reader)
	require.Equal(t, uint64(1), sess.SequenceState().NextRecvSeqNo)

	// Live traffic jumps to seq 3, opening a gap at [1,2] and running
	// liveNextRecv ahead to 4.
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.Sequence{UUID: 42, NextSeqNo: 3, KeepAliveLapsed: ilink3.NotLapsed}))
	assert.True(t, sess.retransmitEngine.Pending())

	progress, err := sess.Poll(sess.clock.NowMillis())
	require.NoError(t, err)
	assert.Equal(t, 1, progress)
	assert.Equal(t, ILink3AwaitingRetransmit, sess.State())
	drain(reader)

	// Fill the first half of the gap; the batch's fill watermark (3) is not
	// yet reached, so next_recv_seq_no only advances to the filled message.
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.Retransmission{
		UUID: 42, FromSeqNo: 1, Count: 2, Payload: []byte("order one"),
	}))
	assert.Equal(t, uint64(2), sess.SequenceState().NextRecvSeqNo)
	assert.Equal(t, ILink3AwaitingRetransmit, sess.State())

	// Live traffic keeps advancing past the gap while the fill is still
	// outstanding.
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.Sequence{UUID: 42, NextSeqNo: 4, KeepAliveLapsed: ilink3.NotLapsed}))
	assert.Equal(t, uint64(2), sess.SequenceState().NextRecvSeqNo)

	// Completing the fill must resync next_recv_seq_no all the way to the
	// live watermark (5), not stop at the batch's own fill point (3).
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.Retransmission{
		UUID: 42, FromSeqNo: 2, Count: 2, Payload: []byte("order two"),
	}))
	assert.Equal(t, uint64(5), sess.SequenceState().NextRecvSeqNo)
	assert.Equal(t, ILink3Established, sess.State())
	assert.False(t, sess.retransmitEngine.Pending())

	require.Len(t, handler.messages, 2)
	assert.Equal(t, []byte("order one"), handler.messages[0].data)
	assert.Equal(t, uint64(1), handler.messages[0].seq)
	assert.Equal(t, []byte("order two"), handler.messages[1].data)
	assert.Equal(t, uint64(2), handler.messages[1].seq)
}

func TestILink3RetransmitRejectResyncsNextRecvToLiveWatermark(t *testing.T) {
	sess, _, reader, _ := newTestILink3Session(t)
	require.NoError(t, sess.Initiate())
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.NegotiateResponse{UUID: 42}))
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.EstablishmentAck{UUID: 42, NextSeqNo: 1}))
	drain(reader)

	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.Sequence{UUID: 42, NextSeqNo: 3, KeepAliveLapsed: ilink3.NotLapsed}))
	_, err := sess.Poll(sess.clock.NowMillis())
	require.NoError(t, err)
	assert.Equal(t, ILink3AwaitingRetransmit, sess.State())
	drain(reader)

	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.RetransmitReject{UUID: 42, FromSeqNo: 1, Reason: 2}))

	assert.Equal(t, ILink3Established, sess.State())
	assert.False(t, sess.retransmitEngine.Pending())
	assert.Equal(t, sess.liveNextRecv, sess.SequenceState().NextRecvSeqNo)
	assert.Equal(t, uint64(4), sess.SequenceState().NextRecvSeqNo)
}

func TestILink3LowSeqSequenceIsFatal(t *testing.T) {
	sess, _, reader, _ := newTestILink3Session(t)
	require.NoError(t, sess.Initiate())
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.NegotiateResponse{UUID: 42}))
	drain(reader)
	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.EstablishmentAck{UUID: 42, NextSeqNo: 1}))
	drain(reader)
	require.Equal(t, uint64(1), sess.SequenceState().NextRecvSeqNo)

	// Simulate prior live progress to next_recv=2 (spec.md §8 scenario 6's
	// starting point) without leaving a retransmit gap open.
	sess.seq.NextRecvSeqNo = 2
	sess.liveNextRecv = 2

	require.NoError(t, sess.HandleInbound(ilink3.Header{}, ilink3.Sequence{UUID: 42, NextSeqNo: 1, KeepAliveLapsed: ilink3.NotLapsed}))

	assert.Equal(t, ILink3Unbound, sess.State())
	assert.Equal(t, uint64(2), sess.SequenceState().NextRecvSeqNo)
}
