package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixgateway/internal/clock"
	"github.com/wyfcoding/fixgateway/internal/compositekey"
	"github.com/wyfcoding/fixgateway/internal/publication"
	"github.com/wyfcoding/fixgateway/internal/sequencestore"
	"github.com/wyfcoding/fixgateway/internal/wire/fix"
)

type sentFrame struct {
	seq  uint64
	data []byte
}

type stubHandler struct {
	disconnects []error
	readyCount  int
	sent        []sentFrame
	messages    []sentFrame
}

func (h *stubHandler) OnMessage(_ Identity, seq uint64, _ uint16, buf []byte) {
	h.messages = append(h.messages, sentFrame{seq: seq, data: buf})
}
func (h *stubHandler) OnFrameSent(_ Identity, seq uint64, data []byte) {
	h.sent = append(h.sent, sentFrame{seq: seq, data: data})
}
func (h *stubHandler) OnNotApplied(Identity, uint64, uint32) NotAppliedResolution { return GapFill }
func (h *stubHandler) OnRetransmitReject(Identity, uint8, uint64, uint32, uint32) {}
func (h *stubHandler) OnDisconnect(_ Identity, reason error)                { h.disconnects = append(h.disconnects, reason) }
func (h *stubHandler) OnSessionReady(Identity)                              { h.readyCount++ }

func newTestFixSession(t *testing.T, role FixRole) (*FixSession, *clock.Mock, *publication.Reader, *stubHandler) {
	t.Helper()
	store, err := sequencestore.Open(t.TempDir())
	require.NoError(t, err)
	pub, err := publication.New(16)
	require.NoError(t, err)
	clk := clock.NewMock(1_000_000)
	handler := &stubHandler{}
	key := compositekey.New("INITIATOR", "", "", "ACCEPTOR")
	cfg := FixConfig{
		SenderCompID:         "INITIATOR",
		TargetCompID:         "ACCEPTOR",
		HeartbeatIntervalSec: 30,
	}
	sess, err := NewFixSession(role, key, 1, cfg, clk, pub, 1, store, handler)
	require.NoError(t, err)
	return sess, clk, publication.NewReader(pub), handler
}

func TestFixInitiatorSendsLogonOnFirstPoll(t *testing.T) {
	sess, clk, reader, _ := newTestFixSession(t, FixRoleInitiator)

	progress, err := sess.Poll(clk.NowMillis())
	require.NoError(t, err)
	assert.Equal(t, 1, progress)
	assert.Equal(t, FixSentLogon, sess.State())

	_, data, ok := reader.Poll()
	require.True(t, ok)
	decoded, _, err := fix.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, fix.MsgTypeLogon, decoded.MsgType)
	assert.Equal(t, 1, decoded.MsgSeqNum)
}

func TestFixSendArchivesFrameAfterPersistingSequence(t *testing.T) {
	sess, clk, reader, handler := newTestFixSession(t, FixRoleInitiator)

	_, err := sess.Poll(clk.NowMillis())
	require.NoError(t, err)

	require.Len(t, handler.sent, 1)
	assert.Equal(t, uint64(1), handler.sent[0].seq)
	assert.Equal(t, uint64(2), sess.SequenceState().NextSentSeqNo)

	_, data, ok := reader.Poll()
	require.True(t, ok)
	assert.Equal(t, data, handler.sent[0].data)
}

func TestFixAcceptorBindsOnLogonAndBecomesActive(t *testing.T) {
	sess, _, reader, handler := newTestFixSession(t, FixRoleAcceptor)

	logon := &fix.Message{
		MsgType: fix.MsgTypeLogon, MsgSeqNum: 1,
		SenderCompID: "ACCEPTOR", TargetCompID: "INITIATOR",
		Fields: map[int]string{fix.TagHeartBtInt: "30", fix.TagEncryptMethod: "0"},
	}
	require.NoError(t, sess.HandleInbound(logon))

	assert.Equal(t, FixActive, sess.State())
	assert.Equal(t, 1, handler.readyCount)
	assert.Equal(t, uint64(2), sess.SequenceState().NextRecvSeqNo)

	_, data, ok := reader.Poll()
	require.True(t, ok)
	decoded, _, err := fix.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, fix.MsgTypeLogon, decoded.MsgType)
}

func TestFixLowSeqWithoutPossDupIsFatal(t *testing.T) {
	sess, _, _, handler := newTestFixSession(t, FixRoleAcceptor)
	sess.state = FixActive
	sess.seq.NextRecvSeqNo = 5

	msg := &fix.Message{MsgType: fix.MsgTypeHeartbeat, MsgSeqNum: 2, Fields: map[int]string{}}
	require.NoError(t, sess.HandleInbound(msg))

	assert.Equal(t, FixAwaitingLogout, sess.State())
	require.Len(t, handler.disconnects, 1)
	assert.True(t, AsKind(handler.disconnects[0], KindProtocolViolation))
}

func TestFixLowSeqWithPossDupIsAcceptedIdempotently(t *testing.T) {
	sess, _, _, _ := newTestFixSession(t, FixRoleAcceptor)
	sess.state = FixActive
	sess.seq.NextRecvSeqNo = 5

	msg := &fix.Message{MsgType: fix.MsgTypeHeartbeat, MsgSeqNum: 2, PossDupFlag: true, Fields: map[int]string{}}
	require.NoError(t, sess.HandleInbound(msg))

	assert.Equal(t, FixActive, sess.State())
	assert.Equal(t, uint64(5), sess.SequenceState().NextRecvSeqNo)
}

func TestFixGapSendsResendRequest(t *testing.T) {
	sess, _, reader, _ := newTestFixSession(t, FixRoleAcceptor)
	sess.state = FixActive
	sess.seq.NextRecvSeqNo = 1

	msg := &fix.Message{MsgType: fix.MsgTypeHeartbeat, MsgSeqNum: 3, Fields: map[int]string{}}
	require.NoError(t, sess.HandleInbound(msg))

	_, data, ok := reader.Poll()
	require.True(t, ok)
	decoded, _, err := fix.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, fix.MsgTypeResendRequest, decoded.MsgType)
	begin, _ := decoded.GetInt(fix.TagBeginSeqNo)
	end, _ := decoded.GetInt(fix.TagEndSeqNo)
	assert.Equal(t, 1, begin)
	assert.Equal(t, 2, end)
}

func TestFixGapFillAdvancesNextRecv(t *testing.T) {
	sess, _, _, _ := newTestFixSession(t, FixRoleAcceptor)
	sess.state = FixActive
	sess.seq.NextRecvSeqNo = 1

	msg := &fix.Message{MsgType: fix.MsgTypeSequenceReset, MsgSeqNum: 1, Fields: map[int]string{
		fix.TagNewSeqNo: "10", fix.TagGapFillFlag: "Y",
	}}
	require.NoError(t, sess.HandleInbound(msg))
	assert.Equal(t, uint64(10), sess.SequenceState().NextRecvSeqNo)
}
