package session

import (
	"fmt"

	"github.com/wyfcoding/fixgateway/internal/clock"
	"github.com/wyfcoding/fixgateway/internal/compositekey"
	"github.com/wyfcoding/fixgateway/internal/publication"
	"github.com/wyfcoding/fixgateway/internal/sequencestore"
	"github.com/wyfcoding/fixgateway/internal/wire/fix"
)

// FixRole distinguishes the initiator, which opens the TCP connection and
// sends the first Logon, from the acceptor, which waits for one.
type FixRole uint8

const (
	FixRoleInitiator FixRole = iota
	FixRoleAcceptor
)

// FixState is spec.md §3's FixSessionState.
type FixState uint8

const (
	FixConnected FixState = iota
	FixSentLogon
	FixActive
	FixAwaitingLogout
	FixDisconnected
)

func (s FixState) String() string {
	switch s {
	case FixConnected:
		return "CONNECTED"
	case FixSentLogon:
		return "SENT_LOGON"
	case FixActive:
		return "ACTIVE"
	case FixAwaitingLogout:
		return "AWAITING_LOGOUT"
	case FixDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// FixConfig carries the logon/heartbeat parameters spec.md §4.2 and §6.5
// name.
type FixConfig struct {
	SenderCompID                 string
	SenderSubID                  string
	SenderLocationID             string
	TargetCompID                 string
	Username                     string
	Password                     string
	HeartbeatIntervalSec         int
	ResetSeqNum                  bool
	ReasonableTransmissionTimeMs int64
}

// FixSession implements the FIX initiator/acceptor state machine of
// spec.md §4.2. It holds no locks; it is pinned to exactly one framer
// thread per §5 and touched only through Poll and HandleInbound.
type FixSession struct {
	role      FixRole
	state     FixState
	key       compositekey.CompositeKey
	sessionID uint64
	cfg       FixConfig

	clock   clock.Clock
	pub     *publication.Publication
	connID  uint64
	store   *sequencestore.Store
	handler Handler

	seq sequencestore.SequenceState
	// lastPossDupSeqNo is the high-water mark of seq numbers already
	// accepted idempotently via PossDupFlag, per SPEC_FULL.md §4.2's
	// supplement from the original Java engine's SessionParser.
	lastPossDupSeqNo uint64

	lastSentMillis      int64
	lastRecvMillis       int64
	pendingTestReqID     string
	testRequestSentAt    int64
	awaitingLogoutSince  int64
}

// NewFixSession constructs a session bound to connID, loading any persisted
// sequence state for key from store.
func NewFixSession(role FixRole, key compositekey.CompositeKey, sessionID uint64, cfg FixConfig, clk clock.Clock, pub *publication.Publication, connID uint64, store *sequencestore.Store, handler Handler) (*FixSession, error) {
	seq, err := store.Load(key)
	if err != nil && err != sequencestore.ErrNotFound {
		return nil, fmt.Errorf("session: load sequence state: %w", err)
	}
	if err == sequencestore.ErrNotFound {
		seq = sequencestore.SequenceState{NextSentSeqNo: 1, NextRecvSeqNo: 1}
	}
	if cfg.ResetSeqNum {
		seq.NextSentSeqNo = 1
		seq.NextRecvSeqNo = 1
		seq.SequenceIndex++
	}
	return &FixSession{
		role:      role,
		state:     FixConnected,
		key:       key,
		sessionID: sessionID,
		cfg:       cfg,
		clock:     clk,
		pub:       pub,
		connID:    connID,
		store:     store,
		handler:   handler,
		seq:       seq,
	}, nil
}

// Identity returns this session's opaque handle.
func (s *FixSession) Identity() Identity { return Identity{SessionID: s.sessionID} }

// State returns the current FixState, exposed for the admin surface.
func (s *FixSession) State() FixState { return s.state }

// SequenceState returns a copy of the current durable sequencing state.
func (s *FixSession) SequenceState() sequencestore.SequenceState { return s.seq }

func (s *FixSession) send(msg *fix.Message, fieldOrder []int) error {
	msg.BeginString = "FIX.4.4"
	msg.SenderCompID = s.cfg.SenderCompID
	msg.TargetCompID = s.cfg.TargetCompID
	msg.MsgSeqNum = int(s.seq.NextSentSeqNo)

	data := fix.Encode(msg, fieldOrder)

	slot, err := s.pub.TryClaim(s.connID, len(data))
	if err != nil {
		return err
	}
	copy(slot.Buf, data)

	// Persist the advanced sequence number before the slot is committed: once
	// Commit succeeds the transport writer may flush data to the wire at any
	// time, and the peer must never observe a seqnum we have not durably
	// recorded as sent, or a crash between the two would reuse it on restart.
	sentSeq := s.seq.NextSentSeqNo
	s.seq.NextSentSeqNo++
	if err := s.store.Save(s.key, s.seq); err != nil {
		s.seq.NextSentSeqNo = sentSeq
		_ = slot.Abort()
		return fmt.Errorf("session: persist sequence state: %w", err)
	}

	if err := slot.Commit(); err != nil {
		s.seq.NextSentSeqNo = sentSeq
		_ = s.store.Save(s.key, s.seq)
		return err
	}

	s.lastSentMillis = s.clock.NowMillis()
	if s.handler != nil {
		s.handler.OnFrameSent(s.Identity(), sentSeq, data)
	}
	return nil
}

// Poll advances the state machine and returns the number of actions taken
// (spec.md §4.6); zero means no progress.
func (s *FixSession) Poll(nowMillis int64) (int, error) {
	switch s.state {
	case FixConnected:
		if s.role == FixRoleInitiator {
			return s.sendLogon(nowMillis)
		}
		return 0, nil
	case FixSentLogon:
		return 0, nil
	case FixActive:
		return s.pollActive(nowMillis)
	case FixAwaitingLogout:
		heartbeatMs := int64(s.cfg.HeartbeatIntervalSec) * 1000
		if nowMillis-s.awaitingLogoutSince >= heartbeatMs {
			s.disconnect(timeoutErr("logout acknowledgement not received within heartbeat interval"))
			return 1, nil
		}
		return 0, nil
	case FixDisconnected:
		return 0, nil
	}
	return 0, nil
}

func (s *FixSession) sendLogon(nowMillis int64) (int, error) {
	if s.cfg.ResetSeqNum {
		s.seq.NextSentSeqNo = 1
	}
	msg := &fix.Message{
		MsgType: fix.MsgTypeLogon,
		Fields: map[int]string{
			fix.TagEncryptMethod: "0",
			fix.TagHeartBtInt:    itoa(s.cfg.HeartbeatIntervalSec),
		},
	}
	if s.cfg.Username != "" {
		msg.Fields[fix.TagUsername] = s.cfg.Username
	}
	if s.cfg.Password != "" {
		msg.Fields[fix.TagPassword] = s.cfg.Password
	}
	if s.cfg.ResetSeqNum {
		msg.Fields[fix.TagResetSeqNumFlag] = "Y"
	}
	order := []int{fix.TagEncryptMethod, fix.TagHeartBtInt, fix.TagResetSeqNumFlag, fix.TagUsername, fix.TagPassword}
	if err := s.send(msg, order); err != nil {
		return 0, err
	}
	s.state = FixSentLogon
	return 1, nil
}

func (s *FixSession) pollActive(nowMillis int64) (int, error) {
	heartbeatMs := int64(s.cfg.HeartbeatIntervalSec) * 1000
	transmissionBudget := s.cfg.ReasonableTransmissionTimeMs
	if transmissionBudget == 0 {
		transmissionBudget = heartbeatMs / 2
	}

	if s.pendingTestReqID == "" && nowMillis-s.lastSentMillis >= heartbeatMs {
		if err := s.send(&fix.Message{MsgType: fix.MsgTypeHeartbeat, Fields: map[int]string{}}, nil); err != nil {
			return 0, err
		}
		return 1, nil
	}

	if s.pendingTestReqID == "" && nowMillis-s.lastRecvMillis >= heartbeatMs+transmissionBudget {
		testReqID := fmt.Sprintf("TR-%d", nowMillis)
		msg := &fix.Message{MsgType: fix.MsgTypeTestRequest, Fields: map[int]string{fix.TagTestReqID: testReqID}}
		if err := s.send(msg, []int{fix.TagTestReqID}); err != nil {
			return 0, err
		}
		s.pendingTestReqID = testReqID
		s.testRequestSentAt = nowMillis
		return 1, nil
	}

	if s.pendingTestReqID != "" && nowMillis-s.testRequestSentAt >= heartbeatMs {
		return s.initiateLogout(protocolViolation("no reply to TestRequest within one heartbeat interval"))
	}

	return 0, nil
}

func (s *FixSession) initiateLogout(reason error) (int, error) {
	msg := &fix.Message{MsgType: fix.MsgTypeLogout, Fields: map[int]string{}}
	if err := s.send(msg, nil); err != nil {
		return 0, err
	}
	s.state = FixAwaitingLogout
	s.awaitingLogoutSince = s.clock.NowMillis()
	if reason != nil && s.handler != nil {
		s.handler.OnDisconnect(s.Identity(), reason)
	}
	return 1, nil
}

// HandleInbound dispatches a decoded FIX frame to the appropriate
// session-message handler or, for anything else, treats it as an opaque
// business message subject to sequence policing (spec.md §4.2).
func (s *FixSession) HandleInbound(msg *fix.Message) error {
	s.lastRecvMillis = s.clock.NowMillis()
	s.pendingTestReqID = ""

	switch msg.MsgType {
	case fix.MsgTypeLogon:
		return s.handleLogon(msg)
	case fix.MsgTypeHeartbeat:
		return s.policeSequence(msg, nil)
	case fix.MsgTypeTestRequest:
		return s.handleTestRequest(msg)
	case fix.MsgTypeLogout:
		return s.handleLogout(msg)
	case fix.MsgTypeSequenceReset:
		return s.handleSequenceReset(msg)
	case fix.MsgTypeResendRequest, fix.MsgTypeReject:
		return s.policeSequence(msg, nil)
	default:
		return s.policeSequence(msg, func() {
			if s.handler != nil {
				s.handler.OnMessage(s.Identity(), uint64(msg.MsgSeqNum), 0, nil)
			}
		})
	}
}

func (s *FixSession) handleLogon(msg *fix.Message) error {
	if s.role == FixRoleAcceptor && s.state == FixConnected {
		heartbeat, _ := msg.GetInt(fix.TagHeartBtInt)
		if heartbeat > 0 && heartbeat < s.cfg.HeartbeatIntervalSec {
			s.cfg.HeartbeatIntervalSec = heartbeat
		}
		reply := &fix.Message{MsgType: fix.MsgTypeLogon, Fields: map[int]string{
			fix.TagEncryptMethod: "0",
			fix.TagHeartBtInt:    itoa(s.cfg.HeartbeatIntervalSec),
		}}
		if err := s.send(reply, []int{fix.TagEncryptMethod, fix.TagHeartBtInt}); err != nil {
			return err
		}
		s.state = FixActive
		s.seq.NextRecvSeqNo = uint64(msg.MsgSeqNum) + 1
		if s.handler != nil {
			s.handler.OnSessionReady(s.Identity())
		}
		return nil
	}
	if s.role == FixRoleInitiator && s.state == FixSentLogon {
		s.state = FixActive
		s.seq.NextRecvSeqNo = uint64(msg.MsgSeqNum) + 1
		if s.handler != nil {
			s.handler.OnSessionReady(s.Identity())
		}
		return nil
	}
	return protocolViolation("unexpected Logon in state %s", s.state)
}

func (s *FixSession) handleTestRequest(msg *fix.Message) error {
	if err := s.policeSequence(msg, nil); err != nil {
		return err
	}
	testReqID, _ := msg.GetString(fix.TagTestReqID)
	reply := &fix.Message{MsgType: fix.MsgTypeHeartbeat, Fields: map[int]string{fix.TagTestReqID: testReqID}}
	return s.send(reply, []int{fix.TagTestReqID})
}

func (s *FixSession) handleLogout(msg *fix.Message) error {
	if s.state == FixAwaitingLogout {
		s.disconnect(nil)
		return nil
	}
	_, err := s.initiateLogout(nil)
	return err
}

func (s *FixSession) handleSequenceReset(msg *fix.Message) error {
	newSeqNo, ok := msg.GetInt(fix.TagNewSeqNo)
	if !ok {
		return protocolViolation("SequenceReset missing NewSeqNo")
	}
	isGapFill := msg.GetBool(fix.TagGapFillFlag)
	if isGapFill {
		if uint64(newSeqNo) > s.seq.NextRecvSeqNo {
			s.seq.NextRecvSeqNo = uint64(newSeqNo)
			return s.store.Save(s.key, s.seq)
		}
		return nil
	}
	if uint64(newSeqNo) < s.seq.NextRecvSeqNo {
		return protocolViolation("unauthorised sequence reset below next_recv_seq_no")
	}
	s.seq.NextRecvSeqNo = uint64(newSeqNo)
	s.seq.SequenceIndex++
	return s.store.Save(s.key, s.seq)
}

// ResetSequenceNumbers is the explicit operator action SPEC_FULL.md §4.2
// supplements from the original Java engine: an authorised reset below the
// current next_recv_seq_no, which spec.md §4.2 otherwise forbids.
func (s *FixSession) ResetSequenceNumbers(newNextSent, newNextRecv uint64) error {
	s.seq.NextSentSeqNo = newNextSent
	s.seq.NextRecvSeqNo = newNextRecv
	s.seq.SequenceIndex++
	return s.store.Save(s.key, s.seq)
}

// policeSequence implements spec.md §4.2's sequence-number policing rules.
// onAccept, if non-nil, runs after an in-order accept (used to deliver
// opaque business messages to the handler).
func (s *FixSession) policeSequence(msg *fix.Message, onAccept func()) error {
	seq := uint64(msg.MsgSeqNum)
	switch {
	case seq == s.seq.NextRecvSeqNo:
		s.seq.NextRecvSeqNo++
		if onAccept != nil {
			onAccept()
		}
		return s.store.Save(s.key, s.seq)
	case seq > s.seq.NextRecvSeqNo:
		req := &fix.Message{MsgType: fix.MsgTypeResendRequest, Fields: map[int]string{
			fix.TagBeginSeqNo: itoa64(s.seq.NextRecvSeqNo),
			fix.TagEndSeqNo:   itoa64(seq - 1),
		}}
		return s.send(req, []int{fix.TagBeginSeqNo, fix.TagEndSeqNo})
	default:
		if msg.PossDupFlag {
			if seq > s.lastPossDupSeqNo {
				s.lastPossDupSeqNo = seq
			}
			if onAccept != nil {
				onAccept()
			}
			return nil
		}
		_, err := s.initiateLogout(protocolViolation("MsgSeqNumTooLow: got %d want %d", seq, s.seq.NextRecvSeqNo))
		return err
	}
}

func (s *FixSession) disconnect(reason error) {
	s.state = FixDisconnected
	if s.handler != nil {
		s.handler.OnDisconnect(s.Identity(), reason)
	}
}

// Rebind repoints this session at a new connection id after the
// counterparty reconnects without the session itself going terminal (a TCP
// drop followed by a fresh Logon for the same CompositeKey under
// cfg.Gateway.ReEstablishLastConnection).
func (s *FixSession) Rebind(connID uint64) {
	s.connID = connID
}

// Terminate sends a Logout and moves an ACTIVE session to AWAITING_LOGOUT,
// where Poll disconnects it if no Logout reply arrives within one heartbeat
// interval. In any other state it does nothing, so repeated calls are
// harmless; if the Logout cannot be published the session stays ACTIVE. It
// is not synchronised with Poll or HandleInbound.
func (s *FixSession) Terminate() {
	if s.state == FixActive {
		_, _ = s.initiateLogout(nil)
	}
}

func itoa(n int) string   { return itoa64(uint64(n)) }
func itoa64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
