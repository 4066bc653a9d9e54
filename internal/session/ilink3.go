package session

import (
	"fmt"

	"github.com/wyfcoding/fixgateway/internal/clock"
	"github.com/wyfcoding/fixgateway/internal/compositekey"
	"github.com/wyfcoding/fixgateway/internal/publication"
	"github.com/wyfcoding/fixgateway/internal/retransmit"
	"github.com/wyfcoding/fixgateway/internal/sequencestore"
	"github.com/wyfcoding/fixgateway/internal/wire/ilink3"
)

// ILink3State is spec.md §3's ILink3SessionState.
type ILink3State uint8

const (
	ILink3SentNegotiate ILink3State = iota
	ILink3Negotiated
	ILink3SentEstablish
	ILink3Established
	ILink3AwaitingRetransmit
	ILink3Unbinding
	ILink3Unbound
)

func (s ILink3State) String() string {
	switch s {
	case ILink3SentNegotiate:
		return "SENT_NEGOTIATE"
	case ILink3Negotiated:
		return "NEGOTIATED"
	case ILink3SentEstablish:
		return "SENT_ESTABLISH"
	case ILink3Established:
		return "ESTABLISHED"
	case ILink3AwaitingRetransmit:
		return "AWAITING_RETRANSMIT"
	case ILink3Unbinding:
		return "UNBINDING"
	case ILink3Unbound:
		return "UNBOUND"
	default:
		return "UNKNOWN"
	}
}

// ILink3Config carries the Negotiate/Establish parameters spec.md §4.3 and
// §6.5 name. HostProfile disambiguates which market-segment host this
// connection targets (SPEC_FULL.md §3's HostProfile type).
type ILink3Config struct {
	AccessKeyID         string
	FirmID              string
	HostProfile         string
	KeepAliveIntervalMs uint32
	NegotiateTimeoutMs  int64
	NextUUID            func() uint64
}

// ILink3Session implements the ILink3 initiator state machine of spec.md
// §4.3, delegating gap-fill bookkeeping to a retransmit.Engine per §4.4.
type ILink3Session struct {
	state     ILink3State
	key       compositekey.CompositeKey
	sessionID uint64
	cfg       ILink3Config

	clock    clock.Clock
	pub      *publication.Publication
	connID   uint64
	store    *sequencestore.Store
	handler  Handler
	replayer Replayer

	seq sequencestore.SequenceState

	// liveNextRecv is the next expected seq in the live inbound stream; it
	// advances on every live (non-retransmitted) inbound message, running
	// ahead of seq.NextRecvSeqNo while a retransmit batch is filling the
	// gap behind it (spec.md §4.4 "Interleaving").
	liveNextRecv uint64

	negotiateSentAt  int64
	negotiateRetried bool
	establishSentAt  int64
	establishRetried bool

	nextSendDeadline    int64
	nextReceiveDeadline int64
	lapsedWarningSent   bool

	retransmitEngine *retransmit.Engine
	retransmitUUID   uint64
	draining         bool
}

// NewILink3Session constructs a session from any persisted sequence state.
// It sends nothing; Initiate sends the first Negotiate.
func NewILink3Session(key compositekey.CompositeKey, sessionID uint64, cfg ILink3Config, clk clock.Clock, pub *publication.Publication, connID uint64, store *sequencestore.Store, handler Handler, replayer Replayer) (*ILink3Session, error) {
	seq, err := store.Load(key)
	if err != nil && err != sequencestore.ErrNotFound {
		return nil, fmt.Errorf("session: load sequence state: %w", err)
	}
	if err == sequencestore.ErrNotFound {
		seq = sequencestore.SequenceState{NextSentSeqNo: 1, NextRecvSeqNo: 1}
	}
	if seq.UUID == 0 {
		if cfg.NextUUID == nil {
			return nil, fmt.Errorf("session: ILink3Config.NextUUID is required to mint a connection uuid")
		}
		seq.LastUUID = seq.UUID
		seq.UUID = cfg.NextUUID()
	}

	s := &ILink3Session{
		key:              key,
		sessionID:        sessionID,
		cfg:              cfg,
		clock:            clk,
		pub:              pub,
		connID:           connID,
		store:            store,
		handler:          handler,
		replayer:         replayer,
		seq:              seq,
		liveNextRecv:     seq.NextRecvSeqNo,
		retransmitEngine: retransmit.New(0),
	}
	return s, nil
}

// Identity returns this session's opaque handle.
func (s *ILink3Session) Identity() Identity { return Identity{SessionID: s.sessionID} }

// State returns the current ILink3State.
func (s *ILink3Session) State() ILink3State { return s.state }

// SequenceState returns a copy of the current durable sequencing state.
func (s *ILink3Session) SequenceState() sequencestore.SequenceState { return s.seq }

// RetransmitPending reports whether a gap-fill batch is queued or in
// flight, for the admin surface's session detail view.
func (s *ILink3Session) RetransmitPending() bool {
	return s.retransmitEngine.Pending() || s.retransmitEngine.InFlight()
}

// sendFrame commits data to the outbound publication and archives it via
// OnFrameSent. seqNo is the application sequence number the frame carries
// (s.seq.NextSentSeqNo for every session-control template; none of them
// advance it, since negotiation/termination control frames and keepalive
// Sequence frames do not consume the business sequence space). Frames
// replayed for a NotApplied Retransmit carry their original numbers.
func (s *ILink3Session) sendFrame(seqNo uint64, data []byte) error {
	slot, err := s.pub.TryClaim(s.connID, len(data))
	if err != nil {
		return err
	}
	copy(slot.Buf, data)
	if err := slot.Commit(); err != nil {
		_ = slot.Abort()
		return err
	}
	s.nextSendDeadline = s.clock.NowMillis() + int64(s.cfg.KeepAliveIntervalMs)
	if s.handler != nil {
		s.handler.OnFrameSent(s.Identity(), seqNo, data)
	}
	return nil
}

// Poll advances the state machine, returning the progress count spec.md
// §4.6 defines.
func (s *ILink3Session) Poll(nowMillis int64) (int, error) {
	switch s.state {
	case ILink3SentNegotiate:
		return s.pollSentNegotiate(nowMillis)
	case ILink3SentEstablish:
		return s.pollSentEstablish(nowMillis)
	case ILink3Established, ILink3AwaitingRetransmit:
		return s.pollEstablished(nowMillis)
	case ILink3Unbinding:
		if nowMillis-s.nextReceiveDeadline >= int64(s.cfg.KeepAliveIntervalMs) {
			s.toUnbound(nil)
			return 1, nil
		}
		return 0, nil
	default:
		return 0, nil
	}
}

// Initiate sends the first Negotiate. Call once, before Poll.
func (s *ILink3Session) Initiate() error {
	msg := ilink3.Negotiate{
		UUID:             s.seq.UUID,
		RequestTimestamp: uint64(s.clock.NowMillis()),
		AccessKeyID:      s.cfg.AccessKeyID,
		FirmID:           s.cfg.FirmID,
	}
	if err := s.sendFrame(s.seq.NextSentSeqNo, ilink3.EncodeNegotiate(msg)); err != nil {
		return err
	}
	s.state = ILink3SentNegotiate
	s.negotiateSentAt = s.clock.NowMillis()
	return s.store.Save(s.key, s.seq)
}

func (s *ILink3Session) pollSentNegotiate(nowMillis int64) (int, error) {
	if nowMillis-s.negotiateSentAt < s.cfg.NegotiateTimeoutMs {
		return 0, nil
	}
	if !s.negotiateRetried {
		s.negotiateRetried = true
		if err := s.Initiate(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	s.fail(timeoutErr("negotiate timed out twice"))
	return 1, nil
}

func (s *ILink3Session) sendEstablish() error {
	msg := ilink3.Establish{
		UUID:                s.seq.UUID,
		RequestTimestamp:    uint64(s.clock.NowMillis()),
		NextSeqNo:           s.seq.NextSentSeqNo,
		KeepAliveIntervalMs: s.cfg.KeepAliveIntervalMs,
	}
	if err := s.sendFrame(s.seq.NextSentSeqNo, ilink3.EncodeEstablish(msg)); err != nil {
		return err
	}
	s.state = ILink3SentEstablish
	s.establishSentAt = s.clock.NowMillis()
	return nil
}

func (s *ILink3Session) pollSentEstablish(nowMillis int64) (int, error) {
	if nowMillis-s.establishSentAt < s.cfg.NegotiateTimeoutMs {
		return 0, nil
	}
	if !s.establishRetried {
		s.establishRetried = true
		if err := s.sendEstablish(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	s.fail(timeoutErr("establish timed out twice"))
	return 1, nil
}

func (s *ILink3Session) pollEstablished(nowMillis int64) (int, error) {
	if nowMillis >= s.nextSendDeadline {
		msg := ilink3.Sequence{UUID: s.seq.UUID, NextSeqNo: s.seq.NextSentSeqNo, KeepAliveLapsed: ilink3.NotLapsed}
		if err := s.sendFrame(s.seq.NextSentSeqNo, ilink3.EncodeSequence(msg)); err != nil {
			return 0, err
		}
		return 1, nil
	}

	keepAlive := int64(s.cfg.KeepAliveIntervalMs)
	if nowMillis >= s.nextReceiveDeadline+keepAlive && !s.lapsedWarningSent {
		msg := ilink3.Sequence{UUID: s.seq.UUID, NextSeqNo: s.seq.NextSentSeqNo, KeepAliveLapsed: ilink3.Lapsed}
		if err := s.sendFrame(s.seq.NextSentSeqNo, ilink3.EncodeSequence(msg)); err != nil {
			return 0, err
		}
		s.lapsedWarningSent = true
		return 1, nil
	}
	if nowMillis >= s.nextReceiveDeadline+2*keepAlive {
		s.state = ILink3Unbinding
		return s.sendTerminate("keepalive lapsed twice", 0)
	}

	if s.retransmitEngine.Pending() && !s.retransmitEngine.InFlight() {
		batch, ok := s.retransmitEngine.Next()
		if ok {
			req := ilink3.RetransmitRequest{
				UUID: s.seq.UUID, LastUUID: batch.UUID, RequestTimestamp: uint64(nowMillis),
				FromSeqNo: batch.FromSeqNo, Count: batch.Count,
			}
			if err := s.sendFrame(s.seq.NextSentSeqNo, ilink3.EncodeRetransmitRequest(req)); err != nil {
				return 0, err
			}
			s.state = ILink3AwaitingRetransmit
			return 1, nil
		}
	}
	if !s.retransmitEngine.Pending() && s.state == ILink3AwaitingRetransmit {
		s.state = ILink3Established
	}

	return 0, nil
}

func (s *ILink3Session) sendTerminate(reason string, errorCodes uint32) (int, error) {
	msg := ilink3.Terminate{UUID: s.seq.UUID, RequestTimestamp: uint64(s.clock.NowMillis()), ErrorCodes: errorCodes, Reason: reason}
	if err := s.sendFrame(s.seq.NextSentSeqNo, ilink3.EncodeTerminate(msg)); err != nil {
		return 0, err
	}
	return 1, nil
}

// Terminate sends a Terminate and moves an ESTABLISHED or
// AWAITING_RETRANSMIT session to UNBINDING, where Poll unbinds it one
// keepalive interval after its receive deadline. In any other state it does
// nothing, so repeated calls are harmless; if the Terminate cannot be
// published the state is left unchanged. It is not synchronised with Poll
// or HandleInbound.
func (s *ILink3Session) Terminate() {
	if s.state != ILink3Established && s.state != ILink3AwaitingRetransmit {
		return
	}
	if _, err := s.sendTerminate("shutdown", 0); err == nil {
		s.state = ILink3Unbinding
	}
}

func (s *ILink3Session) fail(reason *Error) {
	s.state = ILink3Unbound
	if s.handler != nil {
		s.handler.OnDisconnect(s.Identity(), reason)
	}
}

func (s *ILink3Session) toUnbound(reason error) {
	s.state = ILink3Unbound
	_ = s.store.Save(s.key, s.seq)
	if s.handler != nil {
		s.handler.OnDisconnect(s.Identity(), reason)
	}
}

// HandleInbound dispatches one decoded ILink3 frame. templateID identifies
// which struct msg holds, matching codec.Decode's header/msg pairing.
func (s *ILink3Session) HandleInbound(header ilink3.Header, msg interface{}) error {
	s.nextReceiveDeadline = s.clock.NowMillis() + int64(s.cfg.KeepAliveIntervalMs)

	switch m := msg.(type) {
	case ilink3.NegotiateResponse:
		return s.handleNegotiateResponse(m)
	case ilink3.NegotiateReject:
		s.fail(authenticationFailure("negotiate rejected: reason=%d", m.Reason))
		return nil
	case ilink3.EstablishmentAck:
		return s.handleEstablishmentAck(m)
	case ilink3.EstablishmentReject:
		s.fail(authenticationFailure("establishment rejected: reason=%d", m.Reason))
		return nil
	case ilink3.Sequence:
		return s.handleSequence(m)
	case ilink3.Terminate:
		return s.handleTerminate(m)
	case ilink3.RetransmitRequest:
		// Peer-initiated retransmit requests target our outbound stream. They
		// are ignored here: nothing is replayed and the handler is not told.
		return nil
	case ilink3.Retransmission:
		return s.handleRetransmissionFrame(m)
	case ilink3.RetransmitReject:
		return s.handleRetransmitReject(m)
	case ilink3.NotApplied:
		return s.handleNotApplied(m)
	case ilink3.BusinessMessage:
		return s.handleBusinessMessage(header, m)
	default:
		return protocolViolation("unhandled ilink3 template %d", header.TemplateID)
	}
}

// handleBusinessMessage delivers an application message to the handler
// after policing its SeqNo the same way handleSequence does, since
// business traffic and Sequence frames share one sequence-number space
// (spec.md §6.4's pass-through contract).
func (s *ILink3Session) handleBusinessMessage(header ilink3.Header, m ilink3.BusinessMessage) error {
	return s.acceptInboundSeq(m.SeqNo, false, func() {
		if s.handler != nil {
			s.handler.OnMessage(s.Identity(), m.SeqNo, uint16(header.TemplateID), m.Payload)
		}
	})
}

func (s *ILink3Session) handleNegotiateResponse(m ilink3.NegotiateResponse) error {
	if s.state != ILink3SentNegotiate {
		return protocolViolation("unexpected NegotiateResponse in state %s", s.state)
	}
	s.state = ILink3Negotiated
	return s.sendEstablish()
}

func (s *ILink3Session) handleEstablishmentAck(m ilink3.EstablishmentAck) error {
	if s.state != ILink3SentEstablish {
		return protocolViolation("unexpected EstablishmentAck in state %s", s.state)
	}
	s.state = ILink3Established
	s.liveNextRecv = s.seq.NextRecvSeqNo

	if m.NextSeqNo > s.seq.NextRecvSeqNo {
		s.retransmitEngine.RequestGap(s.seq.UUID, s.seq.NextRecvSeqNo, m.NextSeqNo-1)
		s.liveNextRecv = m.NextSeqNo
	}

	// Cross-uuid retransmit (spec.md §4.3/scenario 5): the peer's
	// previous_seq_no names how far it had sent us on the prior uuid; if
	// that exceeds what we'd already consumed there, request the remainder
	// from that prior connection epoch.
	if m.PreviousUUID != 0 && m.PreviousUUID == s.seq.LastUUID && m.PreviousSeqNo >= s.seq.NextRecvSeqNo {
		s.retransmitEngine.RequestGap(m.PreviousUUID, s.seq.NextRecvSeqNo, m.PreviousSeqNo)
	}

	if s.handler != nil {
		s.handler.OnSessionReady(s.Identity())
	}
	return s.store.Save(s.key, s.seq)
}

func (s *ILink3Session) handleSequence(m ilink3.Sequence) error {
	if m.KeepAliveLapsed == ilink3.Lapsed {
		reply := ilink3.Sequence{UUID: s.seq.UUID, NextSeqNo: s.seq.NextSentSeqNo, KeepAliveLapsed: ilink3.NotLapsed}
		if err := s.sendFrame(s.seq.NextSentSeqNo, ilink3.EncodeSequence(reply)); err != nil {
			return err
		}
	}
	return s.acceptInboundSeq(m.NextSeqNo, false, nil)
}

func (s *ILink3Session) handleTerminate(m ilink3.Terminate) error {
	if m.UUID != s.seq.UUID {
		_, err := s.sendTerminate("invalid uuid", 0)
		s.toUnbound(invalidUuid(m.UUID))
		return err
	}
	_, err := s.sendTerminate("ack", 0)
	s.toUnbound(nil)
	return err
}

func (s *ILink3Session) handleRetransmissionFrame(m ilink3.Retransmission) error {
	// The first Retransmission frame for a batch doubles as its acceptance
	// acknowledgement (there is no separate RetransmitRequestAccepted
	// template in this catalog); OnAccepted is idempotent against repeated
	// calls across the same batch.
	s.retransmitEngine.OnAccepted()
	return s.acceptInboundSeq(m.FromSeqNo, true, func() {
		if s.handler != nil && len(m.Payload) > 0 {
			s.handler.OnMessage(s.Identity(), m.FromSeqNo, uint16(ilink3.TemplateRetransmission), m.Payload)
		}
	})
}

func (s *ILink3Session) handleRetransmitReject(m ilink3.RetransmitReject) error {
	if s.handler != nil {
		s.handler.OnRetransmitReject(s.Identity(), m.Reason, m.FromSeqNo, 0, m.ErrorCodes)
	}
	s.retransmitEngine.OnReject()
	if !s.retransmitEngine.Pending() {
		s.resyncRecvSeqAfterDrain()
	}
	return s.store.Save(s.key, s.seq)
}

// resyncRecvSeqAfterDrain closes the retransmit window once the engine has
// no more batches queued or in flight (fill complete, or drained by a
// reject): live traffic may have advanced liveNextRecv past the gap while
// the fill was outstanding, so next_recv_seq_no jumps forward to that
// watermark rather than stopping at the last filled/rejected seq.
func (s *ILink3Session) resyncRecvSeqAfterDrain() {
	s.seq.NextRecvSeqNo = s.liveNextRecv
	if s.state == ILink3AwaitingRetransmit {
		s.state = ILink3Established
	}
}

// acceptInboundSeq implements spec.md §4.4's dual-pointer interleaving:
// live traffic advances liveNextRecv independently of the confirmed
// NextRecvSeqNo low-water mark that retransmit fills close.
func (s *ILink3Session) acceptInboundSeq(seq uint64, possRetrans bool, deliver func()) error {
	switch {
	case seq < s.seq.NextRecvSeqNo:
		_, err := s.sendTerminate("low seq no", 0)
		s.toUnbound(protocolViolation("seq %d below next_recv_seq_no %d", seq, s.seq.NextRecvSeqNo))
		return err

	case possRetrans:
		if deliver != nil {
			deliver()
		}
		if seq+1 > s.seq.NextRecvSeqNo {
			s.seq.NextRecvSeqNo = seq + 1
		}
		if s.retransmitEngine.ObserveFillProgress(s.seq.NextRecvSeqNo) && !s.retransmitEngine.Pending() {
			s.resyncRecvSeqAfterDrain()
		}
		return s.store.Save(s.key, s.seq)

	case seq == s.liveNextRecv:
		s.liveNextRecv++
		if deliver != nil {
			deliver()
		}
		if !s.retransmitEngine.Pending() {
			s.seq.NextRecvSeqNo = s.liveNextRecv
		}
		return s.store.Save(s.key, s.seq)

	case seq > s.liveNextRecv:
		s.retransmitEngine.RequestGap(s.seq.UUID, s.liveNextRecv, seq-1)
		s.liveNextRecv = seq + 1
		if deliver != nil {
			deliver()
		}
		return s.store.Save(s.key, s.seq)

	default:
		// seq < liveNextRecv but not PossRetrans and not a plain gap-fill —
		// already observed; treat as a duplicate, no state change.
		return nil
	}
}

// handleNotApplied implements spec.md §4.3's NotApplied resolution: the
// application handler chooses GapFill or Retransmit.
func (s *ILink3Session) handleNotApplied(m ilink3.NotApplied) error {
	if s.draining {
		return illegalState("a NotApplied resolution is already draining")
	}

	resolution := GapFill
	if s.handler != nil {
		resolution = s.handler.OnNotApplied(s.Identity(), m.FromSeqNo, m.Count)
	}

	if resolution == Retransmit && s.replayer != nil {
		frames, err := s.replayer.Replay(s.seq.UUID, m.FromSeqNo, m.Count)
		if err != nil {
			return fmt.Errorf("session: replay for NotApplied: %w", err)
		}
		s.draining = true
		for i, f := range frames {
			if err := s.sendFrame(m.FromSeqNo+uint64(i), f); err != nil {
				s.draining = false
				return err
			}
		}
		s.draining = false
		return nil
	}

	newNextSent := m.FromSeqNo + uint64(m.Count)
	if newNextSent > s.seq.NextSentSeqNo {
		s.seq.NextSentSeqNo = newNextSent
	}
	return s.store.Save(s.key, s.seq)
}
