// Package ilink3 implements a Simple Binary Encoding (SBE) codec, little
// endian, for the ILink3 session templates named in spec.md §6.2: Negotiate
// (500), NegotiateResponse (501), NegotiateReject (502), Establish (503),
// EstablishmentAck (504), EstablishmentReject (505), Sequence (506),
// Terminate (507), NotApplied (513), RetransmitRequest (508), Retransmission
// (509), RetransmitReject (510).
//
// Every message here carries a fixed-width block followed, for the
// variable-length templates (Negotiate, Terminate, Retransmission), by
// length-prefixed string or byte fields — the same explicit-length-prefix discipline the
// compositekey package uses for FIX CompositeKeys, applied to SBE var-data.
package ilink3

// TemplateID identifies an SBE message template.
type TemplateID uint16

const (
	TemplateNegotiate           TemplateID = 500
	TemplateNegotiateResponse   TemplateID = 501
	TemplateNegotiateReject     TemplateID = 502
	TemplateEstablish           TemplateID = 503
	TemplateEstablishmentAck    TemplateID = 504
	TemplateEstablishmentReject TemplateID = 505
	TemplateSequence            TemplateID = 506
	TemplateTerminate           TemplateID = 507
	TemplateRetransmitRequest   TemplateID = 508
	TemplateRetransmission      TemplateID = 509
	TemplateRetransmitReject    TemplateID = 510
	TemplateNotApplied          TemplateID = 513
)

// SchemaID and Version pin the gateway to one SBE schema generation; bumping
// either is an external-contract concern (spec.md §1's "SBE codec
// generators" non-goal), so they are constants rather than configuration.
const (
	SchemaID      uint16 = 1
	SchemaVersion uint16 = 1
)

// Header is the fixed SBE message header preceding every frame.
type Header struct {
	BlockLength uint16
	TemplateID  TemplateID
	SchemaID    uint16
	Version     uint16
}

// KeepAliveLapsed mirrors the ILink3 Sequence506.KeepAliveLapsed enum.
type KeepAliveLapsed uint8

const (
	NotLapsed KeepAliveLapsed = 0
	Lapsed    KeepAliveLapsed = 1
)

// Negotiate is template 500, sent by the initiator to start a connection.
type Negotiate struct {
	UUID             uint64
	RequestTimestamp uint64
	AccessKeyID      string
	FirmID           string
}

// NegotiateResponse is template 501.
type NegotiateResponse struct {
	UUID             uint64
	RequestTimestamp uint64
	PreviousUUID     uint64
}

// NegotiateReject is template 502.
type NegotiateReject struct {
	UUID             uint64
	RequestTimestamp uint64
	Reason           uint8
	ErrorCodes       uint32
}

// Establish is template 503.
type Establish struct {
	UUID                uint64
	RequestTimestamp    uint64
	NextSeqNo           uint64
	KeepAliveIntervalMs uint32
}

// EstablishmentAck is template 504.
type EstablishmentAck struct {
	UUID                uint64
	RequestTimestamp    uint64
	NextSeqNo           uint64
	PreviousSeqNo       uint64
	PreviousUUID        uint64
	KeepAliveIntervalMs uint32
}

// EstablishmentReject is template 505.
type EstablishmentReject struct {
	UUID             uint64
	RequestTimestamp uint64
	Reason           uint8
	ErrorCodes       uint32
}

// Sequence is template 506, the ILink3 keepalive/gap-advance message.
type Sequence struct {
	UUID            uint64
	NextSeqNo       uint64
	KeepAliveLapsed KeepAliveLapsed
}

// Terminate is template 507.
type Terminate struct {
	UUID             uint64
	RequestTimestamp uint64
	ErrorCodes       uint32
	Reason           string
}

// RetransmitRequest is template 508.
type RetransmitRequest struct {
	UUID             uint64
	LastUUID         uint64
	RequestTimestamp uint64
	FromSeqNo        uint64
	Count            uint32
}

// Retransmission is template 509: one message in a filled retransmit batch.
// FromSeqNo is this message's own sequence number, not the batch range — the
// enclosing RetransmitRequest's Count already named the range, and each
// filled message arrives as its own Retransmission frame. Payload carries
// that message's business content verbatim, the replayed counterpart to
// BusinessMessage's live payload, so a retransmitted message reaches
// handler.OnMessage the same way a live one does.
type Retransmission struct {
	UUID             uint64
	LastUUID         uint64
	RequestTimestamp uint64
	FromSeqNo        uint64
	Count            uint32
	Complete         uint8
	Payload          []byte
}

// RetransmitReject is template 510.
type RetransmitReject struct {
	UUID             uint64
	RequestTimestamp uint64
	FromSeqNo        uint64
	Reason           uint8
	ErrorCodes       uint32
}

// NotApplied is template 513: peer-side gap notification.
type NotApplied struct {
	UUID      uint64
	FromSeqNo uint64
	Count     uint32
}

// BusinessMessage is the opaque fallback for any template id this package
// does not model by name. CME generates application/business schemas
// independently of the session-control templates above and numbers them
// below businessTemplateCeiling; every one begins its block with an 8-byte
// SeqNo field, the same placement Sequence uses, since business traffic and
// Sequence share one sequence-number space on an established connection.
// The remainder of the block is passed through unexamined.
type BusinessMessage struct {
	SeqNo   uint64
	Payload []byte
}
