package ilink3

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrIncomplete is returned when buf does not yet contain a full frame.
var ErrIncomplete = errors.New("ilink3: incomplete frame")

// ErrUnknownTemplate is returned when the header names a template in the
// session-control id range (businessTemplateCeiling and above) that is
// not one of the twelve named templates — a reserved or malformed
// session-layer frame, not application data.
var ErrUnknownTemplate = errors.New("ilink3: unknown template id")

const headerLen = 8

// businessTemplateCeiling is the boundary below which a TemplateID belongs
// to the counterparty's generated business schema rather than this
// package's named session-control templates (500-513). Anything under the
// ceiling decodes as a BusinessMessage instead of being rejected.
const businessTemplateCeiling TemplateID = 500

// DecodeHeader reads the fixed SBE header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, ErrIncomplete
	}
	return Header{
		BlockLength: binary.LittleEndian.Uint16(buf[0:2]),
		TemplateID:  TemplateID(binary.LittleEndian.Uint16(buf[2:4])),
		SchemaID:    binary.LittleEndian.Uint16(buf[4:6]),
		Version:     binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

func putHeader(buf []byte, templateID TemplateID, blockLength uint16) {
	binary.LittleEndian.PutUint16(buf[0:2], blockLength)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(templateID))
	binary.LittleEndian.PutUint16(buf[4:6], SchemaID)
	binary.LittleEndian.PutUint16(buf[6:8], SchemaVersion)
}

func putVarString(buf []byte, pos int, s string) int {
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(s)))
	pos += 2
	copy(buf[pos:], s)
	return pos + len(s)
}

func getVarString(buf []byte, pos int) (string, int, error) {
	if pos+2 > len(buf) {
		return "", 0, ErrIncomplete
	}
	n := int(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2
	if pos+n > len(buf) {
		return "", 0, ErrIncomplete
	}
	return string(buf[pos : pos+n]), pos + n, nil
}

func putVarBytes(buf []byte, pos int, b []byte) int {
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(b)))
	pos += 2
	copy(buf[pos:], b)
	return pos + len(b)
}

func getVarBytes(buf []byte, pos int) ([]byte, int, error) {
	if pos+2 > len(buf) {
		return nil, 0, ErrIncomplete
	}
	n := int(binary.LittleEndian.Uint16(buf[pos:]))
	pos += 2
	if pos+n > len(buf) {
		return nil, 0, ErrIncomplete
	}
	if n == 0 {
		return nil, pos, nil
	}
	out := make([]byte, n)
	copy(out, buf[pos:pos+n])
	return out, pos + n, nil
}

// Decode reads the header at the start of buf and dispatches to the
// matching template, returning the decoded message as one of this package's
// typed structs (via the interface{} return) and the number of bytes
// consumed.
func Decode(buf []byte) (header Header, msg interface{}, consumed int, err error) {
	header, err = DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, 0, err
	}
	body := buf[headerLen:]

	switch header.TemplateID {
	case TemplateNegotiate:
		return decodeNegotiate(header, body)
	case TemplateNegotiateResponse:
		return decodeNegotiateResponse(header, body)
	case TemplateNegotiateReject:
		return decodeNegotiateReject(header, body)
	case TemplateEstablish:
		return decodeEstablish(header, body)
	case TemplateEstablishmentAck:
		return decodeEstablishmentAck(header, body)
	case TemplateEstablishmentReject:
		return decodeEstablishmentReject(header, body)
	case TemplateSequence:
		return decodeSequence(header, body)
	case TemplateTerminate:
		return decodeTerminate(header, body)
	case TemplateRetransmitRequest:
		return decodeRetransmitRequest(header, body)
	case TemplateRetransmission:
		return decodeRetransmission(header, body)
	case TemplateRetransmitReject:
		return decodeRetransmitReject(header, body)
	case TemplateNotApplied:
		return decodeNotApplied(header, body)
	default:
		if header.TemplateID >= businessTemplateCeiling {
			return Header{}, nil, 0, fmt.Errorf("%w: %d", ErrUnknownTemplate, header.TemplateID)
		}
		return decodeBusinessMessage(header, body)
	}
}

// decodeBusinessMessage treats body's fixed block as an 8-byte SeqNo
// followed by opaque payload, per BusinessMessage's doc comment. Any
// variable-length trailer a real business schema might append past
// BlockLength cannot be delimited without that schema, so this gateway
// only relays the fixed block.
func decodeBusinessMessage(h Header, body []byte) (Header, interface{}, int, error) {
	blockLen := int(h.BlockLength)
	if blockLen < 8 {
		return Header{}, nil, 0, fmt.Errorf("%w: %d", ErrUnknownTemplate, h.TemplateID)
	}
	if len(body) < blockLen {
		return Header{}, nil, 0, ErrIncomplete
	}
	seqNo := binary.LittleEndian.Uint64(body[0:8])
	payload := make([]byte, blockLen-8)
	copy(payload, body[8:blockLen])
	return h, BusinessMessage{SeqNo: seqNo, Payload: payload}, headerLen + blockLen, nil
}

func decodeNegotiate(h Header, body []byte) (Header, interface{}, int, error) {
	const fixed = 16
	if len(body) < fixed {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := Negotiate{
		UUID:             binary.LittleEndian.Uint64(body[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(body[8:16]),
	}
	pos := fixed
	accessKey, pos, err := getVarString(body, pos)
	if err != nil {
		return Header{}, nil, 0, err
	}
	firmID, pos, err := getVarString(body, pos)
	if err != nil {
		return Header{}, nil, 0, err
	}
	msg.AccessKeyID = accessKey
	msg.FirmID = firmID
	return h, msg, headerLen + pos, nil
}

// EncodeNegotiate renders a Negotiate frame.
func EncodeNegotiate(msg Negotiate) []byte {
	fixed := 16
	buf := make([]byte, headerLen+fixed+2+len(msg.AccessKeyID)+2+len(msg.FirmID))
	putHeader(buf, TemplateNegotiate, uint16(fixed))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.RequestTimestamp)
	pos := headerLen + fixed
	pos = putVarString(buf, pos, msg.AccessKeyID)
	putVarString(buf, pos, msg.FirmID)
	return buf
}

func decodeNegotiateResponse(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 24
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := NegotiateResponse{
		UUID:             binary.LittleEndian.Uint64(body[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(body[8:16]),
		PreviousUUID:     binary.LittleEndian.Uint64(body[16:24]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeNegotiateResponse renders a NegotiateResponse frame.
func EncodeNegotiateResponse(msg NegotiateResponse) []byte {
	const n = 24
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateNegotiateResponse, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.RequestTimestamp)
	binary.LittleEndian.PutUint64(buf[headerLen+16:], msg.PreviousUUID)
	return buf
}

func decodeNegotiateReject(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 21
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := NegotiateReject{
		UUID:             binary.LittleEndian.Uint64(body[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(body[8:16]),
		Reason:           body[16],
		ErrorCodes:       binary.LittleEndian.Uint32(body[17:21]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeNegotiateReject renders a NegotiateReject frame.
func EncodeNegotiateReject(msg NegotiateReject) []byte {
	const n = 21
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateNegotiateReject, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.RequestTimestamp)
	buf[headerLen+16] = msg.Reason
	binary.LittleEndian.PutUint32(buf[headerLen+17:], msg.ErrorCodes)
	return buf
}

func decodeEstablish(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 28
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := Establish{
		UUID:                binary.LittleEndian.Uint64(body[0:8]),
		RequestTimestamp:    binary.LittleEndian.Uint64(body[8:16]),
		NextSeqNo:           binary.LittleEndian.Uint64(body[16:24]),
		KeepAliveIntervalMs: binary.LittleEndian.Uint32(body[24:28]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeEstablish renders an Establish frame.
func EncodeEstablish(msg Establish) []byte {
	const n = 28
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateEstablish, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.RequestTimestamp)
	binary.LittleEndian.PutUint64(buf[headerLen+16:], msg.NextSeqNo)
	binary.LittleEndian.PutUint32(buf[headerLen+24:], msg.KeepAliveIntervalMs)
	return buf
}

func decodeEstablishmentAck(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 44
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := EstablishmentAck{
		UUID:                binary.LittleEndian.Uint64(body[0:8]),
		RequestTimestamp:    binary.LittleEndian.Uint64(body[8:16]),
		NextSeqNo:           binary.LittleEndian.Uint64(body[16:24]),
		PreviousSeqNo:       binary.LittleEndian.Uint64(body[24:32]),
		PreviousUUID:        binary.LittleEndian.Uint64(body[32:40]),
		KeepAliveIntervalMs: binary.LittleEndian.Uint32(body[40:44]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeEstablishmentAck renders an EstablishmentAck frame.
func EncodeEstablishmentAck(msg EstablishmentAck) []byte {
	const n = 44
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateEstablishmentAck, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.RequestTimestamp)
	binary.LittleEndian.PutUint64(buf[headerLen+16:], msg.NextSeqNo)
	binary.LittleEndian.PutUint64(buf[headerLen+24:], msg.PreviousSeqNo)
	binary.LittleEndian.PutUint64(buf[headerLen+32:], msg.PreviousUUID)
	binary.LittleEndian.PutUint32(buf[headerLen+40:], msg.KeepAliveIntervalMs)
	return buf
}

func decodeEstablishmentReject(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 21
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := EstablishmentReject{
		UUID:             binary.LittleEndian.Uint64(body[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(body[8:16]),
		Reason:           body[16],
		ErrorCodes:       binary.LittleEndian.Uint32(body[17:21]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeEstablishmentReject renders an EstablishmentReject frame.
func EncodeEstablishmentReject(msg EstablishmentReject) []byte {
	const n = 21
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateEstablishmentReject, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.RequestTimestamp)
	buf[headerLen+16] = msg.Reason
	binary.LittleEndian.PutUint32(buf[headerLen+17:], msg.ErrorCodes)
	return buf
}

func decodeSequence(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 17
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := Sequence{
		UUID:            binary.LittleEndian.Uint64(body[0:8]),
		NextSeqNo:       binary.LittleEndian.Uint64(body[8:16]),
		KeepAliveLapsed: KeepAliveLapsed(body[16]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeSequence renders a Sequence frame.
func EncodeSequence(msg Sequence) []byte {
	const n = 17
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateSequence, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.NextSeqNo)
	buf[headerLen+16] = byte(msg.KeepAliveLapsed)
	return buf
}

func decodeTerminate(h Header, body []byte) (Header, interface{}, int, error) {
	const fixed = 20
	if len(body) < fixed {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := Terminate{
		UUID:             binary.LittleEndian.Uint64(body[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(body[8:16]),
		ErrorCodes:       binary.LittleEndian.Uint32(body[16:20]),
	}
	reason, pos, err := getVarString(body, fixed)
	if err != nil {
		return Header{}, nil, 0, err
	}
	msg.Reason = reason
	return h, msg, headerLen + pos, nil
}

// EncodeTerminate renders a Terminate frame.
func EncodeTerminate(msg Terminate) []byte {
	const fixed = 20
	buf := make([]byte, headerLen+fixed+2+len(msg.Reason))
	putHeader(buf, TemplateTerminate, uint16(fixed))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.RequestTimestamp)
	binary.LittleEndian.PutUint32(buf[headerLen+16:], msg.ErrorCodes)
	putVarString(buf, headerLen+fixed, msg.Reason)
	return buf
}

func decodeRetransmitRequest(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 36
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := RetransmitRequest{
		UUID:             binary.LittleEndian.Uint64(body[0:8]),
		LastUUID:         binary.LittleEndian.Uint64(body[8:16]),
		RequestTimestamp: binary.LittleEndian.Uint64(body[16:24]),
		FromSeqNo:        binary.LittleEndian.Uint64(body[24:32]),
		Count:            binary.LittleEndian.Uint32(body[32:36]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeRetransmitRequest renders a RetransmitRequest frame.
func EncodeRetransmitRequest(msg RetransmitRequest) []byte {
	const n = 36
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateRetransmitRequest, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.LastUUID)
	binary.LittleEndian.PutUint64(buf[headerLen+16:], msg.RequestTimestamp)
	binary.LittleEndian.PutUint64(buf[headerLen+24:], msg.FromSeqNo)
	binary.LittleEndian.PutUint32(buf[headerLen+32:], msg.Count)
	return buf
}

func decodeRetransmission(h Header, body []byte) (Header, interface{}, int, error) {
	const fixed = 37
	if len(body) < fixed {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := Retransmission{
		UUID:             binary.LittleEndian.Uint64(body[0:8]),
		LastUUID:         binary.LittleEndian.Uint64(body[8:16]),
		RequestTimestamp: binary.LittleEndian.Uint64(body[16:24]),
		FromSeqNo:        binary.LittleEndian.Uint64(body[24:32]),
		Count:            binary.LittleEndian.Uint32(body[32:36]),
		Complete:         body[36],
	}
	payload, pos, err := getVarBytes(body, fixed)
	if err != nil {
		return Header{}, nil, 0, err
	}
	msg.Payload = payload
	return h, msg, headerLen + pos, nil
}

// EncodeRetransmission renders a Retransmission frame.
func EncodeRetransmission(msg Retransmission) []byte {
	const fixed = 37
	buf := make([]byte, headerLen+fixed+2+len(msg.Payload))
	putHeader(buf, TemplateRetransmission, uint16(fixed))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.LastUUID)
	binary.LittleEndian.PutUint64(buf[headerLen+16:], msg.RequestTimestamp)
	binary.LittleEndian.PutUint64(buf[headerLen+24:], msg.FromSeqNo)
	binary.LittleEndian.PutUint32(buf[headerLen+32:], msg.Count)
	buf[headerLen+36] = msg.Complete
	putVarBytes(buf, headerLen+fixed, msg.Payload)
	return buf
}

func decodeRetransmitReject(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 29
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := RetransmitReject{
		UUID:             binary.LittleEndian.Uint64(body[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(body[8:16]),
		FromSeqNo:        binary.LittleEndian.Uint64(body[16:24]),
		Reason:           body[24],
		ErrorCodes:       binary.LittleEndian.Uint32(body[25:29]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeRetransmitReject renders a RetransmitReject frame.
func EncodeRetransmitReject(msg RetransmitReject) []byte {
	const n = 29
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateRetransmitReject, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.RequestTimestamp)
	binary.LittleEndian.PutUint64(buf[headerLen+16:], msg.FromSeqNo)
	buf[headerLen+24] = msg.Reason
	binary.LittleEndian.PutUint32(buf[headerLen+25:], msg.ErrorCodes)
	return buf
}

func decodeNotApplied(h Header, body []byte) (Header, interface{}, int, error) {
	const n = 20
	if len(body) < n {
		return Header{}, nil, 0, ErrIncomplete
	}
	msg := NotApplied{
		UUID:      binary.LittleEndian.Uint64(body[0:8]),
		FromSeqNo: binary.LittleEndian.Uint64(body[8:16]),
		Count:     binary.LittleEndian.Uint32(body[16:20]),
	}
	return h, msg, headerLen + n, nil
}

// EncodeNotApplied renders a NotApplied frame.
func EncodeNotApplied(msg NotApplied) []byte {
	const n = 20
	buf := make([]byte, headerLen+n)
	putHeader(buf, TemplateNotApplied, uint16(n))
	binary.LittleEndian.PutUint64(buf[headerLen:], msg.UUID)
	binary.LittleEndian.PutUint64(buf[headerLen+8:], msg.FromSeqNo)
	binary.LittleEndian.PutUint32(buf[headerLen+16:], msg.Count)
	return buf
}
