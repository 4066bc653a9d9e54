package ilink3

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateRoundTrip(t *testing.T) {
	msg := Negotiate{
		UUID:             1001,
		RequestTimestamp: 123456789,
		AccessKeyID:      "access-key",
		FirmID:           "FIRM1",
	}
	buf := EncodeNegotiate(msg)

	header, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, TemplateNegotiate, header.TemplateID)
	assert.Equal(t, SchemaID, header.SchemaID)
	assert.Equal(t, msg, decoded.(Negotiate))
}

func TestNegotiateResponseRoundTrip(t *testing.T) {
	msg := NegotiateResponse{UUID: 1, RequestTimestamp: 2, PreviousUUID: 3}
	buf := EncodeNegotiateResponse(msg)

	header, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, TemplateNegotiateResponse, header.TemplateID)
	assert.Equal(t, msg, decoded.(NegotiateResponse))
}

func TestNegotiateRejectRoundTrip(t *testing.T) {
	msg := NegotiateReject{UUID: 1, RequestTimestamp: 2, Reason: 4, ErrorCodes: 0xDEADBEEF}
	buf := EncodeNegotiateReject(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(NegotiateReject))
}

func TestEstablishRoundTrip(t *testing.T) {
	msg := Establish{UUID: 77, RequestTimestamp: 88, NextSeqNo: 1, KeepAliveIntervalMs: 5000}
	buf := EncodeEstablish(msg)

	header, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, TemplateEstablish, header.TemplateID)
	assert.Equal(t, msg, decoded.(Establish))
}

func TestEstablishmentAckRoundTrip(t *testing.T) {
	msg := EstablishmentAck{
		UUID:                1,
		RequestTimestamp:    2,
		NextSeqNo:           3,
		PreviousSeqNo:       4,
		PreviousUUID:        5,
		KeepAliveIntervalMs: 5000,
	}
	buf := EncodeEstablishmentAck(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(EstablishmentAck))
}

func TestEstablishmentRejectRoundTrip(t *testing.T) {
	msg := EstablishmentReject{UUID: 1, RequestTimestamp: 2, Reason: 1, ErrorCodes: 9}
	buf := EncodeEstablishmentReject(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(EstablishmentReject))
}

func TestSequenceRoundTrip(t *testing.T) {
	msg := Sequence{UUID: 42, NextSeqNo: 100, KeepAliveLapsed: Lapsed}
	buf := EncodeSequence(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(Sequence))
}

func TestTerminateRoundTrip(t *testing.T) {
	msg := Terminate{UUID: 1, RequestTimestamp: 2, ErrorCodes: 3, Reason: "unbinding for maintenance"}
	buf := EncodeTerminate(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(Terminate))
}

func TestTerminateRoundTripEmptyReason(t *testing.T) {
	msg := Terminate{UUID: 1, RequestTimestamp: 2, ErrorCodes: 0, Reason: ""}
	buf := EncodeTerminate(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(Terminate))
}

func TestRetransmitRequestRoundTrip(t *testing.T) {
	msg := RetransmitRequest{UUID: 1, LastUUID: 0, RequestTimestamp: 2, FromSeqNo: 50, Count: 2500}
	buf := EncodeRetransmitRequest(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(RetransmitRequest))
}

func TestRetransmissionRoundTrip(t *testing.T) {
	msg := Retransmission{UUID: 1, LastUUID: 9, RequestTimestamp: 2, FromSeqNo: 50, Count: 10, Complete: 1}
	buf := EncodeRetransmission(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(Retransmission))
}

func TestRetransmissionRoundTripCarriesPayload(t *testing.T) {
	msg := Retransmission{
		UUID: 1, LastUUID: 9, RequestTimestamp: 2, FromSeqNo: 51, Count: 10, Complete: 0,
		Payload: []byte("replayed new order single"),
	}
	buf := EncodeRetransmission(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(Retransmission))
}

func TestRetransmitRejectRoundTrip(t *testing.T) {
	msg := RetransmitReject{UUID: 1, RequestTimestamp: 2, FromSeqNo: 50, Reason: 3, ErrorCodes: 4}
	buf := EncodeRetransmitReject(msg)

	_, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, msg, decoded.(RetransmitReject))
}

func TestNotAppliedRoundTrip(t *testing.T) {
	msg := NotApplied{UUID: 1, FromSeqNo: 50, Count: 5}
	buf := EncodeNotApplied(msg)

	header, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, TemplateNotApplied, header.TemplateID)
	assert.Equal(t, msg, decoded.(NotApplied))
}

func TestDecodeIncompleteHeader(t *testing.T) {
	_, _, _, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeIncompleteBody(t *testing.T) {
	msg := Sequence{UUID: 1, NextSeqNo: 2, KeepAliveLapsed: NotLapsed}
	buf := EncodeSequence(msg)

	_, _, _, err := Decode(buf[:len(buf)-3])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeUnknownSessionTemplate(t *testing.T) {
	buf := make([]byte, headerLen)
	putHeader(buf, TemplateID(9999), 0)

	_, _, _, err := Decode(buf)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestDecodeBusinessMessageRoundTrip(t *testing.T) {
	const blockLen = 24
	buf := make([]byte, headerLen+blockLen)
	putHeader(buf, TemplateID(42), blockLen)
	binary.LittleEndian.PutUint64(buf[headerLen:], 777)
	copy(buf[headerLen+8:], []byte("order payload bytes"))

	header, decoded, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, TemplateID(42), header.TemplateID)
	msg, ok := decoded.(BusinessMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(777), msg.SeqNo)
	assert.Equal(t, buf[headerLen+8:headerLen+blockLen], msg.Payload)
}

func TestDecodeBusinessMessageIncompleteBlock(t *testing.T) {
	buf := make([]byte, headerLen+4)
	putHeader(buf, TemplateID(42), 24)

	_, _, _, err := Decode(buf)
	assert.ErrorIs(t, err, ErrIncomplete)
}
