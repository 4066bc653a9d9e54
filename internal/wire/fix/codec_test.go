package fix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		BeginString:  "FIX.4.4",
		MsgType:      MsgTypeHeartbeat,
		MsgSeqNum:    7,
		SenderCompID: "ACCEPTOR",
		TargetCompID: "INITIATOR",
		SendingTime:  time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC),
		Fields:       map[int]string{},
	}

	encoded := Encode(msg, nil)
	decoded, consumed, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), consumed)
	assert.Equal(t, msg.BeginString, decoded.BeginString)
	assert.Equal(t, msg.MsgType, decoded.MsgType)
	assert.Equal(t, msg.MsgSeqNum, decoded.MsgSeqNum)
	assert.Equal(t, msg.SenderCompID, decoded.SenderCompID)
	assert.Equal(t, msg.TargetCompID, decoded.TargetCompID)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	msg := &Message{
		BeginString:  "FIX.4.4",
		MsgType:      MsgTypeHeartbeat,
		MsgSeqNum:    1,
		SenderCompID: "A",
		TargetCompID: "B",
		Fields:       map[int]string{},
	}
	encoded := Encode(msg, nil)
	corrupted := append([]byte(nil), encoded...)
	corrupted[len(corrupted)-2] ^= 0x01 // mangle the last checksum digit

	_, _, err := Decode(corrupted)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeIncompleteFrame(t *testing.T) {
	msg := &Message{
		BeginString:  "FIX.4.4",
		MsgType:      MsgTypeHeartbeat,
		MsgSeqNum:    1,
		SenderCompID: "A",
		TargetCompID: "B",
		Fields:       map[int]string{},
	}
	encoded := Encode(msg, nil)

	_, _, err := Decode(encoded[:len(encoded)-10])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestLogonFieldsRoundTripThroughFieldOrder(t *testing.T) {
	msg := &Message{
		BeginString:  "FIX.4.4",
		MsgType:      MsgTypeLogon,
		MsgSeqNum:    1,
		SenderCompID: "INITIATOR",
		TargetCompID: "ACCEPTOR",
		Fields: map[int]string{
			TagEncryptMethod: "0",
			TagHeartBtInt:    "30",
			TagUsername:      "trader1",
		},
	}

	encoded := Encode(msg, []int{TagEncryptMethod, TagHeartBtInt, TagUsername})
	decoded, _, err := Decode(encoded)
	require.NoError(t, err)

	heartbeat, ok := decoded.GetInt(TagHeartBtInt)
	require.True(t, ok)
	assert.Equal(t, 30, heartbeat)

	username, ok := decoded.GetString(TagUsername)
	require.True(t, ok)
	assert.Equal(t, "trader1", username)
}
