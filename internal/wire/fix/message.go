// Package fix implements the tag=value, SOH-delimited FIX wire codec for the
// session-layer messages spec.md §6.1 names: Logon(A), Logout(5),
// Heartbeat(0), TestRequest(1), ResendRequest(2), Reject(3),
// SequenceReset(4). Business-message bodies pass through as opaque fields;
// the gateway's session layer never interprets them.
//
// Grounded on the parsing style of the Coinbase quickfix-based market-data
// client (single-pass tag/value scan over raw bytes, no reflection), adapted
// here to decode the fixed session-message set rather than market-data
// repeating groups.
package fix

import "time"

// SOH is the FIX field delimiter (ASCII 0x01).
const SOH = '\x01'

// MsgType values for the session messages this codec understands.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogon         = "A"
	MsgTypeLogout        = "5"
)

// Tag numbers used by the session layer.
const (
	TagBeginString    = 8
	TagBodyLength     = 9
	TagMsgType        = 35
	TagMsgSeqNum      = 34
	TagSenderCompID   = 49
	TagTargetCompID   = 56
	TagSendingTime    = 52
	TagCheckSum       = 10
	TagEncryptMethod  = 98
	TagHeartBtInt     = 108
	TagUsername       = 553
	TagPassword       = 554
	TagResetSeqNumFlag = 141
	TagPossDupFlag    = 43
	TagTestReqID      = 112
	TagBeginSeqNo     = 7
	TagEndSeqNo       = 16
	TagNewSeqNo       = 36
	TagGapFillFlag    = 123
	TagSenderSubID    = 50
	TagSenderLocID    = 142
)

// Message is a decoded FIX session message: the mandatory header/trailer
// fields plus every other tag the frame carried, keyed by tag number; the
// order the tags arrived in is not kept.
type Message struct {
	BeginString  string
	MsgType      string
	MsgSeqNum    int
	SenderCompID string
	TargetCompID string
	SendingTime  time.Time
	PossDupFlag  bool

	// Fields holds every tag present in the frame, including the header
	// fields above, keyed by tag number, for session-message fields the
	// typed accessors below don't cover (e.g. Username, HeartBtInt).
	Fields map[int]string
}

// GetInt returns tag's value parsed as an int, or (0, false) if absent or
// non-numeric.
func (m *Message) GetInt(tag int) (int, bool) {
	v, ok := m.Fields[tag]
	if !ok {
		return 0, false
	}
	n, err := atoiStrict(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetString returns tag's raw string value, or ("", false) if absent.
func (m *Message) GetString(tag int) (string, bool) {
	v, ok := m.Fields[tag]
	return v, ok
}

// GetBool returns tag's value interpreted as a FIX boolean ("Y"/"N").
func (m *Message) GetBool(tag int) bool {
	v, ok := m.Fields[tag]
	return ok && v == "Y"
}
