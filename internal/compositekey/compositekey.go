// Package compositekey implements the CompositeKey identity used to bind a
// FIX or ILink3 session to a logical counterparty, and its explicit-length-
// prefixed wire encoding for the sequence file and the session registry.
package compositekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// ErrInsufficientSpace is returned by Encode when the destination buffer is
// too small to hold the encoded key. The buffer is left untouched.
var ErrInsufficientSpace = errors.New("compositekey: insufficient space in destination buffer")

// ErrMalformed is returned by Decode when the source bytes are truncated or
// internally inconsistent.
var ErrMalformed = errors.New("compositekey: malformed encoding")

const absentSentinel = 0xFF

// CompositeKey identifies a logical session independent of the transport
// connection carrying it. SenderSubID and SenderLocationID are optional FIX
// sub-identifiers; nil means absent.
type CompositeKey struct {
	SenderCompID     []byte
	SenderSubID      []byte
	SenderLocationID []byte
	TargetCompID     []byte
}

// New builds a CompositeKey from strings, the common case at the call site
// (configuration, FIX Logon fields).
func New(senderCompID, senderSubID, senderLocationID, targetCompID string) CompositeKey {
	k := CompositeKey{
		SenderCompID: []byte(senderCompID),
		TargetCompID: []byte(targetCompID),
	}
	if senderSubID != "" {
		k.SenderSubID = []byte(senderSubID)
	}
	if senderLocationID != "" {
		k.SenderLocationID = []byte(senderLocationID)
	}
	return k
}

func encodedLen(k CompositeKey) int {
	// 2-byte total body length prefix, then one 1-byte length prefix per
	// component (4 components) plus the component bytes themselves.
	n := 2 + 4
	n += len(k.SenderCompID)
	n += len(k.SenderSubID)
	n += len(k.SenderLocationID)
	n += len(k.TargetCompID)
	return n
}

// Encode writes the length-prefixed wire form of k into buf and returns the
// number of bytes written. If buf does not have capacity for the full
// encoding, it returns ErrInsufficientSpace and leaves buf untouched.
func Encode(k CompositeKey, buf []byte) (int, error) {
	total := encodedLen(k)
	if cap(buf) < total {
		return 0, ErrInsufficientSpace
	}
	buf = buf[:total]

	binary.BigEndian.PutUint16(buf[0:2], uint16(total-2))
	pos := 2
	pos = putComponent(buf, pos, k.SenderCompID, false)
	pos = putComponent(buf, pos, k.SenderSubID, true)
	pos = putComponent(buf, pos, k.SenderLocationID, true)
	pos = putComponent(buf, pos, k.TargetCompID, false)
	return pos, nil
}

func putComponent(buf []byte, pos int, component []byte, optional bool) int {
	if optional && component == nil {
		buf[pos] = absentSentinel
		return pos + 1
	}
	buf[pos] = byte(len(component))
	pos++
	copy(buf[pos:], component)
	return pos + len(component)
}

// Decode parses the length-prefixed wire form at the start of buf and
// returns the CompositeKey plus the number of bytes consumed.
func Decode(buf []byte) (CompositeKey, int, error) {
	if len(buf) < 2 {
		return CompositeKey{}, 0, ErrMalformed
	}
	bodyLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+bodyLen {
		return CompositeKey{}, 0, ErrMalformed
	}

	var k CompositeKey
	pos := 2
	end := 2 + bodyLen

	var err error
	k.SenderCompID, pos, err = getComponent(buf, pos, end, false)
	if err != nil {
		return CompositeKey{}, 0, err
	}
	k.SenderSubID, pos, err = getComponent(buf, pos, end, true)
	if err != nil {
		return CompositeKey{}, 0, err
	}
	k.SenderLocationID, pos, err = getComponent(buf, pos, end, true)
	if err != nil {
		return CompositeKey{}, 0, err
	}
	k.TargetCompID, pos, err = getComponent(buf, pos, end, false)
	if err != nil {
		return CompositeKey{}, 0, err
	}
	if pos != end {
		return CompositeKey{}, 0, ErrMalformed
	}
	return k, pos, nil
}

func getComponent(buf []byte, pos, end int, optional bool) ([]byte, int, error) {
	if pos >= end {
		return nil, 0, ErrMalformed
	}
	length := buf[pos]
	pos++
	if optional && length == absentSentinel {
		return nil, pos, nil
	}
	if pos+int(length) > end {
		return nil, 0, ErrMalformed
	}
	component := make([]byte, length)
	copy(component, buf[pos:pos+int(length)])
	return component, pos + int(length), nil
}

// Hash returns the hex-encoded SHA-256 digest of k's canonical encoding, used
// to name the content-addressed sequence file.
func Hash(k CompositeKey) (string, error) {
	buf := make([]byte, encodedLen(k))
	n, err := Encode(k, buf)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf[:n])
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two keys identify the same logical session.
func Equal(a, b CompositeKey) bool {
	return bytes.Equal(a.SenderCompID, b.SenderCompID) &&
		bytes.Equal(a.SenderSubID, b.SenderSubID) &&
		bytes.Equal(a.SenderLocationID, b.SenderLocationID) &&
		bytes.Equal(a.TargetCompID, b.TargetCompID)
}

// String renders a human-readable identifier, used for log lines and the
// admin API, not for wire transmission.
func (k CompositeKey) String() string {
	s := string(k.SenderCompID)
	if k.SenderSubID != nil {
		s += "/" + string(k.SenderSubID)
	}
	if k.SenderLocationID != nil {
		s += "@" + string(k.SenderLocationID)
	}
	return s + "->" + string(k.TargetCompID)
}
