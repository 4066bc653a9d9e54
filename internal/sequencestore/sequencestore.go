// Package sequencestore implements the durable, content-addressed
// key→SequenceState mapping described in spec.md §4.5/§6.3: one file per
// CompositeKey, named by hash(CompositeKey), holding a length-prefixed
// CompositeKey encoding followed by the SequenceState fields. Writes are
// atomic via write-temp-then-rename, matching the gorm/db package's
// rewrite-in-place conventions but without a database — this file is
// consulted before the session is acknowledged as established, and must
// survive a crash between send and acknowledgement.
package sequencestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wyfcoding/fixgateway/internal/compositekey"
)

// ErrNotFound is returned by Load when no sequence state has been persisted
// for the given key.
var ErrNotFound = errors.New("sequencestore: no state for key")

// SequenceState is the per-session durable sequencing state of spec.md §3.
type SequenceState struct {
	NextSentSeqNo uint64
	NextRecvSeqNo uint64
	SequenceIndex uint32
	UUID          uint64
	LastUUID      uint64
}

// Store is a directory of content-addressed sequence files. It must only be
// written from the framer thread (spec.md §5's "Shared resources" note);
// concurrent Load calls from other goroutines (e.g. the admin API) are safe.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open returns a Store rooted at dir, creating the directory if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sequencestore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(key compositekey.CompositeKey) (string, error) {
	h, err := compositekey.Hash(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, h+".seq"), nil
}

// Load reads the persisted SequenceState for key, or ErrNotFound if absent.
func (s *Store) Load(key compositekey.CompositeKey) (SequenceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(key)
	if err != nil {
		return SequenceState{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SequenceState{}, ErrNotFound
		}
		return SequenceState{}, fmt.Errorf("sequencestore: read %s: %w", path, err)
	}

	return decode(data)
}

// Save atomically persists state for key via write-temp-then-rename.
func (s *Store) Save(key compositekey.CompositeKey, state SequenceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	data, err := encode(key, state)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sequencestore: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sequencestore: rename: %w", err)
	}
	return nil
}

// Reset deletes the persisted state for key, if any.
func (s *Store) Reset(key compositekey.CompositeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sequencestore: remove: %w", err)
	}
	return nil
}

const stateFieldsLen = 8 + 8 + 4 + 8 + 8 // next_sent, next_recv, seq_index, uuid, last_uuid

func encode(key compositekey.CompositeKey, state SequenceState) ([]byte, error) {
	keyBuf := make([]byte, 256)
	n, err := compositekey.Encode(key, keyBuf)
	if err != nil {
		return nil, err
	}

	out := make([]byte, n+stateFieldsLen)
	copy(out, keyBuf[:n])
	pos := n
	binary.BigEndian.PutUint64(out[pos:], state.NextSentSeqNo)
	pos += 8
	binary.BigEndian.PutUint64(out[pos:], state.NextRecvSeqNo)
	pos += 8
	binary.BigEndian.PutUint32(out[pos:], state.SequenceIndex)
	pos += 4
	binary.BigEndian.PutUint64(out[pos:], state.UUID)
	pos += 8
	binary.BigEndian.PutUint64(out[pos:], state.LastUUID)
	return out, nil
}

func decode(data []byte) (SequenceState, error) {
	_, consumed, err := compositekey.Decode(data)
	if err != nil {
		return SequenceState{}, err
	}
	if len(data) < consumed+stateFieldsLen {
		return SequenceState{}, fmt.Errorf("sequencestore: truncated record")
	}

	pos := consumed
	var state SequenceState
	state.NextSentSeqNo = binary.BigEndian.Uint64(data[pos:])
	pos += 8
	state.NextRecvSeqNo = binary.BigEndian.Uint64(data[pos:])
	pos += 8
	state.SequenceIndex = binary.BigEndian.Uint32(data[pos:])
	pos += 4
	state.UUID = binary.BigEndian.Uint64(data[pos:])
	pos += 8
	state.LastUUID = binary.BigEndian.Uint64(data[pos:])
	return state, nil
}
