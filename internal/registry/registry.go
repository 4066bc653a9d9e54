// Package registry implements the Session Registry of spec.md §4.1: it
// exclusively owns sessions by CompositeKey and connection id, rejects
// duplicate binds, and routes inbound bytes to the owning session. Per
// spec.md §9, callers outside the framer thread only ever hold the opaque
// Identity handle this package (and session.Handler) expose — never a
// pointer to the session itself.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wyfcoding/fixgateway/internal/compositekey"
)

// ErrDuplicateConnection is returned by Bind when key is already bound to a
// non-terminal session on the same host profile (spec.md §4.1, §7).
var ErrDuplicateConnection = errors.New("registry: duplicate connection for key+host profile")

// ErrUnknownSession is returned by Route when connID is not bound.
var ErrUnknownSession = errors.New("registry: unknown session for connection")

// Pollable is the subset of session.FixSession / session.ILink3Session the
// registry and engine need, independent of protocol family — the
// "protocol family is a separate variant" dispatch spec.md §9 describes.
type Pollable interface {
	Poll(nowMillis int64) (int, error)
}

// directoryKey is the registry's duplicate-bind key: CompositeKey plus host
// profile, per spec.md §4.1's parenthetical about distinct market-segment
// hosts.
type directoryKey struct {
	keyHash     string
	hostProfile string
}

// entry is one registered session plus its lifecycle state.
type entry struct {
	session    Pollable
	key        compositekey.CompositeKey
	hostProfile string
	connID     uint64
	bound      bool
	terminal   bool
}

// Registry is the single owner of every session in one engine instance. It
// must only be mutated from the framer thread (spec.md §5); reads from
// other threads (e.g. the admin API) should go through a snapshot method.
type Registry struct {
	mu sync.Mutex

	nextSessionID uint64
	byKey         map[directoryKey]uint64
	byConn        map[uint64]uint64
	byID          map[uint64]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byKey:  make(map[directoryKey]uint64),
		byConn: make(map[uint64]uint64),
		byID:   make(map[uint64]*entry),
	}
}

func dirKey(key compositekey.CompositeKey, hostProfile string) (directoryKey, error) {
	h, err := compositekey.Hash(key)
	if err != nil {
		return directoryKey{}, err
	}
	return directoryKey{keyHash: h, hostProfile: hostProfile}, nil
}

// LookupOrCreate returns the existing session id for (key, hostProfile) or
// allocates a new dense SessionId via newID and registers it with the
// not-yet-bound session session returned by makeSession. Concurrent
// creators are serialized by the registry's own lock — the "single-threaded
// ownership" spec.md §4.1 cites is this lock, not an assumption about
// caller concurrency.
func (r *Registry) LookupOrCreate(key compositekey.CompositeKey, hostProfile string, newID func() (uint64, error), makeSession func(sessionID uint64) (Pollable, error)) (sessionID uint64, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dk, err := dirKey(key, hostProfile)
	if err != nil {
		return 0, false, err
	}

	if id, ok := r.byKey[dk]; ok {
		if e, ok := r.byID[id]; ok && !e.terminal {
			return id, false, nil
		}
	}

	id, err := newID()
	if err != nil {
		return 0, false, fmt.Errorf("registry: allocate session id: %w", err)
	}
	sess, err := makeSession(id)
	if err != nil {
		return 0, false, err
	}

	r.byKey[dk] = id
	r.byID[id] = &entry{session: sess, key: key, hostProfile: hostProfile}
	return id, true, nil
}

// Bind associates connID with sessionID, failing with
// ErrDuplicateConnection if the key is already bound to another live
// connection on the same host profile.
func (r *Registry) Bind(sessionID uint64, connID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if e.bound && !e.terminal {
		return ErrDuplicateConnection
	}
	e.connID = connID
	e.bound = true
	r.byConn[connID] = sessionID
	return nil
}

// Route returns the Pollable bound to connID, or ErrUnknownSession.
func (r *Registry) Route(connID uint64) (Pollable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connID]
	if !ok {
		return nil, ErrUnknownSession
	}
	e, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return e.session, nil
}

// MarkTerminal records that sessionID has reached DISCONNECTED/UNBOUND,
// releasing its directory and connection bindings so the CompositeKey can
// be bound again (spec.md §3's "Ownership and lifecycle").
func (r *Registry) MarkTerminal(sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[sessionID]
	if !ok {
		return
	}
	e.terminal = true
	delete(r.byConn, e.connID)
}

// Remove drops sessionID entirely once the owning library has consumed its
// final notification (spec.md §3).
func (r *Registry) Remove(sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[sessionID]
	if !ok {
		return
	}
	dk, err := dirKey(e.key, e.hostProfile)
	if err == nil {
		delete(r.byKey, dk)
	}
	delete(r.byConn, e.connID)
	delete(r.byID, sessionID)
}

// Sessions returns a snapshot of every registered (sessionID, Pollable)
// pair, for the engine's poll loop to iterate.
func (r *Registry) Sessions() map[uint64]Pollable {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint64]Pollable, len(r.byID))
	for id, e := range r.byID {
		if !e.terminal {
			out[id] = e.session
		}
	}
	return out
}
