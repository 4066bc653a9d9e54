// Package transport is the TCP boundary the session layer's Outbound
// Publication abstraction sits on top of (spec.md §2 item 3, §1's "Aeron-style
// shared-memory transport... out of scope" — that exclusion names the
// internal ring-buffer medium the publication package already replaces with
// algorithm.MpscRingBuffer, not the counterparty-facing sockets themselves,
// which spec.md §1 lists as the thing the gateway mediates). One WriteLoop
// drains the engine-wide publication.Reader and demuxes frames by
// connection id to the right net.Conn; one ReadLoop per connection decodes
// inbound bytes and dispatches them to a session.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wyfcoding/fixgateway/internal/publication"
	"github.com/wyfcoding/fixgateway/pkg/logger"
)

// Registry maps connection ids to live sockets, so the single outbound
// writer can route a committed frame to the right counterparty.
type Registry struct {
	mu    sync.RWMutex
	conns map[uint64]net.Conn
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint64]net.Conn)}
}

// Register associates connID with conn, overwriting any prior entry.
func (r *Registry) Register(connID uint64, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = conn
}

// Unregister drops connID, e.g. once its socket has closed.
func (r *Registry) Unregister(connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

func (r *Registry) get(connID uint64) (net.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// WriteLoop drains reader and writes each frame to the socket registered
// under its connection id, until ctx is cancelled. A frame addressed to a
// connection id with no registered socket (already disconnected) is
// dropped, matching spec.md §4's "pending outbound... dropped only on
// disconnect" for the transport's own side of that contract.
func WriteLoop(ctx context.Context, reader *publication.Reader, conns *Registry, idle time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connID, data, ok := reader.Poll()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
			continue
		}

		conn, ok := conns.get(connID)
		if !ok {
			continue
		}
		if _, err := conn.Write(data); err != nil {
			logger.Error(ctx, "transport: write failed", "conn_id", connID, "error", err)
			conns.Unregister(connID)
			_ = conn.Close()
		}
	}
}

// Decode parses one complete frame from the front of buf, returning the
// number of bytes consumed and the decoded message. Implementations return
// a sentinel "incomplete" error (not wrapped into a *session.Error) when
// buf does not yet hold a full frame, so ReadLoop knows to read more
// instead of treating it as a protocol violation.
type Decode func(buf []byte) (consumed int, msg interface{}, err error)

// IsIncomplete lets a Decode implementation's caller distinguish "need more
// bytes" from a real decode failure, without ReadLoop depending on either
// wire package's error type.
type IsIncomplete func(err error) bool

// Dispatch hands one decoded message to its owning session.
type Dispatch func(msg interface{}) error

const maxFrameBuffer = 64 * 1024

// ReadLoop reads from conn, accumulating bytes until decode can produce a
// complete frame, dispatches each decoded frame in arrival order, and
// returns when the connection closes or dispatch/decode fails
// unrecoverably. Per spec.md §5, ReadLoop never calls back into the session
// directly with a lock held — dispatch is expected to hand off to the
// framer thread (e.g. by posting to a queue the engine drains), not touch
// session state itself, if the two run on different goroutines.
func ReadLoop(conn net.Conn, decode Decode, isIncomplete IsIncomplete, dispatch Dispatch) error {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return err
		}

		for {
			consumed, msg, decErr := decode(buf)
			if decErr != nil {
				if isIncomplete(decErr) {
					break
				}
				return fmt.Errorf("transport: decode: %w", decErr)
			}
			if consumed <= 0 {
				break
			}
			if err := dispatch(msg); err != nil {
				return fmt.Errorf("transport: dispatch: %w", err)
			}
			buf = buf[consumed:]
		}

		if len(buf) > maxFrameBuffer {
			return fmt.Errorf("transport: frame buffer exceeded %d bytes without a complete frame", maxFrameBuffer)
		}
	}
}
