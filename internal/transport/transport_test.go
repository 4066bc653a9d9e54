package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixgateway/internal/publication"
)

var errIncomplete = errors.New("incomplete")

// lengthPrefixDecode treats the first byte of buf as a length prefix,
// purely for exercising ReadLoop's accumulate-then-decode loop without
// depending on either wire codec.
func lengthPrefixDecode(buf []byte) (int, interface{}, error) {
	if len(buf) == 0 {
		return 0, nil, errIncomplete
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return 0, nil, errIncomplete
	}
	return 1 + n, append([]byte(nil), buf[1:1+n]...), nil
}

func TestReadLoopDispatchesFramesAcrossMultipleReads(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	var received [][]byte
	done := make(chan error, 1)
	go func() {
		done <- ReadLoop(server, lengthPrefixDecode, func(err error) bool { return errors.Is(err, errIncomplete) }, func(msg interface{}) error {
			received = append(received, msg.([]byte))
			return nil
		})
	}()

	go func() {
		client.Write([]byte{3, 'a', 'b'})
		time.Sleep(10 * time.Millisecond)
		client.Write([]byte{'c', 2, 'x', 'y'})
		client.Close()
	}()

	err := <-done
	require.Error(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, []byte("abc"), received[0])
	assert.Equal(t, []byte("xy"), received[1])
}

func TestWriteLoopRoutesFramesByConnectionID(t *testing.T) {
	pub, err := publication.New(8)
	require.NoError(t, err)
	reader := publication.NewReader(pub)

	serverA, clientA := net.Pipe()
	defer clientA.Close()
	defer serverA.Close()

	conns := NewRegistry()
	conns.Register(1, serverA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go WriteLoop(ctx, reader, conns, time.Millisecond)

	slot, err := pub.TryClaim(1, 5)
	require.NoError(t, err)
	copy(slot.Buf, []byte("hello"))
	require.NoError(t, slot.Commit())

	out := make([]byte, 5)
	clientA.SetReadDeadline(time.Now().Add(time.Second))
	n, err := clientA.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out[:n]))
}

func TestWriteLoopDropsFramesForUnregisteredConnection(t *testing.T) {
	pub, err := publication.New(8)
	require.NoError(t, err)
	reader := publication.NewReader(pub)
	conns := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go WriteLoop(ctx, reader, conns, time.Millisecond)

	slot, err := pub.TryClaim(99, 3)
	require.NoError(t, err)
	copy(slot.Buf, []byte("abc"))
	require.NoError(t, slot.Commit())

	time.Sleep(20 * time.Millisecond)
}
