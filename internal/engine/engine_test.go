package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fixgateway/internal/clock"
	"github.com/wyfcoding/fixgateway/internal/compositekey"
	"github.com/wyfcoding/fixgateway/internal/registry"
)

type countingSession struct {
	polls  int64
	result int
}

func (s *countingSession) Poll(int64) (int, error) {
	atomic.AddInt64(&s.polls, 1)
	return s.result, nil
}

func (s *countingSession) Terminate() {}

func TestRunPollsRegisteredSessions(t *testing.T) {
	reg := registry.New()
	sess := &countingSession{result: 1}
	var counter uint64
	_, _, err := reg.LookupOrCreate(compositekey.New("A", "", "", "B"), "host", func() (uint64, error) {
		counter++
		return counter, nil
	}, func(uint64) (registry.Pollable, error) { return sess, nil })
	require.NoError(t, err)

	e := New(reg, clock.New(), Config{BusySpinFloor: time.Millisecond, MaxIdleSleep: 10 * time.Millisecond, ShutdownTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&sess.polls) > 2
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, e.Close(context.Background()))
}

func TestCloseReturnsOnceLoopStops(t *testing.T) {
	reg := registry.New()
	e := New(reg, clock.New(), DefaultConfig(), nil)
	go e.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, e.Close(ctx))
}
