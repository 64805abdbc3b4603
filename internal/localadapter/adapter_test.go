package localadapter

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPlanChunksClampedToEight(t *testing.T) {
	chunks, size := planChunks(10000, 4)
	require.Equal(t, 8, chunks)
	require.Equal(t, 4, size) // clamp(10000/8, 1, 4) = 4
}

func TestPlanChunksSmallTarget(t *testing.T) {
	chunks, size := planChunks(2, 16)
	require.Equal(t, 1, chunks)
	require.Equal(t, 2, size) // clamp(2/1, 1, 16) = 2
}

func TestPlanChunksZero(t *testing.T) {
	chunks, size := planChunks(0, 16)
	require.Equal(t, 0, chunks)
	require.Equal(t, 0, size)
}

type countingSocket struct {
	id  namespace.SocketID
	n   *int64
	err error
}

func (s *countingSocket) ID() namespace.SocketID { return s.id }
func (s *countingSocket) Send(data []byte) error {
	atomic.AddInt64(s.n, 1)
	return s.err
}
func (s *countingSocket) Close(code uint16, reason string) error { return nil }

func TestSendDeliversToAllTargets(t *testing.T) {
	a := New(zerolog.Nop(), 4)
	var sent int64
	targets := make([]namespace.Socket, 0, 50)
	for i := 0; i < 50; i++ {
		targets = append(targets, &countingSocket{id: namespace.SocketID("s"), n: &sent})
	}
	a.Send(targets, []byte("payload"))
	require.Equal(t, int64(50), atomic.LoadInt64(&sent))
	require.Equal(t, 0, a.InFlight())
}

func TestSendToleratesPerSocketErrors(t *testing.T) {
	a := New(zerolog.Nop(), 2)
	var sent int64
	targets := []namespace.Socket{
		&countingSocket{id: "ok", n: &sent},
		&countingSocket{id: "bad", n: &sent, err: errors.New("boom")},
	}
	require.NotPanics(t, func() { a.Send(targets, []byte("x")) })
	require.Equal(t, int64(2), atomic.LoadInt64(&sent))
}
