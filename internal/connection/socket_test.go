package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/realtime-ws/internal/apperror"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal netConn double that records writes and can be told
// to error on Write/Read to exercise the socket's error paths.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	writeErr error
}

func (c *fakeConn) Read(b []byte) (int, error) {
	<-make(chan struct{}) // block forever; tests don't exercise reads through this fake
	return 0, nil
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	c.written = append(c.written, cp)
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestSocketSendEnqueuesUntilBufferFull(t *testing.T) {
	conn := &fakeConn{}
	sock := newSocket("s1", "app1", conn, 2, zerolog.Nop())

	require.NoError(t, sock.Send([]byte("a")))
	require.NoError(t, sock.Send([]byte("b")))

	err := sock.Send([]byte("c"))
	require.Error(t, err)
	require.True(t, apperror.Is(err, apperror.KindConnection))
}

func TestSocketSendAfterCloseReturnsClosedError(t *testing.T) {
	conn := &fakeConn{}
	sock := newSocket("s1", "app1", conn, 4, zerolog.Nop())

	require.NoError(t, sock.Close(4000, "bye"))
	require.True(t, conn.closed)

	err := sock.Send([]byte("x"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errSocketClosed))
}

func TestSocketCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	sock := newSocket("s1", "app1", conn, 4, zerolog.Nop())

	require.NoError(t, sock.Close(4000, "first"))
	conn.mu.Lock()
	afterFirst := len(conn.written)
	conn.mu.Unlock()
	require.NotZero(t, afterFirst, "the first Close must write a close frame")

	require.NoError(t, sock.Close(4000, "second"))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, afterFirst, "a second Close must not write a second close frame")
}

func TestSocketStatusAndActivityTransitions(t *testing.T) {
	conn := &fakeConn{}
	sock := newSocket("s1", "app1", conn, 4, zerolog.Nop())

	require.Equal(t, StatusActive, sock.Status())
	sock.setStatus(StatusPingSent)
	require.Equal(t, StatusPingSent, sock.Status())

	require.False(t, sock.IsAuthenticated())
	sock.setUserID("user-1")
	require.True(t, sock.IsAuthenticated())
	require.Equal(t, "user-1", sock.UserID())
}

func TestSocketWritePumpWritesQueuedMessages(t *testing.T) {
	conn := &fakeConn{}
	sock := newSocket("s1", "app1", conn, 8, zerolog.Nop())

	go sock.writePump()

	require.NoError(t, sock.Send([]byte("one")))
	require.NoError(t, sock.Send([]byte("two")))

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.written) > 0
	}, time.Second, 5*time.Millisecond)

	close(sock.done)
}
