// Package connection implements C3: the per-socket state machine, liveness
// protocol, and WebSocket read/write pumps, plus C4's orchestration glue
// (channel classification and signature validation live in internal/pusher;
// this package calls them). Grounded on an
// internal/shared/{connection,pump_read,pump_write,handlers_ws}.go reference
// implementation's gobwas/ws upgrade and pump shapes, generalized from a
// single-channel broadcast relay to the full Pusher subprotocol's
// subscribe/unsubscribe/signin/client-event/ping state machine.
package connection

import (
	"bufio"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// Status is the socket's liveness state.
type Status int32

const (
	StatusActive Status = iota
	StatusPingSent
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPingSent:
		return "ping_sent"
	case StatusClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Socket is one live WebSocket connection. It implements
// namespace.Socket so the index can fan out to and close it without
// depending on this package.
type Socket struct {
	id    namespace.SocketID
	appID string
	conn  netConn

	send chan []byte

	statusVal    atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	mu     sync.Mutex
	userID string

	closeOnce sync.Once
	done      chan struct{}

	logger zerolog.Logger
}

// netConn is the subset of net.Conn the socket needs; aliased so tests can
// substitute a fake without importing net.
type netConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

func newSocket(id namespace.SocketID, appID string, conn netConn, sendBuffer int, logger zerolog.Logger) *Socket {
	if sendBuffer < 1 {
		sendBuffer = 1
	}
	s := &Socket{
		id:     id,
		appID:  appID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.statusVal.Store(int32(StatusActive))
	s.touchActivity()
	return s
}

// ID implements namespace.Socket.
func (s *Socket) ID() namespace.SocketID { return s.id }

// Send implements namespace.Socket: enqueues payload for the write pump.
// Non-blocking — a full buffer means a slow consumer, which the local
// adapter classifies and logs rather than blocking the whole fan-out.
func (s *Socket) Send(payload []byte) error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errSocketClosed
	default:
		return errSendBufferFull
	}
}

// Close implements namespace.Socket: writes a close frame (best effort) and
// tears down the connection. Safe to call multiple times or concurrently.
func (s *Socket) Close(code uint16, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.setStatus(StatusClosing)
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, body)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Socket) Status() Status { return Status(s.statusVal.Load()) }
func (s *Socket) setStatus(st Status) { s.statusVal.Store(int32(st)) }

func (s *Socket) touchActivity() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Socket) idleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Socket) setUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *Socket) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Socket) IsAuthenticated() bool { return s.UserID() != "" }

func (s *Socket) AppID() string { return s.appID }

// writePump drains the send channel to the wire until the socket closes.
// Ported from a pump_write.go reference implementation's batching
// discipline: drain whatever is queued behind the head message before
// flushing, so N messages cost one syscall instead of N.
func (s *Socket) writePump() {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(w, ws.OpText, msg); err != nil {
				s.logger.Debug().Str("socket_id", string(s.id)).Err(err).Msg("write failed")
				return
			}
			n := len(s.send)
			for i := 0; i < n; i++ {
				next := <-s.send
				if err := wsutil.WriteServerMessage(w, ws.OpText, next); err != nil {
					s.logger.Debug().Str("socket_id", string(s.id)).Err(err).Msg("write failed")
					return
				}
			}
			if err := w.Flush(); err != nil {
				s.logger.Debug().Str("socket_id", string(s.id)).Err(err).Msg("flush failed")
				return
			}
		}
	}
}
