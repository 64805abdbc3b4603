package connection

import (
	"time"

	"github.com/adred-codev/realtime-ws/internal/app"
	"github.com/adred-codev/realtime-ws/internal/logging"
	"github.com/adred-codev/realtime-ws/internal/pusher"
)

// runTimeouts starts the recurring activity/ping-pong liveness check, and,
// only when the app requires it, the one-shot signin timeout. Grounded on
// original_source/src/adapter/handler/timeout_management.rs's
// setup_initial_timeouts: the activity timer always runs; the auth timer is
// conditional on app_config.enable_user_authentication.
func (h *Handler) runTimeouts(sock *Socket, a *app.App) {
	if a.RequireSignin {
		go h.authTimeout(sock)
	}
	h.activityTimeoutLoop(sock)
}

// activityTimeoutLoop re-verifies idleness rather than firing once: when the
// socket has been idle for ActivityTimeout, it sends pusher:ping and waits
// PongTimeout for either a pong or any other client frame to reset activity.
// If the socket is still PingSent when that wait ends, the connection is
// stale and is closed 4201; otherwise the loop restarts against the fresh
// activity timestamp. Ported from timeout_management.rs's
// set_activity_timeout.
func (h *Handler) activityTimeoutLoop(sock *Socket) {
	defer logging.RecoverPanic(h.logger, "connection.activityTimeout", map[string]any{"socket_id": string(sock.ID())})

	timer := time.NewTimer(h.cfg.ActivityTimeout)
	defer timer.Stop()

	for {
		select {
		case <-sock.done:
			return
		case <-timer.C:
			idle := sock.idleSince()
			if idle < h.cfg.ActivityTimeout {
				timer.Reset(h.cfg.ActivityTimeout - idle)
				continue
			}

			h.sendPing(sock)
			sock.setStatus(StatusPingSent)

			select {
			case <-sock.done:
				return
			case <-time.After(h.cfg.PongTimeout):
				if sock.Status() == StatusPingSent {
					_ = sock.Close(pusher.ClosePongTimeout, "ping timeout")
					return
				}
				timer.Reset(h.cfg.ActivityTimeout)
			}
		}
	}
}

// authTimeout closes the socket with 4009 if it is still unauthenticated
// once AuthTimeout has elapsed. One-shot, unlike the recurring activity
// timer, since signin either happens once or the connection is dropped.
func (h *Handler) authTimeout(sock *Socket) {
	defer logging.RecoverPanic(h.logger, "connection.authTimeout", map[string]any{"socket_id": string(sock.ID())})

	select {
	case <-sock.done:
		return
	case <-time.After(h.cfg.AuthTimeout):
		if !sock.IsAuthenticated() {
			_ = sock.Close(pusher.CloseAuthTimeout, "signin required")
		}
	}
}

func (h *Handler) sendPing(sock *Socket) {
	enc, err := encodeEnvelope(pusher.EventPing, "", nil)
	if err != nil {
		return
	}
	_ = sock.Send(enc)
}
