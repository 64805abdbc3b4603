package connection

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-ws/internal/app"
	"github.com/adred-codev/realtime-ws/internal/horizontal"
	"github.com/adred-codev/realtime-ws/internal/logging"
	"github.com/adred-codev/realtime-ws/internal/metrics"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/pusher"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config bounds the per-connection behavior driven by server configuration.
type Config struct {
	ActivityTimeout time.Duration
	PongTimeout     time.Duration
	AuthTimeout     time.Duration
	SendBuffer      int
}

// Handler orchestrates the WebSocket upgrade, the Pusher subprotocol
// dispatch, and the liveness timeouts for every socket on this node.
// Grounded on an internal/shared/{handlers_ws,pump_read}.go reference
// implementation's admission-then-upgrade-then-pump shape, generalized from a
// single broadcast relay to the full subscribe/unsubscribe/signin state
// machine the Pusher subprotocol requires.
type Handler struct {
	nodeID       string
	apps         app.Manager
	registry     *namespace.Registry
	adapter      *horizontal.Adapter
	channels     *pusher.Classifier
	cfg          Config
	currentConns *int64
	logger       zerolog.Logger
}

// New builds a Handler. currentConns must be the same counter pointer given
// to limits.NewResourceGuard and server.New, so admission checks and the
// shutdown drain loop observe the connections this handler accepts and
// closes.
func New(nodeID string, apps app.Manager, registry *namespace.Registry, adapter *horizontal.Adapter, channels *pusher.Classifier, cfg Config, currentConns *int64, logger zerolog.Logger) *Handler {
	return &Handler{
		nodeID:       nodeID,
		apps:         apps,
		registry:     registry,
		adapter:      adapter,
		channels:     channels,
		cfg:          cfg,
		currentConns: currentConns,
		logger:       logger,
	}
}

// TerminateLocal closes every socket on this node belonging to userID within
// appID. Wired into the horizontal adapter as its TerminateLocalFunc.
func (h *Handler) TerminateLocal(appID, userID string) error {
	ns, ok := h.registry.Get(appID)
	if !ok {
		return nil
	}
	for _, sock := range ns.UserSockets(userID) {
		_ = sock.Close(pusher.CloseRejected, "user connections terminated")
	}
	return nil
}

// Upgrade handles one incoming HTTP request at /app/{key}. Capacity
// admission (rate limiting, resource guard) is the caller's responsibility —
// Upgrade only resolves the app and performs the WebSocket handshake, then
// the tenant-not-found/disabled case is reported as a post-upgrade close
// frame, not an HTTP error, since the client has already
// switched protocols by the time the key is checked against the app store.
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	ctx := r.Context()
	a, ok, err := h.apps.FindByKey(ctx, key)
	if err != nil || !ok || a == nil || !a.Enabled {
		conn, _, _, upErr := ws.UpgradeHTTP(r, w)
		if upErr != nil {
			return
		}
		_ = closeWithCode(conn, pusher.CloseUnknownApp, "unknown or disabled app")
		_ = conn.Close()
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := namespace.SocketID(uuid.NewString())
	sock := newSocket(id, a.ID, conn, h.cfg.SendBuffer, h.logger)

	ns := h.registry.GetOrCreate(a.ID)
	if !ns.AddSocket(id, sock) {
		_ = sock.Close(pusher.CloseRejected, "socket id collision")
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	atomic.AddInt64(h.currentConns, 1)

	go sock.writePump()
	go h.runTimeouts(sock, a)
	h.sendConnectionEstablished(sock)
	h.readLoop(sock, a, ns)
}

func (h *Handler) sendConnectionEstablished(sock *Socket) {
	payload, err := marshalData(map[string]any{
		"socket_id":        string(sock.ID()),
		"activity_timeout": int(h.cfg.ActivityTimeout.Seconds()),
	})
	if err != nil {
		return
	}
	enc, err := encodeEnvelope(pusher.EventConnectionEstablished, "", payload)
	if err != nil {
		return
	}
	_ = sock.Send(enc)
}

// readLoop consumes frames until the connection ends, then tears the socket
// down: removes it from every channel it held, from its user's socket set,
// and from the namespace itself, emitting member_removed where its
// departure empties the last presence slot for a user.
func (h *Handler) readLoop(sock *Socket, a *app.App, ns *namespace.Namespace) {
	defer logging.RecoverPanic(h.logger, "connection.readLoop", map[string]any{"socket_id": string(sock.ID())})
	defer h.disconnect(sock, a, ns)

	for {
		msg, op, err := readFrame(sock.conn)
		if err != nil {
			return
		}
		sock.touchActivity()
		sock.setStatus(StatusActive)

		switch op {
		case ws.OpText:
			h.dispatch(sock, a, ns, msg)
		case ws.OpPing:
			_ = writePong(sock.conn)
		case ws.OpClose:
			return
		}
	}
}

func (h *Handler) disconnect(sock *Socket, a *app.App, ns *namespace.Namespace) {
	channels := ns.SocketChannels(sock.ID())
	ops := make([]namespace.UnsubscribeOp, 0, len(channels))
	for _, c := range channels {
		ops = append(ops, namespace.UnsubscribeOp{Channel: c})
	}

	departing := make(map[string]pusher.PresenceMember, len(channels))
	for _, c := range channels {
		if m, ok := ns.PresenceMemberFor(c, sock.ID()); ok {
			departing[c] = pusher.PresenceMember{UserID: m.UserID, UserInfo: m.UserInfo}
		}
	}

	// BatchUnsubscribe already drops each channel entry once empty, so the
	// remaining work is deciding whether this socket's departure was the
	// last presence slot for its user and telling the rest of the cluster.
	ns.BatchUnsubscribe(sock.ID(), ops)

	for channel, member := range departing {
		h.maybeEmitMemberRemoved(sock, a.ID, ns, channel, member)
	}

	if uid := sock.UserID(); uid != "" {
		ns.RemoveUser(uid, sock.ID())
	}
	ns.RemoveSocket(sock.ID())
	_ = sock.Close(0, "")

	metrics.ConnectionsActive.Dec()
	atomic.AddInt64(h.currentConns, -1)
	metrics.DisconnectsByReasonTotal.WithLabelValues("client_disconnect").Inc()
}

// maybeEmitMemberRemoved broadcasts member_removed once the departing user
// has no remaining sockets in channel, cluster-wide.
func (h *Handler) maybeEmitMemberRemoved(sock *Socket, appID string, ns *namespace.Namespace, channel string, member pusher.PresenceMember) {
	if ns.CountPresenceUsersWithID(channel, member.UserID) > 0 {
		return // another local socket for this user still present
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remaining, err := h.adapter.CountUserConnectionsInChannel(ctx, appID, member.UserID, channel, sock.ID())
	if err != nil || remaining > 0 {
		return
	}
	payload, err := marshalData(pusher.MemberEventData{UserID: member.UserID, UserInfo: member.UserInfo})
	if err != nil {
		return
	}
	enc, err := encodeEnvelope(pusher.EventMemberRemoved, channel, payload)
	if err != nil {
		return
	}
	_ = h.adapter.Publish(ctx, appID, channel, enc, "", 0)
}

// closeWithCode writes a close frame directly to a newly upgraded connection
// that never became a registered Socket (e.g. an unknown app key) — there is
// no send queue or write pump to route through yet.
func closeWithCode(conn netConn, code uint16, reason string) error {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	return wsutil.WriteServerMessage(conn, ws.OpClose, body)
}
