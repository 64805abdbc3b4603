package connection

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/adred-codev/realtime-ws/internal/app"
	"github.com/adred-codev/realtime-ws/internal/metrics"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/pusher"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const clientEventPrefix = "client-"

// readFrame reads one client data frame, using wsutil.ReadClientData the
// same way a pump_read.go reference implementation does.
func readFrame(conn netConn) ([]byte, ws.OpCode, error) {
	return wsutil.ReadClientData(conn)
}

// writePong answers a raw WebSocket ping with a raw pong. The gobwas stack
// does not auto-pong server-side reads the way some clients expect, and the
// teacher's auto-pong default is disabled here because PingSent bookkeeping
// must stay in this package's hands (grounded on
// original_source/src/adapter/handler/timeout_management.rs's
// handle_ping_frame, which does the same for its own liveness timer).
func writePong(conn netConn) error {
	return wsutil.WriteServerMessage(conn, ws.OpPong, nil)
}

func marshalData(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// encodeEnvelope serializes a pusher.Message whose data is a JSON-encoded
// string, the wire shape every server-originated payload-carrying event uses
// except pusher:error and pusher:signin_success (see encodeInlineEnvelope).
func encodeEnvelope(event, channel string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(pusher.Message{Event: event, Channel: channel, Data: string(data)})
}

// encodeInlineEnvelope serializes a pusher.Message with data as an inline
// JSON object, reserved for pusher:error and pusher:signin_success.
func encodeInlineEnvelope(event, channel string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(pusher.Message{Event: event, Channel: channel, RawData: data})
}

func sendError(sock *Socket, code int, message string) {
	payload, err := marshalData(pusher.ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	enc, err := encodeInlineEnvelope(pusher.EventError, "", payload)
	if err != nil {
		return
	}
	_ = sock.Send(enc)
}

// dispatch handles one pusher:* text frame.
func (h *Handler) dispatch(sock *Socket, a *app.App, ns *namespace.Namespace, raw []byte) {
	// Route on the event name alone: pusher:* frames carry data as an
	// object, which each handler decodes into its own frame type.
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		sendError(sock, pusher.CloseInvalidPayload, "malformed frame")
		return
	}

	switch {
	case env.Event == pusher.EventPing:
		h.handlePing(sock)
	case env.Event == pusher.EventPong:
		// client-initiated pong; activity was already touched by the caller.
	case env.Event == pusher.EventSubscribe:
		h.handleSubscribe(sock, a, ns, raw)
	case env.Event == pusher.EventUnsubscribe:
		h.handleUnsubscribe(sock, a, ns, raw)
	case env.Event == pusher.EventSignin:
		h.handleSignin(sock, a, raw)
	case strings.HasPrefix(env.Event, clientEventPrefix):
		var msg pusher.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			sendError(sock, pusher.CloseInvalidPayload, "malformed frame")
			return
		}
		h.handleClientEvent(sock, a, ns, msg)
	default:
		sendError(sock, pusher.CloseInvalidPayload, "unknown event: "+env.Event)
	}
}

func (h *Handler) handlePing(sock *Socket) {
	enc, err := encodeEnvelope(pusher.EventPong, "", nil)
	if err != nil {
		return
	}
	_ = sock.Send(enc)
}

type subscribeFrame struct {
	Event string               `json:"event"`
	Data  pusher.SubscribeData `json:"data"`
}

// handleSubscribe validates the channel-type auth requirement, registers the
// socket against the channel, and for presence channels parses the member
// payload, records it, emits subscription_succeeded (with the channel's
// current presence snapshot), and — only on first join for this user —
// broadcasts member_added cluster-wide.
func (h *Handler) handleSubscribe(sock *Socket, a *app.App, ns *namespace.Namespace, raw []byte) {
	var frame subscribeFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Data.Channel == "" {
		sendError(sock, pusher.CloseInvalidPayload, "malformed subscribe frame")
		return
	}
	channel := frame.Data.Channel
	typ := h.channels.Classify(channel)

	if typ.RequiresAuthentication() {
		if !pusher.VerifySubscribeAuth(frame.Data.Auth, a.Key, a.Secret, string(sock.ID()), channel, frame.Data.ChannelData) {
			metrics.SubscriptionErrorsTotal.WithLabelValues("bad_signature").Inc()
			h.sendSubscriptionError(sock, channel, "invalid signature")
			return
		}
	}

	var member pusher.PresenceMember
	isPresence := typ.IsPresence()
	if isPresence {
		m, err := pusher.ParsePresenceData(frame.Data.ChannelData)
		if err != nil {
			metrics.SubscriptionErrorsTotal.WithLabelValues("bad_presence_data").Inc()
			h.sendSubscriptionError(sock, channel, "malformed channel_data")
			return
		}
		member = m
	}

	newlyAdded := ns.AddToChannel(channel, sock.ID())
	if isPresence {
		ns.SetPresenceMember(channel, sock.ID(), namespace.PresenceMember{UserID: member.UserID, UserInfo: member.UserInfo})
	}

	metrics.SubscriptionsTotal.WithLabelValues(channelTypeLabel(typ)).Inc()

	h.sendSubscriptionSucceeded(sock, a.ID, channel, isPresence)

	if isPresence && newlyAdded && ns.CountPresenceUsersWithID(channel, member.UserID) == 1 {
		h.broadcastMemberAdded(sock, a.ID, channel, member)
	}
}

func (h *Handler) sendSubscriptionError(sock *Socket, channel, reason string) {
	payload, err := marshalData(map[string]string{"error": reason})
	if err != nil {
		return
	}
	enc, err := encodeEnvelope(pusher.EventSubscriptionError, channel, payload)
	if err != nil {
		return
	}
	_ = sock.Send(enc)
}

func (h *Handler) sendSubscriptionSucceeded(sock *Socket, appID, channel string, isPresence bool) {
	var payload json.RawMessage
	if isPresence {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		members, err := h.adapter.ChannelMembers(ctx, appID, channel)
		if err != nil {
			h.logger.Debug().Err(err).Str("channel", channel).Msg("failed to resolve presence snapshot")
		}
		snapshot := pusher.PresenceSnapshot{
			IDs:   make([]string, 0, len(members)),
			Hash:  make(map[string]json.RawMessage, len(members)),
			Count: len(members),
		}
		for uid, m := range members {
			snapshot.IDs = append(snapshot.IDs, uid)
			snapshot.Hash[uid] = m.UserInfo
		}
		p, err := marshalData(pusher.PresencePayload{Presence: snapshot})
		if err != nil {
			return
		}
		payload = p
	} else {
		p, err := marshalData(struct{}{})
		if err != nil {
			return
		}
		payload = p
	}
	enc, err := encodeEnvelope(pusher.EventSubscriptionSucceeded, channel, payload)
	if err != nil {
		return
	}
	_ = sock.Send(enc)
}

func (h *Handler) broadcastMemberAdded(sock *Socket, appID, channel string, member pusher.PresenceMember) {
	payload, err := marshalData(pusher.MemberEventData{UserID: member.UserID, UserInfo: member.UserInfo})
	if err != nil {
		return
	}
	enc, err := encodeEnvelope(pusher.EventMemberAdded, channel, payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.adapter.Publish(ctx, appID, channel, enc, sock.ID(), 0); err != nil {
		h.logger.Debug().Err(err).Str("channel", channel).Msg("member_added publish failed")
	}
}

type unsubscribeFrame struct {
	Event string                 `json:"event"`
	Data  pusher.UnsubscribeData `json:"data"`
}

// handleUnsubscribe captures the departing presence member (if any) before
// removing the socket from the channel, then emits member_removed once the
// user has no remaining sockets in the channel anywhere in the cluster.
func (h *Handler) handleUnsubscribe(sock *Socket, a *app.App, ns *namespace.Namespace, raw []byte) {
	var frame unsubscribeFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Data.Channel == "" {
		return
	}
	channel := frame.Data.Channel

	member, hadPresence := ns.PresenceMemberFor(channel, sock.ID())
	removed, empty := ns.RemoveFromChannel(channel, sock.ID())
	if empty {
		ns.RemoveChannel(channel)
	}
	if !removed {
		return
	}

	if hadPresence {
		h.maybeEmitMemberRemoved(sock, a.ID, ns, channel, pusher.PresenceMember{UserID: member.UserID, UserInfo: member.UserInfo})
	}
}

type signinFrame struct {
	Event string             `json:"event"`
	Data  pusher.SigninData  `json:"data"`
}

// handleSignin validates the signin auth token, records the socket's
// user_id, and responds with pusher:signin_success. The
// one-shot auth timeout goroutine checks IsAuthenticated() at expiry, so no
// explicit cancellation signal is needed here beyond setting the user id.
func (h *Handler) handleSignin(sock *Socket, a *app.App, raw []byte) {
	var frame signinFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Data.Auth == "" {
		sendError(sock, pusher.CloseInvalidPayload, "malformed signin frame")
		return
	}
	if !pusher.VerifySigninAuth(frame.Data.Auth, a.Key, a.Secret, string(sock.ID()), frame.Data.UserData) {
		_ = sock.Close(pusher.CloseUnauthorized, "invalid signin signature")
		return
	}

	var userData struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(frame.Data.UserData), &userData); err != nil || userData.UserID == "" {
		sendError(sock, pusher.CloseInvalidPayload, "malformed user_data")
		return
	}

	sock.setUserID(userData.UserID)
	if ns, ok := h.registry.Get(a.ID); ok {
		ns.AddUser(userData.UserID, sock.ID())
	}

	payload, err := marshalData(pusher.SigninSuccessData{UserData: frame.Data.UserData})
	if err != nil {
		return
	}
	enc, err := encodeInlineEnvelope(pusher.EventSigninSuccess, "", payload)
	if err != nil {
		return
	}
	_ = sock.Send(enc)
}

// handleClientEvent relays a client-<name> event to the rest of a channel's
// subscribers. Requires the sender be authenticated and a current member of
// the channel.
func (h *Handler) handleClientEvent(sock *Socket, a *app.App, ns *namespace.Namespace, msg pusher.Message) {
	if !sock.IsAuthenticated() {
		sendError(sock, pusher.CloseUnauthorized, "client events require pusher:signin")
		return
	}
	if msg.Channel == "" || !ns.IsInChannel(msg.Channel, sock.ID()) {
		sendError(sock, pusher.CloseUnauthorized, "not subscribed to channel")
		return
	}

	// msg.Data is already the JSON-encoded string the client sent; relay it
	// as-is rather than re-marshaling it.
	enc, err := json.Marshal(pusher.Message{Event: msg.Event, Channel: msg.Channel, Data: msg.Data})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.adapter.Publish(ctx, a.ID, msg.Channel, enc, sock.ID(), 0); err != nil {
		h.logger.Debug().Err(err).Str("channel", msg.Channel).Msg("client event publish failed")
	}
}

func channelTypeLabel(t pusher.ChannelType) string {
	switch t {
	case pusher.ChannelPresence:
		return "presence"
	case pusher.ChannelPrivateEncrypted:
		return "private_encrypted"
	case pusher.ChannelPrivate:
		return "private"
	case pusher.ChannelServerToUser:
		return "server_to_user"
	default:
		return "public"
	}
}
