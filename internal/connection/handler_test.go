package connection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adred-codev/realtime-ws/internal/app"
	"github.com/adred-codev/realtime-ws/internal/horizontal"
	"github.com/adred-codev/realtime-ws/internal/localadapter"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/pusher"
	"github.com/adred-codev/realtime-ws/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// singleNodeTransport is a no-op Transport double: this node is the only
// subscriber, so every cluster request short-circuits without needing a
// real broker — sufficient for exercising dispatch logic in isolation.
type singleNodeTransport struct{}

func (singleNodeTransport) PublishBroadcast(ctx context.Context, msg *transport.BroadcastMessage) error {
	return nil
}
func (singleNodeTransport) PublishRequest(ctx context.Context, req *transport.RequestBody) error {
	return nil
}
func (singleNodeTransport) PublishResponse(ctx context.Context, resp *transport.ResponseBody) error {
	return nil
}
func (singleNodeTransport) StartListeners(ctx context.Context, h transport.Handlers) error {
	return nil
}
func (singleNodeTransport) NodeCount(ctx context.Context) (int, error) { return 1, nil }
func (singleNodeTransport) CheckHealth(ctx context.Context) error      { return nil }
func (singleNodeTransport) Close() error                               { return nil }

func newTestHandler(t *testing.T, a *app.App) (*Handler, *namespace.Registry) {
	t.Helper()
	registry := namespace.NewRegistry()
	local := localadapter.New(zerolog.Nop(), 4)
	adapter := horizontal.New("node-test", singleNodeTransport{}, local, registry, 100*time.Millisecond, zerolog.Nop())
	require.NoError(t, adapter.Start(context.Background()))
	t.Cleanup(adapter.Close)

	manager := app.NewMemoryManager(a)
	var currentConns int64
	h := New("node-test", manager, registry, adapter, pusher.NewClassifier(100), Config{
		ActivityTimeout: time.Minute,
		PongTimeout:     time.Second,
		AuthTimeout:     time.Minute,
		SendBuffer:      16,
	}, &currentConns, zerolog.Nop())
	return h, registry
}

func newRegisteredSocket(t *testing.T, registry *namespace.Registry, appID string, id namespace.SocketID) (*Socket, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sock := newSocket(id, appID, conn, 16, zerolog.Nop())
	ns := registry.GetOrCreate(appID)
	require.True(t, ns.AddSocket(id, sock))
	return sock, conn
}

func lastFrame(t *testing.T, sock *Socket) pusher.Message {
	t.Helper()
	select {
	case b := <-sock.send:
		// Decode only the envelope fields: pusher:error and
		// pusher:signin_success carry data as an inline object, which
		// pusher.Message's string Data field cannot hold.
		var env struct {
			Event   string `json:"event"`
			Channel string `json:"channel"`
		}
		require.NoError(t, json.Unmarshal(b, &env))
		return pusher.Message{Event: env.Event, Channel: env.Channel}
	default:
		t.Fatal("expected a queued frame, found none")
		return pusher.Message{}
	}
}

func testApp() *app.App {
	return &app.App{ID: "app1", Key: "key1", Secret: "secret1", Enabled: true, RequireSignin: false}
}

func TestHandleSubscribePublicChannelNeedsNoAuth(t *testing.T) {
	a := testApp()
	h, registry := newTestHandler(t, a)
	sock, _ := newRegisteredSocket(t, registry, a.ID, "s1")
	ns, _ := registry.Get(a.ID)

	raw, _ := json.Marshal(subscribeFrame{Event: pusher.EventSubscribe, Data: pusher.SubscribeData{Channel: "public-room"}})
	h.handleSubscribe(sock, a, ns, raw)

	msg := lastFrame(t, sock)
	require.Equal(t, pusher.EventSubscriptionSucceeded, msg.Event)
	require.True(t, ns.IsInChannel("public-room", "s1"))
}

func TestHandleSubscribePrivateChannelRejectsBadSignature(t *testing.T) {
	a := testApp()
	h, registry := newTestHandler(t, a)
	sock, _ := newRegisteredSocket(t, registry, a.ID, "s1")
	ns, _ := registry.Get(a.ID)

	raw, _ := json.Marshal(subscribeFrame{Event: pusher.EventSubscribe, Data: pusher.SubscribeData{
		Channel: "private-room", Auth: "key1:deadbeef",
	}})
	h.handleSubscribe(sock, a, ns, raw)

	msg := lastFrame(t, sock)
	require.Equal(t, pusher.EventSubscriptionError, msg.Event)
	require.False(t, ns.IsInChannel("private-room", "s1"))
}

func TestHandleSubscribePrivateChannelAcceptsValidSignature(t *testing.T) {
	a := testApp()
	h, registry := newTestHandler(t, a)
	sock, _ := newRegisteredSocket(t, registry, a.ID, "s1")
	ns, _ := registry.Get(a.ID)

	auth := pusher.Sign(a.Key, a.Secret, "s1", "private-room", "")
	raw, _ := json.Marshal(subscribeFrame{Event: pusher.EventSubscribe, Data: pusher.SubscribeData{
		Channel: "private-room", Auth: auth,
	}})
	h.handleSubscribe(sock, a, ns, raw)

	msg := lastFrame(t, sock)
	require.Equal(t, pusher.EventSubscriptionSucceeded, msg.Event)
	require.True(t, ns.IsInChannel("private-room", "s1"))
}

func TestHandleSigninThenClientEventSucceeds(t *testing.T) {
	a := testApp()
	h, registry := newTestHandler(t, a)
	sock, _ := newRegisteredSocket(t, registry, a.ID, "s1")
	ns, _ := registry.Get(a.ID)

	userData := `{"user_id":"u1"}`
	auth := pusher.SignSignin(a.Key, a.Secret, "s1", userData)
	raw, _ := json.Marshal(signinFrame{Event: pusher.EventSignin, Data: pusher.SigninData{Auth: auth, UserData: userData}})
	h.handleSignin(sock, a, raw)

	msg := lastFrame(t, sock)
	require.Equal(t, pusher.EventSigninSuccess, msg.Event)
	require.True(t, sock.IsAuthenticated())

	require.True(t, ns.AddToChannel("room", "s1"))
	h.handleClientEvent(sock, a, ns, pusher.Message{Event: "client-typing", Channel: "room", Data: "{}"})
	require.Len(t, sock.send, 0, "an accepted client event queues no pusher:error and is not echoed to its sender")
}

func TestHandleClientEventRejectsUnauthenticated(t *testing.T) {
	a := testApp()
	h, registry := newTestHandler(t, a)
	sock, _ := newRegisteredSocket(t, registry, a.ID, "s1")
	ns, _ := registry.Get(a.ID)
	ns.AddToChannel("room", "s1")

	h.handleClientEvent(sock, a, ns, pusher.Message{Event: "client-typing", Channel: "room", Data: "{}"})

	msg := lastFrame(t, sock)
	require.Equal(t, pusher.EventError, msg.Event)
}

func TestUnsubscribeLastPresenceMemberLeavesChannel(t *testing.T) {
	a := testApp()
	h, registry := newTestHandler(t, a)
	sock, _ := newRegisteredSocket(t, registry, a.ID, "s1")
	ns, _ := registry.Get(a.ID)

	channelData := `{"user_id":"u1"}`
	auth := pusher.Sign(a.Key, a.Secret, "s1", "presence-room", channelData)
	subRaw, _ := json.Marshal(subscribeFrame{Event: pusher.EventSubscribe, Data: pusher.SubscribeData{
		Channel: "presence-room", Auth: auth, ChannelData: channelData,
	}})
	h.handleSubscribe(sock, a, ns, subRaw)
	lastFrame(t, sock) // drain subscription_succeeded; member_added excludes the joining socket

	unsubRaw, _ := json.Marshal(unsubscribeFrame{Event: pusher.EventUnsubscribe, Data: pusher.UnsubscribeData{Channel: "presence-room"}})
	h.handleUnsubscribe(sock, a, ns, unsubRaw)

	require.False(t, ns.IsInChannel("presence-room", "s1"))
}
