package namespace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	id     SocketID
	sent   [][]byte
	closed bool
}

func (f *fakeSocket) ID() SocketID { return f.id }
func (f *fakeSocket) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeSocket) Close(code uint16, reason string) error {
	f.closed = true
	return nil
}

func TestAddToChannelIdempotentAndInvariant(t *testing.T) {
	ns := New("app1")
	s1 := &fakeSocket{id: "s1"}
	require.True(t, ns.AddSocket(s1.id, s1))

	require.True(t, ns.AddToChannel("chat", s1.id))
	require.False(t, ns.AddToChannel("chat", s1.id)) // idempotent re-add

	require.True(t, ns.IsInChannel("chat", s1.id))
	require.Contains(t, ns.SocketChannels(s1.id), "chat")
	require.Equal(t, 1, ns.ChannelSocketCount("chat"))
}

func TestRemoveFromChannelInvariant(t *testing.T) {
	ns := New("app1")
	s1 := &fakeSocket{id: "s1"}
	ns.AddSocket(s1.id, s1)
	ns.AddToChannel("chat", s1.id)

	removed, empty := ns.RemoveFromChannel("chat", s1.id)
	require.True(t, removed)
	require.True(t, empty)
	ns.RemoveChannel("chat")

	require.False(t, ns.IsInChannel("chat", s1.id))
	require.NotContains(t, ns.SocketChannels(s1.id), "chat")
	require.Equal(t, 0, ns.ChannelSocketCount("chat"))
}

func TestChannelSocketsExceptExcludesGivenSocket(t *testing.T) {
	ns := New("app1")
	s1, s2 := &fakeSocket{id: "s1"}, &fakeSocket{id: "s2"}
	ns.AddSocket(s1.id, s1)
	ns.AddSocket(s2.id, s2)
	ns.AddToChannel("chat", s1.id)
	ns.AddToChannel("chat", s2.id)

	targets := ns.ChannelSocketsExcept("chat", s1.id)
	require.Len(t, targets, 1)
	require.Equal(t, SocketID("s2"), targets[0].ID())
}

func TestUserIndexRemovedWhenEmpty(t *testing.T) {
	ns := New("app1")
	s1 := &fakeSocket{id: "s1"}
	ns.AddSocket(s1.id, s1)
	ns.AddUser("user-1", s1.id)
	require.Len(t, ns.UserSockets("user-1"), 1)

	ns.RemoveUser("user-1", s1.id)
	require.Len(t, ns.UserSockets("user-1"), 0)
}

func TestBatchUnsubscribeSingleLockAcquisitionPerShard(t *testing.T) {
	ns := New("app1")
	s1 := &fakeSocket{id: "s1"}
	ns.AddSocket(s1.id, s1)
	ns.AddToChannel("a", s1.id)
	ns.AddToChannel("b", s1.id)
	ns.AddToChannel("c", s1.id)

	emptied := ns.BatchUnsubscribe(s1.id, []UnsubscribeOp{{Channel: "a"}, {Channel: "b"}, {Channel: "c"}})
	require.Len(t, emptied, 3)
	require.Empty(t, ns.SocketChannels(s1.id))
}

func TestPresenceMemberLookupBeforeRemoval(t *testing.T) {
	ns := New("app1")
	s1 := &fakeSocket{id: "s1"}
	ns.AddSocket(s1.id, s1)
	ns.AddToChannel("presence-room", s1.id)
	ns.SetPresenceMember("presence-room", s1.id, PresenceMember{UserID: "u1"})

	member, ok := ns.PresenceMemberFor("presence-room", s1.id)
	require.True(t, ok)
	require.Equal(t, "u1", member.UserID)

	ns.RemoveFromChannel("presence-room", s1.id)
	_, ok = ns.PresenceMemberFor("presence-room", s1.id)
	require.False(t, ok)
}

func TestRegistryOneNamespacePerApp(t *testing.T) {
	r := NewRegistry()
	ns1 := r.GetOrCreate("app1")
	ns2 := r.GetOrCreate("app1")
	require.Same(t, ns1, ns2)

	ns3 := r.GetOrCreate("app2")
	require.NotSame(t, ns1, ns3)
}
