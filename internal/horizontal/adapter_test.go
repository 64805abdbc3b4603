package horizontal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/realtime-ws/internal/localadapter"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport double that delivers published
// messages to every registered handler set, the publisher's own included
// (each Adapter drops messages stamped with its own node id). Broadcasts are
// delivered synchronously; requests are answered from separate goroutines.
// This lets tests exercise multi-node aggregation without a real broker.
type fakeTransport struct {
	mu       sync.Mutex
	peers    []transport.Handlers
	nodes    int
	failNode bool
}

func (f *fakeTransport) StartListeners(ctx context.Context, h transport.Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = append(f.peers, h)
	return nil
}

func (f *fakeTransport) PublishBroadcast(ctx context.Context, msg *transport.BroadcastMessage) error {
	f.mu.Lock()
	peers := append([]transport.Handlers{}, f.peers...)
	f.mu.Unlock()
	for _, p := range peers {
		if p.OnBroadcast != nil {
			p.OnBroadcast(*msg)
		}
	}
	return nil
}

func (f *fakeTransport) PublishRequest(ctx context.Context, req *transport.RequestBody) error {
	f.mu.Lock()
	peers := append([]transport.Handlers{}, f.peers...)
	f.mu.Unlock()
	for _, p := range peers {
		if p.OnRequest == nil {
			continue
		}
		go func(p transport.Handlers) {
			resp, err := p.OnRequest(*req)
			if err != nil {
				return
			}
			for _, q := range peers {
				if q.OnResponse != nil {
					q.OnResponse(resp)
				}
			}
		}(p)
	}
	return nil
}

func (f *fakeTransport) PublishResponse(ctx context.Context, resp *transport.ResponseBody) error {
	return nil
}

func (f *fakeTransport) NodeCount(ctx context.Context) (int, error) {
	if f.nodes < 1 {
		return 1, nil
	}
	return f.nodes, nil
}

func (f *fakeTransport) CheckHealth(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                          { return nil }

type fakeSocket struct {
	id  namespace.SocketID
	got [][]byte
	mu  sync.Mutex
}

func (s *fakeSocket) ID() namespace.SocketID { return s.id }
func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, data)
	return nil
}
func (s *fakeSocket) Close(code uint16, reason string) error { return nil }

func newTestAdapter(t *testing.T, nodeID string, tr transport.Transport, registry *namespace.Registry) *Adapter {
	t.Helper()
	local := localadapter.New(zerolog.Nop(), 4)
	a := New(nodeID, tr, local, registry, 200*time.Millisecond, zerolog.Nop())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Close)
	return a
}

func TestChannelSocketCountAggregatesAcrossNodes(t *testing.T) {
	tr := &fakeTransport{nodes: 2}

	regA := namespace.NewRegistry()
	nsA := regA.GetOrCreate("app1")
	nsA.AddSocket("s1", &fakeSocket{id: "s1"})
	nsA.AddToChannel("chat", "s1")

	regB := namespace.NewRegistry()
	nsB := regB.GetOrCreate("app1")
	nsB.AddSocket("s2", &fakeSocket{id: "s2"})
	nsB.AddToChannel("chat", "s2")

	adapterA := newTestAdapter(t, "node-a", tr, regA)
	_ = newTestAdapter(t, "node-b", tr, regB)

	count, err := adapterA.ChannelSocketCount(context.Background(), "app1", "chat")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSendRequestSingleNodeShortCircuits(t *testing.T) {
	tr := &fakeTransport{nodes: 1}
	reg := namespace.NewRegistry()
	a := newTestAdapter(t, "solo", tr, reg)

	resp, err := a.sendRequest(context.Background(), "app1", transport.RequestSocketsCount, "", "", "")
	require.NoError(t, err)
	require.Equal(t, 0, resp.SocketsCount)
}

func TestPublishDeliversLocallyAndRemotely(t *testing.T) {
	tr := &fakeTransport{nodes: 2}

	regA := namespace.NewRegistry()
	nsA := regA.GetOrCreate("app1")
	sockA := &fakeSocket{id: "sA"}
	nsA.AddSocket("sA", sockA)
	nsA.AddToChannel("chat", "sA")

	regB := namespace.NewRegistry()
	nsB := regB.GetOrCreate("app1")
	sockB := &fakeSocket{id: "sB"}
	nsB.AddSocket("sB", sockB)
	nsB.AddToChannel("chat", "sB")

	adapterA := newTestAdapter(t, "node-a", tr, regA)
	_ = newTestAdapter(t, "node-b", tr, regB)

	require.NoError(t, adapterA.Publish(context.Background(), "app1", "chat", []byte("hi"), "", 0))

	require.Eventually(t, func() bool {
		sockB.mu.Lock()
		defer sockB.mu.Unlock()
		return len(sockB.got) == 1
	}, time.Second, 10*time.Millisecond)

	sockA.mu.Lock()
	require.Len(t, sockA.got, 1, "local fan-out delivers once; the publisher's own broadcast is dropped, not replayed")
	sockA.mu.Unlock()
}

func TestTerminateUserConnectionsCallsLocalCallback(t *testing.T) {
	tr := &fakeTransport{nodes: 1}
	reg := namespace.NewRegistry()
	a := newTestAdapter(t, "solo", tr, reg)

	var called string
	a.SetTerminateLocal(func(appID, userID string) error {
		called = appID + ":" + userID
		return nil
	})

	require.NoError(t, a.TerminateUserConnections(context.Background(), "app1", "user-9"))
	require.Equal(t, "app1:user-9", called)
}
