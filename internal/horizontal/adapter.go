// Package horizontal implements C5: cluster-wide broadcast propagation and
// request/response aggregation with quorum and timeout, wrapping C2 (the
// local adapter) the way original_source/src/adapter/horizontal_adapter_base.rs
// wraps a LocalAdapter — local delivery always happens first and is never
// blocked by cluster I/O.
package horizontal

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/realtime-ws/internal/localadapter"
	"github.com/adred-codev/realtime-ws/internal/logging"
	"github.com/adred-codev/realtime-ws/internal/metrics"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TerminateLocalFunc closes every local socket belonging to userID within
// appID. Supplied by the server wiring (C3 owns socket lifecycles; this
// package only coordinates the namespace index and cluster fan-out).
type TerminateLocalFunc func(appID, userID string) error

type pendingRequest struct {
	appID     string
	startTime time.Time

	mu        sync.Mutex
	responses []transport.ResponseBody
	notifyCh  chan struct{}
}

func newPendingRequest(appID string) *pendingRequest {
	return &pendingRequest{appID: appID, startTime: time.Now(), notifyCh: make(chan struct{}, 1)}
}

func (p *pendingRequest) addResponse(r transport.ResponseBody) {
	p.mu.Lock()
	p.responses = append(p.responses, r)
	p.mu.Unlock()
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

func (p *pendingRequest) snapshot() []transport.ResponseBody {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.ResponseBody, len(p.responses))
	copy(out, p.responses)
	return out
}

func (p *pendingRequest) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.responses)
}

// Adapter is the ConnectionManager-equivalent capability: every namespace
// query and publish goes through it so callers never need to know whether
// they're talking to a single node or a cluster.
type Adapter struct {
	nodeID         string
	transport      transport.Transport
	local          *localadapter.Adapter
	registry       *namespace.Registry
	requestTimeout time.Duration
	logger         zerolog.Logger

	terminateLocal TerminateLocalFunc

	mu      sync.Mutex
	pending map[string]*pendingRequest

	sweepStop chan struct{}
}

// New builds an Adapter. Call Start to register transport listeners and
// begin the PendingRequest sweeper.
func New(nodeID string, tr transport.Transport, local *localadapter.Adapter, registry *namespace.Registry, requestTimeout time.Duration, logger zerolog.Logger) *Adapter {
	return &Adapter{
		nodeID:         nodeID,
		transport:      tr,
		local:          local,
		registry:       registry,
		requestTimeout: requestTimeout,
		logger:         logger,
		pending:        make(map[string]*pendingRequest),
		sweepStop:      make(chan struct{}),
	}
}

// SetTerminateLocal wires the callback used to actually close sockets when
// this node is asked to terminate a user's connections.
func (a *Adapter) SetTerminateLocal(fn TerminateLocalFunc) { a.terminateLocal = fn }

// Start registers transport listeners and launches the PendingRequest
// sweeper (ported from original_source's start_request_cleanup).
func (a *Adapter) Start(ctx context.Context) error {
	handlers := transport.Handlers{
		OnBroadcast: a.handleBroadcast,
		OnRequest:   a.handleRequest,
		OnResponse:  a.handleResponse,
	}
	if err := a.transport.StartListeners(ctx, handlers); err != nil {
		return err
	}
	go a.sweepLoop()
	return nil
}

// Close stops the sweeper. The transport itself is closed by its owner.
// Calling Close again after it has returned is a no-op.
func (a *Adapter) Close() {
	select {
	case <-a.sweepStop:
	default:
		close(a.sweepStop)
	}
}

func (a *Adapter) sweepLoop() {
	defer logging.RecoverPanic(a.logger, "horizontal.sweepLoop", nil)
	ticker := time.NewTicker(a.requestTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-a.sweepStop:
			return
		case <-ticker.C:
			a.sweepAbandoned()
		}
	}
}

// sweepAbandoned reaps PendingRequests older than 2x the request timeout —
// these are slots whose owning goroutine never reached the aggregation step
// (e.g. it panicked mid-flight and was recovered elsewhere), so nothing else
// will ever free them.
func (a *Adapter) sweepAbandoned() {
	cutoff := time.Now().Add(-2 * a.requestTimeout)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, pr := range a.pending {
		if pr.startTime.Before(cutoff) {
			delete(a.pending, id)
			a.logger.Warn().Str("request_id", id).Msg("reaped abandoned pending request")
		}
	}
}

// Publish fans a message out locally, then mirrors it to the rest of the
// cluster via the broadcast topic.
func (a *Adapter) Publish(ctx context.Context, appID, channel string, payload []byte, except namespace.SocketID, timestampMs float64) error {
	ns := a.registry.GetOrCreate(appID)
	targets := ns.ChannelSocketsExcept(channel, except)
	a.local.Send(targets, payload)

	if timestampMs == 0 {
		timestampMs = float64(time.Now().UnixNano()) / 1e6
	}

	return a.transport.PublishBroadcast(ctx, &transport.BroadcastMessage{
		NodeID:            a.nodeID,
		AppID:             appID,
		Channel:           channel,
		SerializedMessage: payload,
		ExceptSocketID:    string(except),
		TimestampMs:       timestampMs,
	})
}

func (a *Adapter) handleBroadcast(msg transport.BroadcastMessage) {
	if msg.NodeID == a.nodeID {
		return // our own broadcast, already delivered locally
	}
	ns := a.registry.GetOrCreate(msg.AppID)
	except := namespace.SocketID(msg.ExceptSocketID)
	targets := ns.ChannelSocketsExcept(msg.Channel, except)
	a.local.Send(targets, msg.SerializedMessage)
	metrics.BroadcastLocalRecipients.Observe(float64(len(targets)))
}

// sendRequest issues a cluster query and aggregates REMOTE responses only;
// callers merge the local namespace state on top, mirroring
// original_source/src/adapter/horizontal_adapter_base.rs's send_request plus
// its ConnectionManager callers.
func (a *Adapter) sendRequest(ctx context.Context, appID string, rt transport.RequestType, channel, socketID, userID string) (transport.ResponseBody, error) {
	nodeCount, err := a.transport.NodeCount(ctx)
	if err != nil {
		nodeCount = 1
	}
	expected := nodeCount - 1

	requestID := uuid.NewString()
	req := transport.RequestBody{
		RequestID:   requestID,
		NodeID:      a.nodeID,
		AppID:       appID,
		RequestType: rt,
		Channel:     channel,
		SocketID:    socketID,
		UserID:      userID,
	}

	metrics.HorizontalRequestsSent.WithLabelValues(requestTypeLabel(rt)).Inc()

	if expected <= 0 {
		return transport.ResponseBody{RequestID: requestID, NodeID: a.nodeID, AppID: appID}, nil
	}

	pr := newPendingRequest(appID)
	a.mu.Lock()
	a.pending[requestID] = pr
	a.mu.Unlock()

	if err := a.transport.PublishRequest(ctx, &req); err != nil {
		a.mu.Lock()
		delete(a.pending, requestID)
		a.mu.Unlock()
		return transport.ResponseBody{}, err
	}

	start := time.Now()
	timer := time.NewTimer(a.requestTimeout)
	defer timer.Stop()

	var responses []transport.ResponseBody
waitLoop:
	for {
		select {
		case <-pr.notifyCh:
			if pr.count() >= expected {
				responses = pr.snapshot()
				break waitLoop
			}
		case <-timer.C:
			a.logger.Warn().Str("request_id", requestID).Dur("elapsed", time.Since(start)).Msg("cluster request timed out, aggregating partial responses")
			responses = pr.snapshot()
			break waitLoop
		case <-ctx.Done():
			a.mu.Lock()
			delete(a.pending, requestID)
			a.mu.Unlock()
			return transport.ResponseBody{}, ctx.Err()
		}
	}

	combined := aggregate(requestID, a.nodeID, appID, rt, responses)

	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()

	metrics.HorizontalResolveSeconds.WithLabelValues(requestTypeLabel(rt)).Observe(time.Since(start).Seconds())
	resolved := combined.SocketsCount > 0 || len(combined.Members) > 0 || combined.Exists ||
		len(combined.Channels) > 0 || combined.MembersCount > 0 || len(combined.ChannelsWithSocketsCount) > 0
	metrics.HorizontalResolvedTotal.WithLabelValues(boolLabel(resolved)).Inc()

	return combined, nil
}

func (a *Adapter) handleResponse(resp transport.ResponseBody) {
	if resp.NodeID == a.nodeID {
		return
	}
	a.mu.Lock()
	pr, ok := a.pending[resp.RequestID]
	a.mu.Unlock()
	if !ok {
		return // response for a request we already aggregated or never issued
	}
	pr.addResponse(resp)
}

func (a *Adapter) handleRequest(req transport.RequestBody) (transport.ResponseBody, error) {
	if req.NodeID == a.nodeID {
		return transport.ResponseBody{}, errSkipOwnRequest
	}
	ns := a.registry.GetOrCreate(req.AppID)
	resp := transport.ResponseBody{RequestID: req.RequestID, NodeID: a.nodeID, AppID: req.AppID}

	switch req.RequestType {
	case transport.RequestChannelMembers:
		members := ns.PresenceMembers(req.Channel)
		resp.Members = make(map[string]transport.PresenceMemberWire, len(members))
		for uid, m := range members {
			resp.Members[uid] = transport.PresenceMemberWire{UserID: m.UserID, UserInfo: m.UserInfo}
		}
	case transport.RequestChannelSockets:
		for _, s := range ns.ChannelSocketsExcept(req.Channel, "") {
			resp.SocketIDs = append(resp.SocketIDs, string(s.ID()))
		}
	case transport.RequestSocketExistsInChannel:
		resp.Exists = ns.IsInChannel(req.Channel, namespace.SocketID(req.SocketID))
	case transport.RequestChannelSocketsCount:
		resp.SocketsCount = ns.ChannelSocketCount(req.Channel)
	case transport.RequestSocketsCount:
		resp.SocketsCount = ns.SocketsCount()
	case transport.RequestChannelsWithSocketsCount:
		resp.ChannelsWithSocketsCount = ns.ChannelsWithSocketCount()
	case transport.RequestCountUserConnectionsInChannel:
		resp.SocketsCount = ns.CountUserConnectionsInChannel(req.UserID, req.Channel, "")
	case transport.RequestTerminateUserConnections:
		if a.terminateLocal != nil {
			if err := a.terminateLocal(req.AppID, req.UserID); err != nil {
				a.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("remote terminate request failed locally")
			}
		}
	}

	return resp, nil
}

// errSkipOwnRequest signals the transport layer to silently drop a reply
// without publishing anything (we never reply to our own request).
var errSkipOwnRequest = skipErr{}

type skipErr struct{}

func (skipErr) Error() string { return "skip: own request" }

func requestTypeLabel(rt transport.RequestType) string {
	switch rt {
	case transport.RequestChannelMembers:
		return "channel_members"
	case transport.RequestChannelSockets:
		return "channel_sockets"
	case transport.RequestSocketExistsInChannel:
		return "socket_exists_in_channel"
	case transport.RequestChannelSocketsCount:
		return "channel_sockets_count"
	case transport.RequestSocketsCount:
		return "sockets_count"
	case transport.RequestChannelsWithSocketsCount:
		return "channels_with_sockets_count"
	case transport.RequestCountUserConnectionsInChannel:
		return "count_user_connections_in_channel"
	case transport.RequestTerminateUserConnections:
		return "terminate_user_connections"
	default:
		return "unknown"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
