package horizontal

import (
	"context"

	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/adred-codev/realtime-ws/internal/transport"
)

// The methods below are the ConnectionManager-equivalent surface used by C3
// and the HTTP API: each merges this node's own namespace state with the
// cluster's, the same two-step shape as every getter in
// original_source/src/adapter/horizontal_adapter_base.rs (call the local
// adapter, then extend with send_request's aggregate).

// ChannelMembers returns every presence member on channel, cluster-wide.
func (a *Adapter) ChannelMembers(ctx context.Context, appID, channel string) (map[string]namespace.PresenceMember, error) {
	ns := a.registry.GetOrCreate(appID)
	members := ns.PresenceMembers(channel)
	out := make(map[string]namespace.PresenceMember, len(members))
	for uid, m := range members {
		out[uid] = m
	}

	resp, err := a.sendRequest(ctx, appID, transport.RequestChannelMembers, channel, "", "")
	if err != nil {
		return out, err
	}
	for uid, m := range resp.Members {
		if _, exists := out[uid]; !exists {
			out[uid] = namespace.PresenceMember{UserID: m.UserID, UserInfo: m.UserInfo}
		}
	}
	return out, nil
}

// ChannelSocketIDs returns every socket id subscribed to channel, cluster-wide.
func (a *Adapter) ChannelSocketIDs(ctx context.Context, appID, channel string) ([]string, error) {
	ns := a.registry.GetOrCreate(appID)
	seen := make(map[string]struct{})
	var out []string
	for _, s := range ns.ChannelSocketsExcept(channel, "") {
		id := string(s.ID())
		seen[id] = struct{}{}
		out = append(out, id)
	}

	resp, err := a.sendRequest(ctx, appID, transport.RequestChannelSockets, channel, "", "")
	if err != nil {
		return out, err
	}
	for _, id := range resp.SocketIDs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

// IsInChannel reports whether socketID is subscribed to channel anywhere in
// the cluster.
func (a *Adapter) IsInChannel(ctx context.Context, appID, channel string, socketID namespace.SocketID) (bool, error) {
	ns := a.registry.GetOrCreate(appID)
	if ns.IsInChannel(channel, socketID) {
		return true, nil
	}
	resp, err := a.sendRequest(ctx, appID, transport.RequestSocketExistsInChannel, channel, string(socketID), "")
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// ChannelSocketCount returns the cluster-wide subscriber count for channel.
func (a *Adapter) ChannelSocketCount(ctx context.Context, appID, channel string) (int, error) {
	ns := a.registry.GetOrCreate(appID)
	local := ns.ChannelSocketCount(channel)
	resp, err := a.sendRequest(ctx, appID, transport.RequestChannelSocketsCount, channel, "", "")
	if err != nil {
		return local, err
	}
	return local + resp.SocketsCount, nil
}

// SocketsCount returns the cluster-wide connection count for appID.
func (a *Adapter) SocketsCount(ctx context.Context, appID string) (int, error) {
	ns := a.registry.GetOrCreate(appID)
	local := ns.SocketsCount()
	resp, err := a.sendRequest(ctx, appID, transport.RequestSocketsCount, "", "", "")
	if err != nil {
		return local, err
	}
	return local + resp.SocketsCount, nil
}

// ChannelsWithSocketCount returns, per channel, the cluster-wide subscriber count.
func (a *Adapter) ChannelsWithSocketCount(ctx context.Context, appID string) (map[string]int, error) {
	ns := a.registry.GetOrCreate(appID)
	out := ns.ChannelsWithSocketCount()
	resp, err := a.sendRequest(ctx, appID, transport.RequestChannelsWithSocketsCount, "", "", "")
	if err != nil {
		return out, err
	}
	for ch, n := range resp.ChannelsWithSocketsCount {
		out[ch] += n
	}
	return out, nil
}

// CountUserConnectionsInChannel returns, cluster-wide, how many of userID's
// sockets are subscribed to channel, excluding the given socket if non-empty.
func (a *Adapter) CountUserConnectionsInChannel(ctx context.Context, appID, userID, channel string, excluding namespace.SocketID) (int, error) {
	ns := a.registry.GetOrCreate(appID)
	local := ns.CountUserConnectionsInChannel(userID, channel, excluding)
	resp, err := a.sendRequest(ctx, appID, transport.RequestCountUserConnectionsInChannel, channel, "", userID)
	if err != nil {
		return local, err
	}
	return local + resp.SocketsCount, nil
}

// TerminateUserConnections closes every one of userID's sockets, locally and
// across the cluster. Cluster propagation is fire-and-forget: we don't wait
// for remote nodes to confirm.
func (a *Adapter) TerminateUserConnections(ctx context.Context, appID, userID string) error {
	if a.terminateLocal != nil {
		if err := a.terminateLocal(appID, userID); err != nil {
			return err
		}
	}
	return a.transport.PublishRequest(ctx, &transport.RequestBody{
		RequestID:   "", // fire-and-forget: no response is awaited, so no correlation id is needed
		NodeID:      a.nodeID,
		AppID:       appID,
		RequestType: transport.RequestTerminateUserConnections,
		UserID:      userID,
	})
}
