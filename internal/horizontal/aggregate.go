package horizontal

import "github.com/adred-codev/realtime-ws/internal/transport"

// aggregate combines remote ResponseBody values for one RequestType,
// following the per-type rule. It never sees the local node's own
// state — callers add that on top, mirroring
// original_source/src/adapter/horizontal_adapter_base.rs's ConnectionManager
// methods (get_channel_members etc.), which call the local adapter first and
// extend the result with send_request's aggregate.
func aggregate(requestID, nodeID, appID string, rt transport.RequestType, responses []transport.ResponseBody) transport.ResponseBody {
	out := transport.ResponseBody{RequestID: requestID, NodeID: nodeID, AppID: appID}

	switch rt {
	case transport.RequestChannelMembers:
		members := make(map[string]transport.PresenceMemberWire)
		for _, r := range responses {
			for uid, m := range r.Members {
				if _, exists := members[uid]; !exists {
					members[uid] = m
				}
			}
		}
		out.Members = members
		out.MembersCount = len(members)

	case transport.RequestChannelSockets:
		seen := make(map[string]struct{})
		var ids []string
		for _, r := range responses {
			for _, id := range r.SocketIDs {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
		out.SocketIDs = ids

	case transport.RequestSocketExistsInChannel:
		for _, r := range responses {
			if r.Exists {
				out.Exists = true
				break
			}
		}

	case transport.RequestChannelSocketsCount, transport.RequestSocketsCount, transport.RequestCountUserConnectionsInChannel:
		sum := 0
		for _, r := range responses {
			sum += r.SocketsCount
		}
		out.SocketsCount = sum

	case transport.RequestChannelsWithSocketsCount:
		counts := make(map[string]int)
		for _, r := range responses {
			for ch, n := range r.ChannelsWithSocketsCount {
				counts[ch] += n
			}
		}
		out.ChannelsWithSocketsCount = counts

	case transport.RequestTerminateUserConnections:
		// fire-and-forget: no response payload to aggregate.
	}

	return out
}
