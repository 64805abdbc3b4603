package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcastRoundTrip(t *testing.T) {
	m := &BroadcastMessage{
		NodeID:            "node-1",
		AppID:             "app-1",
		Channel:           "chat",
		SerializedMessage: []byte(`{"event":"msg"}`),
		ExceptSocketID:    "sock-5",
		TimestampMs:       1234.5678,
	}
	decoded, err := DecodeBroadcast(EncodeBroadcast(m))
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}

func TestRequestRoundTrip(t *testing.T) {
	req := &RequestBody{
		RequestID:   "req-1",
		NodeID:      "node-1",
		AppID:       "app-1",
		RequestType: RequestChannelSocketsCount,
		Channel:     "chat",
	}
	decoded, err := DecodeRequest(EncodeRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &ResponseBody{
		RequestID: "req-1",
		NodeID:    "node-2",
		AppID:     "app-1",
		Members: map[string]PresenceMemberWire{
			"u1": {UserID: "u1", UserInfo: []byte(`{"name":"a"}`)},
		},
		SocketIDs:                []string{"s1", "s2"},
		SocketsCount:             4,
		ChannelsWithSocketsCount: map[string]int{"chat": 3},
		Exists:                   true,
		Channels:                 []string{"chat", "presence-room"},
		MembersCount:             2,
	}
	decoded, err := DecodeResponse(EncodeResponse(resp))
	require.NoError(t, err)
	require.Equal(t, resp, decoded)
}

func TestResponseRoundTripEmpty(t *testing.T) {
	resp := &ResponseBody{RequestID: "req-2", NodeID: "node-1", AppID: "app-1"}
	decoded, err := DecodeResponse(EncodeResponse(resp))
	require.NoError(t, err)
	require.Equal(t, resp.RequestID, decoded.RequestID)
	require.Empty(t, decoded.Members)
	require.Empty(t, decoded.SocketIDs)
}
