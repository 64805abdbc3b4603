// Package transport implements C6: pub/sub of three logical topics
// (broadcast, request, response) over a pluggable broker, plus the binary
// wire encoding for the three cluster message types.
package transport

import "context"

// RequestType enumerates the cluster queries the horizontal adapter issues.
type RequestType uint8

const (
	RequestChannelMembers RequestType = iota
	RequestChannelSockets
	RequestSocketExistsInChannel
	RequestChannelSocketsCount
	RequestSocketsCount
	RequestChannelsWithSocketsCount
	RequestCountUserConnectionsInChannel
	RequestTerminateUserConnections
)

// BroadcastMessage mirrors the cluster BroadcastMessage entity.
type BroadcastMessage struct {
	NodeID            string
	AppID             string
	Channel           string
	SerializedMessage []byte
	ExceptSocketID    string // empty = no exclusion
	TimestampMs       float64
}

// RequestBody is a cluster RPC request.
type RequestBody struct {
	RequestID   string
	NodeID      string
	AppID       string
	RequestType RequestType
	Channel     string
	SocketID    string
	UserID      string
}

// PresenceMemberWire is the wire shape of a presence member inside a
// ResponseBody (decoupled from internal/namespace's type to keep the wire
// package dependency-free of the index).
type PresenceMemberWire struct {
	UserID   string
	UserInfo []byte // raw JSON, may be nil
}

// ResponseBody is a cluster RPC reply. It must echo the
// originating RequestID exactly.
type ResponseBody struct {
	RequestID                string
	NodeID                   string
	AppID                    string
	Members                  map[string]PresenceMemberWire
	SocketIDs                []string
	SocketsCount             int
	ChannelsWithSocketsCount map[string]int
	Exists                   bool
	Channels                 []string
	MembersCount             int
}

// Handlers are invoked by the transport when a message arrives on one of the
// three topics. OnRequest returns the reply to publish back to the requester.
type Handlers struct {
	OnBroadcast func(BroadcastMessage)
	OnRequest   func(RequestBody) (ResponseBody, error)
	OnResponse  func(ResponseBody)
}

// Transport is the capability C5 needs from a pub/sub broker.
type Transport interface {
	PublishBroadcast(ctx context.Context, msg *BroadcastMessage) error
	PublishRequest(ctx context.Context, req *RequestBody) error
	PublishResponse(ctx context.Context, resp *ResponseBody) error
	StartListeners(ctx context.Context, handlers Handlers) error
	// NodeCount returns the number of subscribers to the request topic,
	// clamped to >= 1.
	NodeCount(ctx context.Context) (int, error)
	CheckHealth(ctx context.Context) error
	Close() error
}
