// Package pusher implements the Pusher-compatible wire protocol: message
// envelopes, channel-name classification, and HMAC signature validation.
package pusher

import "encoding/json"

// Message is the JSON envelope exchanged over the WebSocket subprotocol.
// `Data` for server-originated events carrying a payload is a JSON-encoded
// *string*, per the reference protocol, except for pusher:error and
// pusher:signin_success which use an inline object — callers that need the
// inline-object shape set RawData instead of Data.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    string          `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	RawData json.RawMessage `json:"-"`
}

// MarshalJSON emits RawData inline when set, otherwise Data as a string.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Event   string          `json:"event"`
		Channel string          `json:"channel,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
		UserID  string          `json:"user_id,omitempty"`
	}
	a := alias{Event: m.Event, Channel: m.Channel, UserID: m.UserID}
	switch {
	case m.RawData != nil:
		a.Data = m.RawData
	case m.Data != "":
		b, err := json.Marshal(m.Data)
		if err != nil {
			return nil, err
		}
		a.Data = b
	}
	return json.Marshal(a)
}

// Event name constants for the subprotocol.
const (
	EventConnectionEstablished   = "pusher:connection_established"
	EventSubscribe               = "pusher:subscribe"
	EventUnsubscribe             = "pusher:unsubscribe"
	EventPing                    = "pusher:ping"
	EventPong                    = "pusher:pong"
	EventSignin                  = "pusher:signin"
	EventSigninSuccess           = "pusher:signin_success"
	EventSubscriptionSucceeded   = "pusher_internal:subscription_succeeded"
	EventSubscriptionError       = "pusher:subscription_error"
	EventError                   = "pusher:error"
	EventMemberAdded             = "pusher_internal:member_added"
	EventMemberRemoved           = "pusher_internal:member_removed"
)

// Close codes.
const (
	CloseUnknownApp     = 4001
	CloseInvalidPayload = 4002
	CloseUnauthorized   = 4003
	CloseAuthTimeout    = 4009
	CloseOverload       = 4100
	ClosePongTimeout    = 4201
	CloseRejected       = 4301
)

// SubscribeData is the payload of a pusher:subscribe frame.
type SubscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribeData is the payload of a pusher:unsubscribe frame.
type UnsubscribeData struct {
	Channel string `json:"channel"`
}

// SigninData is the payload of a pusher:signin frame.
type SigninData struct {
	Auth     string `json:"auth"`
	UserData string `json:"user_data"`
}

// PresenceMember is a single member of a presence channel.
type PresenceMember struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// presenceChannelData is the decoded shape of a presence subscribe's
// channel_data string: {"user_id": ..., "user_info": ...}.
type presenceChannelData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// ParsePresenceData decodes a presence channel's channel_data JSON string
// into a PresenceMember. Returns an error on malformed input — callers must
// fail fast on this before taking any namespace lock.
func ParsePresenceData(channelData string) (PresenceMember, error) {
	var pcd presenceChannelData
	if err := json.Unmarshal([]byte(channelData), &pcd); err != nil {
		return PresenceMember{}, err
	}
	return PresenceMember{UserID: pcd.UserID, UserInfo: pcd.UserInfo}, nil
}

// PresencePayload is the data payload of pusher_internal:subscription_succeeded
// for a presence channel: {"presence":{"ids":[...],"hash":{uid:info},"count":N}}.
type PresencePayload struct {
	Presence PresenceSnapshot `json:"presence"`
}

type PresenceSnapshot struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

// MemberEventData is the data payload of member_added/member_removed.
type MemberEventData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// ErrorData is the inline object payload of pusher:error.
type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SigninSuccessData is the inline object payload of pusher:signin_success.
type SigninSuccessData struct {
	UserData string `json:"user_data"`
}
