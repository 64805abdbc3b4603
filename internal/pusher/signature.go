package pusher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signingString builds the string to sign for a subscribe/client-event
// auth token: "socket_id:channel" normally, or "socket_id:channel:channel_data"
// only when the channel is presence-typed AND channel_data is non-empty.
func signingString(socketID, channel, channelData string) string {
	typ := classify(channel)
	if typ.IsPresence() && channelData != "" {
		return socketID + ":" + channel + ":" + channelData
	}
	return socketID + ":" + channel
}

// Sign computes the `key:hexhmac` auth token for a subscribe/client-event.
func Sign(key, secret, socketID, channel, channelData string) string {
	return key + ":" + hexHMAC(secret, signingString(socketID, channel, channelData))
}

// VerifySubscribeAuth validates a subscribe/client-event auth token in
// constant time. expectedKey is the app key that must prefix the token.
func VerifySubscribeAuth(auth, expectedKey, secret, socketID, channel, channelData string) bool {
	key, mac, ok := splitAuth(auth)
	if !ok || key != expectedKey {
		return false
	}
	want := hexHMAC(secret, signingString(socketID, channel, channelData))
	return hmac.Equal([]byte(mac), []byte(want))
}

// signinSigningString builds "socket_id::user_data".
func signinSigningString(socketID, userData string) string {
	return socketID + "::" + userData
}

// SignSignin computes the `key:hexhmac` auth token for a pusher:signin frame.
func SignSignin(key, secret, socketID, userData string) string {
	return key + ":" + hexHMAC(secret, signinSigningString(socketID, userData))
}

// VerifySigninAuth validates a pusher:signin auth token in constant time.
func VerifySigninAuth(auth, expectedKey, secret, socketID, userData string) bool {
	key, mac, ok := splitAuth(auth)
	if !ok || key != expectedKey {
		return false
	}
	want := hexHMAC(secret, signinSigningString(socketID, userData))
	return hmac.Equal([]byte(mac), []byte(want))
}

func splitAuth(auth string) (key, mac string, ok bool) {
	idx := strings.IndexByte(auth, ':')
	if idx < 0 {
		return "", "", false
	}
	return auth[:idx], auth[idx+1:], true
}

func hexHMAC(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
