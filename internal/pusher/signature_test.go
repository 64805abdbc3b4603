package pusher

import "testing"

import "github.com/stretchr/testify/require"

func TestVerifySubscribeAuth_PublicChannel(t *testing.T) {
	secret := "s3cr3t"
	token := Sign("key1", secret, "sock-1", "chat", "")
	require.True(t, VerifySubscribeAuth(token, "key1", secret, "sock-1", "chat", ""))
}

func TestVerifySubscribeAuth_WrongSecretFails(t *testing.T) {
	token := Sign("key1", "right", "sock-1", "private-x", "")
	require.False(t, VerifySubscribeAuth(token, "key1", "wrong", "sock-1", "private-x", ""))
}

func TestVerifySubscribeAuth_PresenceIncludesChannelData(t *testing.T) {
	secret := "s3cr3t"
	channelData := `{"user_id":"42","user_info":{}}`
	token := Sign("key1", secret, "sock-1", "presence-room", channelData)

	// Signature must be over socket_id:channel:channel_data for presence.
	require.True(t, VerifySubscribeAuth(token, "key1", secret, "sock-1", "presence-room", channelData))
	// A mismatched channel_data must fail (proves channel_data is part of the signing string).
	require.False(t, VerifySubscribeAuth(token, "key1", secret, "sock-1", "presence-room", `{"user_id":"99"}`))
}

func TestVerifySubscribeAuth_PresenceEmptyChannelDataOmitsSegment(t *testing.T) {
	secret := "s3cr3t"
	token := Sign("key1", secret, "sock-1", "presence-room", "")
	require.True(t, VerifySubscribeAuth(token, "key1", secret, "sock-1", "presence-room", ""))
}

func TestVerifySigninAuth(t *testing.T) {
	secret := "s3cr3t"
	token := SignSignin("key1", secret, "sock-1", `{"user_id":"42"}`)
	require.True(t, VerifySigninAuth(token, "key1", secret, "sock-1", `{"user_id":"42"}`))
	require.False(t, VerifySigninAuth(token, "key1", secret, "sock-1", `{"user_id":"43"}`))
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(2)
	require.Equal(t, ChannelPublic, c.Classify("chat"))
	require.Equal(t, ChannelPrivate, c.Classify("private-x"))
	require.Equal(t, ChannelPrivateEncrypted, c.Classify("private-encrypted-x"))
	require.Equal(t, ChannelPresence, c.Classify("presence-room"))
	uid, ok := UserIDFromServerChannel("#server-to-user-42")
	require.True(t, ok)
	require.Equal(t, "42", uid)
}

func TestClassifierEviction(t *testing.T) {
	c := NewClassifier(2)
	c.Classify("a")
	c.Classify("b")
	c.Classify("c") // evicts "a"
	require.Len(t, c.entries, 2)
	_, stillThere := c.entries["a"]
	require.False(t, stillThere)
}
