package pusher

import (
	"container/list"
	"strings"
	"sync"
)

// ChannelType is the type derived from a channel name's prefix.
type ChannelType int

const (
	ChannelPublic ChannelType = iota
	ChannelPrivate
	ChannelPrivateEncrypted
	ChannelPresence
	ChannelServerToUser
)

const (
	prefixPresence          = "presence-"
	prefixPrivateEncrypted  = "private-encrypted-"
	prefixPrivate           = "private-"
	prefixServerToUser      = "#server-to-user-"
)

// RequiresAuthentication reports whether subscribing to a channel of this
// type requires a valid signature.
func (t ChannelType) RequiresAuthentication() bool {
	switch t {
	case ChannelPrivate, ChannelPrivateEncrypted, ChannelPresence:
		return true
	default:
		return false
	}
}

// IsPresence reports whether membership tracking applies.
func (t ChannelType) IsPresence() bool { return t == ChannelPresence }

// classify derives a ChannelType from a bare channel name, uncached.
func classify(channel string) ChannelType {
	switch {
	case strings.HasPrefix(channel, prefixPresence):
		return ChannelPresence
	case strings.HasPrefix(channel, prefixPrivateEncrypted):
		return ChannelPrivateEncrypted
	case strings.HasPrefix(channel, prefixPrivate):
		return ChannelPrivate
	case strings.HasPrefix(channel, prefixServerToUser):
		return ChannelServerToUser
	default:
		return ChannelPublic
	}
}

// UserIDFromServerChannel extracts <uid> from "#server-to-user-<uid>".
func UserIDFromServerChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, prefixServerToUser) {
		return "", false
	}
	return strings.TrimPrefix(channel, prefixServerToUser), true
}

// Classifier caches up to `capacity` recent channel-name classifications,
// bounded at 1000 entries in the default wiring. No pack example ships an
// LRU library, so this is a small hand-rolled one backed by container/list —
// justified in DESIGN.md as the one stdlib-only piece of the channel
// manager.
type Classifier struct {
	capacity int
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type classifierEntry struct {
	channel string
	typ     ChannelType
}

// NewClassifier builds a Classifier bounded at capacity entries.
func NewClassifier(capacity int) *Classifier {
	if capacity < 1 {
		capacity = 1
	}
	return &Classifier{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Classify returns the ChannelType for channel, consulting and populating
// the bounded cache.
func (c *Classifier) Classify(channel string) ChannelType {
	c.mu.Lock()
	if el, ok := c.entries[channel]; ok {
		c.order.MoveToFront(el)
		typ := el.Value.(*classifierEntry).typ
		c.mu.Unlock()
		return typ
	}
	c.mu.Unlock()

	typ := classify(channel)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[channel]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*classifierEntry).typ
	}
	el := c.order.PushFront(&classifierEntry{channel: channel, typ: typ})
	c.entries[channel] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*classifierEntry).channel)
		}
	}
	return typ
}
