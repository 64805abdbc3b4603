// Package namespace implements C1: the per-app index of sockets, channels,
// users and presence members, with a sharded-concurrent-map discipline
// (modeled on the copy-on-write SubscriptionIndex in an
// internal/shared/connection.go reference implementation, generalized from a
// single global index to one index per App and split into three shard
// families so unrelated channels/users/sockets never contend on the same
// lock).
package namespace

import (
	"encoding/json"
	"hash/fnv"
	"sync"
)

// SocketID is an opaque, process-unique (and globally unique with high
// probability) identifier for a live WebSocket.
type SocketID string

// Socket is the capability a Namespace needs from a live connection: enough
// to fan out to it and to close it, without namespace owning its read/write
// halves (those stay with the connection handler).
type Socket interface {
	ID() SocketID
	Send(data []byte) error
	Close(code uint16, reason string) error
}

// PresenceMember is {user_id, user_info} carried by a presence subscription.
type PresenceMember struct {
	UserID   string
	UserInfo json.RawMessage
}

const shardCount = 16

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % shardCount
}

type socketState struct {
	socket   Socket
	channels map[string]struct{} // socket_channels[id]
	userID   string               // empty until signin
}

type socketShard struct {
	mu      sync.RWMutex
	sockets map[SocketID]*socketState
}

type channelEntry struct {
	sockets   map[SocketID]struct{}
	presence  map[SocketID]PresenceMember // only populated for presence channels
	lastEvent []byte                      // optional last-event cache, size 1
}

type channelShard struct {
	mu       sync.RWMutex
	channels map[string]*channelEntry
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[SocketID]struct{}
}

// Namespace is the per-App index of sockets, channels, users and presence
// members.
type Namespace struct {
	appID         string
	socketShards  [shardCount]*socketShard
	channelShards [shardCount]*channelShard
	userShards    [shardCount]*userShard
}

// New creates an empty Namespace for appID.
func New(appID string) *Namespace {
	ns := &Namespace{appID: appID}
	for i := 0; i < shardCount; i++ {
		ns.socketShards[i] = &socketShard{sockets: make(map[SocketID]*socketState)}
		ns.channelShards[i] = &channelShard{channels: make(map[string]*channelEntry)}
		ns.userShards[i] = &userShard{users: make(map[string]map[SocketID]struct{})}
	}
	return ns
}

func (ns *Namespace) AppID() string { return ns.appID }

func (ns *Namespace) socketShard(id SocketID) *socketShard {
	return ns.socketShards[shardFor(string(id))]
}
func (ns *Namespace) channelShard(channel string) *channelShard {
	return ns.channelShards[shardFor(channel)]
}
func (ns *Namespace) userShard(userID string) *userShard {
	return ns.userShards[shardFor(userID)]
}

// AddSocket inserts a new socket. Returns false if id is already present.
func (ns *Namespace) AddSocket(id SocketID, socket Socket) bool {
	sh := ns.socketShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.sockets[id]; exists {
		return false
	}
	sh.sockets[id] = &socketState{socket: socket, channels: make(map[string]struct{})}
	return true
}

// GetSocket returns the socket handle for id, if present.
func (ns *Namespace) GetSocket(id SocketID) (Socket, bool) {
	sh := ns.socketShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.sockets[id]
	if !ok {
		return nil, false
	}
	return st.socket, true
}

// SocketChannels returns a snapshot of the channel names a socket
// currently holds, used by the connection handler's disconnect path to
// drive BatchUnsubscribe.
func (ns *Namespace) SocketChannels(id SocketID) []string {
	sh := ns.socketShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.sockets[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(st.channels))
	for c := range st.channels {
		out = append(out, c)
	}
	return out
}

// RemoveSocket drops the socket entry itself. Callers must first clear its
// channel and user memberships (BatchUnsubscribe / RemoveUser) — RemoveSocket
// does not cascade, matching the original's separation of "cleanup_connection"
// (index bookkeeping) from "remove_connection" (socket removal).
func (ns *Namespace) RemoveSocket(id SocketID) {
	sh := ns.socketShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sockets, id)
}

// AddToChannel adds id to channel. Returns true iff newly added (idempotent
// otherwise) — the add_to_channel contract.
func (ns *Namespace) AddToChannel(channel string, id SocketID) bool {
	ch := ns.channelShard(channel)
	ch.mu.Lock()
	entry, ok := ch.channels[channel]
	if !ok {
		entry = &channelEntry{sockets: make(map[SocketID]struct{})}
		ch.channels[channel] = entry
	}
	_, already := entry.sockets[id]
	if !already {
		entry.sockets[id] = struct{}{}
	}
	ch.mu.Unlock()

	if already {
		return false
	}

	sh := ns.socketShard(id)
	sh.mu.Lock()
	if st, ok := sh.sockets[id]; ok {
		st.channels[channel] = struct{}{}
	}
	sh.mu.Unlock()
	return true
}

// RemoveFromChannel removes id from channel. Returns (removed, channelEmpty).
// If channelEmpty, the caller is responsible for calling RemoveChannel to
// drop the now-empty entry.
func (ns *Namespace) RemoveFromChannel(channel string, id SocketID) (removed bool, channelEmpty bool) {
	ch := ns.channelShard(channel)
	ch.mu.Lock()
	entry, ok := ch.channels[channel]
	if !ok {
		ch.mu.Unlock()
		return false, false
	}
	if _, present := entry.sockets[id]; !present {
		ch.mu.Unlock()
		return false, len(entry.sockets) == 0
	}
	delete(entry.sockets, id)
	delete(entry.presence, id)
	empty := len(entry.sockets) == 0
	ch.mu.Unlock()

	sh := ns.socketShard(id)
	sh.mu.Lock()
	if st, ok := sh.sockets[id]; ok {
		delete(st.channels, channel)
	}
	sh.mu.Unlock()

	return true, empty
}

// RemoveChannel drops an empty channel entry. No-op if it still has members.
func (ns *Namespace) RemoveChannel(channel string) {
	ch := ns.channelShard(channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if entry, ok := ch.channels[channel]; ok && len(entry.sockets) == 0 {
		delete(ch.channels, channel)
	}
}

// ChannelSocketsExcept returns a snapshot of sockets subscribed to channel,
// excluding `except` if non-empty. Callers must not hold this result across
// a namespace mutation and must not mutate it.
func (ns *Namespace) ChannelSocketsExcept(channel string, except SocketID) []Socket {
	ch := ns.channelShard(channel)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	entry, ok := ch.channels[channel]
	if !ok {
		return nil
	}
	out := make([]Socket, 0, len(entry.sockets))
	for id := range entry.sockets {
		if id == except {
			continue
		}
		if st, ok := ns.socketShard(id).lockedGet(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *socketShard) lockedGet(id SocketID) (Socket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sockets[id]
	if !ok {
		return nil, false
	}
	return st.socket, true
}

// ChannelSocketCount returns the number of subscribers on channel.
func (ns *Namespace) ChannelSocketCount(channel string) int {
	ch := ns.channelShard(channel)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	entry, ok := ch.channels[channel]
	if !ok {
		return 0
	}
	return len(entry.sockets)
}

// IsInChannel reports whether id is subscribed to channel.
func (ns *Namespace) IsInChannel(channel string, id SocketID) bool {
	ch := ns.channelShard(channel)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	entry, ok := ch.channels[channel]
	if !ok {
		return false
	}
	_, present := entry.sockets[id]
	return present
}

// ChannelsWithSocketCount returns a snapshot channel -> subscriber count
// across all shards (used for the cluster-wide ChannelsWithSocketsCount
// query).
func (ns *Namespace) ChannelsWithSocketCount() map[string]int {
	out := make(map[string]int)
	for _, ch := range ns.channelShards {
		ch.mu.RLock()
		for name, entry := range ch.channels {
			out[name] = len(entry.sockets)
		}
		ch.mu.RUnlock()
	}
	return out
}

// SocketsCount returns the total number of sockets registered in this app.
func (ns *Namespace) SocketsCount() int {
	total := 0
	for _, sh := range ns.socketShards {
		sh.mu.RLock()
		total += len(sh.sockets)
		sh.mu.RUnlock()
	}
	return total
}

// SetPresenceMember records member as occupying id's slot in channel.
func (ns *Namespace) SetPresenceMember(channel string, id SocketID, member PresenceMember) {
	ch := ns.channelShard(channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	entry, ok := ch.channels[channel]
	if !ok {
		entry = &channelEntry{sockets: make(map[SocketID]struct{})}
		ch.channels[channel] = entry
	}
	if entry.presence == nil {
		entry.presence = make(map[SocketID]PresenceMember)
	}
	entry.presence[id] = member
}

// PresenceMembers returns a snapshot of {user_id: user_info} style data for
// every distinct member currently in channel, deduplicated by user_id. When
// several sockets share a user_id, the record of one of them is kept; which
// one is not defined.
func (ns *Namespace) PresenceMembers(channel string) map[string]PresenceMember {
	ch := ns.channelShard(channel)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	entry, ok := ch.channels[channel]
	if !ok {
		return nil
	}
	out := make(map[string]PresenceMember, len(entry.presence))
	for _, m := range entry.presence {
		out[m.UserID] = m
	}
	return out
}

// PresenceMemberFor returns the PresenceMember associated with id in channel.
// Used by unsubscribe to capture the departing member's user_id before
// removal.
func (ns *Namespace) PresenceMemberFor(channel string, id SocketID) (PresenceMember, bool) {
	ch := ns.channelShard(channel)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	entry, ok := ch.channels[channel]
	if !ok {
		return PresenceMember{}, false
	}
	m, ok := entry.presence[id]
	return m, ok
}

// CountPresenceUsersWithID returns how many of channel's presence members
// have the given userID, used to decide first-join/last-leave event
// emission.
func (ns *Namespace) CountPresenceUsersWithID(channel, userID string) int {
	ch := ns.channelShard(channel)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	entry, ok := ch.channels[channel]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range entry.presence {
		if m.UserID == userID {
			n++
		}
	}
	return n
}

// AddUser indexes socket id under userID.
func (ns *Namespace) AddUser(userID string, id SocketID) {
	sh := ns.socketShard(id)
	sh.mu.Lock()
	if st, ok := sh.sockets[id]; ok {
		st.userID = userID
	}
	sh.mu.Unlock()

	us := ns.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	set, ok := us.users[userID]
	if !ok {
		set = make(map[SocketID]struct{})
		us.users[userID] = set
	}
	set[id] = struct{}{}
}

// RemoveUser removes id from userID's socket set, erasing the user entry
// entirely once no sockets remain.
func (ns *Namespace) RemoveUser(userID string, id SocketID) {
	us := ns.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	set, ok := us.users[userID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(us.users, userID)
	}
}

// UserSockets returns a snapshot of sockets registered under userID.
func (ns *Namespace) UserSockets(userID string) []Socket {
	us := ns.userShard(userID)
	us.mu.RLock()
	ids := make([]SocketID, 0, len(us.users[userID]))
	for id := range us.users[userID] {
		ids = append(ids, id)
	}
	us.mu.RUnlock()

	out := make([]Socket, 0, len(ids))
	for _, id := range ids {
		if s, ok := ns.GetSocket(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// CountUserConnectionsInChannel counts sockets belonging to userID that are
// subscribed to channel, optionally excluding one socket (local-only filter;
// the horizontal adapter adds remote counts on top).
func (ns *Namespace) CountUserConnectionsInChannel(userID, channel string, excluding SocketID) int {
	ch := ns.channelShard(channel)
	ch.mu.RLock()
	entry, ok := ch.channels[channel]
	if !ok {
		ch.mu.RUnlock()
		return 0
	}
	ids := make([]SocketID, 0, len(entry.sockets))
	for id := range entry.sockets {
		ids = append(ids, id)
	}
	ch.mu.RUnlock()

	count := 0
	for _, id := range ids {
		if id == excluding {
			continue
		}
		sh := ns.socketShard(id)
		sh.mu.RLock()
		if st, ok := sh.sockets[id]; ok && st.userID == userID {
			count++
		}
		sh.mu.RUnlock()
	}
	return count
}

// UnsubscribeOp is one (channel) leave for BatchUnsubscribe.
type UnsubscribeOp struct {
	Channel string
}

// EmptiedChannel names a channel BatchUnsubscribe left with zero subscribers.
type EmptiedChannel struct {
	Channel string
}

// BatchUnsubscribe removes id from every channel in ops, acquiring each
// channel shard's lock once regardless of how many channels land in that
// shard and the socket shard's lock exactly once — O(1) lock acquisitions
// for graceful-disconnect cleanup, ported from
// channel/manager.rs's batch_unsubscribe.
func (ns *Namespace) BatchUnsubscribe(id SocketID, ops []UnsubscribeOp) []EmptiedChannel {
	// Group by shard so each shard's lock is taken once.
	byShard := make(map[int][]string)
	for _, op := range ops {
		s := shardFor(op.Channel)
		byShard[s] = append(byShard[s], op.Channel)
	}

	var emptied []EmptiedChannel
	for shardIdx, channels := range byShard {
		ch := ns.channelShards[shardIdx]
		ch.mu.Lock()
		for _, channel := range channels {
			entry, ok := ch.channels[channel]
			if !ok {
				continue
			}
			delete(entry.sockets, id)
			delete(entry.presence, id)
			if len(entry.sockets) == 0 {
				delete(ch.channels, channel)
				emptied = append(emptied, EmptiedChannel{Channel: channel})
			}
		}
		ch.mu.Unlock()
	}

	sh := ns.socketShard(id)
	sh.mu.Lock()
	if st, ok := sh.sockets[id]; ok {
		for _, op := range ops {
			delete(st.channels, op.Channel)
		}
	}
	sh.mu.Unlock()

	return emptied
}

// SetLastEvent stores the most recent serialized payload published on
// channel, an optional per-channel cache of size 1 — an explicitly carved-out
// exception to the rule that channels carry no durable message history.
func (ns *Namespace) SetLastEvent(channel string, payload []byte) {
	ch := ns.channelShard(channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	entry, ok := ch.channels[channel]
	if !ok {
		entry = &channelEntry{sockets: make(map[SocketID]struct{})}
		ch.channels[channel] = entry
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	entry.lastEvent = cp
}

// LastEvent returns the cached last event for channel, if any.
func (ns *Namespace) LastEvent(channel string) ([]byte, bool) {
	ch := ns.channelShard(channel)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	entry, ok := ch.channels[channel]
	if !ok || entry.lastEvent == nil {
		return nil, false
	}
	return entry.lastEvent, true
}

// Registry holds one Namespace per App.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]*Namespace)}
}

// GetOrCreate returns the Namespace for appID, creating it if absent.
func (r *Registry) GetOrCreate(appID string) *Namespace {
	r.mu.RLock()
	ns, ok := r.namespaces[appID]
	r.mu.RUnlock()
	if ok {
		return ns
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ns, ok := r.namespaces[appID]; ok {
		return ns
	}
	ns = New(appID)
	r.namespaces[appID] = ns
	return ns
}

// Get returns the Namespace for appID without creating it.
func (r *Registry) Get(appID string) (*Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[appID]
	return ns, ok
}

// All returns a snapshot of every known Namespace.
func (r *Registry) All() map[string]*Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Namespace, len(r.namespaces))
	for k, v := range r.namespaces {
		out[k] = v
	}
	return out
}
