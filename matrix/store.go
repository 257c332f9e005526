package matrix

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SyncCallback fires once a room completes its initial sync (§3
// Channel-sync callback table, §4.2 queue_on_channel_sync/mark_synced).
// Callbacks are popped under the store's mutex and run right after it
// is released, on the goroutine that made the store call: they MUST be
// short and non-blocking (§5).
type SyncCallback func(roomID string, room Room)

// Store is the per-connection Matrix room-state cache (C2, §4.2). All
// operations are serialized through a single mutex, realizing the
// "mailbox" contract of §5 as a mutex-guarded struct.
type Store struct {
	mu sync.Mutex

	log *logrus.Entry

	rooms     map[string]Room
	callbacks map[string][]SyncCallback

	sinceMarker   string
	handledEvents map[string]map[string]struct{}
}

// New constructs an empty Store.
func New(log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		log:           log,
		rooms:         map[string]Room{},
		callbacks:     map[string][]SyncCallback{},
		handledEvents: map[string]map[string]struct{}{},
	}
}

func (s *Store) roomOrZero(id string) Room {
	if r, ok := s.rooms[id]; ok {
		return r.clone()
	}
	return zeroRoom(id)
}

// UpdateRoom applies f to the existing room (or a zero-valued room if
// unseen) and writes the result back (§4.2 update_room).
func (s *Store) UpdateRoom(roomID string, f func(Room) Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = f(s.roomOrZero(roomID)).clone()
}

// SetCanonicalAlias updates the room's alias and, if the room is
// already synced, atomically drains and fires callbacks registered
// under the new alias, returning the previous alias (§4.2).
func (s *Store) SetCanonicalAlias(roomID, alias string) (previous string) {
	s.mu.Lock()
	room := s.roomOrZero(roomID)
	previous = room.CanonicalAlias
	room.CanonicalAlias = alias
	s.rooms[roomID] = room

	var fire []SyncCallback
	if room.Synced {
		fire = s.popCallbacks(alias)
	}
	s.mu.Unlock()

	s.invoke(fire, roomID, room)
	return previous
}

// SetBridgeInfo is a single-field update (§4.2).
func (s *Store) SetBridgeInfo(roomID string, info *BridgeInfo) {
	s.UpdateRoom(roomID, func(r Room) Room { r.BridgeInfo = info; return r })
}

// SetName is a single-field update (§4.2).
func (s *Store) SetName(roomID, name string) {
	s.UpdateRoom(roomID, func(r Room) Room { r.Name = name; return r })
}

// SetTopic is a single-field update (§4.2).
func (s *Store) SetTopic(roomID string, topic *Topic) {
	s.UpdateRoom(roomID, func(r Room) Room { r.Topic = topic; return r })
}

// SetType is a single-field update (§4.2).
func (s *Store) SetType(roomID, typ string) {
	s.UpdateRoom(roomID, func(r Room) Room { r.Type = typ; return r })
}

// RoomMemberAdd inserts a member if absent, returning whether they
// were already present (§4.2).
func (s *Store) RoomMemberAdd(roomID, userID string, member Member) (existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.roomOrZero(roomID)
	if _, ok := room.Members[userID]; ok {
		return true
	}
	room.Members[userID] = member
	s.rooms[roomID] = room
	return false
}

// RoomMemberDel deletes a member if present, returning whether they
// were present (§4.2).
func (s *Store) RoomMemberDel(roomID, userID string) (existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.roomOrZero(roomID)
	if _, ok := room.Members[userID]; !ok {
		return false
	}
	delete(room.Members, userID)
	s.rooms[roomID] = room
	return true
}

// RoomMembers returns the member map of a room (§4.2 accessor).
func (s *Store) RoomMembers(roomID string) map[string]Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.roomOrZero(roomID)
	return room.Members
}

// RoomMember returns a single member (§4.2 accessor).
func (s *Store) RoomMember(roomID, userID string) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.roomOrZero(roomID).Members[userID]
	return m, ok
}

// RoomName is an accessor (§4.2).
func (s *Store) RoomName(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomOrZero(roomID).Name
}

// RoomTopic is an accessor (§4.2).
func (s *Store) RoomTopic(roomID string) *Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomOrZero(roomID).Topic
}

// RoomType is an accessor (§4.2).
func (s *Store) RoomType(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomOrZero(roomID).Type
}

// RoomCanonicalAlias is an accessor (§4.2).
func (s *Store) RoomCanonicalAlias(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomOrZero(roomID).CanonicalAlias
}

// Room returns a snapshot of the room, or a zero room plus false if
// unknown.
func (s *Store) Room(roomID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	return r.clone(), ok
}

// ListRooms returns (irc_channel_name, member_count, topic_text)
// triples for every known room whose type is not "m.space" (§4.2
// list_rooms). Iteration order is unspecified.
func (s *Store) ListRooms() []ListedRoom {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ListedRoom, 0, len(s.rooms))
	for id, room := range s.rooms {
		if room.Type == "m.space" {
			continue
		}
		topicText := ""
		if room.Topic != nil {
			topicText = room.Topic.Text
		}
		out = append(out, ListedRoom{
			IRCChannelName: DeriveChannelName(id, room),
			MemberCount:    len(room.Members),
			Topic:          topicText,
		})
	}
	return out
}

// RoomFromIRCChannel resolves an IRC channel name to (room_id, room)
// per §4.2.
func (s *Store) RoomFromIRCChannel(name string) (string, *Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RoomFromIRCChannel(s.rooms, name)
}

// QueueOnChannelSync registers cb to fire once the named channel (an
// IRC channel name or a room id) has completed its initial sync. If
// the room is already synced, cb fires synchronously, after the
// store's mutex is released, before this call returns (§4.2).
func (s *Store) QueueOnChannelSync(name string, cb SyncCallback) {
	s.mu.Lock()

	if id, room, ok := RoomFromIRCChannel(s.rooms, name); ok && room.Synced {
		s.mu.Unlock()
		cb(id, *room)
		return
	}
	if room, ok := s.rooms[name]; ok && room.Synced {
		s.mu.Unlock()
		cb(name, room)
		return
	}

	s.callbacks[name] = append(s.callbacks[name], cb)
	s.mu.Unlock()
}

// MarkSynced sets the room's synced flag and atomically pops and
// fires every callback registered under the room id or its current
// canonical alias (§4.2). Callbacks fired here never observe
// synced=false.
func (s *Store) MarkSynced(roomID string) {
	s.mu.Lock()
	room := s.roomOrZero(roomID)
	room.Synced = true
	s.rooms[roomID] = room

	fire := s.popCallbacks(roomID)
	if room.CanonicalAlias != "" {
		fire = append(fire, s.popCallbacks(room.CanonicalAlias)...)
	}
	s.mu.Unlock()

	s.invoke(fire, roomID, room)
}

// popCallbacks removes and returns the callbacks registered under
// key. Caller must hold s.mu.
func (s *Store) popCallbacks(key string) []SyncCallback {
	cbs := s.callbacks[key]
	delete(s.callbacks, key)
	return cbs
}

// invoke runs callbacks that MarkSynced/SetCanonicalAlias popped under
// the lock, after the caller has released it, as the last step of the
// update (§5). A panicking callback is recovered and logged so one bad
// callback can't block a sync batch (CallbackFailure, §7).
func (s *Store) invoke(cbs []SyncCallback, roomID string, room Room) {
	for _, cb := range cbs {
		s.safeCall(cb, roomID, room)
	}
}

func (s *Store) safeCall(cb SyncCallback, roomID string, room Room) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("channel-sync callback panicked for room %s: %v", roomID, r)
		}
	}()
	cb(roomID, room)
}

// PollSinceMarker returns the current sync cursor (§4.2).
func (s *Store) PollSinceMarker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinceMarker
}

// UpdatePollSinceMarker advances the cursor and clears the
// handled-events set (§4.2, §5 Ordering).
func (s *Store) UpdatePollSinceMarker(next string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceMarker = next
	s.handledEvents = map[string]map[string]struct{}{}
}

// HandledEvents returns the set of event ids already dispatched for
// roomID during the current since-window (§4.2).
func (s *Store) HandledEvents(roomID string) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handledEvents[roomID]
}

// MarkHandledEvent records eventID as dispatched for roomID.
// Idempotent; a no-op if eventID is empty (§4.2).
func (s *Store) MarkHandledEvent(roomID, eventID string) {
	if eventID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.handledEvents[roomID]
	if !ok {
		set = map[string]struct{}{}
		s.handledEvents[roomID] = set
	}
	set[eventID] = struct{}{}
}

// IsHandledEvent reports whether eventID was already dispatched for
// roomID in the current since-window (dedup per §5/§7 DuplicateEvent).
func (s *Store) IsHandledEvent(roomID, eventID string) bool {
	if eventID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handledEvents[roomID][eventID]
	return ok
}

// DumpState is a diagnostics-only accessor (§9): a copy of every
// cached room keyed by room id, not meant for programmatic use.
func (s *Store) DumpState() map[string]Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Room, len(s.rooms))
	for id, r := range s.rooms {
		out[id] = r.clone()
	}
	return out
}
