package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mxircd/mxircd/irc"
	"github.com/mxircd/mxircd/matrix"
)

// queueCap is the per-channel replay queue bound (§5 Resource bounds).
const queueCap = 256

// Send delivers a single IRC message to the connection's write loop
// (§5: the socket write is the only suspension point here, owned by
// the caller, not by Channel).
type Send func(*irc.Message)

// RoomLookup resolves a room id to the fields announce needs, backed
// by matrix.Store's accessors (room_name/room_topic/room_members).
type RoomLookup func(roomID string) (name string, topic *matrix.Topic, members map[string]matrix.Member)

// Channel is the per-IRC-connection record of one channel's lifecycle
// (C4, §3 "IRC channel record"). States per §4.4:
// Unknown -> Pending(joined=false) -> Joined(joined=true); Unknown is
// simply "no entry in the table".
type Channel struct {
	RoomID string
	Joined bool
	queue  []*irc.Message
}

// ChannelTable is the mutex-guarded, per-connection map of IRC channel
// name to Channel, keyed by the channel's *current* name (renames are
// an atomic rekey, §3).
type ChannelTable struct {
	mu       sync.Mutex
	channels map[string]*Channel
	conn     *ConnState
}

// NewChannelTable constructs an empty table bound to the connection's
// C5 state, needed for the nick/account tag and channel_rename
// capability check used by announce/rename.
func NewChannelTable(conn *ConnState) *ChannelTable {
	return &ChannelTable{
		channels: map[string]*Channel{},
		conn:     conn,
	}
}

// Create installs a Pending channel if absent (§4.4 create).
func (t *ChannelTable) Create(name, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.channels[name]; ok {
		return
	}
	t.channels[name] = &Channel{RoomID: roomID}
}

// Get returns the channel record, if any.
func (t *ChannelTable) Get(name string) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[name]
	return ch, ok
}

// Delete removes the record, emitting a server-initiated PART first if
// the channel was joined (§4.4 delete).
func (t *ChannelTable) Delete(name string, send Send) {
	t.mu.Lock()
	ch, ok := t.channels[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	joined := ch.Joined
	delete(t.channels, name)
	t.mu.Unlock()

	if joined {
		send(t.partMessage(name, "Channel deleted by server"))
	}
}

// Join delivers the announce choreography and replays any queued
// messages (§4.4 join). The numeric already tells the IRC client what
// happened; the returned error lets callers outside the wire protocol
// (admin commands, tests) distinguish the outcomes without parsing it
// back out.
func (t *ChannelTable) Join(name string, send Send, sup RoomLookup) error {
	t.mu.Lock()
	ch, ok := t.channels[name]
	if !ok {
		t.mu.Unlock()
		send(numeric("403", t.conn.Nick(), name, "No such channel"))
		return ErrUnknownChannel
	}
	if ch.Joined {
		t.mu.Unlock()
		send(&irc.Message{Command: "ACK", Params: []string{name}})
		return nil
	}
	ch.Joined = true
	queued := ch.queue
	ch.queue = nil
	t.mu.Unlock()

	t.announce(name, ch.RoomID, send, sup)
	for _, m := range queued {
		send(m)
	}
	return nil
}

// Part emits PART and clears joined (§4.4 part).
func (t *ChannelTable) Part(name, reason string, send Send) error {
	t.mu.Lock()
	ch, ok := t.channels[name]
	if !ok {
		t.mu.Unlock()
		send(numeric("403", t.conn.Nick(), name, "No such channel"))
		return ErrUnknownChannel
	}
	if !ch.Joined {
		t.mu.Unlock()
		send(numeric("442", t.conn.Nick(), name, "You can't part a channel you aren't in"))
		return ErrNotJoined
	}
	ch.Joined = false
	t.mu.Unlock()

	send(t.partMessage(name, reason))
	return nil
}

// Rename rekeys the record from old to new, announcing the change on
// the wire per the session's channel_rename capability (§4.4 rename).
// The record is looked up and rewritten under the same lock acquisition
// to keep the rekey atomic with the joined-check (law: "renaming a
// joined channel preserves room_id and queue under the new key", §8).
func (t *ChannelTable) Rename(old, newName string, send Send, sup RoomLookup) {
	t.mu.Lock()
	ch, ok := t.channels[old]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.channels, old)
	t.channels[newName] = ch
	joined := ch.Joined
	roomID := ch.RoomID
	t.mu.Unlock()

	if !joined {
		return
	}

	if t.conn.HasCapability("channel_rename") {
		send(&irc.Message{
			Source:  "server.",
			Command: "RENAME",
			Params:  []string{old, newName, "Channel renamed"},
		})
		return
	}

	t.announce(newName, roomID, send, sup)
	send(t.partMessage(old, fmt.Sprintf("Channel renamed to %s", newName)))
	send(&irc.Message{
		Source:  "server.",
		Command: "NOTICE",
		Params:  []string{newName, fmt.Sprintf("Channel renamed from %s", old)},
	})
}

// SendTo is the event-delivery entry point from C2/Matrix toward the
// IRC client (§4.4 send_to). Unknown channels pass messages straight
// to write since they're addressed to the user, not a channel.
func (t *ChannelTable) SendTo(name string, msg *irc.Message, write Send) {
	t.mu.Lock()
	ch, ok := t.channels[name]
	if !ok {
		t.mu.Unlock()
		write(msg)
		return
	}
	if ch.Joined {
		t.mu.Unlock()
		write(msg)
		return
	}
	if isQueueable(msg) {
		ch.queue = append(ch.queue, msg)
		if len(ch.queue) > queueCap {
			ch.queue = ch.queue[len(ch.queue)-queueCap:]
		}
	}
	t.mu.Unlock()
}

func isQueueable(msg *irc.Message) bool {
	return msg.Command == "PRIVMSG" || msg.Command == "NOTICE"
}

// announce runs the JOIN/topic/NAMES choreography of §4.4 for channel
// name backed by room roomID.
func (t *ChannelTable) announce(name, roomID string, send Send, sup RoomLookup) {
	nick := t.conn.Nick()

	join := &irc.Message{
		Source:  nick,
		Command: "JOIN",
		Params:  []string{name},
	}
	if join.Tags == nil {
		join.Tags = irc.Tags{}
	}
	join.Tags["account"] = nick
	send(join)

	var roomName string
	var topic *matrix.Topic
	var members map[string]matrix.Member
	if sup != nil {
		roomName, topic, members = sup(roomID)
	}

	composite := compositeTopic(roomName, topic)
	if composite == "" {
		send(numeric("331", nick, name, "No topic is set"))
	} else {
		send(numeric("332", nick, name, composite))
		if topic != nil && topic.SetterUserID != "" {
			send(numeric("333", nick, name, topic.SetterUserID, fmt.Sprintf("%d", topic.EpochMillis/1000)))
		}
	}

	if !t.conn.HasCapability("no_implicit_names") {
		for _, line := range namesLines(nick, name, members) {
			send(&irc.Message{
				Source:  "server.",
				Command: "353",
				Params:  []string{nick, "=", name, line},
			})
		}
		send(numeric("366", nick, name, "End of /NAMES list"))
	}
}

func compositeTopic(name string, topic *matrix.Topic) string {
	var parts []string
	if name != "" {
		parts = append(parts, "["+name+"]")
	}
	if topic != nil && topic.Text != "" {
		parts = append(parts, topic.Text)
	}
	return strings.Join(parts, " ")
}

// namesLines renders the member list for 353, sorted lexicographically
// by user id and packed into lines within the wire budget (§4.4).
func namesLines(nick, channel string, members map[string]matrix.Member) []string {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rendered := make([]string, 0, len(ids))
	for _, id := range ids {
		rendered = append(rendered, irc.EscapeSpaces(renderUserID(id)))
	}

	overhead := len((&irc.Message{
		Source:  "server.",
		Command: "353",
		Params:  []string{nick, "=", channel, ""},
	}).Bytes())

	width := irc.MaxLineLength - overhead
	if width <= 0 {
		width = 1
	}
	return irc.WrapForBudget(rendered, width)
}

// renderUserID renders a Matrix user id "@local:server" as the IRC
// user_id!localpart@server form used in 353 replies (§4.4), keeping
// the full user id in the nick position so federated users sharing a
// localpart on different servers don't collide.
func renderUserID(userID string) string {
	local, server := userID, ""
	if idx := strings.IndexByte(userID, ':'); idx >= 0 {
		local, server = userID[:idx], userID[idx+1:]
	}
	return fmt.Sprintf("%s!%s@%s", userID, local, server)
}

func (t *ChannelTable) partMessage(name, reason string) *irc.Message {
	return &irc.Message{
		Source:  t.conn.Nick(),
		Command: "PART",
		Params:  []string{name, reason},
	}
}

func numeric(code, nick, channel string, params ...string) *irc.Message {
	return &irc.Message{
		Source:  "server.",
		Command: code,
		Params:  append([]string{nick, channel}, params...),
	}
}
