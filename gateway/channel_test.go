package gateway

import (
	"testing"

	"github.com/mxircd/mxircd/irc"
	"github.com/mxircd/mxircd/matrix"
	"github.com/stretchr/testify/assert"
)

func noLookup(roomID string) (string, *matrix.Topic, map[string]matrix.Member) {
	return "", nil, nil
}

func TestJoinUnknownChannelEmits403(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()

	var sent []*irc.Message
	table.Join("#nope", func(m *irc.Message) { sent = append(sent, m) }, noLookup)

	assert.Len(t, sent, 1)
	assert.Equal(t, "403", sent[0].Command)
}

func TestJoinAlreadyJoinedEmitsACK(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()
	table.Create("#c", "!room:s")

	var sent []*irc.Message
	send := func(m *irc.Message) { sent = append(sent, m) }
	table.Join("#c", send, noLookup)
	table.Join("#c", send, noLookup)

	last := sent[len(sent)-1]
	assert.Equal(t, "ACK", last.Command)
}

// Scenario 4: queue, join, replay.
func TestQueueJoinReplayOrdersMessagesAndDropsMetadata(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()
	table.Create("#c", "!room:s")

	var delivered []*irc.Message
	write := func(m *irc.Message) { delivered = append(delivered, m) }

	table.SendTo("#c", &irc.Message{Command: "PRIVMSG", Params: []string{"#c", "m1"}}, write)
	table.SendTo("#c", &irc.Message{Command: "PRIVMSG", Params: []string{"#c", "m2"}}, write)
	table.SendTo("#c", &irc.Message{Command: "PRIVMSG", Params: []string{"#c", "m3"}}, write)
	table.SendTo("#c", &irc.Message{Command: "TOPIC", Params: []string{"#c", "t"}}, write)

	// Nothing delivered yet: channel is pending, not joined.
	assert.Empty(t, delivered)

	table.Join("#c", write, noLookup)

	var commands []string
	for _, m := range delivered {
		commands = append(commands, m.Command)
	}

	assert.Contains(t, commands, "JOIN")
	assert.Contains(t, commands, "331")
	assert.NotContains(t, commands, "TOPIC")

	// The three PRIVMSGs must appear, in order, after the announce block.
	var privmsgBodies []string
	for _, m := range delivered {
		if m.Command == "PRIVMSG" {
			privmsgBodies = append(privmsgBodies, m.Params[len(m.Params)-1])
		}
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, privmsgBodies)
	assert.Equal(t, "366", delivered[len(delivered)-4].Command)
}

func TestSendToJoinedChannelPassesThroughImmediately(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()
	table.Create("#c", "!room:s")
	table.Join("#c", func(*irc.Message) {}, noLookup)

	var delivered []*irc.Message
	table.SendTo("#c", &irc.Message{Command: "PRIVMSG", Params: []string{"#c", "hi"}}, func(m *irc.Message) {
		delivered = append(delivered, m)
	})
	assert.Len(t, delivered, 1)
}

func TestSendToUnknownChannelPassesThrough(t *testing.T) {
	conn := NewConnState("example.org")
	table := conn.Channels()

	var delivered []*irc.Message
	table.SendTo("#mystery", &irc.Message{Command: "PRIVMSG"}, func(m *irc.Message) {
		delivered = append(delivered, m)
	})
	assert.Len(t, delivered, 1)
}

// Queue bound invariant (§8): after any sequence of send_to, |queue| <= 256.
func TestQueueBoundDropsOldest(t *testing.T) {
	conn := NewConnState("example.org")
	table := conn.Channels()
	table.Create("#c", "!room:s")

	noop := func(*irc.Message) {}
	for i := 0; i < 300; i++ {
		table.SendTo("#c", &irc.Message{Command: "PRIVMSG", Params: []string{"#c", "m"}}, noop)
	}

	ch, ok := table.Get("#c")
	assert.True(t, ok)
	assert.LessOrEqual(t, len(ch.queue), queueCap)
	assert.Equal(t, queueCap, len(ch.queue))
}

func TestPartNotJoinedEmits442(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()
	table.Create("#c", "!room:s")

	var sent []*irc.Message
	table.Part("#c", "bye", func(m *irc.Message) { sent = append(sent, m) })
	assert.Len(t, sent, 1)
	assert.Equal(t, "442", sent[0].Command)
}

func TestPartUnknownEmits403(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()

	var sent []*irc.Message
	table.Part("#nope", "bye", func(m *irc.Message) { sent = append(sent, m) })
	assert.Equal(t, "403", sent[0].Command)
}

// Scenario 5: rename with channel_rename capability.
func TestRenameWithCapabilityEmitsRENAME(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	conn.AddCapabilities("channel_rename")
	table := conn.Channels()
	table.Create("#old", "!room:s")
	table.Join("#old", func(*irc.Message) {}, noLookup)

	var sent []*irc.Message
	table.Rename("#old", "#new", func(m *irc.Message) { sent = append(sent, m) }, noLookup)

	assert.Len(t, sent, 1)
	assert.Equal(t, "RENAME", sent[0].Command)
	assert.Equal(t, []string{"#old", "#new", "Channel renamed"}, sent[0].Params)

	_, stillOld := table.Get("#old")
	assert.False(t, stillOld)
	renamed, ok := table.Get("#new")
	assert.True(t, ok)
	assert.Equal(t, "!room:s", renamed.RoomID)
}

// Scenario 6: rename without channel_rename capability.
func TestRenameWithoutCapabilityEmulates(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()
	table.Create("#old", "!room:s")
	table.Join("#old", func(*irc.Message) {}, noLookup)

	var sent []*irc.Message
	table.Rename("#old", "#new", func(m *irc.Message) { sent = append(sent, m) }, noLookup)

	var commands []string
	for _, m := range sent {
		commands = append(commands, m.Command)
	}
	assert.Contains(t, commands, "JOIN")
	assert.Contains(t, commands, "PART")
	assert.Contains(t, commands, "NOTICE")

	last := sent[len(sent)-1]
	assert.Equal(t, "NOTICE", last.Command)
	assert.Equal(t, "#new", last.Params[0])
}

// Law (§8): renaming a joined channel preserves room_id and queue
// under the new key.
func TestRenamePreservesRoomIDAndQueue(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()
	table.Create("#old", "!room:s")

	// Queue a message while pending, then join so joined is true but
	// exercise the record identity, not the (already-drained) queue.
	noop := func(*irc.Message) {}
	table.SendTo("#old", &irc.Message{Command: "PRIVMSG", Params: []string{"#old", "m"}}, noop)
	table.Join("#old", noop, noLookup)
	before, _ := table.Get("#old")

	table.Rename("#old", "#new", noop, noLookup)

	renamed, ok := table.Get("#new")
	assert.True(t, ok)
	assert.Same(t, before, renamed)
	assert.Equal(t, "!room:s", renamed.RoomID)
	assert.Empty(t, renamed.queue)
}

func TestRenameNotJoinedIsSilent(t *testing.T) {
	conn := NewConnState("example.org")
	table := conn.Channels()
	table.Create("#old", "!room:s")

	var sent []*irc.Message
	table.Rename("#old", "#new", func(m *irc.Message) { sent = append(sent, m) }, noLookup)

	assert.Empty(t, sent)
	_, ok := table.Get("#new")
	assert.True(t, ok)
}

func TestDeleteJoinedEmitsPart(t *testing.T) {
	conn := NewConnState("example.org")
	conn.SetNick("alice")
	table := conn.Channels()
	table.Create("#c", "!room:s")
	table.Join("#c", func(*irc.Message) {}, noLookup)

	var sent []*irc.Message
	table.Delete("#c", func(m *irc.Message) { sent = append(sent, m) })

	assert.Len(t, sent, 1)
	assert.Equal(t, "PART", sent[0].Command)
	_, ok := table.Get("#c")
	assert.False(t, ok)
}
