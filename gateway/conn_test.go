package gateway

import (
	"testing"

	"github.com/mxircd/mxircd/irc"
	"github.com/stretchr/testify/assert"
)

func TestConnStateNickAndRegistration(t *testing.T) {
	c := NewConnState("example.org")
	assert.Equal(t, "", c.Nick())
	assert.False(t, c.Registered())

	c.SetNick("alice")
	c.SetRegistered(true)
	c.SetGecos("Alice Example")

	assert.Equal(t, "alice", c.Nick())
	assert.True(t, c.Registered())
	assert.Equal(t, "Alice Example", c.Gecos())
}

func TestConnStateCapabilitiesIgnoresUnknown(t *testing.T) {
	c := NewConnState("example.org")
	c.AddCapabilities("message-tags", "bogus-cap", "channel_rename")

	assert.True(t, c.HasCapability("message-tags"))
	assert.True(t, c.HasCapability("channel_rename"))
	assert.False(t, c.HasCapability("bogus-cap"))
}

func TestConnStateCapabilitiesDuplicateIsNoop(t *testing.T) {
	c := NewConnState("example.org")
	c.AddCapabilities("batch")
	c.AddCapabilities("batch")
	assert.Len(t, c.Capabilities(), 1)
}

func TestBatchInsertionOrderSurvivesReversedStorage(t *testing.T) {
	c := NewConnState("example.org")

	opening := &irc.Message{Command: "BATCH", Params: []string{"+ref", "netjoin"}}
	c.CreateBatch("ref", opening)
	c.AddBatchCommand("ref", &irc.Message{Command: "JOIN", Params: []string{"#a"}})
	c.AddBatchCommand("ref", &irc.Message{Command: "JOIN", Params: []string{"#b"}})
	c.AddBatchCommand("ref", &irc.Message{Command: "JOIN", Params: []string{"#c"}})

	gotOpening, commands, ok := c.PopBatch("ref")
	assert.True(t, ok)
	assert.Same(t, opening, gotOpening)

	assert.Len(t, commands, 3)
	assert.Equal(t, []string{"#a"}, commands[0].Params)
	assert.Equal(t, []string{"#b"}, commands[1].Params)
	assert.Equal(t, []string{"#c"}, commands[2].Params)
}

func TestPopBatchRemovesEntry(t *testing.T) {
	c := NewConnState("example.org")
	c.CreateBatch("ref", &irc.Message{Command: "BATCH"})
	_, _, ok := c.PopBatch("ref")
	assert.True(t, ok)

	_, _, ok = c.PopBatch("ref")
	assert.False(t, ok)
}

func TestAddBatchCommandOnUnknownRefIsNoop(t *testing.T) {
	c := NewConnState("example.org")
	c.AddBatchCommand("nope", &irc.Message{Command: "JOIN"})
	_, _, ok := c.PopBatch("nope")
	assert.False(t, ok)
}
