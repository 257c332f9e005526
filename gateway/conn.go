package gateway

import (
	"sync"

	"github.com/mxircd/mxircd/irc"
)

// knownCapabilities is the closed set of IRCv3 capabilities (plus two
// local pseudo-capabilities) the core reacts to by name (§3, §6).
var knownCapabilities = map[string]bool{
	"message-tags":      true,
	"batch":             true,
	"account-tag":       true,
	"echo-message":      true,
	"labeled-response":  true,
	"server-time":       true,
	"no_implicit_names": true,
	"channel_rename":    true,
}

// Batch buffers a client-initiated IRCv3 batch (§4.5). commands is
// built by prepending on AddBatchCommand and reversed by PopBatch to
// yield insertion order, matching §4.5's "accumulated in reverse
// insertion order internally" note.
type Batch struct {
	Opening  *irc.Message
	commands []*irc.Message
}

// ConnState is the per-connection IRC-side state (C5, §3 "IRC
// connection state"). All accessors/mutators are serialized through a
// single mutex, the same single-writer-at-a-time contract as Store
// (§5).
type ConnState struct {
	mu sync.Mutex

	nickLocal  string
	nickServer string
	registered bool
	gecos      string

	capabilities map[string]bool

	batches map[string]*Batch

	channels *ChannelTable
}

// NewConnState constructs connection state with no capabilities
// enabled and no nick set.
func NewConnState(serverName string) *ConnState {
	c := &ConnState{
		nickServer:   serverName,
		capabilities: map[string]bool{},
		batches:      map[string]*Batch{},
	}
	c.channels = NewChannelTable(c)
	return c
}

// Channels returns the connection's channel table (C4), bound to this
// ConnState at construction.
func (c *ConnState) Channels() *ChannelTable {
	return c.channels
}

// Nick returns the local part of the connection's nickname, the form
// used as the IRC source prefix.
func (c *ConnState) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickLocal
}

// SetNick sets the local part of the nickname.
func (c *ConnState) SetNick(nick string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nickLocal = nick
}

// Registered reports whether registration has completed: a nick and a
// real name (NICK and USER) are both known. CAP END is not waited for.
func (c *ConnState) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// SetRegistered marks registration complete.
func (c *ConnState) SetRegistered(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = v
}

// Gecos returns the connection's real-name field.
func (c *ConnState) Gecos() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gecos
}

// SetGecos sets the connection's real-name field.
func (c *ConnState) SetGecos(g string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gecos = g
}

// AddCapabilities enables the named capabilities, ignoring any not in
// the closed set of §3. Re-adding an already-enabled capability is a
// redundant no-op, matching §4.5's "duplicates permitted but
// semantically redundant" note.
func (c *ConnState) AddCapabilities(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		if knownCapabilities[n] {
			c.capabilities[n] = true
		}
	}
}

// HasCapability reports whether a capability is currently enabled.
func (c *ConnState) HasCapability(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities[name]
}

// Capabilities returns the set of currently enabled capability names.
func (c *ConnState) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.capabilities))
	for n := range c.capabilities {
		out = append(out, n)
	}
	return out
}

// CreateBatch starts buffering a client-initiated batch under ref tag
// (§4.5 create_batch).
func (c *ConnState) CreateBatch(refTag string, opening *irc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[refTag] = &Batch{Opening: opening}
}

// AddBatchCommand prepends a command to the batch under ref tag,
// building the list in reverse insertion order as §4.5 specifies, a
// no-op if the batch was never created (§4.5 add_batch_command).
func (c *ConnState) AddBatchCommand(refTag string, cmd *irc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[refTag]
	if !ok {
		return
	}
	b.commands = append([]*irc.Message{cmd}, b.commands...)
}

// PopBatch finalizes and removes the batch under ref tag, reversing
// the internally reverse-ordered command list back to insertion order
// (§4.5 pop_batch). The second bool reports whether the batch existed.
func (c *ConnState) PopBatch(refTag string) (*irc.Message, []*irc.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[refTag]
	if !ok {
		return nil, nil, false
	}
	delete(c.batches, refTag)

	commands := make([]*irc.Message, len(b.commands))
	for i, cmd := range b.commands {
		commands[len(b.commands)-1-i] = cmd
	}
	return b.Opening, commands, true
}
