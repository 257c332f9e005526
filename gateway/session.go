package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mxircd/mxircd/irc"
	"github.com/mxircd/mxircd/matrix"
)

// ServerName is the literal source prefix for server-originated
// messages (§6 "Source prefix for server-originated messages is the
// literal `server.`").
const ServerName = "server."

// adminUser is the pseudo-user administrative PMs are addressed to.
const adminUser = "matrix."

// Session is the glue that ties one IRC connection to its Matrix
// client: the sync poller feeds C2, which drives C4; inbound IRC
// commands consult C5 and drive either Matrix API calls or direct C4
// transitions (§2 Glue).
type Session struct {
	conn       *ConnState
	store      *matrix.Store
	mc         *matrix.Client
	log        *logrus.Entry
	serverName string

	out chan *irc.Message
}

// NewSession wires a freshly authenticated Matrix client to a fresh
// connection state. Channel creation and delivery are installed via
// installMatrixHandlers before Run is called.
func NewSession(serverName string, mc *matrix.Client, store *matrix.Store, log *logrus.Entry) *Session {
	s := &Session{
		conn:       NewConnState(serverName),
		store:      store,
		mc:         mc,
		log:        log,
		serverName: serverName,
		out:        make(chan *irc.Message, 256),
	}
	s.installMatrixHandlers()
	return s
}

// send enqueues a message for the write loop; never blocks the
// caller's goroutine on the socket (§5: the IRC write is the only
// suspension point, isolated to the write-loop goroutine).
func (s *Session) send(msg *irc.Message) {
	select {
	case s.out <- msg:
	default:
		s.log.Warn("write queue full, dropping outbound message")
	}
}

func (s *Session) roomLookup(roomID string) (string, *matrix.Topic, map[string]matrix.Member) {
	room, _ := s.store.Room(roomID)
	return room.Name, room.Topic, room.Members
}

// installMatrixHandlers wires C2 sync events to C4 delivery: new
// conversational events are routed to the channel named after the
// room by matrix.DeriveChannelName (§2 data flow), and the rename/
// delete callbacks keep a channel's table key in step with C2's view
// of the room so a channel that materialized under one name (e.g. a
// bare room id) doesn't go silent once a canonical alias or similar
// naming change arrives.
func (s *Session) installMatrixHandlers() {
	s.mc.OnMessage(func(roomID, senderID, eventID, text, relatesTo string) {
		room, _ := s.store.Room(roomID)
		name := matrix.DeriveChannelName(roomID, room)
		s.conn.Channels().Create(name, roomID)

		s.conn.Channels().SendTo(name, &irc.Message{
			Source:  senderID,
			Command: "PRIVMSG",
			Params:  []string{name, text},
		}, s.send)
	})

	s.mc.OnRename(func(roomID, oldName, newName string) {
		s.conn.Channels().Rename(oldName, newName, s.send, s.roomLookup)
	})

	s.mc.OnDelete(func(roomID, name string) {
		s.conn.Channels().Delete(name, s.send)
	})
}

// Run drives the three goroutines of §5: the Matrix sync loop, the IRC
// read loop and the IRC write loop. It blocks until the connection is
// cancelled or the peer disconnects.
func (s *Session) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)

	go func() { errs <- s.mc.Run(ctx) }()
	go func() { errs <- s.writeLoop(ctx, w) }()
	go func() { errs <- s.readLoop(ctx, r) }()

	err := <-errs
	cancel()
	return err
}

func (s *Session) writeLoop(ctx context.Context, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.out:
			if _, err := w.Write(append(msg.Bytes(), '\r', '\n')); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		msg, err := irc.Parse(line)
		if err != nil {
			// MalformedLine (§7): notify, don't disconnect once registered.
			s.log.Debugf("%v: %q", ErrMalformedLine, line)
			s.send(&irc.Message{Source: ServerName, Command: "NOTICE", Params: []string{"*", "malformed line"}})
			if !s.conn.Registered() {
				return ErrMalformedLine
			}
			continue
		}
		s.dispatch(msg)
	}
	return scanner.Err()
}

// dispatch routes one parsed IRC command. Registration (NICK/USER/CAP)
// and the commands named in §6 (JOIN, PART, LIST, MJOIN, PRIVMSG) are
// handled directly; everything else is ignored, matching the core's
// scope as a translation engine rather than a full RFC 1459 server
// (the full command surface is an external collaborator, §1).
func (s *Session) dispatch(msg *irc.Message) {
	switch msg.Command {
	case "CAP":
		s.handleCAP(msg)
	case "NICK":
		s.handleNick(msg)
	case "USER":
		s.handleUser(msg)
	case "JOIN":
		s.handleJoin(msg)
	case "PART":
		s.handlePart(msg)
	case "LIST":
		s.handleList(msg)
	case "MJOIN":
		s.handleMJoin(msg)
	case "PRIVMSG":
		s.handlePrivmsg(msg)
	}
}

func (s *Session) handleCAP(msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	switch strings.ToUpper(msg.Params[0]) {
	case "LS":
		s.send(&irc.Message{
			Source:  ServerName,
			Command: "CAP",
			Params:  []string{s.conn.Nick(), "LS", "message-tags batch account-tag echo-message server-time labeled-response"},
		})
	case "REQ":
		if len(msg.Params) < 2 {
			return
		}
		caps := strings.Fields(msg.Params[1])
		s.conn.AddCapabilities(caps...)
		s.send(&irc.Message{
			Source:  ServerName,
			Command: "CAP",
			Params:  []string{s.conn.Nick(), "ACK", msg.Params[1]},
		})
	case "END":
		s.maybeRegister()
	}
}

func (s *Session) handleNick(msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	s.conn.SetNick(msg.Params[0])
	s.maybeRegister()
}

func (s *Session) handleUser(msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	s.conn.SetGecos(msg.Params[len(msg.Params)-1])
	s.maybeRegister()
}

// maybeRegister sends the welcome sequence once a nick and gecos are
// both known, including RPL_ISUPPORT for the IRCv3-aware clients this
// gateway targets.
func (s *Session) maybeRegister() {
	if s.conn.Registered() || s.conn.Nick() == "" || s.conn.Gecos() == "" {
		return
	}
	s.conn.SetRegistered(true)

	nick := s.conn.Nick()
	s.send(&irc.Message{Source: ServerName, Command: "001", Params: []string{nick, fmt.Sprintf("Welcome to mxircd, %s", nick)}})
	s.send(&irc.Message{Source: ServerName, Command: "002", Params: []string{nick, fmt.Sprintf("Your host is %s", s.serverName)}})
	s.send(&irc.Message{Source: ServerName, Command: "003", Params: []string{nick, "This server bridges one Matrix account"}})
	s.send(&irc.Message{Source: ServerName, Command: "004", Params: []string{nick, s.serverName, "mxircd", "o", "o"}})
	s.send(&irc.Message{Source: ServerName, Command: "005", Params: []string{nick, "CHANTYPES=#@", "are supported by this server"}})
}

func (s *Session) handleJoin(msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	for _, name := range strings.Split(msg.Params[0], ",") {
		roomID, _, ok := s.store.RoomFromIRCChannel(name)
		if !ok {
			var err error
			roomID, err = s.mc.JoinRoom(name)
			if err != nil {
				s.log.Warnf("join %s failed: %v", name, err)
				continue
			}
		}
		s.conn.Channels().Create(name, roomID)
		s.conn.Channels().Join(name, s.send, s.roomLookup)
	}
}

func (s *Session) handlePart(msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	reason := ""
	if len(msg.Params) > 1 {
		reason = msg.Params[len(msg.Params)-1]
	}
	for _, name := range strings.Split(msg.Params[0], ",") {
		s.conn.Channels().Part(name, reason, s.send)
	}
}

func (s *Session) handleList(msg *irc.Message) {
	nick := s.conn.Nick()
	for _, room := range s.store.ListRooms() {
		s.send(&irc.Message{
			Source:  ServerName,
			Command: "322",
			Params:  []string{nick, room.IRCChannelName, fmt.Sprintf("%d", room.MemberCount), room.Topic},
		})
	}
	s.send(&irc.Message{Source: ServerName, Command: "323", Params: []string{nick, "End of /LIST"}})
}

// handleMJoin asks the Matrix side to join a room without
// materializing it on IRC until the user also JOINs (§6): the Pending
// channel is only installed once queue_on_channel_sync reports the
// room's initial sync has completed, and JOIN is never emitted.
func (s *Session) handleMJoin(msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	name := msg.Params[0]
	roomID, err := s.mc.JoinRoom(name)
	if err != nil {
		s.log.Warnf("mjoin %s failed: %v", name, err)
		return
	}
	s.store.QueueOnChannelSync(roomID, func(roomID string, room matrix.Room) {
		s.conn.Channels().Create(name, roomID)
	})
}

func (s *Session) handlePrivmsg(msg *irc.Message) {
	if len(msg.Params) < 2 {
		return
	}
	target, text := msg.Params[0], msg.Params[len(msg.Params)-1]

	if strings.EqualFold(target, adminUser) {
		s.handleAdminCommand(text)
		return
	}

	roomID, _, ok := s.store.RoomFromIRCChannel(target)
	if !ok {
		return
	}
	if _, err := s.mc.SendMessage(roomID, text); err != nil {
		s.log.Warnf("send to %s failed: %v", target, err)
	}
}

// handleAdminCommand implements the two diagnostics-only PM commands
// addressed to adminUser (§6 EXPANDED): status and whoami.
func (s *Session) handleAdminCommand(text string) {
	switch strings.TrimSpace(strings.ToLower(text)) {
	case "status":
		s.send(&irc.Message{Source: adminUser, Command: "NOTICE", Params: []string{s.conn.Nick(), s.DumpState()}})
	case "whoami":
		s.send(&irc.Message{Source: adminUser, Command: "NOTICE", Params: []string{s.conn.Nick(), s.mc.UserID()}})
	default:
		s.send(&irc.Message{Source: adminUser, Command: "NOTICE", Params: []string{s.conn.Nick(), "unknown command"}})
	}
}

// DumpState renders a short per-room diagnostics summary (§9 "dump_state
// ... treat as diagnostics only"), wired to the status PM command
// rather than left unreachable.
func (s *Session) DumpState() string {
	rooms := s.store.DumpState()
	var b strings.Builder
	fmt.Fprintf(&b, "%d rooms: ", len(rooms))
	first := true
	for id, room := range rooms {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s(synced=%t,members=%d)", id, room.Synced, len(room.Members))
	}
	return b.String()
}
