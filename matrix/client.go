package matrix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/desertbit/timer"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Credentials are the Matrix login parameters for one IRC connection's
// session (§1: "Each accepted IRC TCP session owns an independent
// Matrix session").
type Credentials struct {
	HomeserverURL string
	UserID        string
	Password      string
}

// MessageHandler is invoked for every conversational event consumed
// from the sync stream (m.room.message, §6). The core hands the
// already-degraded plain-text body to the gateway layer, which is
// responsible for channel delivery/queueing (C4).
type MessageHandler func(roomID, senderID, eventID, text, relatesToEventID string)

// RenameHandler is invoked when a room's derived IRC channel name
// changes, most commonly on m.room.canonical_alias (§2: C2's state
// changes drive C4's rename operation). oldName/newName are IRC
// channel names, not Matrix identifiers.
type RenameHandler func(roomID, oldName, newName string)

// LifecycleHandler is invoked when a room stops being a joinable IRC
// channel: the local user left it, or it turned out to be a space
// rather than a conversational room (§2, §4.4 delete).
type LifecycleHandler func(roomID, name string)

// bridgeEventType is the custom state event type carrying m.bridge
// payloads (§6); maunium.net/go/mautrix has no typed constant for it.
var bridgeEventType = event.Type{Type: "m.bridge", Class: event.StateEventType}

// Client wraps maunium.net/go/mautrix.Client with the sync-loop wiring
// that feeds Store (§4.2) and degrades rich media to plain text
// (§6, §4.2 EXPANDED).
type Client struct {
	mc    *mautrix.Client
	store *Store
	log   *logrus.Entry

	onMessage MessageHandler
	onRename  RenameHandler
	onDelete  LifecycleHandler

	replyCache *lruQuoteCache

	retryTimer *timer.Timer
}

// Login authenticates against the homeserver and installs the sync
// event handlers.
func Login(cred Credentials, store *Store, log *logrus.Entry) (*Client, error) {
	mc, err := mautrix.NewClient(cred.HomeserverURL, "", "")
	if err != nil {
		return nil, err
	}

	_, err = mc.Login(&mautrix.ReqLogin{
		Type: "m.login.password",
		Identifier: mautrix.UserIdentifier{
			Type: "m.id.user",
			User: cred.UserID,
		},
		Password:         cred.Password,
		StoreCredentials: true,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		mc:         mc,
		store:      store,
		log:        log,
		replyCache: newLRUQuoteCache(100),
	}
	c.installHandlers()
	return c, nil
}

// UserID returns the logged-in Matrix user id.
func (c *Client) UserID() string {
	return c.mc.UserID.String()
}

// OnMessage registers the channel-delivery callback for conversational
// events (§6).
func (c *Client) OnMessage(h MessageHandler) {
	c.onMessage = h
}

// OnRename registers the callback fired when a room's derived channel
// name changes (§2).
func (c *Client) OnRename(h RenameHandler) {
	c.onRename = h
}

// OnDelete registers the callback fired when a room stops being a
// joinable channel (§2, §4.4 delete).
func (c *Client) OnDelete(h LifecycleHandler) {
	c.onDelete = h
}

func (c *Client) installHandlers() {
	syncer, ok := c.mc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return
	}

	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMember)
	syncer.OnEventType(event.StateCreate, c.handleCreate)
	syncer.OnEventType(event.StateRoomName, c.handleRoomName)
	syncer.OnEventType(event.StateTopic, c.handleTopic)
	syncer.OnEventType(event.StateCanonicalAlias, c.handleCanonicalAlias)
	syncer.OnEventType(bridgeEventType, c.handleBridgeInfo)

	syncer.OnSync(c.handleSyncComplete)
}

// Run drives the long-poll sync loop until ctx is cancelled (§1, §5
// Suspension points). Transient failures retry with exponential
// backoff scheduled through github.com/desertbit/timer; fatal
// authentication failures return immediately so the caller can
// terminate the IRC connection (§7 SyncFatalFailure).
func (c *Client) Run(ctx context.Context) error {
	done := make(chan error, 1)

	go func() {
		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				done <- nil
				return
			default:
			}

			err := c.mc.Sync()
			if err == nil {
				continue
			}

			if isFatalSyncError(err) {
				done <- err
				return
			}

			c.log.Warnf("sync transient failure, retrying in %s: %v", backoff, err)

			c.retryTimer = timer.NewTimer(backoff)
			select {
			case <-c.retryTimer.C:
			case <-ctx.Done():
				c.retryTimer.Stop()
				done <- nil
				return
			}

			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()

	select {
	case <-ctx.Done():
		c.mc.StopSync()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// isFatalSyncError reports whether err is a SyncFatalFailure (§7): the
// homeserver rejected our credentials (401) or forbade the request
// (403), surfaced by mautrix as a RespError with one of these codes.
func isFatalSyncError(err error) bool {
	var respErr mautrix.RespError
	if !errors.As(err, &respErr) {
		return false
	}
	switch respErr.ErrCode {
	case "M_UNKNOWN_TOKEN", "M_MISSING_TOKEN", "M_FORBIDDEN":
		return true
	default:
		return false
	}
}

func (c *Client) handleSyncComplete(resp *mautrix.RespSync, since string) bool {
	c.log.Tracef("sync response %s", spew.Sdump(resp.Rooms.Join))
	for roomID := range resp.Rooms.Join {
		c.store.MarkSynced(roomID.String())
	}
	c.store.UpdatePollSinceMarker(resp.NextBatch)
	return true
}

func (c *Client) dedup(roomID, eventID string) bool {
	if c.store.IsHandledEvent(roomID, eventID) {
		return true
	}
	c.store.MarkHandledEvent(roomID, eventID)
	return false
}

func (c *Client) handleCanonicalAlias(source mautrix.EventSource, ev *event.Event) {
	if c.dedup(ev.RoomID.String(), ev.ID.String()) {
		return
	}
	roomID := ev.RoomID.String()
	content := ev.Content.AsCanonicalAlias()
	newAlias := content.Alias.String()

	previous := c.store.SetCanonicalAlias(roomID, newAlias)
	if c.onRename == nil || previous == newAlias {
		return
	}

	room, _ := c.store.Room(roomID)
	newName := DeriveChannelName(roomID, room)

	oldRoom := room
	oldRoom.CanonicalAlias = previous
	oldName := DeriveChannelName(roomID, oldRoom)

	if oldName != newName {
		c.onRename(roomID, oldName, newName)
	}
}

func (c *Client) handleRoomName(source mautrix.EventSource, ev *event.Event) {
	if c.dedup(ev.RoomID.String(), ev.ID.String()) {
		return
	}
	c.store.SetName(ev.RoomID.String(), ev.Content.AsRoomName().Name)
}

func (c *Client) handleTopic(source mautrix.EventSource, ev *event.Event) {
	if c.dedup(ev.RoomID.String(), ev.ID.String()) {
		return
	}
	content := ev.Content.AsTopic()
	c.store.SetTopic(ev.RoomID.String(), &Topic{
		Text:         content.Topic,
		SetterUserID: ev.Sender.String(),
		EpochMillis:  ev.Timestamp,
	})
}

func (c *Client) handleCreate(source mautrix.EventSource, ev *event.Event) {
	if c.dedup(ev.RoomID.String(), ev.ID.String()) {
		return
	}
	roomID := ev.RoomID.String()
	typ := string(ev.Content.AsCreate().Type)
	c.store.SetType(roomID, typ)

	if typ == "m.space" && c.onDelete != nil {
		room, _ := c.store.Room(roomID)
		c.onDelete(roomID, DeriveChannelName(roomID, room))
	}
}

func (c *Client) handleMember(source mautrix.EventSource, ev *event.Event) {
	if c.dedup(ev.RoomID.String(), ev.ID.String()) {
		return
	}
	content, ok := ev.Content.Parsed.(*event.MemberEventContent)
	if !ok || ev.StateKey == nil {
		return
	}

	roomID := ev.RoomID.String()
	userID := *ev.StateKey

	switch content.Membership {
	case event.MembershipJoin, event.MembershipInvite:
		c.store.RoomMemberAdd(roomID, userID, Member{DisplayName: content.Displayname})
	default:
		c.store.RoomMemberDel(roomID, userID)
		if userID == c.mc.UserID.String() && c.onDelete != nil {
			room, _ := c.store.Room(roomID)
			c.onDelete(roomID, DeriveChannelName(roomID, room))
		}
	}
}

func (c *Client) handleBridgeInfo(source mautrix.EventSource, ev *event.Event) {
	if c.dedup(ev.RoomID.String(), ev.ID.String()) {
		return
	}

	var info BridgeInfo
	if err := mapstructure.Decode(ev.Content.Raw, &info); err != nil {
		c.log.Warnf("failed to decode m.bridge content for %s: %v", ev.RoomID, err)
		return
	}
	c.store.SetBridgeInfo(ev.RoomID.String(), &info)
}

func (c *Client) handleMessage(source mautrix.EventSource, ev *event.Event) {
	if ev.Sender == c.mc.UserID {
		return
	}
	if c.dedup(ev.RoomID.String(), ev.ID.String()) {
		return
	}

	content, ok := ev.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	text := degradeRichBody(content)

	var relatesTo string
	if content.RelatesTo != nil {
		relatesTo = content.RelatesTo.EventID.String()
		text = c.appendReplyQuote(ev.RoomID, content.RelatesTo.EventID, text)
	}

	if c.onMessage != nil {
		c.onMessage(ev.RoomID.String(), ev.Sender.String(), ev.ID.String(), text, relatesTo)
	}
}

// JoinRoom joins a Matrix room by id or alias without touching any
// IRC-side state (used by both JOIN and MJOIN, §6).
func (c *Client) JoinRoom(roomIDOrAlias string) (string, error) {
	resp, err := c.mc.JoinRoom(roomIDOrAlias, "", nil)
	if err != nil {
		return "", err
	}
	return resp.RoomID.String(), nil
}

// SendMessage posts plain text to a room, rendering it to Matrix HTML
// via RenderOutgoingHTML (§4.2 EXPANDED).
func (c *Client) SendMessage(roomID, text string) (string, error) {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          text,
		FormattedBody: RenderOutgoingHTML(text),
		Format:        "org.matrix.custom.html",
	}

	resp, err := c.mc.SendMessageEvent(id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID.String(), nil
}

func (c *Client) appendReplyQuote(roomID id.RoomID, parentID id.EventID, text string) string {
	quote, ok := c.replyCache.get(parentID.String())
	if !ok {
		resp, err := c.mc.GetEvent(roomID, parentID)
		if err != nil {
			return text
		}
		body, _ := resp.Content.Raw["body"].(string)
		quote = fmt.Sprintf(" (re %s: %s)", resp.Sender.String(), shorten(body, 80))
		c.replyCache.add(parentID.String(), quote)
	}
	return text + quote
}
