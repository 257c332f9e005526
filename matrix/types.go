// Package matrix implements the Matrix-side room-state cache (§4.2),
// the IRC channel name deriver (§4.3) and the Matrix HTTP client
// wiring that feeds them from the long-poll /sync loop.
package matrix

// Topic is the nullable {text, setter, timestamp} tuple of §3. A nil
// *Topic means "no topic has been observed for this room".
type Topic struct {
	Text         string
	SetterUserID string
	EpochMillis  int64
}

// Member is a room member's cached state (§3).
type Member struct {
	DisplayName string
	PowerLevel  int
}

// Protocol describes a bridged remote protocol or network, as found
// in m.bridge's protocol/network/channel sub-objects (§6).
type Protocol struct {
	ID   string
	Name string
}

// BridgeInfo mirrors the m.bridge event content schema relied upon by
// §6: {protocol, network, channel}.
type BridgeInfo struct {
	Protocol Protocol
	Network  Protocol
	Channel  Protocol
}

// Room is the cached state of a single Matrix room (§3). Room values
// are copied, never mutated in place, by Store so that callers never
// observe a half-applied update.
type Room struct {
	ID             string
	CanonicalAlias string
	Name           string
	Topic          *Topic
	Type           string
	Members        map[string]Member
	BridgeInfo     *BridgeInfo
	Synced         bool
}

func (r Room) clone() Room {
	members := make(map[string]Member, len(r.Members))
	for k, v := range r.Members {
		members[k] = v
	}
	r.Members = members
	return r
}

func zeroRoom(id string) Room {
	return Room{ID: id, Members: map[string]Member{}}
}

// ListedRoom is one row of the LIST response (§4.2 list_rooms).
type ListedRoom struct {
	IRCChannelName string
	MemberCount    int
	Topic          string
}
