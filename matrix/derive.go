package matrix

import (
	"regexp"
	"strings"
)

// protocolAliases and networkAliases shorten well-known bridge
// protocol/network ids for the derived channel name (§4.3).
var protocolAliases = map[string]string{
	"discordgo":  "discord",
	"googlechat": "gchat",
}

var networkAliases = map[string]string{}

var sanitizeNonWord = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// DeriveChannelName maps (roomID, room) to an IRC channel name,
// following the precedence in §4.3: canonical alias, then bridge
// info, then the raw room id. The function is pure: identical inputs
// always yield identical output (§4.3 Determinism, §8).
func DeriveChannelName(roomID string, room Room) string {
	if room.CanonicalAlias != "" {
		return room.CanonicalAlias
	}

	if room.BridgeInfo != nil {
		return deriveBridgedName(roomID, room)
	}

	return roomID
}

func deriveBridgedName(roomID string, room Room) string {
	info := room.BridgeInfo

	local := info.Channel.Name
	if local == "" {
		local = room.Name
	}
	if local == "" {
		if idx := strings.IndexByte(roomID, ':'); idx >= 0 {
			local = roomID[:idx]
		} else {
			local = roomID
		}
	}
	local = ircSanitizeLocalpart(local)

	remote := remotePart(info)
	if remote == "" {
		return local
	}
	return local + ":" + remote
}

// ircSanitizeLocalpart replaces characters that would be ambiguous on
// the wire and ensures the result looks like a channel/nick/user
// target, per §4.3.
func ircSanitizeLocalpart(s string) string {
	s = strings.ReplaceAll(s, "@", "-")
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, ":", "-")

	if s == "" {
		return "@"
	}
	switch s[0] {
	case '#', '!', '&', '@':
		return s
	default:
		return "@" + s
	}
}

func remotePart(info *BridgeInfo) string {
	protocol := protocolAliases[info.Protocol.ID]
	if protocol == "" {
		protocol = info.Protocol.Name
	}
	if protocol == "" {
		protocol = info.Protocol.ID
	}
	protocol = sanitizeRemoteComponent(protocol)
	if protocol == "" {
		return ""
	}

	network := networkAliases[info.Network.ID]
	if network == "" {
		network = info.Network.Name
	}
	network = sanitizeRemoteComponent(network)

	if network == "" {
		return protocol
	}
	return network + "." + protocol
}

func sanitizeRemoteComponent(s string) string {
	if s == "" {
		return ""
	}
	return sanitizeNonWord.ReplaceAllString(s, "-")
}

// RoomFromIRCChannel resolves an IRC channel name to a room, matching
// on canonical alias, room id, or derived name, in iteration order
// (§4.2 room_from_irc_channel). Ties across rooms with identical
// derived names are broken by that iteration order, which this
// function does not otherwise guarantee to be stable.
func RoomFromIRCChannel(rooms map[string]Room, name string) (string, *Room, bool) {
	for id, room := range rooms {
		if room.CanonicalAlias == name || id == name || DeriveChannelName(id, room) == name {
			r := room
			return id, &r, true
		}
	}
	return "", nil, false
}
