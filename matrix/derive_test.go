package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveChannelNamePrefersCanonicalAlias(t *testing.T) {
	room := Room{CanonicalAlias: "#general:example.org"}
	assert.Equal(t, "#general:example.org", DeriveChannelName("!abc:example.org", room))
}

func TestDeriveChannelNameBridgedDiscord(t *testing.T) {
	room := Room{
		BridgeInfo: &BridgeInfo{
			Protocol: Protocol{ID: "discordgo"},
			Network:  Protocol{ID: "n1", Name: "Cool Guild"},
			Channel:  Protocol{ID: "c1", Name: "general"},
		},
	}
	assert.Equal(t, "@general:Cool-Guild.discord", DeriveChannelName("!abc:example.org", room))
}

func TestDeriveChannelNameBridgedMemberLocalpart(t *testing.T) {
	room := Room{
		Name: "Alice Example",
		BridgeInfo: &BridgeInfo{
			Protocol: Protocol{ID: "discordgo"},
			Network:  Protocol{ID: "n1", Name: "Cool Guild"},
			Channel:  Protocol{ID: "c1"},
		},
	}
	assert.Equal(t, "@Alice-Example:Cool-Guild.discord", DeriveChannelName("!abc:example.org", room))
}

func TestDeriveChannelNameFallsBackToRoomID(t *testing.T) {
	room := Room{}
	assert.Equal(t, "!abc:example.org", DeriveChannelName("!abc:example.org", room))
}

func TestDeriveChannelNameIsDeterministic(t *testing.T) {
	room := Room{
		BridgeInfo: &BridgeInfo{
			Protocol: Protocol{ID: "googlechat"},
			Network:  Protocol{ID: "n9"},
			Channel:  Protocol{Name: "random"},
		},
	}
	first := DeriveChannelName("!xyz:example.org", room)
	second := DeriveChannelName("!xyz:example.org", room)
	assert.Equal(t, first, second)
}

func TestDeriveChannelNameUsesProtocolAliasOverID(t *testing.T) {
	room := Room{
		BridgeInfo: &BridgeInfo{
			Protocol: Protocol{ID: "discordgo", Name: "Discord"},
			Channel:  Protocol{Name: "lobby"},
		},
	}
	assert.Equal(t, "@lobby:discord", DeriveChannelName("!abc:example.org", room))
}

func TestRoomFromIRCChannelMatchesByRoomID(t *testing.T) {
	rooms := map[string]Room{
		"!a:s": {Name: "one"},
		"!b:s": {CanonicalAlias: "#two:s"},
	}
	id, room, ok := RoomFromIRCChannel(rooms, "!a:s")
	assert.True(t, ok)
	assert.Equal(t, "!a:s", id)
	assert.Equal(t, "one", room.Name)
}

func TestRoomFromIRCChannelMatchesByAlias(t *testing.T) {
	rooms := map[string]Room{
		"!b:s": {CanonicalAlias: "#two:s"},
	}
	id, _, ok := RoomFromIRCChannel(rooms, "#two:s")
	assert.True(t, ok)
	assert.Equal(t, "!b:s", id)
}

func TestRoomFromIRCChannelNoMatch(t *testing.T) {
	_, _, ok := RoomFromIRCChannel(map[string]Room{}, "#nope:s")
	assert.False(t, ok)
}
