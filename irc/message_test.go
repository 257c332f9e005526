package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTagsAndSource(t *testing.T) {
	msg, err := Parse("@msgid=foo :nick!user@host PRIVMSG #chan :hello")
	require.NoError(t, err)
	assert.Equal(t, "foo", msg.Tags["msgid"])
	assert.Equal(t, "nick!user@host", msg.Source)
	assert.Equal(t, "PRIVMSG", msg.Command)
	assert.Equal(t, []string{"#chan", "hello"}, msg.Params)
}

func TestParseNoTagsNoSource(t *testing.T) {
	msg, err := Parse("PING :server.")
	require.NoError(t, err)
	assert.Nil(t, msg.Tags)
	assert.Equal(t, "", msg.Source)
	assert.Equal(t, "PING", msg.Command)
	assert.Equal(t, []string{"server."}, msg.Params)
}

func TestParseCommandIsUppercased(t *testing.T) {
	msg, err := Parse("privmsg #chan :hi")
	require.NoError(t, err)
	assert.Equal(t, "PRIVMSG", msg.Command)
}

func TestParseEmptyCommandIsMalformed(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrMalformedLine)

	_, err = Parse("@foo=bar")
	assert.ErrorIs(t, err, ErrMalformedLine)

	_, err = Parse(":nick!user@host")
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestParseTrailingMayContainSpaces(t *testing.T) {
	msg, err := Parse("PRIVMSG #chan :this has many spaces : and colons")
	require.NoError(t, err)
	assert.Equal(t, []string{"#chan", "this has many spaces : and colons"}, msg.Params)
}

func TestParseMissingTagValueNormalizesEmpty(t *testing.T) {
	msg, err := Parse("@away :nick!u@h AWAY")
	require.NoError(t, err)
	assert.Equal(t, "", msg.Tags["away"])
}

func TestCanonicalRoundTrip(t *testing.T) {
	cases := []string{
		"@account=jim;msgid=123 :nick!user@host PRIVMSG #chan :hello world",
		"PING server.",
		":server. 001 nick :Welcome to the server",
		"JOIN #chan",
		"PRIVMSG target :",
	}
	for _, c := range cases {
		msg, err := Parse(c)
		require.NoError(t, err)
		assert.Equal(t, c, msg.String())
	}
}

func TestTagEscaping(t *testing.T) {
	msg := &Message{
		Tags:    Tags{"x": "a;b c\r\n\\d"},
		Command: "PRIVMSG",
		Params:  []string{"#chan", "hi"},
	}
	line := msg.String()

	reparsed, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, "a;b c\r\n\\d", reparsed.Tags["x"])
}

func TestNeedsTrailing(t *testing.T) {
	assert.True(t, needsTrailing(""))
	assert.True(t, needsTrailing("has space"))
	assert.True(t, needsTrailing(":startswithcolon"))
	assert.False(t, needsTrailing("plain"))
}

func TestEscapeSpaces(t *testing.T) {
	assert.Equal(t, "a\\sb\\sc", EscapeSpaces("a b c"))
}

func TestWrapForBudgetRespectsWidth(t *testing.T) {
	words := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		words = append(words, "nick!user@host")
	}
	lines := WrapForBudget(words, 80)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 80)
	}
}
