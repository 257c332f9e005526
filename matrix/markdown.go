package matrix

import (
	"bytes"
	"strings"

	"github.com/42wim/matterbridge/bridge/helper"
	"github.com/alecthomas/chroma/v2/quick"
	striptags "github.com/grokify/html-strip-tags-go"
	lru "github.com/hashicorp/golang-lru"
	"maunium.net/go/mautrix/event"
)

// degradeRichBody renders an incoming m.room.message to plain text
// (§1 "no rendering of rich media beyond plain-text degradation").
// HTML-formatted bodies are stripped of markup; everything else falls
// back to the plain body.
func degradeRichBody(content *event.MessageEventContent) string {
	if content.Format != "org.matrix.custom.html" || content.FormattedBody == "" {
		return content.Body
	}
	return strings.TrimSpace(striptags.StripTags(content.FormattedBody))
}

// RenderOutgoingHTML renders plain IRC message text to Matrix
// formatted_body HTML via matterbridge's markdown helper, with fenced
// code blocks syntax highlighted through chroma/v2/quick first.
func RenderOutgoingHTML(text string) string {
	return helper.ParseMarkdown(highlightFencedCode(text))
}

// highlightFencedCode finds ```lang\n...\n``` blocks and replaces
// their contents with chroma-highlighted HTML before markdown
// rendering runs over the rest of the message.
func highlightFencedCode(text string) string {
	const fence = "```"
	if !strings.Contains(text, fence) {
		return text
	}

	var out strings.Builder
	rest := text
	for {
		start := strings.Index(rest, fence)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		rest = rest[start+len(fence):]

		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			out.WriteString(fence)
			out.WriteString(rest)
			break
		}
		lang := strings.TrimSpace(rest[:nl])
		rest = rest[nl+1:]

		end := strings.Index(rest, fence)
		if end < 0 {
			out.WriteString(fence + lang + "\n" + rest)
			break
		}
		code := rest[:end]
		rest = rest[end+len(fence):]

		var buf bytes.Buffer
		if err := quick.Highlight(&buf, code, lang, "html", "monokai"); err != nil {
			out.WriteString(fence + lang + "\n" + code + fence)
			continue
		}
		out.WriteString(buf.String())
	}
	return out.String()
}

// shorten truncates msg to approximately n characters.
func shorten(msg string, n int) string {
	if n <= 0 || len(msg) <= n {
		return msg
	}
	return msg[:n] + "..."
}

// lruQuoteCache caches rendered "(re @user: ...)" reply quotes by
// parent event id.
type lruQuoteCache struct {
	cache *lru.Cache
}

func newLRUQuoteCache(size int) *lruQuoteCache {
	c, _ := lru.New(size)
	return &lruQuoteCache{cache: c}
}

func (c *lruQuoteCache) get(key string) (string, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

func (c *lruQuoteCache) add(key, value string) {
	c.cache.Add(key, value)
}
