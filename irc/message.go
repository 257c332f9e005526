// Package irc implements the IRCv3 wire-protocol codec: parsing and
// serialization of lines with message tags, a source prefix and a
// trailing parameter.
package irc

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// ErrMalformedLine is returned by Parse when a line has no command.
var ErrMalformedLine = errors.New("irc: malformed line")

// Tags is the set of IRCv3 message tags attached to a line, keyed by
// tag name. A missing value normalizes to the empty string.
type Tags map[string]string

var tagKeyRe = regexp.MustCompile(`^[A-Za-z0-9/+-]+$`)

// Message is a parsed IRC line: tags, optional source prefix, the
// (uppercased) command and its parameters, with the trailing
// parameter (if any) as the last element of Params.
type Message struct {
	Tags    Tags
	Source  string
	Command string
	Params  []string
}

// Parse decodes a single IRC line with its trailing CR/LF already
// stripped.
func Parse(line string) (*Message, error) {
	msg := &Message{}

	if strings.HasPrefix(line, "@") {
		sp := strings.IndexByte(line, ' ')
		var tagBlob string
		if sp < 0 {
			tagBlob, line = line[1:], ""
		} else {
			tagBlob, line = line[1:sp], strings.TrimLeft(line[sp+1:], " ")
		}
		msg.Tags = parseTags(tagBlob)
	}

	main, trailing, hasTrailing := splitTrailing(line)

	fields := strings.Fields(main)
	if len(fields) == 0 {
		if !hasTrailing {
			return nil, ErrMalformedLine
		}
		// A bare trailing parameter with no command is still malformed:
		// there is no command to parse out of it.
		return nil, ErrMalformedLine
	}

	idx := 0
	if strings.HasPrefix(fields[0], ":") {
		msg.Source = fields[0][1:]
		idx = 1
	}

	if idx >= len(fields) {
		return nil, ErrMalformedLine
	}

	msg.Command = strings.ToUpper(fields[idx])
	if msg.Command == "" {
		return nil, ErrMalformedLine
	}

	params := fields[idx+1:]
	if hasTrailing {
		msg.Params = append(append([]string{}, params...), trailing)
	} else if len(params) > 0 {
		msg.Params = params
	}

	return msg, nil
}

// splitTrailing splits line on the first run of one-or-more spaces
// followed by ':' into (main, trailing, found). The trailing parameter
// is returned verbatim (it may itself contain spaces).
func splitTrailing(line string) (main, trailing string, found bool) {
	for i := 0; i < len(line); i++ {
		if line[i] != ' ' {
			continue
		}
		j := i
		for j < len(line) && line[j] == ' ' {
			j++
		}
		if j < len(line) && line[j] == ':' {
			return line[:i], line[j+1:], true
		}
	}
	return line, "", false
}

func parseTags(blob string) Tags {
	tags := Tags{}
	if blob == "" {
		return tags
	}
	for _, entry := range strings.Split(blob, ";") {
		if entry == "" {
			continue
		}
		key, val := entry, ""
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key, val = entry[:eq], entry[eq+1:]
		}
		if !tagKeyRe.MatchString(key) {
			continue
		}
		tags[key] = unescapeTag(val)
	}
	return tags
}

// Bytes serializes the message back to wire form, without a trailing
// CR/LF. Tags are emitted in sorted-by-key order so that
// Parse(Bytes(Parse(x))) is stable.
func (m *Message) Bytes() []byte {
	var b strings.Builder

	if len(m.Tags) > 0 {
		b.WriteByte('@')
		keys := make([]string, 0, len(m.Tags))
		for k := range m.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(k)
			if v := m.Tags[k]; v != "" {
				b.WriteByte('=')
				b.WriteString(escapeTag(v))
			}
		}
		b.WriteByte(' ')
	}

	if m.Source != "" {
		b.WriteByte(':')
		b.WriteString(m.Source)
		b.WriteByte(' ')
	}

	b.WriteString(m.Command)

	for i, p := range m.Params {
		last := i == len(m.Params)-1
		b.WriteByte(' ')
		if last && needsTrailing(p) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}

	return []byte(b.String())
}

func (m *Message) String() string {
	return string(m.Bytes())
}

func needsTrailing(p string) bool {
	return p == "" || strings.Contains(p, " ") || strings.HasPrefix(p, ":")
}

var tagEscapes = []struct {
	raw, escaped string
}{
	{"\\", "\\\\"},
	{";", "\\:"},
	{" ", "\\s"},
	{"\r", "\\r"},
	{"\n", "\\n"},
}

func escapeTag(v string) string {
	// Escape backslash first so later substitutions don't double-escape.
	out := strings.ReplaceAll(v, "\\", "\\\\")
	out = strings.ReplaceAll(out, ";", "\\:")
	out = strings.ReplaceAll(out, " ", "\\s")
	out = strings.ReplaceAll(out, "\r", "\\r")
	out = strings.ReplaceAll(out, "\n", "\\n")
	return out
}

func unescapeTag(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i == len(v)-1 {
			b.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case '\\':
			b.WriteByte('\\')
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// EscapeSpaces replaces literal spaces with the IRCv3 "\s" escape, for
// use in trailing parameters where the codec itself does not escape
// spaces (spec.md §4.4's NAMES member rendering).
func EscapeSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "\\s")
}
