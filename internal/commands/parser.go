// Package commands parses and handles the built-in slash commands.
package commands

import (
	"strings"
	"unicode"
)

// Parse splits a message into a slash command name and its arguments.
// ok is false when the text is not a slash command.
func Parse(text string) (name string, args []string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	tokens := SplitArgs(trimmed)
	if len(tokens) == 0 {
		return "", nil, false
	}
	name = strings.ToLower(strings.TrimPrefix(tokens[0], "/"))
	if name == "" {
		return "", nil, false
	}
	return name, tokens[1:], true
}

// SplitArgs tokenizes on whitespace with quote grouping: a double- or
// single-quoted span is one token with the quotes stripped and the contents
// taken verbatim. An empty quoted pair yields an empty argument.
func SplitArgs(s string) []string {
	var (
		args   []string
		cur    strings.Builder
		quote  rune // 0 when outside quotes
		hasTok bool
	)
	flush := func() {
		if hasTok {
			args = append(args, cur.String())
			cur.Reset()
			hasTok = false
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			hasTok = true // "" still counts as an argument
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			hasTok = true
		}
	}
	flush()
	return args
}
