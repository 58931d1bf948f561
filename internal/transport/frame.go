package transport

import (
	"strings"
)

// Line is one text line received from the link and the node it came from.
type Line struct {
	Source string
	Text   string
}

// parseFrameLine splits a received line. A bridge relaying a remote node
// prefixes its output with "@<hexprefix> "; anything else belongs to the
// locally attached node.
func parseFrameLine(raw, local string) (Line, bool) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Line{}, false
	}
	if !strings.HasPrefix(line, "@") {
		return Line{Source: local, Text: line}, true
	}
	source, payload, ok := cutToken(strings.TrimPrefix(line, "@"))
	if !ok || !isHex(source) {
		return Line{Source: local, Text: line}, true
	}
	if strings.TrimSpace(payload) == "" {
		return Line{}, false
	}
	return Line{Source: strings.ToLower(source), Text: payload}, true
}

// formatFrame addresses cmd to a remote node through a bridge. An empty
// target sends cmd as is.
func formatFrame(target, cmd string) string {
	if target == "" {
		return cmd
	}
	return "@" + target + " " + cmd
}

func cutToken(raw string) (token string, tail string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	idx := strings.IndexAny(trimmed, " \t")
	if idx < 0 {
		return trimmed, "", true
	}
	return trimmed[:idx], strings.TrimLeft(trimmed[idx:], " \t"), true
}

func isHex(raw string) bool {
	if raw == "" {
		return false
	}
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'f', ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
