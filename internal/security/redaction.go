package security

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	secretKeyExpr = `(?:password|passwd|guest\.password|prv\.key|secret)`
	// "password <pw>" and "set guest.password <pw>".
	commandSecretPattern = regexp.MustCompile(`(?i)^((?:set\s+)?` + secretKeyExpr + `)\s+\S.*$`)
	// Node echoes such as "password now: <pw>".
	responseSecretPattern = regexp.MustCompile(`(?i)(` + secretKeyExpr + `(?:\s+now)?\s*[:=]\s*)\S+`)
	hexKeyPattern         = regexp.MustCompile(`\b[0-9a-fA-F]{64,}\b`)
	secretLikePattern     = regexp.MustCompile(`(?i)` + secretKeyExpr)
)

// RedactCommand masks the argument of commands that carry a secret.
func RedactCommand(cmd string) string {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return ""
	}
	return commandSecretPattern.ReplaceAllString(trimmed, "${1} "+redacted)
}

// RedactResponse masks secrets a node echoes back and long hex keys.
func RedactResponse(text string) string {
	if text == "" {
		return ""
	}
	out := responseSecretPattern.ReplaceAllString(text, "${1}"+redacted)
	out = hexKeyPattern.ReplaceAllString(out, redacted)
	return out
}

// RedactForStorage returns text safe to persist. Text that mentions a
// secret but could not be masked is dropped entirely.
func RedactForStorage(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	out := RedactResponse(RedactCommand(trimmed))
	if secretLikePattern.MatchString(trimmed) && !strings.Contains(out, redacted) {
		return ""
	}
	return out
}
