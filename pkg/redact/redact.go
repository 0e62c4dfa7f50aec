// Package redact strips caller PII from text before it reaches logs,
// metric tags, or on-disk artifacts. It is process-global and off by
// default; the engine enables it from config at startup.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var active atomic.Bool

// Transcripts arrive as spoken-then-normalized text, so phone numbers may
// carry spaces or dashes between digits. The phone pattern is loose on
// separators but requires at least nine digits to avoid eating booking
// references and prices.
var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled turns redaction on or off for the whole process.
func SetEnabled(v bool) {
	active.Store(v)
}

// Enabled reports whether redaction is currently applied.
func Enabled() bool {
	return active.Load()
}

// Text replaces email addresses and phone numbers with placeholder markers.
// When redaction is disabled the input passes through untouched.
func Text(in string) string {
	if !active.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailPattern.ReplaceAllString(in, "[REDACTED_EMAIL]")
	return phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
}
