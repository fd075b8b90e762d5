package models

import "time"

// TranscriptKind identifies who produced a transcript entry.
type TranscriptKind string

const (
	TranscriptUser      TranscriptKind = "user"
	TranscriptAssistant TranscriptKind = "assistant"
	TranscriptToolUse   TranscriptKind = "tool_use"
	TranscriptResult    TranscriptKind = "result"
	TranscriptError     TranscriptKind = "error"
)

// DefaultTranscriptEntryLimit caps the text stored per transcript entry.
const DefaultTranscriptEntryLimit = 2000

// TranscriptEntry is a single timestamped event in a session transcript.
type TranscriptEntry struct {
	Kind TranscriptKind `json:"kind"`
	Text string         `json:"text"`
	At   time.Time      `json:"at"`
}

// Truncate shortens s to at most limit runes, marking the cut with an ellipsis.
// A non-positive limit disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
