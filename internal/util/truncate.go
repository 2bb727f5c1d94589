package util

import "fmt"

// DefaultLogMaxLen caps request/response bodies quoted in verbose logs.
// Full flow metadata is available via /api/flows; bodies are never stored.
const DefaultLogMaxLen = 1024

// TruncateLog shortens long strings for verbose logging so log files stay
// bounded while keeping enough of the payload to diagnose problems.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes applies TruncateLog with the default cap to a byte slice,
// the common shape at the handler boundary.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
