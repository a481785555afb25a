package logging

import "strconv"

// MaxLogFieldLength caps the size of free-form string fields (command output,
// startup scripts) so a chatty remote command cannot flood the log stream.
const MaxLogFieldLength = 1024

// Truncate shortens s to MaxLogFieldLength, appending "..." when cut.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to at most n characters, appending "..." when cut.
func TruncateN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateSlice limits items to maxItems entries, replacing the tail with a
// "... and N more" marker.
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	out := make([]string, 0, maxItems+1)
	out = append(out, items[:maxItems-1]...)
	out = append(out, "... and "+strconv.Itoa(len(items)-maxItems+1)+" more")
	return out
}
