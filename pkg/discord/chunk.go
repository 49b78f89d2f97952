package discord

import "strings"

// MaxMessageLength is Discord's per-message content limit.
const MaxMessageLength = 2000

// SplitMessage splits text into chunks that each fit MaxMessageLength.
// Breaks prefer the last newline within the limit, then the last space, and
// fall back to a hard cut so pathological unbroken runs still deliver.
// Returns nil for empty input.
func SplitMessage(text string) []string {
	return splitMessage(text, MaxMessageLength)
}

func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}

	var chunks []string
	remaining := []rune(text)
	for len(remaining) > limit {
		cut := limit
		window := remaining[:limit]

		if idx := lastIndexRune(window, '\n'); idx > 0 {
			cut = idx
		} else if idx := lastIndexRune(window, ' '); idx > 0 {
			cut = idx
		}

		chunk := strings.TrimRight(string(remaining[:cut]), " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		// Skip the break character itself when the cut landed on one.
		if cut < len(remaining) && (remaining[cut] == '\n' || remaining[cut] == ' ') {
			cut++
		}
		remaining = remaining[cut:]
	}

	if tail := string(remaining); strings.TrimSpace(tail) != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
