// ABOUTME: Splits oversized message text into ordered chunks.
// ABOUTME: Prefers line boundaries; concatenating the chunks restores the original.

package outqueue

import "unicode/utf8"

// Split breaks text into chunks of at most limit bytes. It cuts at the last
// newline within the limit when one falls past the midpoint, otherwise it
// hard-cuts at the limit (backing up to a rune boundary). The chunks
// concatenate byte-for-byte back into the original text.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := lastNewlineCut(text, limit)
		if cut <= 0 {
			cut = runeBoundaryCut(text, limit)
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// lastNewlineCut returns the index just after the last newline within limit,
// or 0 when the newline falls in the first half and would leave a runt chunk.
func lastNewlineCut(text string, limit int) int {
	for i := limit - 1; i >= limit/2; i-- {
		if text[i] == '\n' {
			return i + 1
		}
	}
	return 0
}

// runeBoundaryCut backs the hard cut up so no UTF-8 sequence is torn.
func runeBoundaryCut(text string, limit int) int {
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return limit // not valid UTF-8 anyway, keep the hard cut
	}
	return cut
}
