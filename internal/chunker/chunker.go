// Package chunker splits document text into bounded, overlapping segments
// sized for embedding and retrieval granularity.
package chunker

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxSize is the default chunk size in bytes.
	DefaultMaxSize = 1000
	// DefaultOverlap is the default overlap between consecutive chunks.
	DefaultOverlap = 100
)

// Split breaks text into chunks of at most maxSize bytes, each overlapping
// the previous by overlap bytes. Within a window it prefers to cut at a
// paragraph boundary ("\n\n") past the window midpoint, then at a sentence
// boundary (". ") past the midpoint, and otherwise cuts at the last rune
// boundary at or before maxSize so multi-byte characters are never split.
// Whitespace-only chunks are discarded. The split is deterministic.
func Split(text string, maxSize, overlap int) []string {
	if text == "" {
		return nil
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if overlap < 0 || overlap >= maxSize {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(text) {
		if len(text)-start <= maxSize {
			appendChunk(&chunks, text[start:])
			break
		}

		cut := cutPoint(text[start:start+maxSize], maxSize)
		for cut > 0 && !utf8.RuneStart(text[start+cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxSize
		}
		appendChunk(&chunks, text[start:start+cut])

		next := start + cut - overlap
		if next <= start {
			next = start + cut
		}
		// The overlap is counted in bytes, so rewinding can land inside a
		// multi-byte rune; advance to the next rune start.
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		start = next
	}
	return chunks
}

// cutPoint returns the length of the chunk to take from a full window,
// applying the boundary preference policy.
func cutPoint(window string, maxSize int) int {
	mid := maxSize / 2

	if i := strings.LastIndex(window, "\n\n"); i >= mid {
		return i + 2
	}
	if i := strings.LastIndex(window, ". "); i >= mid {
		return i + 2
	}
	return maxSize
}

func appendChunk(chunks *[]string, chunk string) {
	if strings.TrimSpace(chunk) == "" {
		return
	}
	*chunks = append(*chunks, chunk)
}
