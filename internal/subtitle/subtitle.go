// Package subtitle builds SRT subtitles from transcription segments, with
// Japanese-aware line chunking.
package subtitle

import (
	"fmt"
	"math"
	"strings"
)

// MaxChars bounds for a subtitle line. Kept short because Japanese subtitles
// conventionally fit 10 characters or so per line.
const (
	MinLineChars     = 1
	MaxLineChars     = 50
	DefaultLineChars = 10
)

// Segment is one timed piece of transcribed text.
type Segment struct {
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Entry is one numbered SRT cue.
type Entry struct {
	Index int    `json:"index"`
	Start string `json:"start"`
	End   string `json:"end"`
	Text  string `json:"text"`
}

// ClampLineChars normalizes a requested line length into the allowed range,
// substituting the default for non-positive input.
func ClampLineChars(n int) int {
	if n <= 0 {
		return DefaultLineChars
	}
	if n < MinLineChars {
		return MinLineChars
	}
	if n > MaxLineChars {
		return MaxLineChars
	}
	return n
}

// hard break characters end a sentence; soft breaks are preferred over
// breaking mid-word.
func isHardBreak(r rune) bool {
	switch r {
	case '。', '！', '？', '…':
		return true
	}
	return false
}

func isSoftBreak(r rune) bool {
	return r == '、'
}

func isSpaceBreak(r rune) bool {
	return r == ' ' || r == '　'
}

// SplitText chunks text into lines of at most maxChars runes, preferring to
// break after sentence punctuation, then after 、, then at spaces.
func SplitText(text string, maxChars int) []string {
	maxChars = ClampLineChars(maxChars)

	var chunks []string
	remaining := []rune(strings.TrimSpace(text))

	for len(remaining) > maxChars {
		bestPos := maxChars

		limit := maxChars
		if len(remaining) < limit {
			limit = len(remaining)
		}
		for i := limit - 1; i > 0; i-- {
			r := remaining[i]
			if isHardBreak(r) || isSoftBreak(r) {
				bestPos = i + 1
				break
			}
			if isSpaceBreak(r) {
				bestPos = i
				break
			}
		}

		chunk := strings.TrimSpace(string(remaining[:bestPos]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = []rune(strings.TrimSpace(string(remaining[bestPos:])))
	}

	if len(remaining) > 0 {
		chunks = append(chunks, string(remaining))
	}

	return chunks
}

// Timestamp formats seconds as an SRT timestamp (HH:MM:SS,mmm).
func Timestamp(seconds float64) string {
	totalMS := int64(math.Round(seconds * 1000))
	ms := totalMS % 1000
	totalS := totalMS / 1000
	s := totalS % 60
	totalM := totalS / 60
	m := totalM % 60
	h := totalM / 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Build converts segments into SRT text plus the individual cues. Each
// segment's time span is distributed across its chunks proportionally to
// chunk length.
func Build(segments []Segment, maxChars int) (string, []Entry) {
	maxChars = ClampLineChars(maxChars)

	var entries []Entry
	idx := 1

	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}

		chunks := SplitText(text, maxChars)
		if len(chunks) == 0 {
			continue
		}

		totalChars := 0
		for _, c := range chunks {
			totalChars += len([]rune(c))
		}
		duration := seg.End - seg.Start
		if duration < 0 {
			duration = 0
		}
		current := seg.Start

		for i, chunk := range chunks {
			chunkEnd := seg.End
			if i < len(chunks)-1 {
				share := 1.0 / float64(len(chunks))
				if totalChars > 0 {
					share = float64(len([]rune(chunk))) / float64(totalChars)
				}
				chunkEnd = current + duration*share
			}
			entries = append(entries, Entry{
				Index: idx,
				Start: Timestamp(current),
				End:   Timestamp(chunkEnd),
				Text:  chunk,
			})
			idx++
			current = chunkEnd
		}
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", e.Index, e.Start, e.End, e.Text)
	}

	return strings.TrimSuffix(b.String(), "\n"), entries
}
