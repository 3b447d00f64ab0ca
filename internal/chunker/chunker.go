// Package chunker splits long replies into pieces that fit one chat message.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultMaxLength = 4096
	DefaultMinLength = 100
)

// Chunker lengths are in runes. A break point is only taken when it lies past
// MinLength, so no chunk ends up uselessly short.
type Chunker struct {
	MaxLength int
	MinLength int
}

func New(maxLength, minLength int) Chunker {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if minLength < 0 || minLength >= maxLength {
		minLength = min(DefaultMinLength, maxLength/2)
	}
	return Chunker{MaxLength: maxLength, MinLength: minLength}
}

// Split prefers paragraph breaks, then sentence ends, then newlines, and
// falls back to a hard cut at MaxLength. Empty input yields no chunks.
func (c Chunker) Split(text string) []string {
	if c.MaxLength <= 0 {
		c = New(c.MaxLength, c.MinLength)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	rest := []rune(text)
	if len(rest) <= c.MaxLength {
		return []string{text}
	}

	var out []string
	for len(rest) > 0 {
		if len(rest) <= c.MaxLength {
			if s := strings.TrimSpace(string(rest)); s != "" {
				out = append(out, s)
			}
			break
		}
		area := rest[:c.MaxLength]
		cut, ok := c.paragraphBreak(area)
		if !ok {
			cut, ok = c.sentenceBreak(area)
		}
		if !ok {
			cut, ok = c.newlineBreak(area)
		}
		if !ok {
			cut = c.MaxLength
		}
		if s := strings.TrimSpace(string(rest[:cut])); s != "" {
			out = append(out, s)
		}
		rest = []rune(strings.TrimSpace(string(rest[cut:])))
	}
	return out
}

func (c Chunker) paragraphBreak(area []rune) (int, bool) {
	for i := len(area) - 2; i >= 0; i-- {
		if area[i] == '\n' && area[i+1] == '\n' {
			return i + 2, i > c.MinLength
		}
	}
	return 0, false
}

func (c Chunker) sentenceBreak(area []rune) (int, bool) {
	for i := len(area) - 2; i >= 0; i-- {
		switch area[i] {
		case '.', '!', '?':
			if unicode.IsSpace(area[i+1]) {
				end := i + 2
				return end, end > c.MinLength
			}
		}
	}
	return 0, false
}

func (c Chunker) newlineBreak(area []rune) (int, bool) {
	for i := len(area) - 1; i >= 0; i-- {
		if area[i] == '\n' {
			return i + 1, i > c.MinLength
		}
	}
	return 0, false
}
