// Package text normalizes user-submitted messages before synthesis so the
// engine receives clean, speakable input.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const whitespaceRegexPattern = `\s+`

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Normalizer cleans message text for synthesis.
type Normalizer struct {
	whitespacePattern *regexp.Regexp
	symbolReplacer    *strings.Replacer
}

// NewNormalizer compiles the patterns and replacers up front so a single
// instance can be shared by all workers.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		symbolReplacer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize collapses whitespace, replaces typographic punctuation with its
// ASCII form, strips control characters, and ensures the message ends as a
// sentence.
func (n *Normalizer) Normalize(message string) string {
	if message == "" {
		return message
	}

	cleaned := n.stripControlRunes(message)
	cleaned = n.symbolReplacer.Replace(cleaned)
	cleaned = n.whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	return ensureSentenceEnding(cleaned)
}

func (n *Normalizer) stripControlRunes(message string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}

		return r
	}, message)
}

// ensureSentenceEnding appends a period when the message does not already end
// with sentence punctuation, which keeps engines from trailing off mid-tone.
func ensureSentenceEnding(message string) string {
	if message == "" {
		return ""
	}

	lastRune, _ := utf8.DecodeLastRuneInString(message)

	switch lastRune {
	case '.', '!', '?':
		return message
	default:
		if unicode.IsPunct(lastRune) {
			return message
		}

		return message + "."
	}
}
