// Package textclean prepares raw observed text — file contents, commit
// messages, session transcripts — for use as neuron contexts or embedding
// input: strip markup, drop non-printable noise, collapse whitespace.
package textclean

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var stripPolicy = bluemonday.StripTagsPolicy()

// Clean strips HTML/markup, removes non-printable and private-use-plane
// noise, and collapses runs of whitespace to single spaces. Safe to call
// on plain text; it is a no-op beyond whitespace collapsing in that case.
func Clean(raw string) string {
	stripped := stripPolicy.Sanitize(raw)
	printable := removeNonPrintable(stripped)
	return collapseWhitespace(printable)
}

func removeNonPrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t' || r == ' ':
			b.WriteRune(r)
		case unicode.Is(unicode.Cc, r):
			continue
		case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
			continue
		case r >= 0xD800 && r <= 0xDFFF: // surrogate range
			continue
		case r >= 0xE000 && r <= 0xF8FF: // private use area
			continue
		case r >= 0x1F300 && r <= 0x1FAFF: // emoji blocks
			continue
		case !unicode.IsPrint(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// Tokenize splits cleaned text into lowercased tokens, used by recall's
// keyword pass and intent capture. Tokens shorter than minLen are dropped.
func Tokenize(text string, minLen int) []string {
	cleaned := Clean(text)
	fields := strings.FieldsFunc(strings.ToLower(cleaned), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= minLen {
			out = append(out, f)
		}
	}
	return out
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {},
	"from": {}, "have": {}, "not": {}, "are": {}, "was": {}, "were": {},
	"but": {}, "you": {}, "your": {}, "can": {}, "will": {}, "has": {},
	"had": {}, "its": {}, "their": {}, "they": {}, "them": {}, "been": {},
	"into": {}, "also": {}, "than": {}, "then": {}, "when": {}, "what": {},
	"all": {}, "any": {}, "our": {}, "out": {}, "use": {}, "used": {},
}

// TokenizeNonStopword is Tokenize filtered against a small compile-time
// stopword table, used to derive the most frequent meaningful tokens from
// a session's captured context.
func TokenizeNonStopword(text string, minLen int) []string {
	tokens := Tokenize(text, minLen)
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, stop := stopwords[t]; !stop {
			out = append(out, t)
		}
	}
	return out
}
