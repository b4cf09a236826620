package chunker

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	controlRe     = regexp.MustCompile(`[\x00-\x09\x0B\x0C\x0E-\x1F]+`)
	newlineRunRe  = regexp.MustCompile(`\s*\n\s*`)
	spaceRunRe    = regexp.MustCompile(`[^\S\n]+`)
	sentenceRe    = regexp.MustCompile(`(?s)(.+?[.?!\n]+)|(.+?$)`)
)

// Canonicalize produces canonical text: NFKC-normalized, line endings
// unified, whitespace collapsed, trimmed.
func Canonicalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Reflow cleans extracted PDF page text: strips control characters, keeps
// paragraph breaks while joining wrapped lines, then collapses runs of
// whitespace.
func Reflow(s string) string {
	if s == "" {
		return s
	}
	s = controlRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = newlineRunRe.ReplaceAllStringFunc(s, func(m string) string {
		if strings.Count(m, "\n") >= 2 {
			return "\n\n"
		}
		return " "
	})
	s = spaceRunRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SentenceSpans splits canonical text at sentence-ending punctuation (or
// end of text), preserving order. Empty fragments are dropped.
func SentenceSpans(text string) []string {
	var out []string
	for _, m := range sentenceRe.FindAllString(text, -1) {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}
