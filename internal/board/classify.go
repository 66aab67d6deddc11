package board

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const ellipsis = "..."

// Boundary is the kind of word boundary a fragment carries.
type Boundary uint8

const (
	NoBoundary Boundary = iota
	BreakBoundary
	EllipsisBoundary
)

// Fragment is a classified piece of streamed answer text.
type Fragment struct {
	Raw string
	// Clean holds the uppercased, diacritic-free text with periods and
	// whitespace removed. It may still contain punctuation the board lacks.
	Clean string
	// Ellipsis is set when Raw contained "...".
	Ellipsis bool
	// Break is set when Raw, with ellipses removed, had a period or whitespace.
	Break bool
	// LeadingSpace is set when Raw, with ellipses removed, starts with whitespace.
	LeadingSpace bool
	// Trailing is the boundary after the last letter-bearing rune.
	Trailing Boundary
}

// Empty reports whether the fragment carries no letters.
func (f Fragment) Empty() bool { return f.Clean == "" }

// Signal is the boundary an empty fragment stands for. Ellipsis wins over a
// plain break.
func (f Fragment) Signal() Boundary {
	switch {
	case f.Ellipsis:
		return EllipsisBoundary
	case f.Break:
		return BreakBoundary
	default:
		return NoBoundary
	}
}

// Classify normalizes a raw fragment. It never fails.
func Classify(raw string) Fragment {
	f := Fragment{Raw: raw, Ellipsis: strings.Contains(raw, ellipsis)}

	stripped := strings.ReplaceAll(raw, ellipsis, "")
	if r, _ := utf8.DecodeRuneInString(stripped); r != utf8.RuneError && unicode.IsSpace(r) {
		f.LeadingSpace = true
	}

	var b strings.Builder
	for _, r := range stripped {
		if r == '.' || unicode.IsSpace(r) {
			f.Break = true
			continue
		}
		b.WriteRune(r)
	}
	f.Clean = strings.ToUpper(stripDiacritics(b.String()))
	f.Trailing = trailing(raw)
	return f
}

// stripDiacritics decomposes s and drops combining marks.
func stripDiacritics(s string) string {
	if s == "" {
		return s
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func trailing(raw string) Boundary {
	end := strings.LastIndexFunc(raw, func(r rune) bool {
		return r != '.' && !unicode.IsSpace(r)
	})
	if end < 0 {
		return NoBoundary
	}
	_, size := utf8.DecodeRuneInString(raw[end:])
	tail := raw[end+size:]
	switch {
	case strings.Contains(tail, ellipsis):
		return EllipsisBoundary
	case tail != "":
		return BreakBoundary
	default:
		return NoBoundary
	}
}

// Split cuts a network chunk into single-word pieces, each beginning at a
// whitespace run that follows a word. A chunk holding at most one word comes
// back unchanged. Empty input yields nothing.
func Split(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	prevSpace := true
	for i, r := range raw {
		sp := unicode.IsSpace(r)
		if sp && !prevSpace && i > start {
			out = append(out, raw[start:i])
			start = i
		}
		prevSpace = sp
	}
	return append(out, raw[start:])
}
