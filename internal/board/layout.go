package board

import (
	"math"
	"strings"
)

// Key identifies a drawable position on the board: a letter, a digit or a
// control word. Rest is the only key with a position that is not a glyph.
type Key string

const (
	Yes     Key = "YES"
	No      Key = "NO"
	Maybe   Key = "MAYBE"
	Goodbye Key = "GOODBYE"

	// Rest is where the pointer sits between answers.
	Rest Key = "_REST"
)

// ControlWords is the live vocabulary, longest first.
var ControlWords = []Key{Goodbye, Maybe, Yes, No}

// Coordinate is a position within the board's bounding box, in percent.
type Coordinate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Layout maps glyph keys to their board coordinates.
type Layout struct {
	items map[Key]Coordinate
	order []Key
}

// DefaultLayout returns the standard board: the three answers along the top,
// two arched alphabet rows, a digit row and GOODBYE at the bottom.
func DefaultLayout() *Layout {
	l := &Layout{items: make(map[Key]Coordinate)}

	l.add(Yes, Coordinate{X: 25, Y: 8})
	l.add(No, Coordinate{X: 75, Y: 8})
	l.add(Maybe, Coordinate{X: 50, Y: 8})

	l.arc("ABCDEFGHIJKLM", 30)
	l.arc("NOPQRSTUVWXYZ", 50)

	digits := "1234567890"
	for i, ch := range digits {
		t := float64(i) / float64(len(digits)-1)
		l.add(Key(string(ch)), Coordinate{X: 15 + t*70, Y: 70})
	}

	l.add(Goodbye, Coordinate{X: 50, Y: 88})
	l.add(Rest, Coordinate{X: 50, Y: 55})
	return l
}

func (l *Layout) arc(row string, base float64) {
	n := len(row)
	for i, ch := range row {
		t := float64(i) / float64(n-1)
		l.add(Key(string(ch)), Coordinate{X: 8 + t*84, Y: base - math.Sin(math.Pi*t)*6})
	}
}

func (l *Layout) add(k Key, c Coordinate) {
	if _, ok := l.items[k]; !ok {
		l.order = append(l.order, k)
	}
	l.items[k] = c
}

// Lookup returns the coordinate of k.
func (l *Layout) Lookup(k Key) (Coordinate, bool) {
	c, ok := l.items[k]
	return c, ok
}

// Has reports whether k is on the board.
func (l *Layout) Has(k Key) bool {
	_, ok := l.items[k]
	return ok
}

// Glyphs returns every drawable key in layout order, without Rest.
func (l *Layout) Glyphs() []Key {
	out := make([]Key, 0, len(l.order))
	for _, k := range l.order {
		if k != Rest {
			out = append(out, k)
		}
	}
	return out
}

// Letters expands s into one key per rune that exists on the board. Anything
// else (punctuation, symbols, unknown scripts) is dropped.
func (l *Layout) Letters(s string) []Key {
	var out []Key
	for _, r := range s {
		k := Key(string(r))
		if l.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// IsControl reports whether k is one of words.
func IsControl(k Key, words []Key) bool {
	for _, w := range words {
		if w == k {
			return true
		}
	}
	return false
}

func hasPrefixOf(buf string, words []Key) bool {
	for _, w := range words {
		if len(buf) < len(w) && strings.HasPrefix(string(w), buf) {
			return true
		}
	}
	return false
}
