package board

import (
	"errors"
	"fmt"
	"strings"
)

// ErrVocabulary reports a control vocabulary the accumulator cannot resolve.
var ErrVocabulary = errors.New("board: invalid control vocabulary")

// Phase is where the accumulator stands between emitted words.
type Phase uint8

const (
	// Fresh: nothing emitted for this answer yet.
	Fresh Phase = iota
	// InWord: output emitted, no boundary pending.
	InWord
	// BreakPending: a space or period was seen after the last output.
	BreakPending
	// AfterEllipsis: an ellipsis was seen after the last output.
	AfterEllipsis
	// AfterControl: a control word completed; the next output needs a dot
	// and a break in front of it.
	AfterControl
	// ControlBreak is AfterControl with a break seen since.
	ControlBreak
	// ControlEllipsis is AfterControl with an ellipsis seen since.
	ControlEllipsis
)

var phaseNames = [...]string{"fresh", "in-word", "break-pending", "after-ellipsis", "after-control", "control-break", "control-ellipsis"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

func (p Phase) emitted() bool { return p != Fresh }

func (p Phase) needsDot() bool {
	return p == AfterControl || p == ControlBreak || p == ControlEllipsis
}

func (p Phase) boundary() Boundary {
	switch p {
	case BreakPending, ControlBreak:
		return BreakBoundary
	case AfterEllipsis, ControlEllipsis:
		return EllipsisBoundary
	default:
		return NoBoundary
	}
}

// withBoundary records b without losing a pending dot separator. Boundaries
// before the first output are dropped so answers never open with a break.
func (p Phase) withBoundary(b Boundary) Phase {
	if p == Fresh || b == NoBoundary {
		return p
	}
	if p.needsDot() {
		if b == EllipsisBoundary {
			return ControlEllipsis
		}
		return ControlBreak
	}
	if b == EllipsisBoundary {
		return AfterEllipsis
	}
	return BreakPending
}

// settled drops the pending boundary once a new word has taken it over as
// its separators. A pending dot survives until the word is emitted.
func (p Phase) settled() Phase {
	switch p {
	case BreakPending, AfterEllipsis:
		return InWord
	case ControlBreak, ControlEllipsis:
		return AfterControl
	default:
		return p
	}
}

// Result is what one fragment produced.
type Result struct {
	Commands []Command
	// Matched lists control words completed by the fragment, in order.
	Matched []Key
}

func (r *Result) add(cmds ...Command) { r.Commands = append(r.Commands, cmds...) }

func (r *Result) merge(o Result) {
	r.Commands = append(r.Commands, o.Commands...)
	r.Matched = append(r.Matched, o.Matched...)
}

// Accumulator assembles classified fragments into board commands. It is not
// safe for concurrent use; one accumulator serves one answer at a time.
type Accumulator struct {
	layout *Layout
	words  []Key
	final  Key
	buf    string
	phase  Phase

	// Separators owed by the buffered word, fixed when it started, and the
	// phase to fall back to if the word turns out to have no glyphs.
	sepDot   bool
	sepBreak bool
	owed     Phase
}

// NewAccumulator returns an accumulator over layout recognising words.
// GOODBYE, when present, closes the conversation and never takes a dot
// separator in front of it.
func NewAccumulator(layout *Layout, words []Key) *Accumulator {
	a := &Accumulator{layout: layout, words: words}
	if IsControl(Goodbye, words) {
		a.final = Goodbye
	}
	return a
}

// CheckVocabulary verifies every word is on layout and that no word is a
// strict prefix of another, which would leave the shorter one unreachable.
func CheckVocabulary(layout *Layout, words []Key) error {
	for _, w := range words {
		if w == "" {
			return fmt.Errorf("%w: empty word", ErrVocabulary)
		}
		if !layout.Has(w) {
			return fmt.Errorf("%w: %s is not on the board", ErrVocabulary, w)
		}
		for _, o := range words {
			if o != w && strings.HasPrefix(string(o), string(w)) {
				return fmt.Errorf("%w: %s is a prefix of %s", ErrVocabulary, w, o)
			}
		}
	}
	return nil
}

// Phase returns the current phase.
func (a *Accumulator) Phase() Phase { return a.phase }

// Pending returns the buffered, not yet emitted text.
func (a *Accumulator) Pending() string { return a.buf }

// Reset clears all state for a new answer.
func (a *Accumulator) Reset() {
	a.buf = ""
	a.phase = Fresh
	a.sepDot, a.sepBreak = false, false
}

// FeedText splits a raw chunk into words and feeds each one.
func (a *Accumulator) FeedText(raw string) Result {
	var res Result
	for _, piece := range Split(raw) {
		res.merge(a.Feed(Classify(piece)))
	}
	return res
}

// Feed consumes one classified fragment.
func (a *Accumulator) Feed(f Fragment) Result {
	var res Result

	if f.Empty() {
		res.add(a.flush()...)
		a.phase = a.phase.withBoundary(f.Signal())
		return res
	}

	prev := a.phase
	shouldBreak := prev.boundary() == BreakBoundary ||
		(f.LeadingSpace && prev.emitted() && prev.boundary() != EllipsisBoundary)

	if shouldBreak && a.buf != "" {
		res.add(a.flush()...)
		prev = a.phase
	}
	if a.buf == "" {
		a.sepDot, a.sepBreak = prev.needsDot(), shouldBreak
		a.owed = prev
		a.phase = prev.settled()
	}

	a.buf += f.Clean
	word := Key(a.buf)

	switch {
	case IsControl(word, a.words):
		a.buf = ""
		switch {
		case a.sepDot && word != a.final:
			res.add(dotCmd, breakCmd)
		case a.sepBreak:
			res.add(breakCmd)
		}
		res.add(Move(word))
		res.Matched = append(res.Matched, word)
		if word == a.final {
			a.phase = InWord
		} else {
			a.phase = AfterControl
		}

	case hasPrefixOf(a.buf, a.words):
		// Could still become a control word; wait for more input.

	default:
		res.add(a.flush()...)
	}

	a.phase = a.phase.withBoundary(f.Trailing)
	return res
}

// Finish flushes whatever is still buffered and closes the answer with a dot
// if anything was emitted.
func (a *Accumulator) Finish() []Command {
	out := a.flush()
	if a.phase.emitted() {
		out = append(out, dotCmd)
	}
	return out
}

// flush emits the buffered text as plain letters, preceded by the separators
// owed since the word started. Characters missing from the board are dropped.
func (a *Accumulator) flush() []Command {
	if a.buf == "" {
		return nil
	}
	targets := a.layout.Letters(a.buf)
	a.buf = ""
	if len(targets) == 0 {
		a.sepDot, a.sepBreak = false, false
		a.phase = a.owed
		return nil
	}
	var out []Command
	switch {
	case a.sepDot:
		out = append(out, dotCmd, breakCmd)
	case a.sepBreak:
		out = append(out, breakCmd)
	}
	a.sepDot, a.sepBreak = false, false
	a.phase = InWord
	return append(out, moves(targets)...)
}
