package board

import "strings"

// Kind tags an animation command.
type Kind uint8

const (
	// MoveTo slides the pointer onto a glyph.
	MoveTo Kind = iota
	// Break inserts a pause that reads as a space.
	Break
	// Dot inserts a terminal period.
	Dot
)

// Command is one unit of board animation.
type Command struct {
	Kind Kind
	Key  Key
}

// Move returns a MoveTo command for k.
func Move(k Key) Command { return Command{Kind: MoveTo, Key: k} }

var (
	breakCmd = Command{Kind: Break}
	dotCmd   = Command{Kind: Dot}
)

// BreakCommand returns the break marker.
func BreakCommand() Command { return breakCmd }

// DotCommand returns the dot marker.
func DotCommand() Command { return dotCmd }

// String renders the command the way it reads in the revealed answer.
func (c Command) String() string {
	switch c.Kind {
	case Break:
		return " "
	case Dot:
		return "."
	default:
		return string(c.Key)
	}
}

// Render concatenates the revealed text of cmds.
func Render(cmds []Command) string {
	var b strings.Builder
	for _, c := range cmds {
		b.WriteString(c.String())
	}
	return b.String()
}

func moves(keys []Key) []Command {
	out := make([]Command, 0, len(keys))
	for _, k := range keys {
		out = append(out, Move(k))
	}
	return out
}
