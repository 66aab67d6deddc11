package tui

import (
	"math"
	"strings"

	"github.com/bodul/planchette/internal/board"
)

const (
	canvasWidth  = 66
	canvasHeight = 21
	pointerRune  = '◉'
)

type cell struct {
	r   rune
	key board.Key
}

// drawBoard lays the glyphs out on a character grid scaled from the
// layout's percentages. active is highlighted; when resting, the pointer is
// drawn at the rest position instead.
func drawBoard(layout *board.Layout, active board.Key, resting bool, st Styles) string {
	grid := make([][]cell, canvasHeight)
	for i := range grid {
		grid[i] = make([]cell, canvasWidth)
		for j := range grid[i] {
			grid[i][j] = cell{r: ' '}
		}
	}

	for _, k := range layout.Glyphs() {
		c, _ := layout.Lookup(k)
		row, col := project(c)
		label := []rune(string(k))
		start := col - len(label)/2
		start = max(0, min(start, canvasWidth-len(label)))
		for i, r := range label {
			grid[row][start+i] = cell{r: r, key: k}
		}
	}

	if resting {
		if c, ok := layout.Lookup(board.Rest); ok {
			row, col := project(c)
			grid[row][col] = cell{r: pointerRune, key: board.Rest}
		}
	}

	var b strings.Builder
	for i, line := range grid {
		if i > 0 {
			b.WriteByte('\n')
		}
		renderRow(&b, line, active, st)
	}
	return b.String()
}

// renderRow styles runs of cells that belong to the same key.
func renderRow(b *strings.Builder, line []cell, active board.Key, st Styles) {
	for i := 0; i < len(line); {
		j := i + 1
		for j < len(line) && line[j].key == line[i].key {
			j++
		}
		var run strings.Builder
		for _, c := range line[i:j] {
			run.WriteRune(c.r)
		}
		k := line[i].key
		switch {
		case k == "":
			b.WriteString(run.String())
		case k == board.Rest:
			b.WriteString(st.Pointer.Render(run.String()))
		case k == active:
			b.WriteString(st.Active.Render(run.String()))
		case len(k) > 1:
			b.WriteString(st.Control.Render(run.String()))
		default:
			b.WriteString(st.Glyph.Render(run.String()))
		}
		i = j
	}
}

func project(c board.Coordinate) (row, col int) {
	row = int(math.Round(c.Y / 100 * float64(canvasHeight-1)))
	col = int(math.Round(c.X / 100 * float64(canvasWidth-1)))
	return max(0, min(row, canvasHeight-1)), max(0, min(col, canvasWidth-1))
}
