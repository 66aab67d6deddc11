// Package tui renders the talking board in the terminal.
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bodul/planchette/internal/api"
	"github.com/bodul/planchette/internal/board"
	"github.com/bodul/planchette/internal/effects"
	"github.com/bodul/planchette/internal/player"
	"github.com/bodul/planchette/internal/session"
)

const (
	logLines    = 8
	helplineURL = "https://findahelpline.com"
)

// Options configures the board model.
type Options struct {
	Layout *board.Layout
	// Submit queues a question; it is called off the UI goroutine.
	Submit func(string) error
	Log    *session.Log
	// Model names the spirit's model in exported transcripts.
	Model          string
	ExportDir      string
	MaxQuestionLen int
	ShowPerf       bool
	Now            func() time.Time
}

type submittedMsg struct{ err error }

type exportedMsg struct {
	path string
	err  error
}

// Model is the board's bubbletea state. Engine notifications (player steps,
// effects, ambience levels and session events) arrive as messages.
type Model struct {
	opts   Options
	styles Styles
	keys   KeyMap
	input  textinput.Model

	active   board.Key
	resting  bool
	revealed string
	entries  []session.Entry

	busy    bool
	waiting bool
	crisis  bool
	effect  string
	cue     string
	levels  effects.Levels
	model   api.ModelStatus
	perf    *api.Perf
	notice  string
	failure string
}

// New returns the initial board model.
func New(opts Options) Model {
	if opts.Layout == nil {
		opts.Layout = board.DefaultLayout()
	}
	if opts.MaxQuestionLen <= 0 {
		opts.MaxQuestionLen = 150
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "."
	}

	ti := textinput.New()
	ti.Placeholder = "Ask the spirit..."
	ti.Prompt = "› "
	ti.CharLimit = opts.MaxQuestionLen
	ti.Width = canvasWidth - 4
	ti.Focus()

	return Model{
		opts:    opts,
		styles:  DefaultStyles(),
		keys:    DefaultKeyMap(),
		input:   ti,
		resting: true,
		levels:  effects.Levels{Volume: effects.DefaultAmbienceConfig().IdleVolume, Rate: 1},
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case player.Step:
		if msg.Command.Kind == board.MoveTo {
			m.active = msg.Command.Key
			m.resting = false
		}
		m.revealed = msg.Revealed
	case player.Rested:
		m.active = ""
		m.resting = true

	case effects.Started:
		m.effect = msg.Effect
		m.cue = msg.Cue
	case effects.Ended:
		if m.effect == msg.Effect {
			m.effect = ""
			m.cue = ""
		}
	case effects.Levels:
		m.levels = msg

	case session.Busy:
		m.busy = msg.On
	case session.Waiting:
		m.waiting = msg.On
	case session.CycleStarted:
		m.revealed = ""
		m.crisis = false
		m.failure = ""
	case session.Crisis:
		m.crisis = true
	case session.EntryAdded:
		m.entries = append(m.entries, msg.Entry)
	case session.PerfReport:
		perf := msg.Perf
		m.perf = &perf
	case session.Failed:
		m.failure = fmt.Sprintf("The spirits are silent (%q): %v", msg.Question, msg.Err)
	case session.ModelState:
		m.model = msg.Status

	case submittedMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		}
	case exportedMsg:
		if msg.err != nil {
			m.notice = "export failed: " + msg.err.Error()
		} else {
			m.notice = "transcript saved to " + msg.path
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Export):
		return m, m.export()

	case key.Matches(msg, m.keys.Ask):
		q := strings.TrimSpace(m.input.Value())
		if q == "" || m.opts.Submit == nil {
			return m, nil
		}
		m.input.Reset()
		m.notice = ""
		submit := m.opts.Submit
		return m, func() tea.Msg {
			return submittedMsg{err: submit(q)}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// export writes the session transcript into the export directory.
func (m Model) export() tea.Cmd {
	if m.opts.Log == nil {
		return nil
	}
	now := m.opts.Now()
	path := filepath.Join(m.opts.ExportDir, session.TranscriptFilename(now))
	entries := m.opts.Log.Entries()
	meta := session.Meta{Date: now, Model: m.opts.Model}
	return func() tea.Msg {
		f, err := os.Create(path)
		if err != nil {
			return exportedMsg{err: err}
		}
		if err := session.WriteTranscript(f, entries, meta); err != nil {
			f.Close()
			return exportedMsg{err: err}
		}
		return exportedMsg{path: path, err: f.Close()}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	s := m.styles
	var sections []string

	title := s.Title.Render("PLANCHETTE")
	ambience := s.Status.Render(fmt.Sprintf("ambience %.2f × %.2f", m.levels.Volume, m.levels.Rate))
	sections = append(sections, title+"  "+ambience)

	boardStyle := s.Board
	if c, ok := s.Effect[m.effect]; ok {
		boardStyle = boardStyle.BorderForeground(c)
	}
	canvas := drawBoard(m.opts.Layout, m.active, m.resting, s)
	if m.effect == effects.Fadeout {
		canvas = lipgloss.NewStyle().Faint(true).Render(canvas)
	}
	sections = append(sections, boardStyle.Render(canvas))

	sections = append(sections, s.Revealed.Render(m.revealed))

	if m.crisis {
		sections = append(sections, s.Crisis.Render("You are not alone. Help is available: "+helplineURL))
	}

	if status := m.statusLine(); status != "" {
		sections = append(sections, s.Status.Render(status))
	}
	if m.failure != "" {
		sections = append(sections, s.Error.Render(m.failure))
	}
	if m.notice != "" {
		sections = append(sections, s.Status.Render(m.notice))
	}

	if log := m.renderLog(); log != "" {
		sections = append(sections, log)
	}

	sections = append(sections, m.input.View())
	sections = append(sections, s.Help.Render(fmt.Sprintf("%s %s • %s %s • %s %s",
		m.keys.Ask.Help().Key, m.keys.Ask.Help().Desc,
		m.keys.Export.Help().Key, m.keys.Export.Help().Desc,
		m.keys.Quit.Help().Key, m.keys.Quit.Help().Desc,
	)))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) statusLine() string {
	var parts []string
	switch m.model.Status {
	case api.StatusDownloading:
		parts = append(parts, fmt.Sprintf("summoning the spirit… %d%%", int(m.model.Progress*100)))
	case api.StatusError:
		parts = append(parts, "the spirit could not be summoned: "+m.model.Error)
	}
	if m.waiting {
		parts = append(parts, "the spirit is listening…")
	} else if m.busy {
		parts = append(parts, "the planchette moves…")
	}
	if m.effect != "" {
		effect := m.effect
		if m.cue != "" {
			effect += " (" + m.cue + ")"
		}
		parts = append(parts, effect)
	}
	if m.opts.ShowPerf && m.perf != nil {
		parts = append(parts, fmt.Sprintf("response %dms • total %dms • %d tokens • crisis check %dms",
			m.perf.ResponseMS, m.perf.TotalMS, m.perf.Tokens, m.perf.CrisisMS))
	}
	return strings.Join(parts, " · ")
}

func (m Model) renderLog() string {
	entries := m.entries
	if len(entries) > logLines {
		entries = entries[len(entries)-logLines:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Role == session.RoleUser {
			lines = append(lines, m.styles.You.Render("You: ")+e.Text)
			continue
		}
		line := m.styles.Spirit.Render("Spirit: ") + e.Text
		if e.Flagged {
			line += " " + m.styles.Error.Render("(help: "+helplineURL+")")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Run runs p until it exits or ctx is cancelled.
func Run(ctx context.Context, p *tea.Program) error {
	stop := context.AfterFunc(ctx, p.Quit)
	defer stop()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("board: %w", err)
	}
	return nil
}
