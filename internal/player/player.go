// Package player drains board commands one at a time on timers.
package player

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/bodul/planchette/internal/board"
)

// Timing holds the per-command delays.
type Timing struct {
	Break time.Duration
	Dot   time.Duration
	// Move is the steady delay after each glyph.
	Move time.Duration
	// JitterMin and JitterMax bound the random glyph delay used while a
	// jitter effect is active.
	JitterMin time.Duration
	JitterMax time.Duration
	// Rest is how long the pointer lingers before returning to rest.
	Rest time.Duration
}

// DefaultTiming returns the board's usual cadence.
func DefaultTiming() Timing {
	return Timing{
		Break:     300 * time.Millisecond,
		Dot:       200 * time.Millisecond,
		Move:      time.Second,
		JitterMin: 350 * time.Millisecond,
		JitterMax: time.Second,
		Rest:      1500 * time.Millisecond,
	}
}

// Step reports one executed command.
type Step struct {
	Command board.Command
	// Position is where the pointer is after the step. Breaks and dots
	// leave it where it was.
	Position board.Coordinate
	Index    int
	Revealed string
}

// Rested reports the pointer returning to its rest position.
type Rested struct {
	Position board.Coordinate
}

// Player is a single-flight FIFO executor of board commands. Commands run
// strictly in enqueue order; the next one starts only after the previous
// one's delay has elapsed.
type Player struct {
	layout *board.Layout
	timing Timing
	notify func(any)

	mu       sync.Mutex
	rng      *rand.Rand
	queue    []board.Command
	revealed []board.Command
	text     strings.Builder
	pos      board.Coordinate
	playing  bool
	jitter   bool
	closed   bool
	gen      uint64
	done     chan struct{}
	step     *time.Timer
	rest     *time.Timer
}

// New returns an idle player. notify receives Step and Rested values; it is
// called from the player's timer goroutine and must not block for long.
func New(layout *board.Layout, timing Timing, notify func(any)) *Player {
	if notify == nil {
		notify = func(any) {}
	}
	done := make(chan struct{})
	close(done)
	rest, _ := layout.Lookup(board.Rest)
	return &Player{
		layout: layout,
		timing: timing,
		notify: notify,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		pos:    rest,
		done:   done,
	}
}

// Enqueue appends cmds to the tail of the queue and starts playback if the
// player is idle. It never reorders or interrupts queued commands.
func (p *Player) Enqueue(cmds ...board.Command) {
	if len(cmds) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, cmds...)
	if p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = true
	p.done = make(chan struct{})
	if p.rest != nil {
		p.rest.Stop()
		p.rest = nil
	}
	gen := p.gen
	p.mu.Unlock()

	p.advance(gen)
}

// advance executes the head of the queue and schedules the next step, or
// goes idle when the queue is empty.
func (p *Player) advance(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.queue) == 0 {
		p.idleLocked()
		p.mu.Unlock()
		return
	}

	cmd := p.queue[0]
	p.queue = p.queue[1:]
	if cmd.Kind == board.MoveTo {
		if c, ok := p.layout.Lookup(cmd.Key); ok {
			p.pos = c
		}
	}
	p.revealed = append(p.revealed, cmd)
	p.text.WriteString(cmd.String())
	step := Step{Command: cmd, Position: p.pos, Index: len(p.revealed) - 1, Revealed: p.text.String()}
	delay := p.delayLocked(cmd)
	p.mu.Unlock()

	p.notify(step)

	p.mu.Lock()
	if gen == p.gen && !p.closed {
		p.step = time.AfterFunc(delay, func() { p.advance(gen) })
	}
	p.mu.Unlock()
}

func (p *Player) idleLocked() {
	p.playing = false
	p.step = nil
	close(p.done)
	if p.timing.Rest < 0 {
		return
	}
	gen := p.gen
	p.rest = time.AfterFunc(p.timing.Rest, func() {
		p.mu.Lock()
		if gen != p.gen || p.playing || p.closed {
			p.mu.Unlock()
			return
		}
		rest, _ := p.layout.Lookup(board.Rest)
		p.pos = rest
		p.rest = nil
		p.mu.Unlock()
		p.notify(Rested{Position: rest})
	})
}

func (p *Player) delayLocked(cmd board.Command) time.Duration {
	switch cmd.Kind {
	case board.Break:
		return p.timing.Break
	case board.Dot:
		return p.timing.Dot
	}
	if !p.jitter || p.timing.JitterMax <= p.timing.JitterMin {
		return p.timing.Move
	}
	span := p.timing.JitterMax - p.timing.JitterMin
	return p.timing.JitterMin + time.Duration(p.rng.Int64N(int64(span)))
}

// SetJitter switches glyph delays between the steady and the random cadence.
func (p *Player) SetJitter(on bool) {
	p.mu.Lock()
	p.jitter = on
	p.mu.Unlock()
}

// Done returns a channel that is closed while the player is idle with an
// empty queue. A new channel is handed out each time playback starts.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Wait blocks until the queue has drained or ctx is done.
func (p *Player) Wait(ctx context.Context) error {
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Playing reports whether a command is in progress or queued.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Revealed returns the text of every command executed since the last Reset.
func (p *Player) Revealed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text.String()
}

// Sequence returns a copy of the executed commands since the last Reset.
func (p *Player) Sequence() []board.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]board.Command, len(p.revealed))
	copy(out, p.revealed)
	return out
}

// Reset drops queued commands and the revealed sequence. Playback in
// progress stops after its current delay is abandoned.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.stopTimersLocked()
	p.queue = nil
	p.revealed = nil
	p.text.Reset()
	if p.playing {
		p.playing = false
		close(p.done)
	}
}

// Close stops all timers. Further enqueues are ignored.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.gen++
	p.stopTimersLocked()
	p.queue = nil
	if p.playing {
		p.playing = false
		close(p.done)
	}
}

func (p *Player) stopTimersLocked() {
	if p.step != nil {
		p.step.Stop()
		p.step = nil
	}
	if p.rest != nil {
		p.rest.Stop()
		p.rest = nil
	}
}
