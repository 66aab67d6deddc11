// Package effects decides when the board reacts to a control word and keeps
// the ambient loop in step with it.
package effects

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bodul/planchette/internal/board"
)

// Effect names.
const (
	Shake   = "shake"
	Glow    = "glow"
	Flicker = "flicker"
	Fadeout = "fadeout"
)

// CueAnger is the sound cue played when the board shakes.
const CueAnger = "anger"

// Rule maps a control word to an effect.
type Rule struct {
	Word        board.Key     `yaml:"word"`
	Effect      string        `yaml:"effect"`
	Probability float64       `yaml:"probability"`
	Duration    time.Duration `yaml:"-"`
	// Jitter switches the player to its random cadence for the duration.
	Jitter bool `yaml:"jitter"`
	// Hold, when set, overrides the ambience for the duration.
	Hold *Levels `yaml:"hold,omitempty"`
	Cue  string  `yaml:"cue,omitempty"`
}

// DefaultRules returns the stock effect table.
func DefaultRules() []Rule {
	return []Rule{
		{Word: board.No, Effect: Shake, Probability: 0.2, Duration: 7 * time.Second, Jitter: true, Hold: &Levels{Volume: 0.9, Rate: 0.5}, Cue: CueAnger},
		{Word: board.Yes, Effect: Glow, Probability: 0.1, Duration: 5 * time.Second},
		{Word: board.Maybe, Effect: Flicker, Probability: 0.4, Duration: 1500 * time.Millisecond},
		{Word: board.Goodbye, Effect: Fadeout, Probability: 1, Duration: 2500 * time.Millisecond},
	}
}

// Started is sent when an effect begins.
type Started struct {
	Effect   string
	Word     board.Key
	Duration time.Duration
	Cue      string
}

// Ended is sent when the active effect reverts.
type Ended struct {
	Effect string
}

// Rand is the draw source. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Jitterer is implemented by the animation player.
type Jitterer interface {
	SetJitter(on bool)
}

// Trigger fires at most one effect at a time; a new effect replaces the
// active one and its pending revert.
type Trigger struct {
	rules    map[board.Key]Rule
	rng      Rand
	jitter   Jitterer
	ambience *Ambience
	notify   func(any)

	mu     sync.Mutex
	active *Rule
	gen    uint64
	revert *time.Timer
	closed bool
}

// TriggerOption configures a Trigger.
type TriggerOption func(*Trigger)

// WithRand sets the draw source.
func WithRand(r Rand) TriggerOption {
	return func(t *Trigger) { t.rng = r }
}

// WithJitterer sets the player switched by jitter effects.
func WithJitterer(j Jitterer) TriggerOption {
	return func(t *Trigger) { t.jitter = j }
}

// WithAmbience sets the ambience held by effects with a Hold level.
func WithAmbience(a *Ambience) TriggerOption {
	return func(t *Trigger) { t.ambience = a }
}

// WithNotify sets the receiver of Started and Ended values.
func WithNotify(fn func(any)) TriggerOption {
	return func(t *Trigger) { t.notify = fn }
}

// NewTrigger builds a trigger over rules. Later rules for the same word
// replace earlier ones.
func NewTrigger(rules []Rule, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		rules:  make(map[board.Key]Rule, len(rules)),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x2545f4914f6cdd1d)),
		notify: func(any) {},
	}
	for _, r := range rules {
		t.rules[r.Word] = r
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Fire draws for word and starts its effect on success. It reports whether
// an effect started.
func (t *Trigger) Fire(word board.Key) bool {
	t.mu.Lock()
	rule, ok := t.rules[word]
	if !ok || t.closed {
		t.mu.Unlock()
		return false
	}
	if rule.Probability < 1 && t.rng.Float64() >= rule.Probability {
		t.mu.Unlock()
		return false
	}

	t.gen++
	gen := t.gen
	if t.revert != nil {
		t.revert.Stop()
	}
	t.active = &rule
	if rule.Jitter && t.jitter != nil {
		t.jitter.SetJitter(true)
	}
	if rule.Hold != nil && t.ambience != nil {
		t.ambience.Hold(*rule.Hold)
	}
	t.revert = time.AfterFunc(rule.Duration, func() { t.end(gen) })
	t.mu.Unlock()

	t.notify(Started{Effect: rule.Effect, Word: word, Duration: rule.Duration, Cue: rule.Cue})
	return true
}

func (t *Trigger) end(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.active == nil {
		t.mu.Unlock()
		return
	}
	name := t.active.Effect
	t.clearLocked()
	t.mu.Unlock()

	t.notify(Ended{Effect: name})
}

// clearLocked reverts whatever the active effect changed.
func (t *Trigger) clearLocked() {
	t.active = nil
	t.revert = nil
	if t.jitter != nil {
		t.jitter.SetJitter(false)
	}
	if t.ambience != nil {
		t.ambience.Release()
	}
}

// Active returns the running effect name, or "".
func (t *Trigger) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return ""
	}
	return t.active.Effect
}

// Close cancels the pending revert without reverting.
func (t *Trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.gen++
	if t.revert != nil {
		t.revert.Stop()
		t.revert = nil
	}
}
